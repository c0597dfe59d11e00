package repository

import (
	"encoding/json"
	"strings"
	"testing"
)

func FuzzNormalizeNotifyChannel(f *testing.F) {
	f.Add("")
	f.Add("settings_events")
	f.Add("  custom_events  ")

	f.Fuzz(func(t *testing.T, channel string) {
		got := normalizeNotifyChannel(channel)
		trimmed := strings.TrimSpace(channel)
		if trimmed == "" {
			if got != defaultNotifyChannel {
				t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, defaultNotifyChannel)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, trimmed)
		}
	})
}

func FuzzListenStatement(f *testing.F) {
	f.Add("settings_events")
	f.Add("custom-events")
	f.Add(`";DROP TABLE settings;--`)

	f.Fuzz(func(t *testing.T, channel string) {
		statement := listenStatement(channel)
		if !strings.HasPrefix(statement, "LISTEN ") {
			t.Fatalf("listenStatement(%q) = %q, want LISTEN prefix", channel, statement)
		}
	})
}

func FuzzMarshalNotifyPayload(f *testing.F) {
	f.Add(int64(0))
	f.Add(int64(1))
	f.Add(int64(-7))

	f.Fuzz(func(t *testing.T, version int64) {
		payload, err := marshalNotifyPayload(version)
		if err != nil {
			t.Fatalf("marshalNotifyPayload() error = %v", err)
		}

		var decoded struct {
			StylesheetVersion int64 `json:"stylesheet_version"`
		}
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			t.Fatalf("notify payload should be valid JSON: %v", err)
		}
		if decoded.StylesheetVersion != version {
			t.Fatalf("decoded version = %d, want %d", decoded.StylesheetVersion, version)
		}
	})
}
