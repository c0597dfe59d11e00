package core

import (
	"strings"
	"time"
)

// Wrapper variants. They only affect the modifier class on the rendered
// wrapper so the stylesheet can color-code badges.
const (
	PreviewVariantHidden    = "hidden"
	PreviewVariantError     = "error"
	PreviewVariantScheduled = "scheduled"
	PreviewVariantRules     = "rules"
	PreviewVariantFallback  = "fallback"
)

// PreviewWrapper is the composite preview markup builder. Wrappers nest:
// Inner may itself be the rendered output of another wrapper. Decision
// stages accumulate wrappers and the composer renders the result exactly
// once at the end.
type PreviewWrapper struct {
	Label   string
	Variant string
	Note    string
	Inner   string
}

// Render produces the wrapper's HTML fragment. Labels and notes are
// trusted, engine-generated strings; Inner is inserted verbatim.
func (w PreviewWrapper) Render() string {
	var b strings.Builder
	b.WriteString(`<div class="vb-preview vb-preview--`)
	b.WriteString(w.Variant)
	b.WriteString(`">`)
	b.WriteString(`<span class="vb-preview__badge">`)
	b.WriteString(w.Label)
	b.WriteString(`</span>`)
	if w.Note != "" {
		b.WriteString(`<span class="vb-preview__note">`)
		b.WriteString(w.Note)
		b.WriteString(`</span>`)
	}
	b.WriteString(`<div class="vb-preview__content">`)
	b.WriteString(w.Inner)
	b.WriteString(`</div></div>`)
	return b.String()
}

// renderFallbackNotice wraps preview markup together with the fallback a
// restricted visitor would see, so a privileged viewer can inspect both.
func renderFallbackNotice(inner, fallbackMarkup string) string {
	var b strings.Builder
	b.WriteString(`<div class="vb-preview vb-preview--` + PreviewVariantFallback + `">`)
	b.WriteString(`<span class="vb-preview__badge">Fallback shown to restricted visitors</span>`)
	b.WriteString(`<div class="vb-preview__fallback">`)
	b.WriteString(fallbackMarkup)
	b.WriteString(`</div><div class="vb-preview__content">`)
	b.WriteString(inner)
	b.WriteString(`</div></div>`)
	return b.String()
}

// formatWindow renders a window's bounds for the scheduled badge.
func formatWindow(w *Window) string {
	const layout = "Jan 2, 2006 15:04"
	switch {
	case w == nil:
		return ""
	case w.Start != nil && w.End != nil:
		return "from " + w.Start.Format(layout) + " until " + w.End.Format(layout)
	case w.Start != nil:
		return "from " + w.Start.Format(layout)
	case w.End != nil:
		return "until " + w.End.Format(layout)
	default:
		return ""
	}
}

// siteNow converts now into the site's location, defaulting to UTC.
func siteNow(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return now.UTC()
	}
	return now.In(loc)
}
