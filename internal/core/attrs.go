// Package core implements the block visibility decision engine: attribute
// normalization, schedule and rule evaluation, role gating, and the
// composer that turns all of it into a single render decision.
//
// Everything in this package is pure. Configuration, identity, and the
// current time are passed in by the caller; nothing is read from globals
// and nothing is persisted.
package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

// FallbackBehavior selects what restricted visitors see instead of a block.
type FallbackBehavior string

const (
	FallbackInherit FallbackBehavior = "inherit"
	FallbackText    FallbackBehavior = "text"
	FallbackBlock   FallbackBehavior = "block"
)

// Fallback is the per-block fallback configuration.
type Fallback struct {
	Enabled    bool
	Behavior   FallbackBehavior
	CustomText string
	BlockID    int
}

// Logic combines the rules of a rule set.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// RuleSet is a compound visibility rule tree with a single combining logic.
type RuleSet struct {
	Logic Logic
	Rules []Rule
}

// Empty reports whether the set imposes no constraint.
func (s RuleSet) Empty() bool { return len(s.Rules) == 0 }

// AttributeSet is the normalized, typed visibility configuration for one
// block instance. It is rebuilt from raw attributes on every render.
type AttributeSet struct {
	Hidden          bool
	VisibilityRoles []string
	Schedule        *Window
	Advanced        RuleSet
	Fallback        Fallback
}

// NormalizeAttributes converts a raw, loosely-typed attribute map into an
// AttributeSet. Malformed values never produce an error; they degrade to
// the least restrictive interpretation. Schedule timestamps without a zone
// are interpreted in loc.
func NormalizeAttributes(raw map[string]any, loc *time.Location) AttributeSet {
	if loc == nil {
		loc = time.UTC
	}

	attrs := AttributeSet{
		VisibilityRoles: normalizeRoles(raw["visibilityRoles"]),
		Advanced:        normalizeRuleSet(raw["advancedVisibility"]),
		Fallback:        normalizeFallback(raw["fallback"]),
	}
	attrs.Hidden = Truthy(raw["isHidden"])

	start := parseInstant(raw["startTime"], loc)
	end := parseInstant(raw["endTime"], loc)
	if start != nil || end != nil {
		attrs.Schedule = &Window{Start: start, End: end}
	}

	return attrs
}

// Truthy applies the permissive boolean coercion used for raw attributes.
// Strings are matched against the usual boolean spellings; unrecognized
// strings, nulls, and composite values are false.
func Truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch v {
		case "1", "true", "TRUE", "True", "yes", "YES", "Yes", "on", "ON", "On":
			return true
		}
		return false
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	default:
		return false
	}
}

// normalizeRoles accepts a single string or a list of scalars and returns
// slugified role names, dropping anything that slugifies to nothing.
func normalizeRoles(value any) []string {
	var rawRoles []any
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		rawRoles = []any{v}
	case []string:
		for _, s := range v {
			rawRoles = append(rawRoles, s)
		}
	case []any:
		rawRoles = v
	default:
		rawRoles = []any{v}
	}

	roles := make([]string, 0, len(rawRoles))
	seen := make(map[string]struct{}, len(rawRoles))
	for _, r := range rawRoles {
		s, ok := r.(string)
		if !ok {
			continue
		}
		normalized := slug.Make(s)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		roles = append(roles, normalized)
	}
	return roles
}

// instantLayouts are tried in order when parsing schedule bounds. The
// zoneless layouts are interpreted in the site's location.
var instantLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseInstant(value any, loc *time.Location) *time.Time {
	s, ok := value.(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t
		}
	}
	return nil
}

func normalizeFallback(value any) Fallback {
	m, ok := asMap(value)
	if !ok {
		return Fallback{Behavior: FallbackInherit}
	}

	fb := Fallback{
		Enabled:  Truthy(m["enabled"]),
		Behavior: FallbackInherit,
	}
	if s, ok := m["customText"].(string); ok {
		fb.CustomText = s
	}
	if n, ok := asInt(m["blockId"]); ok && n > 0 {
		fb.BlockID = n
	}
	switch m["behavior"] {
	case string(FallbackText):
		fb.Behavior = FallbackText
	case string(FallbackBlock):
		fb.Behavior = FallbackBlock
	}
	return fb
}

// normalizeRuleSet accepts a structured map or a JSON-encoded string.
// Anything malformed yields the unconstrained set {and, []}.
func normalizeRuleSet(value any) RuleSet {
	set := RuleSet{Logic: LogicAnd}

	m, ok := asMap(value)
	if !ok {
		s, isString := value.(string)
		if !isString || s == "" {
			return set
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return set
		}
		m = decoded
	}

	if logic, ok := m["logic"].(string); ok {
		switch logic {
		case "or", "OR", "any":
			set.Logic = LogicOr
		}
	}

	rawRules, ok := m["rules"].([]any)
	if !ok {
		return set
	}
	for _, rawRule := range rawRules {
		ruleMap, ok := asMap(rawRule)
		if !ok {
			continue
		}
		if rule, ok := parseRule(ruleMap); ok {
			set.Rules = append(set.Rules, rule)
		}
	}
	return set
}

// parseRule validates a single raw rule. Unknown rule types and rules that
// fail validation are dropped; a bad rule never invalidates its siblings.
func parseRule(m map[string]any) (Rule, bool) {
	ruleType, _ := m["type"].(string)
	switch ruleType {
	case "postType":
		value, _ := m["value"].(string)
		return PostTypeRule{Operator: parseMatchOperator(m["operator"]), Value: value}, true
	case "template":
		value, _ := m["value"].(string)
		return TemplateRule{Operator: parseMatchOperator(m["operator"]), Value: value}, true
	case "taxonomy":
		taxonomy, _ := m["taxonomy"].(string)
		if taxonomy == "" {
			return nil, false
		}
		return TaxonomyRule{
			Operator: parseSetOperator(m["operator"]),
			Taxonomy: taxonomy,
			Terms:    stringList(m["terms"]),
		}, true
	case "recurringSchedule":
		return parseRecurringRule(m)
	default:
		// Unknown rule variants are dropped, not rejected. Callers treat
		// the surviving rules as the whole tree.
		return nil, false
	}
}

func parseRecurringRule(m map[string]any) (Rule, bool) {
	rule := RecurringRule{Frequency: FrequencyDaily}

	switch m["frequency"] {
	case string(FrequencyDaily), nil:
	case string(FrequencyWeekly):
		rule.Frequency = FrequencyWeekly
	case string(FrequencyMonthly):
		rule.Frequency = FrequencyMonthly
	case string(FrequencyCustomDates):
		rule.Frequency = FrequencyCustomDates
	default:
		return nil, false
	}

	rawIntervals, _ := m["intervals"].([]any)
	for _, rawInterval := range rawIntervals {
		im, ok := asMap(rawInterval)
		if !ok {
			continue
		}
		startRaw, _ := im["startTime"].(string)
		endRaw, _ := im["endTime"].(string)
		interval, err := ParseClockInterval(startRaw, endRaw)
		if err != nil {
			continue
		}
		rule.Intervals = append(rule.Intervals, interval)
	}
	if len(rule.Intervals) == 0 {
		return nil, false
	}

	for _, day := range stringList(m["days"]) {
		if wd, ok := parseWeekday(day); ok {
			rule.Days = append(rule.Days, wd)
		}
	}
	for _, rawDay := range asList(m["monthDays"]) {
		if n, ok := asInt(rawDay); ok && n >= 1 && n <= 31 {
			rule.MonthDays = append(rule.MonthDays, n)
		}
	}
	for _, date := range stringList(m["dates"]) {
		if _, err := time.Parse("2006-01-02", date); err == nil {
			rule.Dates = append(rule.Dates, date)
		}
	}

	return rule, true
}

func parseMatchOperator(value any) MatchOperator {
	if s, _ := value.(string); s == string(OperatorIsNot) {
		return OperatorIsNot
	}
	return OperatorIs
}

func parseSetOperator(value any) SetOperator {
	if s, _ := value.(string); s == string(OperatorNotIn) {
		return OperatorNotIn
	}
	return OperatorIn
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	wd, ok := weekdays[strings.ToLower(s)]
	return wd, ok
}

func asMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok
}

func asList(value any) []any {
	l, _ := value.([]any)
	return l
}

func stringList(value any) []string {
	var out []string
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func asInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
