package core

import "time"

// DecisionKind is the terminal outcome for one block render.
type DecisionKind int

const (
	// DecisionShowOriginal renders the block untouched.
	DecisionShowOriginal DecisionKind = iota
	// DecisionShowFallback replaces the block with fallback markup.
	DecisionShowFallback
	// DecisionShowPreview renders the block wrapped in preview diagnostics
	// for a privileged viewer.
	DecisionShowPreview
	// DecisionShowNothing suppresses the block entirely.
	DecisionShowNothing
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionShowOriginal:
		return "show"
	case DecisionShowFallback:
		return "fallback"
	case DecisionShowPreview:
		return "preview"
	case DecisionShowNothing:
		return "nothing"
	default:
		return "unknown"
	}
}

// Decision reasons, used for insight events and metrics labels.
const (
	ReasonVisible         = "visible"
	ReasonHidden          = "hidden"
	ReasonSchedule        = "schedule"
	ReasonScheduleInvalid = "schedule_invalid"
	ReasonAdvancedRules   = "advanced_rules"
	ReasonRoles           = "roles"
)

// RenderDecision is what the composer produces for one block.
type RenderDecision struct {
	Kind   DecisionKind
	Markup string
	Badges []string
	Reason string
}

// Output is the markup the pipeline should emit for this decision. The
// original markup is owned by the caller, so DecisionShowOriginal yields
// nothing here.
func (d RenderDecision) Output(original string) string {
	if d.Kind == DecisionShowOriginal {
		return original
	}
	return d.Markup
}

// RenderInput carries everything one compose call needs. FallbackMarkup is
// the already-resolved substitute content; resolving it (inherit vs text
// vs reusable block) is the caller's job.
type RenderInput struct {
	BlockName      string
	Markup         string
	Attrs          AttributeSet
	Viewer         ViewerContext
	Overlay        IdentityOverlay
	Content        ContentContext
	Now            time.Time
	Location       *time.Location
	FallbackMarkup string
}

// Compose runs the fixed-precedence visibility pipeline: hidden flag,
// publish window, advanced rules, then roles. Each stage either
// short-circuits to a terminal decision or, for viewers with preview
// rights, stacks a preview wrapper and lets evaluation continue. Compose
// never fails; malformed input has already been neutralized by
// NormalizeAttributes, and the worst case is showing the original block.
func Compose(in RenderInput) RenderDecision {
	canPreview := in.Viewer.CanPreviewHidden
	now := siteNow(in.Now, in.Location)

	var (
		wrapper       *PreviewWrapper
		badges        []string
		reason        string
		hiddenPreview bool
	)

	inner := func() string {
		if wrapper != nil {
			return wrapper.Render()
		}
		return in.Markup
	}
	wrap := func(label, variant, note, why string) {
		wrapper = &PreviewWrapper{Label: label, Variant: variant, Note: note, Inner: inner()}
		badges = append(badges, label)
		if reason == "" {
			reason = why
		}
	}
	restricted := func(why string) RenderDecision {
		if in.FallbackMarkup == "" {
			return RenderDecision{Kind: DecisionShowNothing, Reason: why}
		}
		return RenderDecision{Kind: DecisionShowFallback, Markup: in.FallbackMarkup, Reason: why}
	}

	// Hidden flag.
	if in.Attrs.Hidden {
		if !canPreview {
			return restricted(ReasonHidden)
		}
		wrap("Hidden block", PreviewVariantHidden, "", ReasonHidden)
		hiddenPreview = true
	}

	// Publish window.
	if in.Attrs.Schedule.Declared() {
		switch in.Attrs.Schedule.Status(now) {
		case WindowInvalid:
			// Ordinary visitors see an invalid schedule as no schedule at
			// all; privileged viewers get a visible error badge.
			if canPreview {
				wrap("Invalid schedule", PreviewVariantError, formatWindow(in.Attrs.Schedule), ReasonScheduleInvalid)
			}
		case WindowOutsideBefore, WindowOutsideAfter:
			if !canPreview {
				return restricted(ReasonSchedule)
			}
			// The scheduled badge replaces whatever was accumulated.
			scheduled := PreviewWrapper{
				Label:   "Scheduled",
				Variant: PreviewVariantScheduled,
				Note:    formatWindow(in.Attrs.Schedule),
				Inner:   in.Markup,
			}
			return RenderDecision{
				Kind:   DecisionShowPreview,
				Markup: renderFallbackNotice(scheduled.Render(), in.FallbackMarkup),
				Badges: []string{"Scheduled"},
				Reason: ReasonSchedule,
			}
		}
	}

	// Advanced rule tree.
	if !in.Attrs.Advanced.Empty() {
		ectx := EvalContext{Content: in.Content, Now: now}
		if !in.Attrs.Advanced.Evaluate(ectx) {
			if !canPreview {
				return restricted(ReasonAdvancedRules)
			}
			wrap("Advanced rules active", PreviewVariantRules, "", ReasonAdvancedRules)
		}
	}

	// Role allow-list.
	if len(in.Attrs.VisibilityRoles) > 0 {
		if !AllowedForRoles(in.Attrs.VisibilityRoles, in.Viewer, in.Overlay) {
			if wrapper != nil {
				return RenderDecision{
					Kind:   DecisionShowPreview,
					Markup: renderFallbackNotice(wrapper.Render(), in.FallbackMarkup),
					Badges: badges,
					Reason: ReasonRoles,
				}
			}
			return restricted(ReasonRoles)
		}
	}

	if hiddenPreview || wrapper != nil {
		return RenderDecision{
			Kind:   DecisionShowPreview,
			Markup: wrapper.Render(),
			Badges: badges,
			Reason: reason,
		}
	}

	return RenderDecision{Kind: DecisionShowOriginal, Reason: ReasonVisible}
}
