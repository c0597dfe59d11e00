package core

// Insight is the analytics event emitted once per render decision. It is
// fire-and-forget: correctness of rendering never depends on it.
type Insight struct {
	Event        string `json:"event"`
	Reason       string `json:"reason"`
	BlockName    string `json:"block_name"`
	PostID       int    `json:"post_id"`
	PostType     string `json:"post_type"`
	IsPreview    bool   `json:"is_preview"`
	UsesFallback bool   `json:"uses_fallback"`
}

// Insight event names.
const (
	InsightVisible  = "visible"
	InsightHidden   = "hidden"
	InsightFallback = "fallback"
	InsightPreview  = "preview"
)

// NewInsight derives the insight event for a finished decision.
func NewInsight(in RenderInput, d RenderDecision) Insight {
	event := InsightVisible
	switch d.Kind {
	case DecisionShowNothing:
		event = InsightHidden
	case DecisionShowFallback:
		event = InsightFallback
	case DecisionShowPreview:
		event = InsightPreview
	}

	return Insight{
		Event:        event,
		Reason:       d.Reason,
		BlockName:    in.BlockName,
		PostID:       in.Content.PostID,
		PostType:     in.Content.PostType,
		IsPreview:    d.Kind == DecisionShowPreview,
		UsesFallback: d.Kind == DecisionShowFallback,
	}
}
