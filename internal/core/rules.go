package core

import "time"

// MatchOperator is the operator for single-value rules.
type MatchOperator string

const (
	OperatorIs    MatchOperator = "is"
	OperatorIsNot MatchOperator = "is_not"
)

// SetOperator is the operator for term-membership rules.
type SetOperator string

const (
	OperatorIn    SetOperator = "in"
	OperatorNotIn SetOperator = "not_in"
)

// ContentContext describes the content a block is being rendered inside.
type ContentContext struct {
	PostID       int
	PostType     string
	TemplateSlug string
	// Terms maps taxonomy name to the content's terms in that taxonomy.
	Terms map[string][]string
}

// EvalContext carries everything a rule may inspect.
type EvalContext struct {
	Content ContentContext
	// Now is the current time in the site's location.
	Now time.Time
}

// Rule is one visibility rule of a compound tree. The set of
// implementations is closed; unknown variants cannot reach the evaluator
// because normalization drops them.
type Rule interface {
	Match(ctx EvalContext) bool
	isRule()
}

// PostTypeRule matches the content's post type. An empty target value
// always matches: a configured-but-unset rule is a no-op.
type PostTypeRule struct {
	Operator MatchOperator
	Value    string
}

func (PostTypeRule) isRule() {}

func (r PostTypeRule) Match(ctx EvalContext) bool {
	return matchValue(r.Operator, r.Value, ctx.Content.PostType)
}

// TemplateRule matches the content's resolved template slug, with the same
// empty-value semantics as PostTypeRule.
type TemplateRule struct {
	Operator MatchOperator
	Value    string
}

func (TemplateRule) isRule() {}

func (r TemplateRule) Match(ctx EvalContext) bool {
	return matchValue(r.Operator, r.Value, ctx.Content.TemplateSlug)
}

func matchValue(op MatchOperator, want, got string) bool {
	if want == "" {
		return true
	}
	if op == OperatorIsNot {
		return want != got
	}
	return want == got
}

// TaxonomyRule tests membership of the content's terms against the rule's
// term set. With no terms configured, "in" can never hold and "not_in"
// holds vacuously.
type TaxonomyRule struct {
	Operator SetOperator
	Taxonomy string
	Terms    []string
}

func (TaxonomyRule) isRule() {}

func (r TaxonomyRule) Match(ctx EvalContext) bool {
	intersects := false
	if len(r.Terms) > 0 {
		contentTerms := ctx.Content.Terms[r.Taxonomy]
		for _, term := range r.Terms {
			for _, have := range contentTerms {
				if term == have {
					intersects = true
					break
				}
			}
			if intersects {
				break
			}
		}
	}
	if r.Operator == OperatorNotIn {
		return !intersects
	}
	return intersects
}

// RecurringRule matches when the current time of day falls in one of its
// intervals and the recurrence filter admits the current day.
type RecurringRule struct {
	Frequency Frequency
	Intervals []ClockInterval
	Days      []time.Weekday
	MonthDays []int
	Dates     []string
}

func (RecurringRule) isRule() {}

func (r RecurringRule) Match(ctx EvalContext) bool {
	return r.matchesAt(ctx.Now)
}

// Evaluate combines the set's rules under its logic, short-circuiting on
// the first decisive result. An empty set is no constraint at all.
func (s RuleSet) Evaluate(ctx EvalContext) bool {
	if s.Empty() {
		return true
	}

	if s.Logic == LogicOr {
		for _, rule := range s.Rules {
			if rule.Match(ctx) {
				return true
			}
		}
		return false
	}

	for _, rule := range s.Rules {
		if !rule.Match(ctx) {
			return false
		}
	}
	return true
}
