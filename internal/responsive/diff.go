package responsive

import "sort"

// span is a closed integer pixel interval used by the diff arithmetic.
type span struct {
	min int
	max int
}

// subtract removes sub from seg, yielding at most two remaining
// sub-segments. Empty or inverted remainders are discarded.
func subtract(seg, sub span) []span {
	if sub.max < seg.min || sub.min > seg.max {
		return []span{seg}
	}

	var out []span
	if left := (span{min: seg.min, max: sub.min - 1}); left.min <= left.max {
		out = append(out, left)
	}
	if right := (span{min: sub.max + 1, max: seg.max}); right.min <= right.max {
		out = append(out, right)
	}
	return out
}

// selectorSpans inverts a range list into per-selector coverage.
func selectorSpans(ranges []Range) map[string][]span {
	coverage := make(map[string][]span)
	for _, r := range ranges {
		for _, sel := range r.Selectors {
			coverage[sel] = append(coverage[sel], span{min: r.Min, max: r.Max})
		}
	}
	return coverage
}

// ResetRanges computes the width bands where a selector was hidden under
// the default thresholds but is no longer covered under the current ones.
// Those bands need an explicit revert to counteract the default stylesheet
// a client may still have applied. Identical thresholds yield nothing.
func ResetRanges(defMobile, defTablet, curMobile, curTablet int) []Range {
	defaults := selectorSpans(BuildRanges(defMobile, defTablet))
	current := selectorSpans(BuildRanges(curMobile, curTablet))

	// Gather the uncovered remainder per selector.
	type key struct{ min, max int }
	merged := make(map[key][]string)
	var order []key

	selectors := make([]string, 0, len(defaults))
	for sel := range defaults {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	for _, sel := range selectors {
		remaining := defaults[sel]
		for _, sub := range current[sel] {
			var next []span
			for _, seg := range remaining {
				next = append(next, subtract(seg, sub)...)
			}
			remaining = next
		}
		for _, seg := range remaining {
			k := key{min: seg.min, max: seg.max}
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = append(merged[k], sel)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].min != order[j].min {
			return order[i].min < order[j].min
		}
		return order[i].max < order[j].max
	})

	ranges := make([]Range, 0, len(order))
	for _, k := range order {
		selectors := merged[k]
		sort.Strings(selectors)
		ranges = append(ranges, Range{Min: k.min, Max: k.max, Selectors: selectors})
	}
	return ranges
}
