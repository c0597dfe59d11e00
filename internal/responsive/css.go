package responsive

import (
	"fmt"
	"regexp"
	"strings"
)

// blockFallbackPattern identifies selectors that need a display:block
// safety declaration before a revert: browsers without revert support must
// not let these collapse to none.
var blockFallbackPattern = regexp.MustCompile(`(-only|hide-on-(mobile|tablet|desktop))$`)

// MediaQuery renders the @media prelude for a range, omitting whichever
// bound is absent.
func MediaQuery(r Range) string {
	switch {
	case r.Min <= NoMin && r.Max >= NoMax:
		return "@media screen"
	case r.Min <= NoMin:
		return fmt.Sprintf("@media screen and (max-width: %dpx)", r.Max)
	case r.Max >= NoMax:
		return fmt.Sprintf("@media screen and (min-width: %dpx)", r.Min)
	default:
		return fmt.Sprintf("@media screen and (min-width: %dpx) and (max-width: %dpx)", r.Min, r.Max)
	}
}

// EmitHide renders each range as a media-query block hiding its selectors.
func EmitHide(ranges []Range) []string {
	lines := make([]string, 0, len(ranges)*5)
	for _, r := range ranges {
		if len(r.Selectors) == 0 {
			continue
		}
		lines = append(lines, emitBlock(r, []string{"display: none !important;"})...)
	}
	return lines
}

// EmitReset renders reset ranges: selectors regain their default display
// via revert, preceded by a block fallback for selectors matching the
// visibility class patterns.
func EmitReset(ranges []Range) []string {
	var lines []string
	for _, r := range ranges {
		if len(r.Selectors) == 0 {
			continue
		}

		needFallback := false
		for _, sel := range r.Selectors {
			if blockFallbackPattern.MatchString(sel) {
				needFallback = true
				break
			}
		}

		decls := make([]string, 0, 2)
		if needFallback {
			decls = appendDeclaration(decls, "display: block !important;")
		}
		decls = appendDeclaration(decls, "display: revert !important;")

		lines = append(lines, emitBlock(r, decls)...)
	}
	return lines
}

// appendDeclaration adds a declaration unless the exact same text is
// already present.
func appendDeclaration(decls []string, decl string) []string {
	for _, have := range decls {
		if have == decl {
			return decls
		}
	}
	return append(decls, decl)
}

func emitBlock(r Range, decls []string) []string {
	selectors := make([]string, len(r.Selectors))
	for i, sel := range r.Selectors {
		selectors[i] = "." + sel
	}

	lines := make([]string, 0, len(decls)+4)
	lines = append(lines, MediaQuery(r)+" {")
	lines = append(lines, "\t"+strings.Join(selectors, ", ")+" {")
	for _, decl := range decls {
		lines = append(lines, "\t\t"+decl)
	}
	lines = append(lines, "\t}", "}")
	return lines
}

// previewCSS styles the preview wrappers and badges that the decision
// composer emits for privileged viewers.
var previewCSS = []string{
	".vb-preview {",
	"\tposition: relative;",
	"\toutline: 1px dashed #cc1818;",
	"\tpadding: 4px;",
	"}",
	".vb-preview__badge {",
	"\tdisplay: inline-block;",
	"\tfont-size: 11px;",
	"\tline-height: 1;",
	"\tpadding: 3px 6px;",
	"\tbackground: #cc1818;",
	"\tcolor: #fff;",
	"}",
	".vb-preview__note {",
	"\tfont-size: 11px;",
	"\tmargin-left: 6px;",
	"\tcolor: #cc1818;",
	"}",
	".vb-preview__fallback {",
	"\topacity: 0.6;",
	"\tborder-bottom: 1px dashed #cc1818;",
	"}",
}

// Stylesheet builds the complete device-visibility stylesheet for the
// given thresholds. Reset rules are appended only when the thresholds
// differ from the defaults; preview styling only when preview is set. The
// result is safe to inject verbatim as an inline style block.
func Stylesheet(mobile, tablet int, preview bool) string {
	lines := EmitHide(BuildRanges(mobile, tablet))

	if mobile != DefaultMobileBreakpoint || tablet != DefaultTabletBreakpoint {
		resets := ResetRanges(DefaultMobileBreakpoint, DefaultTabletBreakpoint, mobile, tablet)
		lines = append(lines, EmitReset(resets)...)
	}

	if preview {
		lines = append(lines, previewCSS...)
	}

	return strings.Join(lines, "\n")
}
