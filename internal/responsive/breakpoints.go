// Package responsive synthesizes the device-visibility stylesheet: it
// builds the canonical width bands for a pair of breakpoints, renders them
// as media-query blocks, and computes the reset diff needed when the
// breakpoints are customized away from the shipped defaults.
package responsive

import "math"

// Default breakpoint thresholds in pixels.
const (
	DefaultMobileBreakpoint = 781
	DefaultTabletBreakpoint = 1024
)

// Bounds sentinels. Ranges are closed integer pixel intervals; NoMin and
// NoMax mark a side as unbounded.
const (
	NoMin = 0
	NoMax = math.MaxInt32
)

// Visibility class selectors, without the leading dot.
const (
	classPrefix = "vb-"

	ClassMobileOnly    = classPrefix + "mobile-only"
	ClassTabletOnly    = classPrefix + "tablet-only"
	ClassDesktopOnly   = classPrefix + "desktop-only"
	ClassHideOnMobile  = classPrefix + "hide-on-mobile"
	ClassHideOnTablet  = classPrefix + "hide-on-tablet"
	ClassHideOnDesktop = classPrefix + "hide-on-desktop"
)

// Range is one contiguous pixel band together with the selectors that must
// be hidden inside it.
type Range struct {
	Min       int
	Max       int
	Selectors []string
}

// BuildRanges partitions the pixel axis into the canonical device bands
// for the given thresholds. With tablet > mobile the result is exactly
// three bands covering every pixel with no overlap. When tablet <= mobile
// the tablet band degenerates to nothing and the desktop band starts right
// above the larger threshold.
func BuildRanges(mobile, tablet int) []Range {
	ranges := []Range{
		{
			Min:       NoMin,
			Max:       mobile,
			Selectors: []string{ClassHideOnMobile, ClassTabletOnly, ClassDesktopOnly},
		},
	}

	if tablet > mobile {
		ranges = append(ranges, Range{
			Min:       mobile + 1,
			Max:       tablet,
			Selectors: []string{ClassHideOnTablet, ClassMobileOnly, ClassDesktopOnly},
		})
	}

	desktopMin := mobile
	if tablet > desktopMin {
		desktopMin = tablet
	}
	ranges = append(ranges, Range{
		Min:       desktopMin + 1,
		Max:       NoMax,
		Selectors: []string{ClassHideOnDesktop, ClassMobileOnly, ClassTabletOnly},
	})

	return ranges
}
