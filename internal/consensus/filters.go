package consensus

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"copytrade-signals/internal/database"
)

// Time range labels accepted by the query surface.
const (
	TimeRange1h  = "1h"
	TimeRange4h  = "4h"
	TimeRange24h = "24h"
	TimeRange7d  = "7d"
	TimeRangeAll = "ALL"
)

// Leverage bucket labels.
const (
	LeverageAll     = "ALL"
	LeverageUnder20 = "<20x"
	Leverage20To50  = "20-50x"
	Leverage50To100 = "50-100x"
	LeverageOver100 = ">100x"
)

// Segment filter labels.
const (
	SegmentFilterVisible = "visible"
	SegmentFilterHidden  = "hidden"
	SegmentFilterBoth    = "both"
)

var recentlyOpenedPattern = regexp.MustCompile(`^\d+(m|h|d)$`)

// Filters narrows heatmap and symbol queries.
type Filters struct {
	TimeRange      string
	Side           string
	MinTraders     int
	LeverageBucket string
	SegmentFilter  string
	RecentlyOpened string
}

// Cutoff resolves the time range label against now. ALL maps to the epoch
// origin and never truncates; unknown labels default to 24h.
func Cutoff(timeRange string, now time.Time) time.Time {
	switch timeRange {
	case TimeRange1h:
		return now.Add(-time.Hour)
	case TimeRange4h:
		return now.Add(-4 * time.Hour)
	case TimeRange7d:
		return now.Add(-7 * 24 * time.Hour)
	case TimeRangeAll:
		return time.Unix(0, 0)
	default:
		return now.Add(-24 * time.Hour)
	}
}

// ParseRecentlyOpened converts a "10m" / "2h" / "1d" window into a
// duration. Empty input disables the filter; malformed input is an error.
func ParseRecentlyOpened(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if !recentlyOpenedPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid recentlyOpened window %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid recentlyOpened window %q", s)
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// LeverageInBucket reports whether a leverage value falls in the labeled
// bucket. Both range bounds are inclusive, so 100x sits in "50-100x".
func LeverageInBucket(lev float64, bucket string) bool {
	switch bucket {
	case "", LeverageAll:
		return true
	case LeverageUnder20:
		return lev < 20
	case Leverage20To50:
		return lev >= 20 && lev <= 50
	case Leverage50To100:
		return lev >= 50 && lev <= 100
	case LeverageOver100:
		return lev > 100
	default:
		return true
	}
}

// SegmentAdmitted reports whether a trader's segment passes the filter.
// Unknown-segment traders count as visible when both segments are wanted.
func SegmentAdmitted(segment, filter string) bool {
	switch filter {
	case SegmentFilterVisible:
		return segment == database.SegmentVisible
	case SegmentFilterHidden:
		return segment == database.SegmentHidden
	default:
		return true
	}
}

// NormalizeSide lowercases and validates a side filter; empty means both.
func NormalizeSide(side string) string {
	switch strings.ToLower(side) {
	case database.DirectionLong:
		return database.DirectionLong
	case database.DirectionShort:
		return database.DirectionShort
	default:
		return ""
	}
}
