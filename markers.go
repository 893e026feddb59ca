package kioku

import (
	"regexp"
	"sort"
	"strings"
)

// Marker detection patterns. Each family matches at the start of content or
// immediately after a newline, case-insensitively.
var markerPatterns = []struct {
	marker string
	re     *regexp.Regexp
}{
	{MarkerDecision, regexp.MustCompile(`(?im)^(?:decision|decided|choosing|selected):`)},
	{MarkerConstraint, regexp.MustCompile(`(?im)^(?:constraint|requirement|must|cannot|budget|limit):`)},
	{MarkerFailure, regexp.MustCompile(`(?im)^(?:failed|error|didn't work|tried but):`)},
	{MarkerGoal, regexp.MustCompile(`(?im)^(?:goal|objective|task|need to):`)},
}

// detectMarkers returns the auto-detected marker set of content, sorted.
// Detection is a pure function of content.
func detectMarkers(content string) []string {
	var out []string
	for _, p := range markerPatterns {
		if p.re.MatchString(content) {
			out = append(out, p.marker)
		}
	}
	return out
}

// validMarker reports whether tag is a built-in marker or a well-formed
// custom:<label> tag with a non-empty label.
func validMarker(tag string) bool {
	switch tag {
	case MarkerDecision, MarkerConstraint, MarkerFailure, MarkerGoal:
		return true
	}
	return isCustomMarker(tag)
}

func isCustomMarker(tag string) bool {
	return strings.HasPrefix(tag, customMarkerPrefix) && len(tag) > len(customMarkerPrefix)
}

// mergeMarkers unions explicit and detected tags into a sorted, de-duplicated
// set.
func mergeMarkers(explicit, detected []string) []string {
	if len(explicit) == 0 && len(detected) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(explicit)+len(detected))
	var out []string
	for _, tags := range [][]string{explicit, detected} {
		for _, t := range tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
