package workflow

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MarkerKind identifies what a bot comment records.
type MarkerKind string

const (
	MarkerPlan           MarkerKind = "plan"
	MarkerArchivedPlan   MarkerKind = "archived-plan"
	MarkerBuild          MarkerKind = "build"
	MarkerChanges        MarkerKind = "changes"
	MarkerReviewComplete MarkerKind = "review-complete"
	MarkerNotice         MarkerKind = "notice"
)

// Marker attribute names
const (
	AttrTrigger   = "trigger"
	AttrIteration = "iteration"
	AttrStatus    = "status"
	AttrPR        = "pr"
	AttrBranch    = "branch"
	AttrCommit    = "commit"
	AttrReason    = "reason"
	AttrStage     = "stage"
	AttrFailed    = "failed"
)

// Marker is a machine-readable HTML comment embedded in a bot comment:
//
//	<!-- warden:build status=incomplete trigger=event:123 -->
//
// Closing markers ("<!-- /warden:archived-plan -->") delimit sections.
type Marker struct {
	Kind    MarkerKind
	Closing bool
	Attrs   map[string]string
}

var markerRe = regexp.MustCompile(`<!--\s*(/?)warden:([a-z-]+)((?:\s+[a-z_]+=[^\s>]*)*)\s*-->`)

// NewMarker builds a marker from key/value pairs. Empty values are dropped.
func NewMarker(kind MarkerKind, kv ...string) Marker {
	m := Marker{Kind: kind, Attrs: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		if v := sanitizeValue(kv[i+1]); v != "" {
			m.Attrs[kv[i]] = v
		}
	}
	return m
}

// String renders the marker with attributes in sorted order.
func (m Marker) String() string {
	var b strings.Builder
	b.WriteString("<!-- ")
	if m.Closing {
		b.WriteString("/")
	}
	b.WriteString("warden:")
	b.WriteString(string(m.Kind))
	keys := make([]string, 0, len(m.Attrs))
	for k := range m.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(m.Attrs[k])
	}
	b.WriteString(" -->")
	return b.String()
}

// Get returns an attribute or "".
func (m Marker) Get(key string) string {
	return m.Attrs[key]
}

// Int returns an integer attribute or 0.
func (m Marker) Int(key string) int {
	n, _ := strconv.Atoi(m.Attrs[key])
	return n
}

// Closing returns the closing delimiter for kind.
func Closing(kind MarkerKind) string {
	return Marker{Kind: kind, Closing: true}.String()
}

// ParseMarkers returns every marker in body, in order.
func ParseMarkers(body string) []Marker {
	matches := markerRe.FindAllStringSubmatch(body, -1)
	markers := make([]Marker, 0, len(matches))
	for _, m := range matches {
		marker := Marker{
			Kind:    MarkerKind(m[2]),
			Closing: m[1] == "/",
			Attrs:   map[string]string{},
		}
		for _, field := range strings.Fields(m[3]) {
			if k, v, ok := strings.Cut(field, "="); ok {
				marker.Attrs[k] = v
			}
		}
		markers = append(markers, marker)
	}
	return markers
}

// FirstMarker returns the first opening marker of kind in body.
func FirstMarker(body string, kind MarkerKind) (Marker, bool) {
	for _, m := range ParseMarkers(body) {
		if m.Kind == kind && !m.Closing {
			return m, true
		}
	}
	return Marker{}, false
}

// StripMarkers removes every warden marker from text.
func StripMarkers(text string) string {
	return markerRe.ReplaceAllString(text, "")
}

// sanitizeValue keeps marker values on one token so they round-trip.
func sanitizeValue(v string) string {
	v = strings.TrimSpace(v)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '>':
			return '_'
		}
		return r
	}, v)
}
