// Package plan renders, parses and iterates the plan comment on an issue.
//
// A plan comment holds one live plan followed by collapsed archived
// iterations, newest first:
//
//	<!-- warden:plan iteration=2 trigger=event:9 -->
//	## Plan (iteration 2)
//	...
//	<!-- /warden:plan -->
//
//	<details><summary>Plan iteration 1</summary>
//
//	<!-- warden:archived-plan iteration=1 trigger=event:5 -->
//	...
//	<!-- /warden:archived-plan -->
//
//	</details>
package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alekspetrov/warden/internal/workflow"
)

// Document is a structured plan plus its archived iterations.
type Document struct {
	IssueNumber   int
	Iteration     int
	Trigger       string
	Summary       string
	Tasks         []string
	OpenQuestions []string
	// Archived holds previous iterations, newest first.
	Archived []Snapshot
}

// Snapshot is an archived iteration kept verbatim.
type Snapshot struct {
	Iteration int
	Trigger   string
	Content   string
}

const (
	headingSummary   = "### Summary"
	headingTasks     = "### Tasks"
	headingQuestions = "### Open questions"
)

var (
	liveRe = regexp.MustCompile(`(?s)<!--\s*warden:plan\b[^>]*-->(.*?)<!--\s*/warden:plan\s*-->`)
	// archivedRe matches one archived section with its <details> wrapper.
	archivedRe = regexp.MustCompile(`(?s)(?:<details>\s*<summary>[^<]*</summary>\s*)?<!--\s*warden:archived-plan\b([^>]*)-->(.*?)<!--\s*/warden:archived-plan\s*-->(?:\s*</details>)?`)
)

// Render produces the full comment body.
func Render(doc *Document) string {
	var b strings.Builder
	b.WriteString(workflow.NewMarker(workflow.MarkerPlan,
		workflow.AttrIteration, strconv.Itoa(doc.Iteration),
		workflow.AttrTrigger, doc.Trigger,
	).String())
	b.WriteString("\n")
	b.WriteString(renderLive(doc))
	b.WriteString(workflow.Closing(workflow.MarkerPlan))
	b.WriteString("\n")

	for _, snap := range doc.Archived {
		fmt.Fprintf(&b, "\n<details><summary>Plan iteration %d</summary>\n\n", snap.Iteration)
		b.WriteString(workflow.NewMarker(workflow.MarkerArchivedPlan,
			workflow.AttrIteration, strconv.Itoa(snap.Iteration),
			workflow.AttrTrigger, snap.Trigger,
		).String())
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(snap.Content))
		b.WriteString("\n")
		b.WriteString(workflow.Closing(workflow.MarkerArchivedPlan))
		b.WriteString("\n\n</details>\n")
	}
	return b.String()
}

func renderLive(doc *Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Plan (iteration %d)\n\n", doc.Iteration)
	b.WriteString(headingSummary + "\n\n")
	b.WriteString(strings.TrimSpace(doc.Summary))
	b.WriteString("\n\n" + headingTasks + "\n\n")
	for _, task := range doc.Tasks {
		b.WriteString("- [ ] ")
		b.WriteString(oneLine(task))
		b.WriteString("\n")
	}
	if len(doc.OpenQuestions) > 0 {
		b.WriteString("\n" + headingQuestions + "\n\n")
		for _, q := range doc.OpenQuestions {
			b.WriteString("- ")
			b.WriteString(oneLine(q))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Parse reads a plan comment body back into a Document.
func Parse(body string) (*Document, error) {
	marker, ok := workflow.FirstMarker(body, workflow.MarkerPlan)
	if !ok {
		return nil, fmt.Errorf("no plan marker in comment")
	}
	m := liveRe.FindStringSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("plan section is not terminated")
	}

	doc := &Document{
		Iteration: marker.Int(workflow.AttrIteration),
		Trigger:   marker.Get(workflow.AttrTrigger),
	}
	parseLive(m[1], doc)

	for _, am := range archivedRe.FindAllStringSubmatch(body, -1) {
		attrs := workflow.ParseMarkers("<!-- warden:archived-plan" + am[1] + "-->")
		snap := Snapshot{Content: strings.TrimSpace(am[2])}
		if len(attrs) == 1 {
			snap.Iteration = attrs[0].Int(workflow.AttrIteration)
			snap.Trigger = attrs[0].Get(workflow.AttrTrigger)
		}
		doc.Archived = append(doc.Archived, snap)
	}
	return doc, nil
}

func parseLive(section string, doc *Document) {
	var current string
	var summary []string
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## Plan"):
			continue
		case trimmed == headingSummary, trimmed == headingTasks, trimmed == headingQuestions:
			current = trimmed
			continue
		}
		switch current {
		case headingSummary:
			summary = append(summary, line)
		case headingTasks:
			if item, ok := listItem(trimmed); ok {
				doc.Tasks = append(doc.Tasks, item)
			}
		case headingQuestions:
			if item, ok := listItem(trimmed); ok {
				doc.OpenQuestions = append(doc.OpenQuestions, item)
			}
		}
	}
	doc.Summary = strings.TrimSpace(strings.Join(summary, "\n"))
}

func listItem(line string) (string, bool) {
	for _, prefix := range []string{"- [ ] ", "- [x] ", "- [X] ", "- ", "* "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// Archive returns the next iteration of doc: its current live content moves to
// the front of Archived and the new plan becomes live.
func Archive(doc *Document, next Reply, trigger string) *Document {
	archived := append([]Snapshot{{
		Iteration: doc.Iteration,
		Trigger:   doc.Trigger,
		Content:   renderLive(doc),
	}}, doc.Archived...)

	return &Document{
		IssueNumber:   doc.IssueNumber,
		Iteration:     doc.Iteration + 1,
		Trigger:       trigger,
		Summary:       next.Summary,
		Tasks:         next.Tasks,
		OpenQuestions: next.OpenQuestions,
		Archived:      archived,
	}
}

// Live returns only the live plan of a comment body, without any marker or
// archived section. This is what the build stage feeds to the agent.
func Live(body string) string {
	m := liveRe.FindStringSubmatch(StripArchived(body))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(workflow.StripMarkers(m[1]))
}

// StripArchived removes every archived section, delimiters included.
func StripArchived(body string) string {
	out := archivedRe.ReplaceAllString(body, "")
	// An unterminated archived marker still must not leak.
	if idx := strings.Index(out, "warden:archived-plan"); idx >= 0 {
		if start := strings.LastIndex(out[:idx], "<!--"); start >= 0 {
			out = out[:start]
		}
	}
	return strings.TrimSpace(out)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
