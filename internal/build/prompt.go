package build

import (
	"fmt"
	"strings"

	"github.com/alekspetrov/warden/internal/adapters/github"
)

// maxDiff bounds the diff handed to the verification agent.
const maxDiff = 60 << 10

const followUpHeading = "### Follow-up tasks"

// Verdict is the JSON shape the verification agent returns.
type Verdict struct {
	Complete  bool        `json:"complete"`
	Summary   string      `json:"summary"`
	Criteria  []Criterion `json:"criteria"`
	FollowUps []string    `json:"follow_ups"`
}

// Criterion is one acceptance criterion and whether the diff meets it.
type Criterion struct {
	Text string `json:"criterion"`
	Met  bool   `json:"met"`
}

func executionPrompt(issue *github.Issue, livePlan string, followUps []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are implementing GitHub issue #%d in the repository in the current directory.\n\n", issue.Number)
	fmt.Fprintf(&b, "## Issue: %s\n\n%s\n\n", issue.Title, strings.TrimSpace(issue.Body))
	b.WriteString("## Plan\n\n")
	b.WriteString(livePlan)
	b.WriteString("\n\n")

	if len(followUps) > 0 {
		b.WriteString("## Resume\n\nA previous attempt already committed part of this work. Do not redo it. Remaining tasks:\n\n")
		for _, f := range followUps {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Rules

- Work until the tests pass.
- Do not push, and do not create branches or pull requests.
- Leave your changes in the working tree or commit them locally.
`)
	return b.String()
}

func verificationPrompt(issue *github.Issue, livePlan, diff string) string {
	if len(diff) > maxDiff {
		diff = diff[:maxDiff] + "\n... (diff truncated)\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing whether a change fully resolves GitHub issue #%d. Do not modify any files.\n\n", issue.Number)
	fmt.Fprintf(&b, "## Issue: %s\n\n%s\n\n", issue.Title, strings.TrimSpace(issue.Body))
	b.WriteString("## Plan\n\n")
	b.WriteString(livePlan)
	b.WriteString("\n\n## Diff\n\n```diff\n")
	b.WriteString(diff)
	b.WriteString("\n```\n\n")
	b.WriteString(`## Task

Extract the acceptance criteria from the issue (and the plan where the issue is silent). Decide for each one whether the diff meets it.
Reply with a single JSON object and nothing else:

` + "```json" + `
{"complete": false, "summary": "what the change does", "criteria": [{"criterion": "...", "met": true}], "follow_ups": ["task still missing"]}
` + "```\n")
	return b.String()
}

// FollowUps extracts the follow-up list from a build status comment.
func FollowUps(body string) []string {
	idx := strings.Index(body, followUpHeading)
	if idx < 0 {
		return nil
	}
	var out []string
	for _, line := range strings.Split(body[idx+len(followUpHeading):], "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			break
		}
		for _, prefix := range []string{"- [ ] ", "- "} {
			if strings.HasPrefix(line, prefix) {
				out = append(out, strings.TrimSpace(line[len(prefix):]))
				break
			}
		}
	}
	return out
}
