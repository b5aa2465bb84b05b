package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/workflow"
)

// Reply is the JSON shape the agent is asked to return.
type Reply struct {
	Summary       string   `json:"summary"`
	Tasks         []string `json:"tasks"`
	OpenQuestions []string `json:"open_questions"`
}

// Stage creates or iterates the plan comment of an issue.
type Stage struct {
	rc  *workflow.RunContext
	log *slog.Logger
}

// NewStage creates a plan stage.
func NewStage(rc *workflow.RunContext) *Stage {
	return &Stage{rc: rc, log: logging.WithComponent("plan")}
}

// Run generates a plan. With no plan comment it posts a new one; otherwise it
// archives the live plan and edits the same comment with the next iteration.
func (s *Stage) Run(ctx context.Context, view *workflow.IssueView, t workflow.Trigger) error {
	issue := view.Issue
	existing := view.Snapshot.PlanComment

	var current *Document
	if existing != nil {
		doc, err := Parse(existing.Body)
		if err != nil {
			return fmt.Errorf("parse plan comment %d: %w", existing.ID, err)
		}
		current = doc
	}

	prompt := s.buildPrompt(view, current)
	res, err := s.rc.InvokeAgent(ctx, prompt, s.rc.RepoPath)
	if err != nil {
		return fmt.Errorf("plan agent: %w", err)
	}

	var reply Reply
	if err := agent.DecodeJSON(res.Text, &reply); err != nil {
		return fmt.Errorf("plan agent reply: %w", err)
	}
	if strings.TrimSpace(reply.Summary) == "" || len(reply.Tasks) == 0 {
		return fmt.Errorf("%w: plan needs a summary and at least one task", agent.ErrUnverifiable)
	}

	if current == nil {
		doc := &Document{
			IssueNumber:   issue.Number,
			Iteration:     1,
			Trigger:       t.Key,
			Summary:       reply.Summary,
			Tasks:         reply.Tasks,
			OpenQuestions: reply.OpenQuestions,
		}
		c, err := s.rc.Comment(ctx, issue.Number, Render(doc))
		if err != nil {
			return err
		}
		s.log.Info("plan posted",
			slog.Int("issue", issue.Number),
			slog.Int64("comment_id", c.ID),
			slog.Int("tasks", len(doc.Tasks)),
		)
	} else {
		current.IssueNumber = issue.Number
		next := Archive(current, reply, t.Key)
		if _, err := s.rc.Platform.UpdateComment(ctx, s.rc.Owner, s.rc.Repo, existing.ID, Render(next)); err != nil {
			return fmt.Errorf("update plan comment %d: %w", existing.ID, err)
		}
		s.log.Info("plan iterated",
			slog.Int("issue", issue.Number),
			slog.Int64("comment_id", existing.ID),
			slog.Int("iteration", next.Iteration),
			slog.Int("archived", len(next.Archived)),
		)
	}

	return s.rc.RemoveLabel(ctx, issue.Number, workflow.StagePlan)
}

func (s *Stage) buildPrompt(view *workflow.IssueView, current *Document) string {
	var b strings.Builder
	issue := view.Issue

	b.WriteString("You are planning the implementation of a GitHub issue. Read the repository in the current directory, but do not modify any files.\n\n")
	fmt.Fprintf(&b, "## Issue #%d: %s\n\n%s\n\n", issue.Number, issue.Title, strings.TrimSpace(issue.Body))

	if comments := view.HumanComments(s.rc.BotLogin); len(comments) > 0 {
		b.WriteString("## Discussion\n\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "**@%s**: %s\n\n", c.User.Login, strings.TrimSpace(c.Body))
		}
	}

	if current != nil {
		b.WriteString("## Current plan\n\nThis plan is being revised. Take the discussion above into account.\n\n")
		b.WriteString(renderLive(current))
		b.WriteString("\n")
	}

	b.WriteString(`## Output

Reply with a single JSON object and nothing else:

` + "```json" + `
{"summary": "one paragraph", "tasks": ["concrete task", "..."], "open_questions": ["..."]}
` + "```\n")
	return b.String()
}
