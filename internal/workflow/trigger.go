// Package workflow holds the types shared by the watch loop and its stages:
// triggers, sentinel markers, the issue state derived from them, and the run
// context threaded through every stage call.
package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Stage names a workflow stage.
type Stage string

const (
	StagePlan          Stage = "plan"
	StageBuild         Stage = "build"
	StageChangeRequest Stage = "request-changes"
	StageNone          Stage = ""
)

// TriggerSource says how a trigger was observed.
type TriggerSource string

const (
	SourceLabel   TriggerSource = "label"
	SourceCommand TriggerSource = "command"
	SourceResume  TriggerSource = "resume"
)

// Trigger is one external event that may start a stage. Triggers are never
// mutated after the poller creates them.
type Trigger struct {
	Key         string
	Source      TriggerSource
	Stage       Stage
	Repo        string
	IssueNumber int
	Label       string
	CommentID   int64
	EventID     int64
	Actor       string
	ObservedAt  time.Time
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s #%d %s (%s)", t.Repo, t.IssueNumber, t.Stage, t.Key)
}

// LabelKey is the idempotency key of a labeled event.
func LabelKey(eventID int64) string {
	return fmt.Sprintf("event:%d", eventID)
}

// CommandKey is the idempotency key of a slash-command comment.
func CommandKey(commentID int64) string {
	return fmt.Sprintf("comment:%d", commentID)
}

// ResumeKey is the idempotency key of a synthesized resume trigger. It is
// tied to the status comment being resumed from, so each new status comment
// allows exactly one resume.
func ResumeKey(issue int, statusCommentID int64) string {
	return fmt.Sprintf("resume:%d:%d", issue, statusCommentID)
}

// Labels maps stages to the label names configured for them.
type Labels struct {
	Plan           string
	Build          string
	RequestChanges string
}

// DefaultLabels returns plan, build and request-changes.
func DefaultLabels() Labels {
	return Labels{Plan: "plan", Build: "build", RequestChanges: "request-changes"}
}

// StageFor returns the stage for a label name, case-insensitively.
func (l Labels) StageFor(label string) Stage {
	switch {
	case strings.EqualFold(label, l.Plan):
		return StagePlan
	case strings.EqualFold(label, l.Build):
		return StageBuild
	case strings.EqualFold(label, l.RequestChanges):
		return StageChangeRequest
	default:
		return StageNone
	}
}

// LabelFor returns the label configured for a stage.
func (l Labels) LabelFor(s Stage) string {
	switch s {
	case StagePlan:
		return l.Plan
	case StageBuild:
		return l.Build
	case StageChangeRequest:
		return l.RequestChanges
	default:
		return ""
	}
}

// ParseCommand recognizes "<prefix> <stage>" on the first non-empty line of
// a comment body, e.g. "/warden build".
func ParseCommand(prefix, body string) Stage {
	if prefix == "" {
		return StageNone
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], prefix) {
			return StageNone
		}
		switch Stage(strings.ToLower(fields[1])) {
		case StagePlan:
			return StagePlan
		case StageBuild:
			return StageBuild
		case StageChangeRequest, "changes":
			return StageChangeRequest
		}
		return StageNone
	}
	return StageNone
}
