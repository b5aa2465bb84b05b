// Package watch runs the repository poll loop and routes every detected
// trigger to the stage the issue's current, platform-derived state calls for.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/workflow"
)

// StageRunner is one workflow stage.
type StageRunner interface {
	Run(ctx context.Context, view *workflow.IssueView, t workflow.Trigger) error
}

// Outcome is what routing a trigger did.
type Outcome string

const (
	// OutcomeDispatched means a stage ran to completion.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeHandled means a marker already records the trigger.
	OutcomeHandled Outcome = "handled"
	// OutcomeCancelled means the trigger label is gone or the issue closed.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeSkipped means the issue is not in a state the stage accepts.
	// The trigger is re-evaluated on later ticks.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the stage failed and a notice was posted.
	OutcomeFailed Outcome = "failed"
	// OutcomeDeferred means a transient error; the trigger is retried.
	OutcomeDeferred Outcome = "deferred"
)

// Final reports whether the trigger never needs routing again.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeDispatched, OutcomeHandled, OutcomeCancelled:
		return true
	}
	return false
}

// Decision is the result of the pure routing step.
type Decision struct {
	Stage  workflow.Stage
	Reason string
	// Cancelled is set when the trigger is dead: the operator removed the
	// label or closed the issue.
	Cancelled bool
}

// Decide maps a trigger and the issue's derived state to a stage, or to
// StageNone with a reason.
func Decide(t workflow.Trigger, issue *github.Issue, snap *workflow.Snapshot, labels workflow.Labels, maxAttempts int) Decision {
	if issue.State != "" && issue.State != github.StateOpen {
		return Decision{Reason: "issue is closed", Cancelled: true}
	}
	if t.Source != workflow.SourceCommand {
		label := labels.LabelFor(t.Stage)
		if label == "" || !github.HasLabel(issue, label) {
			return Decision{Reason: fmt.Sprintf("label %q not present", label), Cancelled: true}
		}
	}

	switch t.Stage {
	case workflow.StagePlan:
		if issue.IsPullRequest() {
			return Decision{Reason: "plans are for issues, not pull requests"}
		}
		return Decision{Stage: workflow.StagePlan}

	case workflow.StageBuild:
		if issue.IsPullRequest() {
			return Decision{Reason: "builds are for issues, not pull requests"}
		}
		if snap.PlanComment == nil {
			return Decision{Reason: "no plan posted yet"}
		}
		if t.Source == workflow.SourceResume && !snap.Resumable(maxAttempts) {
			return Decision{Reason: fmt.Sprintf("build not resumable (status %s, attempts %d)", snap.Status, snap.Attempts)}
		}
		return Decision{Stage: workflow.StageBuild}

	case workflow.StageChangeRequest:
		if !issue.IsPullRequest() {
			return Decision{Reason: "change requests apply to pull requests"}
		}
		return Decision{Stage: workflow.StageChangeRequest}
	}
	return Decision{Reason: "unrecognized stage"}
}

// Router is the trigger state machine. Every error a stage returns stops at
// Route; one trigger's failure never escapes into the poll cycle.
type Router struct {
	rc     *workflow.RunContext
	stages map[workflow.Stage]StageRunner
	log    *slog.Logger
}

// NewRouter creates a Router with the three stages.
func NewRouter(rc *workflow.RunContext, plan, build, changes StageRunner) *Router {
	return &Router{
		rc: rc,
		stages: map[workflow.Stage]StageRunner{
			workflow.StagePlan:          plan,
			workflow.StageBuild:         build,
			workflow.StageChangeRequest: changes,
		},
		log: logging.WithComponent("router"),
	}
}

// Route re-derives the issue state for t and runs at most one stage.
func (r *Router) Route(ctx context.Context, t workflow.Trigger) (outcome Outcome) {
	log := logging.FromContext(ctx, r.log).With(
		slog.Int("issue", t.IssueNumber),
		slog.String("stage", string(t.Stage)),
		slog.String("trigger", t.Key),
		slog.String("source", string(t.Source)),
	)
	defer func() {
		if p := recover(); p != nil {
			log.Error("stage panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			outcome = OutcomeFailed
		}
	}()

	issue, err := r.rc.Platform.GetIssue(ctx, r.rc.Owner, r.rc.Repo, t.IssueNumber)
	if err != nil {
		log.Warn("could not load issue, will retry", slog.Any("error", err))
		return OutcomeDeferred
	}
	snap, comments, err := r.rc.Snapshot(ctx, t.IssueNumber)
	if err != nil {
		log.Warn("could not load comments, will retry", slog.Any("error", err))
		return OutcomeDeferred
	}
	if snap.Handled(t.Key) {
		log.Debug("trigger already handled")
		return OutcomeHandled
	}

	d := Decide(t, issue, snap, r.rc.Labels, r.maxAttempts())
	if d.Stage == workflow.StageNone {
		if d.Cancelled {
			log.Info("trigger cancelled", slog.String("reason", d.Reason))
			return OutcomeCancelled
		}
		log.Info("trigger skipped", slog.String("reason", d.Reason))
		return OutcomeSkipped
	}
	stage := r.stages[d.Stage]
	if stage == nil {
		log.Error("no stage registered")
		return OutcomeSkipped
	}

	stageCtx := ctx
	if r.rc.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, r.rc.StageTimeout)
		defer cancel()
	}

	log.Info("dispatching", slog.String("status", string(snap.Status)))
	view := &workflow.IssueView{Issue: issue, Comments: comments, Snapshot: snap}
	err = stage.Run(stageCtx, view, t)
	if err == nil {
		log.Info("stage finished")
		return OutcomeDispatched
	}

	if ctx.Err() != nil || github.IsTransient(err) {
		log.Warn("stage interrupted, will retry", slog.Any("error", err))
		return OutcomeDeferred
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("stage exceeded %s: %w", r.rc.StageTimeout, err)
	}
	log.Error("stage failed", slog.Any("error", err))
	r.notify(ctx, log, t, snap, err)
	return OutcomeFailed
}

// notify posts a failure notice. Notices count failures per trigger; once
// the count reaches the limit the trigger is retired and its label removed.
func (r *Router) notify(ctx context.Context, log *slog.Logger, t workflow.Trigger, snap *workflow.Snapshot, cause error) {
	failures := snap.Failures(t.Key) + 1
	limit := r.maxAttempts()
	giveUp := failures >= limit
	r.rc.RecordFailure(ctx, t.Stage, t.Key, t.IssueNumber, cause.Error())

	kv := []string{
		workflow.AttrFailed, t.Key,
		workflow.AttrStage, string(t.Stage),
	}
	if giveUp {
		kv = append(kv, workflow.AttrTrigger, t.Key)
	}
	marker := workflow.NewMarker(workflow.MarkerNotice, kv...)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n**%s failed** (attempt %d of %d)\n\n```\n%s\n```\n\n", marker, t.Stage, failures, limit, cause)
	if giveUp {
		label := r.rc.Labels.LabelFor(t.Stage)
		fmt.Fprintf(&b, "Giving up on this trigger. Re-apply `%s` to try again.\n", label)
	} else {
		b.WriteString("Will retry on the next poll.\n")
	}

	if _, err := r.rc.Comment(ctx, t.IssueNumber, b.String()); err != nil {
		log.Error("could not post failure notice", slog.Any("error", err))
		return
	}
	if giveUp && t.Source != workflow.SourceCommand {
		if err := r.rc.RemoveLabel(ctx, t.IssueNumber, t.Stage); err != nil {
			log.Warn("could not remove label", slog.Any("error", err))
		}
	}
}

func (r *Router) maxAttempts() int {
	if r.rc.MaxBuildAttempts <= 0 {
		return 1
	}
	return r.rc.MaxBuildAttempts
}
