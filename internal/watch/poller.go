package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/workflow"
)

const (
	DefaultInterval = 60 * time.Second
	// DefaultLookback is how far back every tick re-reads events, so a
	// trigger skipped or failed earlier is seen again while still present.
	DefaultLookback = 24 * time.Hour
)

// Cache is the optional local cache consulted before routing.
// *state.Store implements it.
type Cache interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, issueNumber int, result string) error
	Cursor(ctx context.Context, repo string) (time.Time, error)
	SetCursor(ctx context.Context, repo string, t time.Time) error
}

// TickHook runs after every completed tick. A non-nil error stops Run and is
// returned from it.
type TickHook func(ctx context.Context, state WatchState) error

// TickReport summarizes one tick.
type TickReport struct {
	ID       string
	Since    time.Time
	Triggers int
	Outcomes map[Outcome]int
}

// Poller is the top-level loop. Ticks never overlap: one tick routes every
// due trigger before the next wait begins.
type Poller struct {
	rc       *workflow.RunContext
	router   *Router
	cache    Cache
	interval time.Duration
	lookback time.Duration
	hooks    []TickHook
	state    *tracker
	now      func() time.Time
	log      *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithCache sets the local cache.
func WithCache(c Cache) PollerOption {
	return func(p *Poller) { p.cache = c }
}

// WithInterval sets the wait between ticks.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLookback sets how far back each tick re-reads events.
func WithLookback(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.lookback = d
		}
	}
}

// WithRestoredState continues from a checkpointed WatchState.
func WithRestoredState(w *WatchState) PollerOption {
	return func(p *Poller) {
		if w != nil {
			p.state.state = w.clone()
		}
	}
}

// WithTickHook adds a hook that runs after each tick.
func WithTickHook(h TickHook) PollerOption {
	return func(p *Poller) { p.hooks = append(p.hooks, h) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates a Poller for rc's repository.
func NewPoller(rc *workflow.RunContext, router *Router, opts ...PollerOption) *Poller {
	p := &Poller{
		rc:       rc,
		router:   router,
		interval: DefaultInterval,
		lookback: DefaultLookback,
		state:    &tracker{},
		now:      time.Now,
		log:      logging.WithComponent("poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.state.state.Repo = rc.FullName()
	p.state.state.Interval = p.interval
	if rc.Agent != nil {
		p.state.state.Provider = rc.Agent.Name()
	}
	return p
}

// State returns a copy of the current watch state.
func (p *Poller) State() WatchState {
	return p.state.snapshot()
}

// Run ticks until ctx is cancelled or a hook returns an error. A failed tick
// is logged and the loop continues.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("watching",
		slog.String("repo", p.rc.FullName()),
		slog.Duration("interval", p.interval),
		slog.String("provider", p.state.snapshot().Provider),
	)
	for {
		if err := p.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return nil
		case <-time.After(p.interval):
		}
	}
}

// RunOnce runs exactly one tick followed by the hooks.
func (p *Poller) RunOnce(ctx context.Context) error {
	if _, err := p.Tick(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.log.Error("tick failed", slog.Any("error", err))
	}
	state := p.State()
	for _, h := range p.hooks {
		if err := h(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// Tick fetches every candidate trigger and routes them in observation order.
func (p *Poller) Tick(ctx context.Context) (*TickReport, error) {
	report := &TickReport{ID: uuid.NewString(), Outcomes: map[Outcome]int{}}
	ctx = logging.ContextWithCorrelationID(ctx, report.ID)
	ctx = logging.ContextWithRepo(ctx, p.rc.FullName())
	log := logging.FromContext(ctx, p.log)

	start := p.now()
	report.Since = p.windowStart(ctx, start)

	triggers, err := p.collect(ctx, report.Since)
	if err != nil {
		return nil, err
	}
	report.Triggers = len(triggers)
	log.Debug("tick", slog.Int("triggers", len(triggers)), slog.Time("since", report.Since))

	for _, t := range triggers {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if p.processed(ctx, t.Key) {
			report.Outcomes[OutcomeHandled]++
			continue
		}
		outcome := p.router.Route(logging.ContextWithIssue(ctx, t.IssueNumber), t)
		report.Outcomes[outcome]++
		p.state.record(t, outcome, p.now())
		if outcome.Final() && p.cache != nil {
			if err := p.cache.MarkProcessed(ctx, t.Key, t.IssueNumber, string(outcome)); err != nil {
				log.Warn("failed to cache processed trigger", slog.String("trigger", t.Key), slog.Any("error", err))
			}
		}
	}

	p.state.finishTick(start)
	if p.cache != nil {
		if err := p.cache.SetCursor(ctx, p.rc.FullName(), start); err != nil {
			log.Warn("failed to cache cursor", slog.Any("error", err))
		}
	}
	if report.Triggers > 0 {
		log.Info("tick complete", slog.Int("triggers", report.Triggers), slog.Any("outcomes", report.Outcomes))
	}
	return report, nil
}

// windowStart is the earlier of the last poll and start minus the lookback,
// so nothing is missed after downtime and recent triggers are re-evaluated.
func (p *Poller) windowStart(ctx context.Context, start time.Time) time.Time {
	since := start.Add(-p.lookback)
	last := p.state.lastPoll()
	if last.IsZero() && p.cache != nil {
		if c, err := p.cache.Cursor(ctx, p.rc.FullName()); err == nil {
			last = c
		}
	}
	if !last.IsZero() && last.Before(since) {
		since = last
	}
	return since
}

func (p *Poller) processed(ctx context.Context, key string) bool {
	if p.cache == nil {
		return false
	}
	ok, err := p.cache.IsProcessed(ctx, key)
	if err != nil {
		p.log.Warn("cache lookup failed", slog.String("trigger", key), slog.Any("error", err))
		return false
	}
	return ok
}

// collect gathers label events, slash commands and resume candidates
// concurrently and returns them deduplicated, oldest first.
func (p *Poller) collect(ctx context.Context, since time.Time) ([]workflow.Trigger, error) {
	var events []*github.IssueEvent
	var comments []*github.Comment
	var resumes []workflow.Trigger

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = p.rc.Platform.ListIssueEvents(gctx, p.rc.Owner, p.rc.Repo, since)
		if err != nil {
			return fmt.Errorf("list issue events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if p.rc.CommandPrefix == "" {
			return nil
		}
		var err error
		comments, err = p.rc.Platform.ListRepoComments(gctx, p.rc.Owner, p.rc.Repo, since)
		if err != nil {
			return fmt.Errorf("list comments: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		resumes, err = p.resumeTriggers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []workflow.Trigger
	add := func(t workflow.Trigger) {
		if seen[t.Key] {
			return
		}
		seen[t.Key] = true
		out = append(out, t)
	}

	for _, e := range events {
		if t, ok := p.labelTrigger(e); ok {
			add(t)
		}
	}
	for _, c := range comments {
		if t, ok := p.commandTrigger(c); ok {
			add(t)
		}
	}
	for _, t := range resumes {
		add(t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

func (p *Poller) labelTrigger(e *github.IssueEvent) (workflow.Trigger, bool) {
	if e.Event != github.EventLabeled || e.Label == nil || e.Issue == nil {
		return workflow.Trigger{}, false
	}
	stage := p.rc.Labels.StageFor(e.Label.Name)
	if stage == workflow.StageNone {
		return workflow.Trigger{}, false
	}
	return workflow.Trigger{
		Key:         workflow.LabelKey(e.ID),
		Source:      workflow.SourceLabel,
		Stage:       stage,
		Repo:        p.rc.FullName(),
		IssueNumber: e.Issue.Number,
		Label:       e.Label.Name,
		EventID:     e.ID,
		Actor:       e.Actor.Login,
		ObservedAt:  e.CreatedAt,
	}, true
}

func (p *Poller) commandTrigger(c *github.Comment) (workflow.Trigger, bool) {
	if p.rc.BotLogin != "" && strings.EqualFold(c.User.Login, p.rc.BotLogin) {
		return workflow.Trigger{}, false
	}
	stage := workflow.ParseCommand(p.rc.CommandPrefix, c.Body)
	number := c.IssueNumber()
	if stage == workflow.StageNone || number == 0 {
		return workflow.Trigger{}, false
	}
	return workflow.Trigger{
		Key:         workflow.CommandKey(c.ID),
		Source:      workflow.SourceCommand,
		Stage:       stage,
		Repo:        p.rc.FullName(),
		IssueNumber: number,
		CommentID:   c.ID,
		Actor:       c.User.Login,
		ObservedAt:  c.CreatedAt,
	}, true
}

// resumeTriggers synthesizes one trigger per open issue that still carries
// the build label and whose last build can be resumed.
func (p *Poller) resumeTriggers(ctx context.Context) ([]workflow.Trigger, error) {
	label := p.rc.Labels.LabelFor(workflow.StageBuild)
	if label == "" {
		return nil, nil
	}
	issues, err := p.rc.Platform.ListIssues(ctx, p.rc.Owner, p.rc.Repo, &github.ListIssuesOptions{
		Labels: []string{label},
		State:  github.StateOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s issues: %w", label, err)
	}

	var out []workflow.Trigger
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		snap, _, err := p.rc.Snapshot(ctx, issue.Number)
		if err != nil {
			return nil, err
		}
		if !snap.Resumable(p.router.maxAttempts()) || snap.LastBuild.Comment == nil {
			continue
		}
		c := snap.LastBuild.Comment
		out = append(out, workflow.Trigger{
			Key:         workflow.ResumeKey(issue.Number, c.ID),
			Source:      workflow.SourceResume,
			Stage:       workflow.StageBuild,
			Repo:        p.rc.FullName(),
			IssueNumber: issue.Number,
			Label:       label,
			ObservedAt:  c.CreatedAt,
		})
	}
	return out, nil
}
