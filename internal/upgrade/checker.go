package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/config"
)

// checkTimeout bounds one release lookup.
const checkTimeout = 30 * time.Second

// ReleaseSource finds the newest published release.
// *github.Client implements it.
type ReleaseSource interface {
	GetLatestRelease(ctx context.Context, owner, repo string) (*github.Release, error)
}

// VersionInfo is the result of one check.
type VersionInfo struct {
	Current   string
	Latest    string
	Release   *github.Release
	Permitted bool
	// Reason explains why an update is not permitted.
	Reason string
}

// Checker decides when to look for a release and whether it may be installed.
type Checker struct {
	source   ReleaseSource
	owner    string
	repo     string
	current  string
	policy   Policy
	pinned   string
	interval time.Duration
	schedule cron.Schedule
}

// NewChecker creates a Checker for the running version. A cron schedule,
// when configured, replaces the fixed interval.
func NewChecker(source ReleaseSource, current string, cfg *config.UpdateConfig) (*Checker, error) {
	c := &Checker{
		source:   source,
		current:  current,
		policy:   Policy(cfg.Policy),
		pinned:   cfg.PinnedVersion,
		interval: cfg.EffectiveInterval(),
	}
	if c.policy != PolicyOff {
		owner, repo, err := github.ParseRepo(cfg.ReleaseRepo)
		if err != nil {
			return nil, fmt.Errorf("release repo: %w", err)
		}
		c.owner, c.repo = owner, repo
	}
	if cfg.Schedule != "" {
		sched, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid update schedule %q: %w", cfg.Schedule, err)
		}
		c.schedule = sched
	}
	return c, nil
}

// Enabled reports whether the policy allows any update at all.
func (c *Checker) Enabled() bool {
	return c.policy != PolicyOff
}

// Current returns the running version.
func (c *Checker) Current() string {
	return c.current
}

// Due reports whether a check should run at now given the last check.
func (c *Checker) Due(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	if c.schedule != nil {
		return !now.Before(c.schedule.Next(last))
	}
	return now.Sub(last) >= c.interval
}

// Check fetches the latest release and applies the policy.
func (c *Checker) Check(ctx context.Context) (*VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	release, err := c.source.GetLatestRelease(ctx, c.owner, c.repo)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	info := &VersionInfo{Current: c.current}
	if release == nil {
		info.Reason = "no releases published"
		return info, nil
	}
	info.Latest = release.TagName
	info.Release = release
	if release.Draft || release.Prerelease {
		info.Reason = "latest release is a draft or prerelease"
		return info, nil
	}
	info.Permitted, info.Reason = c.policy.Permits(c.current, release.TagName, c.pinned)
	return info, nil
}
