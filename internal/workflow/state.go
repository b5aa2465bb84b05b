package workflow

import (
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/adapters/github"
)

// IssueStatus is the externally observable state of an issue or PR. It is
// always derived from comment markers and never stored as authoritative.
type IssueStatus string

const (
	StatusIdle            IssueStatus = "idle"
	StatusPlanning        IssueStatus = "planning"
	StatusPlanPosted      IssueStatus = "plan_posted"
	StatusBuilding        IssueStatus = "building"
	StatusVerifying       IssueStatus = "verifying"
	StatusIncomplete      IssueStatus = "incomplete"
	StatusPRCreated       IssueStatus = "pr_created"
	StatusFailed          IssueStatus = "failed"
	StatusReview          IssueStatus = "review"
	StatusChangeRequested IssueStatus = "change_requested"
)

// BuildStatus is the lifecycle of one build.
type BuildStatus string

const (
	BuildPlanning     BuildStatus = "planning"
	BuildImplementing BuildStatus = "implementing"
	BuildVerifying    BuildStatus = "verifying"
	BuildIncomplete   BuildStatus = "incomplete"
	BuildPRCreated    BuildStatus = "pr_created"
	BuildFailed       BuildStatus = "failed"
)

// Build marker status values
const (
	BuildMarkerComplete   = "complete"
	BuildMarkerIncomplete = "incomplete"
	BuildMarkerFailed     = "failed"
	BuildMarkerExhausted  = "exhausted"
)

// Change request marker status values
const (
	ChangesMarkerApplied      = "applied"
	ChangesMarkerEmpty        = "empty"
	ChangesMarkerTestsFailed  = "tests_failed"
	ChangesMarkerPushRejected = "push_rejected"
	ChangesMarkerClosed       = "pr_closed"
)

// BuildState is the cached view of an issue's build. The platform remains
// authoritative.
type BuildState struct {
	IssueNumber int
	Branch      string
	Status      BuildStatus
	CommitSHA   string
	StartedAt   time.Time
}

// BuildRecord is what a build status comment says.
type BuildRecord struct {
	Status   BuildStatus
	Marker   string
	PRNumber int
	Branch   string
	Commit   string
	Trigger  string
	Comment  *github.Comment
}

// Snapshot is the state of one issue or PR re-derived from its comments.
type Snapshot struct {
	Status IssueStatus

	// PlanComment carries the live plan, nil when no plan was posted.
	PlanComment   *github.Comment
	PlanIteration int

	LastBuild *BuildRecord
	// Attempts counts incomplete or failed builds in the current cycle.
	Attempts int
	// Exhausted is set once the bot gave up and removed the build label.
	Exhausted bool

	PRNumber       int
	ReviewComplete bool
	ChangesApplied int

	handled  map[string]bool
	failures map[string]int
}

// Handled reports whether a trigger key is recorded in any trusted marker.
func (s *Snapshot) Handled(key string) bool {
	return s.handled[key]
}

// Failures counts failure notices recorded against a trigger key.
func (s *Snapshot) Failures(key string) int {
	return s.failures[key]
}

// HandledKeys returns every recorded trigger key.
func (s *Snapshot) HandledKeys() []string {
	keys := make([]string, 0, len(s.handled))
	for k := range s.handled {
		keys = append(keys, k)
	}
	return keys
}

// Derive scans comments oldest first and rebuilds the Snapshot. When
// trustedLogin is non-empty only that author's markers count.
func Derive(comments []*github.Comment, trustedLogin string) *Snapshot {
	s := &Snapshot{
		Status:   StatusIdle,
		handled:  map[string]bool{},
		failures: map[string]int{},
	}

	for _, c := range comments {
		if trustedLogin != "" && !strings.EqualFold(c.User.Login, trustedLogin) {
			continue
		}
		for _, m := range ParseMarkers(c.Body) {
			if m.Closing {
				continue
			}
			if key := m.Get(AttrTrigger); key != "" {
				s.handled[key] = true
			}
			s.apply(c, m)
		}
	}
	return s
}

func (s *Snapshot) apply(c *github.Comment, m Marker) {
	switch m.Kind {
	case MarkerPlan:
		if s.PlanComment == nil {
			s.PlanComment = c
			s.PlanIteration = m.Int(AttrIteration)
			if s.Status == StatusIdle {
				s.Status = StatusPlanPosted
			}
		}
	case MarkerBuild:
		rec := &BuildRecord{
			Marker:   m.Get(AttrStatus),
			PRNumber: m.Int(AttrPR),
			Branch:   m.Get(AttrBranch),
			Commit:   m.Get(AttrCommit),
			Trigger:  m.Get(AttrTrigger),
			Comment:  c,
		}
		switch rec.Marker {
		case BuildMarkerComplete:
			rec.Status = BuildPRCreated
			s.Status = StatusPRCreated
			s.PRNumber = rec.PRNumber
			s.Attempts = 0
			s.Exhausted = false
		case BuildMarkerIncomplete:
			rec.Status = BuildIncomplete
			s.Status = StatusIncomplete
			s.Attempts++
			s.Exhausted = false
		case BuildMarkerExhausted:
			// Ends a cycle; a fresh trigger starts counting again.
			rec.Status = BuildFailed
			s.Status = StatusFailed
			s.Attempts = 0
			s.Exhausted = true
		default:
			rec.Status = BuildFailed
			s.Status = StatusFailed
			s.Attempts++
			s.Exhausted = false
		}
		s.LastBuild = rec
	case MarkerReviewComplete:
		s.ReviewComplete = true
		s.Status = StatusReview
	case MarkerNotice:
		if key := m.Get(AttrFailed); key != "" {
			s.failures[key]++
		}
	case MarkerChanges:
		if m.Get(AttrStatus) == ChangesMarkerApplied {
			s.ChangesApplied++
		}
		s.Status = StatusChangeRequested
		if pr := m.Int(AttrPR); pr != 0 {
			s.PRNumber = pr
		}
	}
}

// Resumable reports whether the build should be picked up again on the next
// tick without a new trigger.
func (s *Snapshot) Resumable(maxAttempts int) bool {
	if s.LastBuild == nil || s.Exhausted {
		return false
	}
	if s.Status != StatusIncomplete && s.Status != StatusFailed {
		return false
	}
	return s.Attempts < maxAttempts
}
