package queue

import (
	"strings"
	"time"
)

// State represents the lifecycle of a group.
type State string

const (
	StateCollecting  State = "collecting"
	StatePending     State = "pending"
	StateInProgress  State = "in_progress"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateQuarantined State = "quarantined"
	StateExpired     State = "expired"
)

// LeaseExpiredReason is the error message recorded when an expired claim lease
// returns a group to the pending state.
const LeaseExpiredReason = "claim lease expired"

// ExpiredReason is the error message recorded when a group times out before
// all of its fragments arrive.
const ExpiredReason = "group timed out before all fragments arrived"

var allStates = []State{
	StateCollecting,
	StatePending,
	StateInProgress,
	StateCompleted,
	StateFailed,
	StateQuarantined,
	StateExpired,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

var terminalStates = map[State]struct{}{
	StateCompleted:   {},
	StateQuarantined: {},
	StateExpired:     {},
}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a state is terminal: the group will never be
// dispatched again and only retention cleanup applies.
func IsTerminal(state State) bool {
	_, ok := terminalStates[state]
	return ok
}

// Fragment is one recorded input file belonging to a group. Immutable once
// inserted; the (GroupID, PartIndex) pair is the primary key.
type Fragment struct {
	GroupID    string
	PartIndex  int
	Path       string
	SizeBytes  int64
	DetectedAt time.Time
}

// Group is the persisted assembly record for one logical observation unit.
type Group struct {
	GroupID        string
	ExpectedParts  int
	State          State
	RetryCount     int
	ClaimOwner     string
	ClaimExpiresAt *time.Time
	NextAttemptAt  *time.Time
	StagedPath     string
	Degraded       bool
	ErrorMessage   string
	FirstSeenAt    time.Time
	LastUpdateAt   time.Time
	TerminalAt     *time.Time
}

// IsTerminal reports whether the group has reached a terminal state.
func (g Group) IsTerminal() bool {
	return IsTerminal(g.State)
}

// ClaimedBy reports whether owner currently holds an unexpired claim lease.
func (g Group) ClaimedBy(owner string, now time.Time) bool {
	return g.State == StateInProgress &&
		g.ClaimOwner == owner &&
		g.ClaimExpiresAt != nil &&
		g.ClaimExpiresAt.After(now)
}

// HealthSummary describes aggregated queue counts for the observability surface.
type HealthSummary struct {
	Total            int
	Collecting       int
	Pending          int
	InProgress       int
	Completed        int
	Failed           int
	Quarantined      int
	Expired          int
	OldestPendingAge time.Duration
}

// Depth is the backlog count: groups still collecting plus groups awaiting dispatch.
func (h HealthSummary) Depth() int {
	return h.Collecting + h.Pending
}
