// Package jobstore implements the Job Store (spec.md §4.5): an
// append-ordered list of Jobs plus an id index, the job state machine, and
// persistence of non-terminal jobs across restarts.
package jobstore

import (
	"fmt"
	"time"

	"github.com/Distrotech/cups-filters-sub000/attrbag"
)

// State is a Job's position in its lifecycle (spec.md §4.5).
type State int

const (
	Pending State = iota
	Held
	Processing
	Stopped
	Completed
	Canceled
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Held:
		return "held"
	case Processing:
		return "processing"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether a Job in this state is done (barring restart).
func (s State) Terminal() bool {
	return s == Completed || s == Canceled || s == Aborted
}

// InputFile is one attached document, queued for sequential filtering.
type InputFile struct {
	LocalPath string
	MimeType  string
}

// Accumulator tracks per-job work counted toward the owner's quota window;
// restart resets it, matching the original job_t's media-sheets-completed
// counter and CUPS's MaxJobsPerUser-era page accounting.
type Accumulator struct {
	PagesPrinted int
	BytesWritten int
}

// HistoryEntry is one bounded-ring record of a job state transition,
// mirroring registry.HistoryEntry (spec.md §3's "bounded ring of state
// transitions" applies to both Destination and Job).
type HistoryEntry struct {
	At     time.Time
	State  State
	Reason string
}

const historyCapacity = 32

// Job is one print request moving through the store's state machine.
type Job struct {
	ID         int
	TargetName string
	Owner      string
	Priority   int
	Attributes attrbag.Bag

	InputFiles  []InputFile
	CurrentFile int

	State           State
	Reason          string
	AssignedPrinter string
	Accumulator     Accumulator
	History         []HistoryEntry

	// RetryCount and RetryNotBefore back spec.md §4.7's retry-job/
	// retry-current-job error policies with the teacher's exponential
	// backoff strategy (internal/backoff), so a permanently broken
	// filter doesn't hot-loop the Scheduler Loop.
	RetryCount     int
	RetryNotBefore time.Time

	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// legalTransitions enumerates spec.md §4.5's state machine. restart
// (completed -> pending) is handled separately by Restart, not by
// Transition, since it additionally clears AssignedPrinter and the
// accumulator.
var legalTransitions = map[State]map[State]bool{
	Pending:    {Held: true, Processing: true, Canceled: true},
	Held:       {Pending: true, Canceled: true},
	Processing: {Stopped: true, Completed: true, Canceled: true, Aborted: true},
	Stopped:    {Pending: true, Canceled: true},
}

func isLegalTransition(from, to State) bool {
	return legalTransitions[from][to]
}

// recordHistory appends a transition to the bounded ring, dropping the
// oldest entry once historyCapacity is exceeded.
func (j *Job) recordHistory(at time.Time, state State, reason string) {
	j.History = append(j.History, HistoryEntry{At: at, State: state, Reason: reason})
	if len(j.History) > historyCapacity {
		j.History = j.History[len(j.History)-historyCapacity:]
	}
}
