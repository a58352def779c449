package jobstore

import (
	"os"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Distrotech/cups-filters-sub000/attrbag"
	cerrors "github.com/Distrotech/cups-filters-sub000/internal/errors"
)

// Persister abstracts the on-disk representation of jobs, keeping the
// state machine itself free of filesystem concerns.
type Persister interface {
	Save(job *Job) error
	Delete(id int) error
	LoadAll() ([]*Job, error)
}

// Store holds an append-ordered list of Jobs plus an id index (spec.md
// §4.5). Not safe for concurrent use: like the Registry, it is accessed
// only from the single-threaded event-loop context.
type Store struct {
	log       *zap.Logger
	persister Persister
	keepFiles bool
	retention time.Duration

	jobs  []*Job
	byID  map[int]*Job
	nextID *atomic.Int64

	quota map[quotaKey]*quotaWindow
}

type quotaKey struct {
	destination string
	owner       string
}

type quotaWindow struct {
	windowStart time.Time
	pages       int
	bytes       int
}

// Config configures retention and quota behavior.
type Config struct {
	KeepFiles     bool          // if false, files of completed/canceled jobs are deleted on terminal transition
	HistoryWindow time.Duration // terminal jobs older than this are pruned by Expire
}

// New constructs an empty Store. persister may be nil, in which case Submit
// and transitions still work but nothing survives a restart.
func New(log *zap.Logger, persister Persister, cfg Config) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:       log,
		persister: persister,
		keepFiles: cfg.KeepFiles,
		retention: cfg.HistoryWindow,
		byID:      make(map[int]*Job),
		nextID:    atomic.NewInt64(0),
		quota:     make(map[quotaKey]*quotaWindow),
	}
}

// Submit allocates the next id, persists a pending record, and returns the
// new Job. target may name a class or a not-yet-known remote; resolution
// happens lazily in the Scheduler.
func (s *Store) Submit(target, owner string, priority int, attrs attrbag.Bag) (*Job, error) {
	id := int(s.nextID.Inc())
	now := time.Now().UTC()
	j := &Job{
		ID:          id,
		TargetName:  target,
		Owner:       owner,
		Priority:    priority,
		Attributes:  attrs,
		State:       Pending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	s.jobs = append(s.jobs, j)
	s.byID[id] = j
	if err := s.save(j); err != nil {
		return nil, err
	}
	s.log.Info("job submitted", zap.Int("job", id), zap.String("target", target), zap.String("owner", owner))
	return j, nil
}

// AttachFile appends a file to a pending Job's input-files, persisting the
// change. Only valid while state == pending.
func (s *Store) AttachFile(job *Job, localPath, mimeType string) error {
	if job.State != Pending {
		return cerrors.NotAcceptable("attach-file", job.TargetName)
	}
	job.InputFiles = append(job.InputFiles, InputFile{LocalPath: localPath, MimeType: mimeType})
	job.UpdatedAt = time.Now().UTC()
	return s.save(job)
}

// Transition enforces the legal state transitions of spec.md §4.5 and
// persists the change. On a transition into a terminal state, if keepFiles
// is false the job's input files are deleted.
func (s *Store) Transition(job *Job, newState State, reason string) error {
	if !isLegalTransition(job.State, newState) {
		return cerrors.NotAcceptable("transition", job.TargetName)
	}
	job.State = newState
	job.Reason = reason
	job.UpdatedAt = time.Now().UTC()
	job.recordHistory(job.UpdatedAt, newState, reason)

	if newState.Terminal() && !s.keepFiles {
		s.purgeFiles(job)
	}
	return s.save(job)
}

// Restart explicitly moves a completed job back to pending, clearing
// assigned-printer and resetting the accumulator (spec.md §4.5's one named
// exception to the terminal rule).
func (s *Store) Restart(job *Job) error {
	if job.State != Completed {
		return cerrors.NotAcceptable("restart", job.TargetName)
	}
	job.State = Pending
	job.AssignedPrinter = ""
	job.Accumulator = Accumulator{}
	job.CurrentFile = 0
	job.UpdatedAt = time.Now().UTC()
	job.recordHistory(job.UpdatedAt, Pending, "restarted")
	return s.save(job)
}

// Cancel transitions a job to canceled, optionally purging its input files
// regardless of the keepFiles setting.
func (s *Store) Cancel(job *Job, purge bool) error {
	if job.State.Terminal() {
		return nil
	}
	if err := s.Transition(job, Canceled, "canceled-by-operator"); err != nil {
		return err
	}
	if purge {
		s.purgeFiles(job)
	}
	return nil
}

func (s *Store) purgeFiles(job *Job) {
	for _, f := range job.InputFiles {
		if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to purge job input file",
				zap.Int("job", job.ID), zap.String("path", f.LocalPath), zap.Error(err))
		}
	}
}

// LoadAll scans the persistent store, reconstructing non-terminal jobs
// into pending state and discarding any in-progress file handles and
// child-process records (spec.md §4.5) — those belong to a supervisor
// instance that died with the previous process.
func (s *Store) LoadAll() error {
	if s.persister == nil {
		return nil
	}
	loaded, err := s.persister.LoadAll()
	if err != nil {
		return err
	}
	for _, j := range loaded {
		if !j.State.Terminal() {
			j.State = Pending
			j.CurrentFile = 0
		}
		s.jobs = append(s.jobs, j)
		s.byID[j.ID] = j
		if int64(j.ID) > s.nextID.Load() {
			s.nextID.Store(int64(j.ID))
		}
	}
	s.log.Info("jobs loaded from store", zap.Int("count", len(loaded)))
	return nil
}

// Expire applies retention: terminal jobs older than HistoryWindow are
// pruned from the in-memory index and persister (spec.md §4.5). Returns
// the number of jobs pruned.
func (s *Store) Expire(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)
	kept := s.jobs[:0]
	pruned := 0
	for _, j := range s.jobs {
		if j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.byID, j.ID)
			if s.persister != nil {
				if err := s.persister.Delete(j.ID); err != nil {
					s.log.Warn("failed to delete expired job record", zap.Int("job", j.ID), zap.Error(err))
				}
			}
			pruned++
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	return pruned
}

// Find returns the job with the given id.
func (s *Store) Find(id int) (*Job, bool) {
	j, ok := s.byID[id]
	return j, ok
}

// All returns every job in submission order.
func (s *Store) All() []*Job {
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Pending returns jobs in state Pending, ordered by (descending priority,
// ascending id) — the order the Scheduler Loop must iterate them in
// (spec.md §4.6 step 1).
func (s *Store) Pending() []*Job {
	var out []*Job
	for _, j := range s.jobs {
		if j.State == Pending {
			out = append(out, j)
		}
	}
	sortPendingOrder(out)
	return out
}

func sortPendingOrder(jobs []*Job) {
	// Insertion sort: job counts per pass are small (bounded by MaxJobs),
	// and this keeps the comparator's tie rule (ascending id) trivially
	// stable without importing sort for a handful of elements.
	for i := 1; i < len(jobs); i++ {
		j := i
		for j > 0 && less(jobs[j], jobs[j-1]) {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
			j--
		}
	}
}

func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority // descending priority
	}
	return a.ID < b.ID // ascending id
}

func (s *Store) save(job *Job) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Save(job)
}

// AccountUsage adds pages/bytes to the (destination, owner) tally used by
// the Scheduler's quota check (spec.md §4.5/§4.6). The tally covers one
// fixed window that starts at the first usage and restarts once window has
// elapsed; it does not slide.
func (s *Store) AccountUsage(destination, owner string, window time.Duration, pages, bytes int) {
	key := quotaKey{destination, owner}
	w, ok := s.quota[key]
	now := time.Now().UTC()
	if !ok || now.Sub(w.windowStart) > window {
		w = &quotaWindow{windowStart: now}
		s.quota[key] = w
	}
	w.pages += pages
	w.bytes += bytes
}

// UsageWithinWindow returns the current tally for (destination, owner)
// within the given window, resetting it first if the window has elapsed.
func (s *Store) UsageWithinWindow(destination, owner string, window time.Duration) (pages, bytesUsed int) {
	key := quotaKey{destination, owner}
	w, ok := s.quota[key]
	if !ok {
		return 0, 0
	}
	if time.Since(w.windowStart) > window {
		delete(s.quota, key)
		return 0, 0
	}
	return w.pages, w.bytes
}
