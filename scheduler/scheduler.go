// Package scheduler implements the Scheduler Loop (spec.md §4.6): the
// per-invocation pass that resolves pending jobs to printers, admits them
// past concurrency and quota caps, resolves a filter pipeline for their
// current file, and hands off to the Pipeline Supervisor.
package scheduler

import (
	"time"

	"go.uber.org/net/metrics"
	"go.uber.org/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Distrotech/cups-filters-sub000/filter"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/registry"
)

// Supervisor is the Pipeline Supervisor collaborator (spec.md §4.7):
// launching the external-process chain for one (job, printer, pipeline)
// handoff. Kept as an interface so scheduler has no direct import-time
// dependency on the supervisor package's process-spawning machinery.
type Supervisor interface {
	Launch(job *jobstore.Job, printer *registry.Destination, pipeline []filter.Step) error
}

// Config bounds the Scheduler's concurrency and admission behavior.
type Config struct {
	// MaxActiveJobs is at most one third of the process's file descriptor
	// limit (spec.md §4.6: each pipeline consumes multiple descriptors).
	MaxActiveJobs int
	MaxPerPrinter int
	MaxPerUser    int

	// AdmissionRate/AdmissionBurst bound how often a single destination
	// can be handed a new job, independent of the jobstore's page/byte
	// quota window — a defensive throttle against a destination that
	// just came idle absorbing a large pending backlog in one tick.
	AdmissionRate  rate.Limit
	AdmissionBurst int

	DefaultQuotaWindow time.Duration
}

// MaxActiveJobsFromRlimit applies spec.md §4.6's one-third-of-fd-limit rule.
func MaxActiveJobsFromRlimit(fdLimit int) int {
	return fdLimit / 3
}

// Scheduler runs one pass of the scheduler loop at a time; callers (the
// Event Dispatcher) invoke Run whenever a job or printer changes state, the
// periodic tick elapses, or a supervised child exits (spec.md §4.6).
type Scheduler struct {
	log        *zap.Logger
	registry   *registry.Registry
	jobs       *jobstore.Store
	filters    *filter.Graph
	supervisor Supervisor
	cfg        Config

	globalSem *semaphore.Weighted
	limiters  map[string]*rate.Limiter

	restarting bool

	admitted *metrics.Counter
	held     *metrics.Counter
	aborted  *metrics.Counter
	scope    tally.Scope
}

// New constructs a Scheduler. meter may be nil (metrics become no-ops);
// scope may be nil likewise.
func New(log *zap.Logger, reg *registry.Registry, jobs *jobstore.Store, filters *filter.Graph,
	sup Supervisor, cfg Config, meter *metrics.Scope, scope tally.Scope) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = 1
	}

	s := &Scheduler{
		log:        log,
		registry:   reg,
		jobs:       jobs,
		filters:    filters,
		supervisor: sup,
		cfg:        cfg,
		globalSem:  semaphore.NewWeighted(int64(cfg.MaxActiveJobs)),
		limiters:   make(map[string]*rate.Limiter),
		scope:      scope,
	}
	if meter != nil {
		s.admitted, _ = meter.Counter(metrics.Spec{
			Name: "scheduler_jobs_admitted", Help: "Total jobs handed to the pipeline supervisor.",
		})
		s.held, _ = meter.Counter(metrics.Spec{
			Name: "scheduler_jobs_held", Help: "Total jobs held back this pass (quota, no candidate, throttled).",
		})
		s.aborted, _ = meter.Counter(metrics.Spec{
			Name: "scheduler_jobs_aborted", Help: "Total jobs aborted for lack of a filter path.",
		})
	}
	return s
}

// BeginRestart pauses admission; called by the Dispatcher before draining
// client sessions for a configuration reload (spec.md §4.6 "On restart").
func (s *Scheduler) BeginRestart() { s.restarting = true }

// EndRestart resumes admission once listeners have reopened.
func (s *Scheduler) EndRestart() { s.restarting = false }

// Run performs one scheduler pass over all pending jobs, in (descending
// priority, ascending id) order (spec.md §4.6 step 1).
func (s *Scheduler) Run() {
	if s.restarting {
		return
	}
	for _, job := range s.jobs.Pending() {
		s.admitOne(job)
	}
}

func (s *Scheduler) admitOne(job *jobstore.Job) {
	if !job.RetryNotBefore.IsZero() && time.Now().Before(job.RetryNotBefore) {
		s.incHeld()
		return
	}

	printer, ok := s.resolveTarget(job)
	if !ok {
		s.incHeld()
		return // no candidate this pass; target unresolved or class exhausted
	}

	if !printer.Accepting() || printer.State() != registry.StateIdle {
		s.incHeld()
		return
	}

	if s.activeCount(byPrinter(printer.Name)) >= s.cfg.MaxPerPrinter && s.cfg.MaxPerPrinter > 0 {
		s.incHeld()
		return
	}
	if s.activeCount(byOwner(job.Owner)) >= s.cfg.MaxPerUser && s.cfg.MaxPerUser > 0 {
		s.incHeld()
		return
	}

	if !s.globalSem.TryAcquire(1) {
		s.incHeld()
		return
	}
	released := false
	release := func() {
		if !released {
			s.globalSem.Release(1)
			released = true
		}
	}
	defer release()

	if lim := s.limiterFor(printer.Name); lim != nil && !lim.Allow() {
		s.incHeld()
		return
	}

	if printer.QuotaPages > 0 {
		window := printer.QuotaPeriod
		if window <= 0 {
			window = s.cfg.DefaultQuotaWindow
		}
		pages, _ := s.jobs.UsageWithinWindow(printer.Name, job.Owner, window)
		if pages >= printer.QuotaPages {
			_ = s.jobs.Transition(job, jobstore.Held, "quota-exceeded")
			s.incHeld()
			return
		}
	}

	if job.CurrentFile >= len(job.InputFiles) {
		s.incHeld()
		return
	}
	file := job.InputFiles[job.CurrentFile]
	pipeline, err := s.filters.Resolve(file.MimeType, printer.Name)
	if err != nil {
		// Aborted is reachable only from Processing, so the job passes
		// through it on the way.
		if terr := s.jobs.Transition(job, jobstore.Processing, ""); terr == nil {
			_ = s.jobs.Transition(job, jobstore.Aborted, "document-format-not-supported")
		}
		s.incAborted()
		return
	}

	job.AssignedPrinter = printer.Name
	if err := s.jobs.Transition(job, jobstore.Processing, ""); err != nil {
		s.log.Warn("failed to transition job to processing", zap.Int("job", job.ID), zap.Error(err))
		return
	}

	if err := s.supervisor.Launch(job, printer, pipeline); err != nil {
		s.log.Warn("pipeline launch failed", zap.Int("job", job.ID), zap.Error(err))
		_ = s.jobs.Transition(job, jobstore.Aborted, "pipeline-launch-failed")
		return
	}

	released = false // ownership of the semaphore slot passes to the running pipeline
	s.incAdmitted()
}

// resolveTarget implements spec.md §4.6 step 2: exact printer is the
// candidate directly; a class asks the Class Engine for an available
// member.
func (s *Scheduler) resolveTarget(job *jobstore.Job) (*registry.Destination, bool) {
	d, ok := s.registry.Lookup(job.TargetName)
	if !ok {
		return nil, false
	}
	if d.IsClass() {
		return s.registry.PickAvailable(d, s.isJobless)
	}
	return d, true
}

// isJobless reports whether a remote printer currently has no job assigned
// to it — the Class Engine's pick-available rule for remote members
// (spec.md §4.3).
func (s *Scheduler) isJobless(d *registry.Destination) bool {
	for _, j := range s.jobs.All() {
		if j.State == jobstore.Processing && j.AssignedPrinter == d.Name {
			return false
		}
	}
	return true
}

type countFilter func(*jobstore.Job) bool

func byPrinter(name string) countFilter {
	return func(j *jobstore.Job) bool { return j.AssignedPrinter == name }
}

func byOwner(owner string) countFilter {
	return func(j *jobstore.Job) bool { return j.Owner == owner }
}

func (s *Scheduler) activeCount(match countFilter) int {
	n := 0
	for _, j := range s.jobs.All() {
		if j.State == jobstore.Processing && match(j) {
			n++
		}
	}
	return n
}

func (s *Scheduler) limiterFor(destName string) *rate.Limiter {
	if s.cfg.AdmissionRate <= 0 {
		return nil
	}
	lim, ok := s.limiters[destName]
	if !ok {
		lim = rate.NewLimiter(s.cfg.AdmissionRate, s.cfg.AdmissionBurst)
		s.limiters[destName] = lim
	}
	return lim
}

func (s *Scheduler) incAdmitted() {
	if s.admitted != nil {
		s.admitted.Inc()
	}
	if s.scope != nil {
		s.scope.Counter("jobs_admitted").Inc(1)
	}
}

func (s *Scheduler) incHeld() {
	if s.held != nil {
		s.held.Inc()
	}
	if s.scope != nil {
		s.scope.Counter("jobs_held").Inc(1)
	}
}

func (s *Scheduler) incAborted() {
	if s.aborted != nil {
		s.aborted.Inc()
	}
	if s.scope != nil {
		s.scope.Counter("jobs_aborted").Inc(1)
	}
}
