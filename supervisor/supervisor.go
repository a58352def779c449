package supervisor

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	apibackoff "github.com/Distrotech/cups-filters-sub000/api/backoff"
	"github.com/Distrotech/cups-filters-sub000/api/spawn"
	"github.com/Distrotech/cups-filters-sub000/filter"
	"github.com/Distrotech/cups-filters-sub000/internal/backoff"
	"github.com/Distrotech/cups-filters-sub000/internal/errorsync"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/registry"
)

// Config bounds the Supervisor's process-launch policy.
type Config struct {
	BaseNiceLevel  int
	RunAsUID       *uint32
	RunAsGID       *uint32
	KillGracePeriod time.Duration
}

// Completion reports that every process of one (job, file) pipeline has
// been reaped, classified per spec.md §4.7's accumulator rule.
type Completion struct {
	JobID   int
	Outcome Outcome
}

// Supervisor launches and reaps filter-chain-plus-backend pipelines. Its
// Launch method returns as soon as every child has been spawned; exit
// observation happens on a background goroutine per pipeline and is
// delivered as a Completion on the channel returned by Completions — the
// channel plays the role of spec.md §4.8's self-pipe "child-exited" token,
// letting the single-threaded event loop (the dispatcher package)
// serialize the resulting Job Store/Registry mutations instead of racing
// them across reaper goroutines.
type Supervisor struct {
	log     *zap.Logger
	jobs    *jobstore.Store
	reg     *registry.Registry
	spawner spawn.Spawner
	tracer  opentracing.Tracer
	cfg     Config

	mu         sync.Mutex
	active     map[int]*Pipeline // job id -> in-flight pipeline
	backPipes  map[int][2]*os.File

	completions chan Completion

	// retryDelay computes how long a retry-job/retry-current-job job
	// waits before the Scheduler Loop may re-admit it, keyed by attempt
	// count — internal/backoff's jittered exponential curve wrapped as
	// an api/backoff.Backoff, so a permanently broken filter doesn't
	// hot-loop admission.
	retryDelay apibackoff.Backoff
}

// backoffFunc adapts one of internal/backoff's generated closures to the
// api/backoff.Backoff collaborator interface.
type backoffFunc func(attempts uint) time.Duration

func (f backoffFunc) Duration(attempts uint) time.Duration { return f(attempts) }

// New constructs a Supervisor. spawner may be nil (defaults to
// spawn.OSSpawner{}); tracer may be nil (defaults to the global no-op
// tracer).
func New(log *zap.Logger, jobs *jobstore.Store, reg *registry.Registry, spawner spawn.Spawner, tracer opentracing.Tracer, cfg Config) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if spawner == nil {
		spawner = spawn.OSSpawner{}
	}
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &Supervisor{
		log:         log,
		jobs:        jobs,
		reg:         reg,
		spawner:     spawner,
		tracer:      tracer,
		cfg:         cfg,
		active:      make(map[int]*Pipeline),
		backPipes:   make(map[int][2]*os.File),
		completions: make(chan Completion, 16),
		retryDelay:  backoffFunc(backoff.DefaultExponential()),
	}
}

// Completions is the channel of pipeline outcomes awaiting Dispatcher
// handling.
func (s *Supervisor) Completions() <-chan Completion { return s.completions }

// Launch builds and starts the process chain for job's current file on
// printer, per the resolved filter pipeline (spec.md §4.7). It returns an
// error only if construction or spawning itself failed; process exit is
// reported asynchronously via Completions.
func (s *Supervisor) Launch(job *jobstore.Job, printer *registry.Destination, steps []filter.Step) error {
	s.mu.Lock()
	if _, busy := s.active[job.ID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("job %d already has an active pipeline", job.ID)
	}
	s.mu.Unlock()

	span := s.tracer.StartSpan(fmt.Sprintf("job-%d", job.ID))
	span.SetTag("printer", printer.Name)
	span.SetTag("owner", job.Owner)

	p := &Pipeline{Job: job, Printer: printer, span: span}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		span.Finish()
		return fmt.Errorf("status pipe: %w", err)
	}
	p.statusR, p.statusW = statusR, statusW

	backA, backB := s.backPipeFor(job.ID)

	contentType := ""
	if job.CurrentFile < len(job.InputFiles) {
		contentType = job.InputFiles[job.CurrentFile].MimeType
	}
	env := buildEnv(job, printer, contentType, nil)

	var stdin *os.File
	if job.CurrentFile < len(job.InputFiles) {
		f, err := os.Open(job.InputFiles[job.CurrentFile].LocalPath)
		if err != nil {
			statusR.Close()
			statusW.Close()
			span.Finish()
			return fmt.Errorf("opening input file: %w", err)
		}
		stdin = f
	}

	var toClose []*os.File
	cur := stdin
	for i, step := range steps {
		isLast := i == len(steps)-1
		var stdout, nextStdin *os.File
		// A non-last filter, or a last filter feeding a backend, needs a
		// forward pipe to the next stage. A last filter with no backend
		// discards its output (stdout stays nil).
		if !isLast || printer.DeviceURI != "" {
			r, w, perr := os.Pipe()
			if perr != nil {
				return s.abortSpawn(p, toClose, perr)
			}
			stdout, nextStdin = w, r
		}

		var extra []*os.File
		if i == 0 && backA != nil {
			extra = []*os.File{backA}
		}

		spec := spawn.Spec{
			Command:   step.Command,
			Env:       env,
			Stdin:     cur,
			Stdout:    stdout,
			Stderr:    statusW,
			NiceLevel: niceFor(step.NiceLevel, s.cfg.BaseNiceLevel),
			SetPGID:   true,
			UID:       s.cfg.RunAsUID,
			GID:       s.cfg.RunAsGID,
			ExtraFiles: extra,
		}
		proc, serr := s.spawner.Spawn(spec)
		if serr != nil {
			return s.abortSpawn(p, toClose, serr)
		}
		p.children = append(p.children, &child{kind: kindFilter, command: step.Command, proc: proc})

		if cur != nil {
			toClose = append(toClose, cur)
		}
		if stdout != nil {
			toClose = append(toClose, stdout)
		}
		cur = nextStdin
	}

	if printer.DeviceURI != "" {
		backendCmd := backendCommand(printer.DeviceURI)
		var extra []*os.File
		if backB != nil {
			extra = []*os.File{backB}
		}
		spec := spawn.Spec{
			Command:    backendCmd,
			Args:       []string{printer.DeviceURI},
			Env:        env,
			Stdin:      cur,
			Stdout:     nil,
			Stderr:     statusW,
			NiceLevel:  s.cfg.BaseNiceLevel,
			SetPGID:    true,
			UID:        s.cfg.RunAsUID,
			GID:        s.cfg.RunAsGID,
			ExtraFiles: extra,
		}
		proc, serr := s.spawner.Spawn(spec)
		if serr != nil {
			return s.abortSpawn(p, toClose, serr)
		}
		p.children = append(p.children, &child{kind: kindBackend, command: backendCmd, proc: proc})
		if cur != nil {
			toClose = append(toClose, cur)
		}
	}

	for _, f := range toClose {
		_ = f.Close()
	}
	_ = statusW.Close() // parent's copy; pipe stays open via children's dup'd fds

	s.mu.Lock()
	s.active[job.ID] = p
	s.mu.Unlock()

	go s.run(p)
	return nil
}

func (s *Supervisor) abortSpawn(p *Pipeline, toClose []*os.File, cause error) error {
	for _, f := range toClose {
		_ = f.Close()
	}
	for _, c := range p.children {
		_ = c.proc.Signal(os.Kill)
	}
	p.Close()
	p.span.Finish()
	return fmt.Errorf("spawning pipeline for job %d: %w", p.Job.ID, cause)
}

// backPipeFor returns the job's persistent back-channel pipe pair,
// creating it on first use. Per SPEC_FULL.md's resolution of the
// back-channel-across-multi-file-jobs open question, it is not recreated
// per file. HandleCompletion closes it after the job's last file succeeds
// and also whenever a filter or backend failure ends the current pipeline.
func (s *Supervisor) backPipeFor(jobID int) (*os.File, *os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pair, ok := s.backPipes[jobID]; ok {
		return pair[0], pair[1]
	}
	a, b, err := os.Pipe()
	if err != nil {
		return nil, nil
	}
	s.backPipes[jobID] = [2]*os.File{a, b}
	return a, b
}

func (s *Supervisor) closeBackPipe(jobID int) {
	s.mu.Lock()
	pair, ok := s.backPipes[jobID]
	delete(s.backPipes, jobID)
	s.mu.Unlock()
	if ok {
		for _, f := range pair {
			if f != nil {
				_ = f.Close()
			}
		}
	}
}

// backendCommand derives the backend executable name from a device URI's
// scheme (e.g. "usb://..." -> "usb"), matching CUPS's backend-per-scheme
// naming convention (original_source/scheduler/printers.c's device_uri
// handling).
func backendCommand(deviceURI string) string {
	if i := strings.Index(deviceURI, "://"); i >= 0 {
		return deviceURI[:i]
	}
	return deviceURI
}

// run drains the status pipe and reaps every child, then reports a
// Completion. It owns no Job Store/Registry mutation: that happens in
// HandleCompletion on the dispatcher's single goroutine.
func (s *Supervisor) run(p *Pipeline) {
	defer p.statusR.Close()

	var filterFailed, backendFailed bool
	var stateDirectives []string
	var pages int
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		defer close(done)
		drainStatus(p.statusR, func(ev statusEvent) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case ev.state != "":
				stateDirectives = append(stateDirectives, ev.state)
			case ev.pages > 0:
				pages += ev.pages
			case ev.severity == "error":
				s.log.Error("pipeline child reported error", zap.Int("job", p.Job.ID), zap.String("message", ev.message))
			case ev.severity == "warn":
				s.log.Warn("pipeline child reported warning", zap.Int("job", p.Job.ID), zap.String("message", ev.message))
			default:
				s.log.Debug("pipeline child message", zap.Int("job", p.Job.ID), zap.String("message", ev.message))
			}
		})
	}()

	var ew errorsync.ErrorWaiter
	for _, c := range p.children {
		c := c
		ew.Submit(func() error {
			res := c.proc.Wait()
			if res.ExitCode != 0 {
				mu.Lock()
				if c.kind == kindBackend {
					backendFailed = true
				} else {
					filterFailed = true
				}
				mu.Unlock()
				return fmt.Errorf("%s exited %d", c.command, res.ExitCode)
			}
			return nil
		})
	}
	errs := ew.Wait()
	<-done

	mu.Lock()
	code := 0
	switch {
	case backendFailed:
		code = -1
	case filterFailed:
		code = 1
	}
	mu.Unlock()

	for _, reason := range stateDirectives {
		_ = s.reg.SetReasons(p.Printer, reason)
	}
	if pages > 0 {
		p.Job.Accumulator.PagesPrinted += pages
		window := p.Printer.QuotaPeriod
		s.jobs.AccountUsage(p.Printer.Name, p.Job.Owner, window, pages, 0)
	}

	p.span.Finish()
	p.Close()

	s.mu.Lock()
	delete(s.active, p.Job.ID)
	s.mu.Unlock()

	s.completions <- Completion{JobID: p.Job.ID, Outcome: Outcome{Code: code, Err: multierr.Combine(errs...)}}
}

// HandleCompletion applies the accumulator-classification rule (spec.md
// §4.7) to one Completion: advances the job to its next file or to
// completed, dispatches per the printer's error policy on a recoverable
// filter failure, or stops the printer and requeues on a backend fault.
// Called from the single-threaded event loop, never concurrently.
func (s *Supervisor) HandleCompletion(c Completion) error {
	job, ok := s.jobs.Find(c.JobID)
	if !ok {
		return fmt.Errorf("completion for unknown job %d", c.JobID)
	}
	printer, ok := s.reg.Lookup(job.AssignedPrinter)
	if !ok {
		return s.jobs.Transition(job, jobstore.Aborted, "destination-removed")
	}

	// Processing has no direct edge back to Pending; a requeue passes
	// through Stopped.
	requeue := func(reason string) error {
		if err := s.jobs.Transition(job, jobstore.Stopped, reason); err != nil {
			return err
		}
		return s.jobs.Transition(job, jobstore.Pending, reason)
	}

	switch {
	case c.Outcome.Code == 0:
		job.CurrentFile++
		job.RetryCount = 0
		job.RetryNotBefore = time.Time{}
		if job.CurrentFile >= len(job.InputFiles) {
			s.closeBackPipe(job.ID)
			return s.jobs.Transition(job, jobstore.Completed, "")
		}
		return requeue("")

	case c.Outcome.Code > 0:
		s.closeBackPipe(job.ID)
		switch printer.ErrorPolicy {
		case "abort-job":
			return s.jobs.Transition(job, jobstore.Aborted, "filter-failed")
		case "stop-printer":
			_ = s.reg.RecordState(printer, registry.StateStopped, "filter-failed")
			return requeue("filter-failed")
		default: // retry-job, retry-current-job
			job.RetryCount++
			job.RetryNotBefore = time.Now().Add(s.retryDelay.Duration(uint(job.RetryCount)))
			return requeue("filter-failed-retry")
		}

	default: // negative: backend fault
		s.closeBackPipe(job.ID)
		_ = s.reg.RecordState(printer, registry.StateStopped, "backend-failed")
		return requeue("backend-failed")
	}
}

// CancelJob sends SIGTERM to every process in job's active pipeline,
// escalating to SIGKILL after the configured grace period (spec.md §4.7).
func (s *Supervisor) CancelJob(jobID int) {
	s.mu.Lock()
	p, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range p.children {
		_ = c.proc.Signal(syscall.SIGTERM)
	}
	grace := s.cfg.KillGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	go func() {
		time.Sleep(grace)
		for _, c := range p.children {
			_ = c.proc.Signal(os.Kill)
		}
	}()
}
