// Package dispatcher implements the Event Dispatcher (spec.md §4.8): the
// single-threaded loop that owns every session, serializes all Job
// Store/Registry mutation, and drives the Scheduler Loop and Pipeline
// Supervisor from one goroutine.
package dispatcher

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Distrotech/cups-filters-sub000/api/access"
	"github.com/Distrotech/cups-filters-sub000/api/codec"
	"github.com/Distrotech/cups-filters-sub000/filter"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/pkg/lifecycle"
	"github.com/Distrotech/cups-filters-sub000/registry"
	"github.com/Distrotech/cups-filters-sub000/scheduler"
	"github.com/Distrotech/cups-filters-sub000/supervisor"
)

// BrowseSource is the Browse Engine's (C9) collaborator: a channel of raw
// UDP packets the dispatcher folds into its select loop, a hook to ingest
// one packet, and a hook to drive the engine's periodic send/expire pass.
// Kept as an interface so dispatcher has no import-time dependency on the
// browse package; Ingest/Tick run on the dispatch goroutine so Registry
// mutation from browse data stays serialized with every other mutation.
type BrowseSource interface {
	Packets() <-chan []byte
	Ingest(packet []byte)
	Tick(now time.Time)
}

// Config bounds the Dispatcher's scheduling and session-management policy.
type Config struct {
	// SchedulerTick is how often Run invokes the Scheduler even when no
	// other event has fired, guarding against a missed wakeup.
	SchedulerTick time.Duration

	// IdleTimeout closes a session that has sent nothing for this long,
	// regardless of whether it has a response pending.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

// Dispatcher is the single-threaded event loop of spec.md §4.8. Every
// Job Store, Registry, Scheduler, and Supervisor mutation happens on its
// one goroutine; session and Supervisor I/O happen on helper goroutines
// that only ever communicate back through channels.
type Dispatcher struct {
	log    *zap.Logger
	cfg    Config
	oracle access.Oracle
	codec  codec.Codec

	// reg, jobs, and filters are the request router's (ops.go) direct
	// collaborators: every operation in spec.md §6 reads or mutates one
	// of these, dispatched from handleRead.
	reg     *registry.Registry
	jobs    *jobstore.Store
	filters *filter.Graph

	sched  *scheduler.Scheduler
	sup    *supervisor.Supervisor
	browse BrowseSource

	listeners []net.Listener

	mu       sync.Mutex
	sessions map[int]*session
	nextID   int

	accepted chan acceptEvent
	reads    chan sessionReadEvent
	signals  chan signalKind

	lifecycle *lifecycle.Once
	cancel    context.CancelFunc
}

// New constructs a Dispatcher. oracle, codecImpl, and browse may all be
// nil: a nil oracle allows every request (access control is an external
// collaborator per §6; wiring one in is the deployer's job), a nil codec
// leaves frames unparsed (only framing happens), and a nil browse disables
// the browse protocol entirely.
func New(log *zap.Logger, listeners []net.Listener, reg *registry.Registry, jobs *jobstore.Store, filters *filter.Graph,
	sched *scheduler.Scheduler, sup *supervisor.Supervisor, oracle access.Oracle, codecImpl codec.Codec,
	browse BrowseSource, cfg Config) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		log:       log,
		cfg:       cfg.withDefaults(),
		oracle:    oracle,
		codec:     codecImpl,
		reg:       reg,
		jobs:      jobs,
		filters:   filters,
		sched:     sched,
		sup:       sup,
		browse:    browse,
		listeners: listeners,
		sessions:  make(map[int]*session),
		accepted:  make(chan acceptEvent, 16),
		reads:     make(chan sessionReadEvent, 64),
		signals:   make(chan signalKind, 8),
		lifecycle: lifecycle.NewOnce(),
	}
}

// Start spawns one accept goroutine per listener and the dispatch loop
// itself, returning as soon as they are launched.
func (d *Dispatcher) Start() error {
	return d.lifecycle.Start(func() error {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		for _, l := range d.listeners {
			go d.acceptLoop(l)
		}
		go d.run(ctx)
		return nil
	})
}

// Stop cancels the dispatch loop's context and closes every listener and
// session. It does not wait for the loop goroutine to return.
func (d *Dispatcher) Stop() error {
	return d.lifecycle.Stop(func() error {
		if d.cancel != nil {
			d.cancel()
		}
		for _, l := range d.listeners {
			_ = l.Close()
		}
		d.mu.Lock()
		for _, s := range d.sessions {
			_ = s.conn.Close()
		}
		d.mu.Unlock()
		return nil
	})
}

// Signal delivers a self-pipe token from outside the dispatch loop (a
// signal.Notify handler, typically) without the sender blocking on the
// loop's current iteration.
func (d *Dispatcher) Signal(k signalKind) {
	select {
	case d.signals <- k:
	default:
		// loop is behind; the periodic tick will pick up the same work.
	}
}

func (d *Dispatcher) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		d.accepted <- acceptEvent{conn: conn}
	}
}

// run is the single dispatch goroutine: every mutation of sessions,
// Job Store, or Registry state happens here and nowhere else.
func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SchedulerTick)
	defer ticker.Stop()

	d.sched.Run()

	for {
		// Drain every source that is immediately ready, in the priority
		// order spec.md §4.8 mandates, before falling back to a single
		// blocking select. This approximates the original single-threaded
		// loop's fixed-order poll while still using Go's select under the
		// covers for the genuinely blocking wait.
		for d.runOnce() {
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-d.accepted:
			d.handleAccept(ev)
		case ev := <-d.reads:
			d.handleRead(ev)
		case c := <-d.sup.Completions():
			d.handleCompletion(c)
		case k := <-d.signals:
			d.handleSignal(k)
		case <-ticker.C:
			d.handleTick()
		}
	}
}

// runOnce drains exactly one ready event, checked in spec-mandated
// priority order, and reports whether it found one. Called repeatedly
// until every source is empty.
func (d *Dispatcher) runOnce() bool {
	select {
	case ev := <-d.accepted:
		d.handleAccept(ev)
		return true
	default:
	}
	select {
	case ev := <-d.reads:
		d.handleRead(ev)
		return true
	default:
	}
	if d.flushWritable() {
		return true
	}
	select {
	case c := <-d.sup.Completions():
		d.handleCompletion(c)
		return true
	default:
	}
	if d.browse != nil {
		select {
		case pkt := <-d.browse.Packets():
			d.handleBrowsePacket(pkt)
			return true
		default:
		}
	}
	select {
	case k := <-d.signals:
		d.handleSignal(k)
		return true
	default:
	}
	return false
}

func (d *Dispatcher) handleAccept(ev acceptEvent) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	s := newSession(id, ev.conn)
	d.sessions[id] = s
	d.mu.Unlock()

	go s.readLoop(d.reads)
}

func (d *Dispatcher) handleRead(ev sessionReadEvent) {
	d.mu.Lock()
	s, ok := d.sessions[ev.sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	if ev.err != nil {
		d.closeSession(ev.sessionID)
		return
	}
	s.lastActivity = time.Now()

	if d.codec == nil {
		return
	}
	req, err := d.codec.Decode(ev.frame)
	if err != nil {
		d.log.Warn("dropping malformed frame", zap.Int("session", ev.sessionID), zap.Error(err))
		return
	}

	decision := access.Allow
	if d.oracle != nil {
		sess := access.Session{PeerAddress: s.conn.RemoteAddr().String()}
		decision = d.oracle.Classify(sess, req.Operation, req.Operation)
	}

	var result codec.Response
	if decision != access.Allow {
		result = codec.Response{StatusCode: statusForDecision(decision)}
	} else {
		result = d.dispatch(req)
	}

	resp, err := d.codec.Encode(result)
	if err != nil {
		d.log.Warn("encoding response", zap.Int("session", ev.sessionID), zap.Error(err))
		return
	}
	s.enqueue(resp)
}

func statusForDecision(decision access.Decision) int {
	switch decision {
	case access.NeedCredentials:
		return 401
	default:
		return 403
	}
}

func (d *Dispatcher) handleCompletion(c supervisor.Completion) {
	if err := d.sup.HandleCompletion(c); err != nil {
		d.log.Warn("handling pipeline completion", zap.Int("job", c.JobID), zap.Error(err))
	}
	d.sched.Run()
}

func (d *Dispatcher) handleSignal(k signalKind) {
	switch k {
	case signalReload:
		d.sched.Run()
	case signalChildExited:
		d.sched.Run()
	case signalTerminate:
		go func() { _ = d.Stop() }()
	}
}

func (d *Dispatcher) handleBrowsePacket(pkt []byte) {
	if d.browse != nil {
		d.browse.Ingest(pkt)
	}
}

func (d *Dispatcher) handleTick() {
	now := time.Now()
	if d.browse != nil {
		d.browse.Tick(now)
	}
	d.expireIdleSessions(now)
	d.sched.Run()
}

func (d *Dispatcher) expireIdleSessions(now time.Time) {
	d.mu.Lock()
	var stale []int
	for id, s := range d.sessions {
		if now.Sub(s.lastActivity) > d.cfg.IdleTimeout {
			stale = append(stale, id)
		}
	}
	d.mu.Unlock()
	for _, id := range stale {
		d.closeSession(id)
	}
}

// flushWritable attempts a non-blocking flush of every session with a
// pending response, so a slow reader never stalls the jobs that don't
// depend on it.
func (d *Dispatcher) flushWritable() bool {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if len(s.writePending) > 0 {
			sessions = append(sessions, s)
		}
	}
	d.mu.Unlock()
	if len(sessions) == 0 {
		return false
	}
	for _, s := range sessions {
		if err := s.flush(); err != nil {
			d.closeSession(s.id)
		}
	}
	return true
}

func (d *Dispatcher) closeSession(id int) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if ok {
		delete(d.sessions, id)
	}
	d.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}
