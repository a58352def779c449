// Command printd is the print service scheduler daemon (spec.md §9): it
// wires config into the Registry, Job Store, Filter Graph, Scheduler,
// Pipeline Supervisor, Event Dispatcher, and Browse Engine, then runs
// until terminated.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/uber-go/tally"
	tallyprom "github.com/uber-go/tally/prometheus"
	"github.com/uber/jaeger-client-go"
	"go.uber.org/net/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Distrotech/cups-filters-sub000/api/codec"
	"github.com/Distrotech/cups-filters-sub000/api/spawn"
	"github.com/Distrotech/cups-filters-sub000/browse"
	"github.com/Distrotech/cups-filters-sub000/config"
	"github.com/Distrotech/cups-filters-sub000/dispatcher"
	"github.com/Distrotech/cups-filters-sub000/filter"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/registry"
	"github.com/Distrotech/cups-filters-sub000/scheduler"
	"github.com/Distrotech/cups-filters-sub000/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/printd/printd.yaml", "path to the daemon's YAML configuration")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printd: constructing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fatal per spec.md §7: a malformed startup config never
		// results in a partially-running daemon.
		log.Fatal("loading config", zap.Error(err))
	}

	svc, err := newService(log, cfg)
	if err != nil {
		log.Fatal("constructing service", zap.Error(err))
	}

	if err := svc.dispatcher.Start(); err != nil {
		log.Fatal("starting dispatcher", zap.Error(err))
	}
	log.Info("printd started", zap.String("server-name", cfg.ServerName))

	svc.run(*configPath)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// service holds every long-lived component one running daemon owns —
// the "service-state" record spec.md §9 calls for, threaded explicitly
// instead of hidden behind a DI container.
type service struct {
	log        *zap.Logger
	registry   *registry.Registry
	jobs       *jobstore.Store
	filters    *filter.Graph
	supervisor *supervisor.Supervisor
	scheduler  *scheduler.Scheduler
	dispatcher    *dispatcher.Dispatcher
	browse        *browse.Engine
	tracerCloser  interface{ Close() error }
	metricsCloser io.Closer
}

func newService(log *zap.Logger, cfg *config.Config) (*service, error) {
	filters := filter.New()
	for _, f := range cfg.Filters {
		filters.Declare(filter.Spec{
			From:          f.From,
			To:            f.To,
			Cost:          f.Cost,
			Command:       f.Command,
			NiceLevel:     f.NiceLevel,
			StreamedStdin: f.StreamedStdin,
		})
	}

	reg := registry.New(log, filters.RegisterDestination)

	if err := os.MkdirAll(filepath.Join(cfg.SpoolDir, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("preparing spool dir: %w", err)
	}
	persister := &jobstore.FilePersister{Dir: filepath.Join(cfg.SpoolDir, "jobs")}
	jobs := jobstore.New(log, persister, jobstore.Config{KeepFiles: false})
	if err := jobs.LoadAll(); err != nil {
		return nil, fmt.Errorf("loading persisted jobs: %w", err)
	}

	tracer, closer := jaeger.NewTracer(cfg.ServerName, jaeger.NewConstSampler(true), jaeger.NewNullReporter())

	promReporter := tallyprom.NewReporter(tallyprom.Options{})
	tallyScope, metricsCloser := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "printd",
		Tags:           map[string]string{"server_name": cfg.ServerName},
		CachedReporter: promReporter,
	}, time.Second)
	meterScope := metrics.New().Scope()

	if cfg.MetricsAddr != "" {
		go serveMetrics(log, cfg.MetricsAddr, promReporter)
	}

	sup := supervisor.New(log, jobs, reg, spawn.OSSpawner{}, tracer, supervisor.Config{
		BaseNiceLevel:   cfg.SupervisorBaseNice,
		KillGracePeriod: cfg.SupervisorKillGrace.Duration(),
	})

	maxActive := cfg.MaxActiveJobs
	if maxActive <= 0 {
		maxActive = scheduler.MaxActiveJobsFromRlimit(fdLimit())
	}
	sched := scheduler.New(log, reg, jobs, filters, sup, scheduler.Config{
		MaxActiveJobs:      maxActive,
		MaxPerPrinter:      cfg.MaxJobsPerPrinter,
		MaxPerUser:         cfg.MaxJobsPerUser,
		AdmissionRate:      rate.Limit(cfg.Quota.AdmissionRate),
		AdmissionBurst:     intOr(cfg.Quota.AdmissionBurst, 4),
		DefaultQuotaWindow: cfg.Quota.DefaultWindow.Duration(),
	}, meterScope, tallyScope)

	var browseEngine *browse.Engine
	var browseSource dispatcher.BrowseSource
	if cfg.Browse.Enabled {
		browseEngine, err = newBrowseEngine(log, reg, cfg)
		if err != nil {
			return nil, fmt.Errorf("starting browse engine: %w", err)
		}
		browseSource = browseEngine
	}

	listeners := make([]net.Listener, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		ln, err := net.Listen("tcp", l.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", l.Address, err)
		}
		listeners = append(listeners, ln)
	}

	d := dispatcher.New(log, listeners, reg, jobs, filters, sched, sup, nil, codec.JSON{}, browseSource, dispatcher.Config{
		SchedulerTick: cfg.SchedulerTick.Duration(),
		IdleTimeout:   cfg.IdleSessionTimeout.Duration(),
	})

	return &service{
		log:           log,
		registry:      reg,
		jobs:          jobs,
		filters:       filters,
		supervisor:    sup,
		scheduler:     sched,
		dispatcher:    d,
		browse:        browseEngine,
		tracerCloser:  closer,
		metricsCloser: metricsCloser,
	}, nil
}

// serveMetrics exposes the Prometheus reporter's scrape handler; it runs
// for the life of the process, so a listen failure is logged, not fatal.
func serveMetrics(log *zap.Logger, addr string, reporter tallyprom.Reporter) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reporter.HTTPHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics listener stopped", zap.Error(err))
	}
}

func newBrowseEngine(log *zap.Logger, reg *registry.Registry, cfg *config.Config) (*browse.Engine, error) {
	acl, err := buildACL(cfg.Browse)
	if err != nil {
		return nil, err
	}
	relays, err := buildRelays(cfg.Browse.Relay)
	if err != nil {
		return nil, err
	}
	browsers := make([]*net.UDPAddr, 0, len(cfg.Browse.Address))
	for _, addr := range cfg.Browse.Address {
		u, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("resolving browse address %s: %w", addr, err)
		}
		browsers = append(browsers, u)
	}

	return browse.New(log, reg, cfg.Browse.ListenAddr, browse.Config{
		ServerName: cfg.ServerName,
		Interval:   cfg.Browse.Interval.Duration(),
		Timeout:    cfg.Browse.Timeout.Duration(),
		ACL:        acl,
		Relays:     relays,
		Browsers:   browsers,
	})
}

func buildACL(b config.Browse) (browse.ACL, error) {
	order := browse.OrderDenyAllow
	if b.ACLOrder == "allow,deny" {
		order = browse.OrderAllowDeny
	}
	allow, err := parseNets(b.Allow)
	if err != nil {
		return browse.ACL{}, err
	}
	deny, err := parseNets(b.Deny)
	if err != nil {
		return browse.ACL{}, err
	}
	return browse.ACL{Order: order, Allow: allow, Deny: deny}, nil
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		if !strings.Contains(e, "/") {
			e = e + "/32"
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("parsing acl entry %q: %w", e, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func buildRelays(rules []config.RelayRule) ([]browse.RelayRule, error) {
	out := make([]browse.RelayRule, 0, len(rules))
	for _, r := range rules {
		from := r.From
		if !strings.Contains(from, "/") {
			from = from + "/32"
		}
		_, fromNet, err := net.ParseCIDR(from)
		if err != nil {
			return nil, fmt.Errorf("parsing relay from %q: %w", r.From, err)
		}
		to, err := net.ResolveUDPAddr("udp4", r.To)
		if err != nil {
			return nil, fmt.Errorf("parsing relay to %q: %w", r.To, err)
		}
		out = append(out, browse.RelayRule{From: fromNet, To: to})
	}
	return out, nil
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// fdLimit reads RLIMIT_NOFILE the way original_source/scheduler/main.c's
// startup sequence does, bounding MaxActiveJobs to a fraction of it.
func fdLimit() int {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return 256 // conservative fallback if the syscall itself fails.
	}
	return int(limit.Cur)
}

// run blocks handling SIGHUP and SIGTERM/SIGINT (graceful shutdown) until
// told to exit. On SIGHUP it re-reads and validates the config file and
// logs the result; a file that loads cleanly is not applied, so running
// components keep their startup configuration either way.
func (s *service) run(configPath string) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, os.Interrupt)

	for {
		select {
		case <-sighup:
			if _, err := config.Reload(configPath); err != nil {
				s.log.Warn("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			s.log.Info("config reloaded")
		case <-sigterm:
			s.log.Info("shutting down")
			if err := s.dispatcher.Stop(); err != nil {
				s.log.Warn("stopping dispatcher", zap.Error(err))
			}
			if s.browse != nil {
				_ = s.browse.Close()
			}
			_ = s.tracerCloser.Close()
			_ = s.metricsCloser.Close()
			return
		}
	}
}
