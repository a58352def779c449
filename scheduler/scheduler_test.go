package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Distrotech/cups-filters-sub000/filter"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/registry"
)

type fakeSupervisor struct {
	launched []launchCall
	fail     bool
}

type launchCall struct {
	jobID    int
	printer  string
	pipeline []filter.Step
}

func (f *fakeSupervisor) Launch(job *jobstore.Job, printer *registry.Destination, pipeline []filter.Step) error {
	if f.fail {
		return errors.New("launch failed")
	}
	f.launched = append(f.launched, launchCall{jobID: job.ID, printer: printer.Name, pipeline: pipeline})
	return nil
}

func newHarness(t *testing.T, cfg Config) (*Scheduler, *registry.Registry, *jobstore.Store, *filter.Graph, *fakeSupervisor) {
	t.Helper()
	g := filter.New()
	reg := registry.New(nil, func(destName string, formats []string) {
		g.RegisterDestination(destName, formats)
	})
	store := jobstore.New(nil, nil, jobstore.Config{})
	sup := &fakeSupervisor{}
	if cfg.MaxActiveJobs == 0 {
		cfg.MaxActiveJobs = 4
	}
	s := New(nil, reg, store, g, sup, cfg, nil, nil)
	return s, reg, store, g, sup
}

func mustIdlePrinter(t *testing.T, reg *registry.Registry, g *filter.Graph, name string) *registry.Destination {
	t.Helper()
	p, err := reg.CreatePrinter(name)
	require.NoError(t, err)
	reg.SetDeviceCapabilities(p, registry.CapabilityRecord{InputFormats: []string{"application/pdf"}})
	require.NoError(t, reg.RecordState(p, registry.StateIdle, "ready"))
	p.SetAccepting(true)
	return p
}

func TestRunAdmitsPendingJobToIdlePrinter(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	mustIdlePrinter(t, reg, s.filters, "laser")

	job, err := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, err)
	require.NoError(t, store.AttachFile(job, "/tmp/doc.pdf", "application/pdf"))

	s.Run()

	require.Len(t, sup.launched, 1)
	assert.Equal(t, job.ID, sup.launched[0].jobID)
	assert.Equal(t, "laser", sup.launched[0].printer)
	assert.Equal(t, jobstore.Processing, job.State)
	assert.Equal(t, "laser", job.AssignedPrinter)
}

func TestRunHoldsJobWhenPrinterNotAccepting(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	p := mustIdlePrinter(t, reg, s.filters, "laser")
	p.SetAccepting(false)

	job, _ := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, store.AttachFile(job, "/tmp/doc.pdf", "application/pdf"))

	s.Run()

	assert.Empty(t, sup.launched)
	assert.Equal(t, jobstore.Pending, job.State)
}

func TestRunAbortsJobWithNoFilterPath(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	mustIdlePrinter(t, reg, s.filters, "laser") // only accepts application/pdf

	job, _ := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, store.AttachFile(job, "/tmp/doc.txt", "text/plain"))

	s.Run()

	assert.Empty(t, sup.launched)
	assert.Equal(t, jobstore.Aborted, job.State)
	assert.Equal(t, "document-format-not-supported", job.Reason)
}

func TestRunRespectsGlobalConcurrencyCap(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{MaxActiveJobs: 1})
	mustIdlePrinter(t, reg, s.filters, "laser")

	j1, _ := store.Submit("laser", "alice", 90, nil)
	require.NoError(t, store.AttachFile(j1, "/tmp/a.pdf", "application/pdf"))
	j2, _ := store.Submit("laser", "bob", 80, nil)
	require.NoError(t, store.AttachFile(j2, "/tmp/b.pdf", "application/pdf"))

	s.Run()

	require.Len(t, sup.launched, 1)
	assert.Equal(t, j1.ID, sup.launched[0].jobID, "higher priority job admitted first")
	assert.Equal(t, jobstore.Pending, j2.State, "second job held back by the exhausted semaphore")
}

func TestRunRespectsPerPrinterCap(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{MaxActiveJobs: 4, MaxPerPrinter: 1})
	mustIdlePrinter(t, reg, s.filters, "laser")

	j1, _ := store.Submit("laser", "alice", 90, nil)
	require.NoError(t, store.AttachFile(j1, "/tmp/a.pdf", "application/pdf"))
	require.NoError(t, s.jobs.Transition(j1, jobstore.Processing, ""))
	j1.AssignedPrinter = "laser"

	j2, _ := store.Submit("laser", "bob", 80, nil)
	require.NoError(t, store.AttachFile(j2, "/tmp/b.pdf", "application/pdf"))

	s.Run()

	assert.Empty(t, sup.launched)
	assert.Equal(t, jobstore.Pending, j2.State)
}

func TestRunEnforcesQuota(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	p := mustIdlePrinter(t, reg, s.filters, "laser")
	p.QuotaPages = 10
	p.QuotaPeriod = time.Hour
	store.AccountUsage("laser", "alice", time.Hour, 10, 1000)

	job, _ := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, store.AttachFile(job, "/tmp/a.pdf", "application/pdf"))

	s.Run()

	assert.Empty(t, sup.launched)
	assert.Equal(t, jobstore.Held, job.State)
	assert.Equal(t, "quota-exceeded", job.Reason)
}

func TestRunSkipsRestartingAdmission(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	mustIdlePrinter(t, reg, s.filters, "laser")
	job, _ := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, store.AttachFile(job, "/tmp/a.pdf", "application/pdf"))

	s.BeginRestart()
	s.Run()
	assert.Empty(t, sup.launched)
	assert.Equal(t, jobstore.Pending, job.State)

	s.EndRestart()
	s.Run()
	assert.Len(t, sup.launched, 1)
}

func TestRunAbortsOnSupervisorLaunchFailure(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	mustIdlePrinter(t, reg, s.filters, "laser")
	sup.fail = true

	job, _ := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, store.AttachFile(job, "/tmp/a.pdf", "application/pdf"))

	s.Run()

	assert.Equal(t, jobstore.Aborted, job.State)
	assert.Equal(t, "pipeline-launch-failed", job.Reason)
}

func TestRunPicksAvailableClassMember(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	p1 := mustIdlePrinter(t, reg, s.filters, "laser1")
	p2 := mustIdlePrinter(t, reg, s.filters, "laser2")

	class, err := reg.CreateClass("laser-pool")
	require.NoError(t, err)
	require.NoError(t, reg.AddMember(class, p1))
	require.NoError(t, reg.AddMember(class, p2))

	job, _ := store.Submit("laser-pool", "alice", 50, nil)
	require.NoError(t, store.AttachFile(job, "/tmp/a.pdf", "application/pdf"))

	s.Run()

	require.Len(t, sup.launched, 1)
	assert.Contains(t, []string{"laser1", "laser2"}, sup.launched[0].printer)
}

func TestRunHoldsUnknownTarget(t *testing.T) {
	s, _, store, _, sup := newHarness(t, Config{})
	job, _ := store.Submit("no-such-printer", "alice", 50, nil)
	require.NoError(t, store.AttachFile(job, "/tmp/a.pdf", "application/pdf"))

	s.Run()

	assert.Empty(t, sup.launched)
	assert.Equal(t, jobstore.Pending, job.State)
}

func TestMaxActiveJobsFromRlimit(t *testing.T) {
	assert.Equal(t, 100, MaxActiveJobsFromRlimit(300))
}

func TestRunHoldsJobUntilRetryNotBeforeElapses(t *testing.T) {
	s, reg, store, _, sup := newHarness(t, Config{})
	mustIdlePrinter(t, reg, s.filters, "laser")

	job, err := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, err)
	require.NoError(t, store.AttachFile(job, "/tmp/doc.pdf", "application/pdf"))
	job.RetryNotBefore = time.Now().Add(time.Hour)

	s.Run()
	assert.Empty(t, sup.launched)
	assert.Equal(t, jobstore.Pending, job.State)

	job.RetryNotBefore = time.Now().Add(-time.Second)
	s.Run()
	require.Len(t, sup.launched, 1)
}
