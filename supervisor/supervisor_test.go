package supervisor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Distrotech/cups-filters-sub000/api/spawn"
	"github.com/Distrotech/cups-filters-sub000/filter"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/registry"
)

// fakeProcess is a spawn.Process that never touches the OS: it completes
// immediately with a preset exit code.
type fakeProcess struct {
	exitCode int
}

func (p *fakeProcess) Pid() int { return 4242 }
func (p *fakeProcess) Wait() spawn.ExitResult {
	return spawn.ExitResult{ExitCode: p.exitCode}
}
func (p *fakeProcess) Signal(os.Signal) error { return nil }

// fakeSpawner records every spec it was asked to launch, writes canned
// status-pipe lines for the first spawn, and returns exit codes keyed by
// command name (default 0).
type fakeSpawner struct {
	exitCodes map[string]int
	statusFor map[string]string // command -> lines to write to its Stderr
	specs     []spawn.Spec
}

func (f *fakeSpawner) Spawn(spec spawn.Spec) (spawn.Process, error) {
	f.specs = append(f.specs, spec)
	if lines, ok := f.statusFor[spec.Command]; ok && spec.Stderr != nil {
		_, _ = spec.Stderr.Write([]byte(lines))
	}
	// Drain stdin to EOF so an upstream pipe writer (if any) isn't stuck;
	// irrelevant here since no real bytes flow, but keeps fds tidy.
	code := f.exitCodes[spec.Command]
	return &fakeProcess{exitCode: code}, nil
}

func newJobAndPrinter(t *testing.T, deviceURI string) (*jobstore.Store, *jobstore.Job, *registry.Registry, *registry.Destination) {
	t.Helper()
	dir := t.TempDir()
	inFile := dir + "/doc.pdf"
	require.NoError(t, os.WriteFile(inFile, []byte("%PDF-fake"), 0o600))

	store := jobstore.New(nil, nil, jobstore.Config{})
	job, err := store.Submit("laser", "alice", 50, nil)
	require.NoError(t, err)
	require.NoError(t, store.AttachFile(job, inFile, "application/pdf"))
	require.NoError(t, store.Transition(job, jobstore.Processing, ""))
	job.AssignedPrinter = "laser"

	reg := registry.New(nil, nil)
	printer, err := reg.CreatePrinter("laser")
	require.NoError(t, err)
	printer.DeviceURI = deviceURI
	require.NoError(t, reg.RecordState(printer, registry.StateIdle, "ready"))

	return store, job, reg, printer
}

func TestLaunchSuccessfulSingleFilterReachesCompleted(t *testing.T) {
	store, job, reg, printer := newJobAndPrinter(t, "socket://printer.local:9100")
	sp := &fakeSpawner{
		exitCodes: map[string]int{"pstoraster": 0, "socket": 0},
		statusFor: map[string]string{"socket": "PAGE: 3\n"},
	}
	sup := New(nil, store, reg, sp, nil, Config{})

	steps := []filter.Step{{From: "application/pdf", To: "printer/laser", Command: "pstoraster"}}
	require.NoError(t, sup.Launch(job, printer, steps))

	select {
	case c := <-sup.Completions():
		assert.Equal(t, job.ID, c.JobID)
		assert.Equal(t, 0, c.Outcome.Code)
		require.NoError(t, sup.HandleCompletion(c))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	assert.Equal(t, jobstore.Completed, job.State)
	assert.Equal(t, 3, job.Accumulator.PagesPrinted)
}

func TestLaunchFilterFailureDefaultsToRetry(t *testing.T) {
	store, job, reg, printer := newJobAndPrinter(t, "")
	sp := &fakeSpawner{exitCodes: map[string]int{"pstoraster": 1}}
	sup := New(nil, store, reg, sp, nil, Config{})

	steps := []filter.Step{{From: "application/pdf", To: "printer/laser", Command: "pstoraster"}}
	require.NoError(t, sup.Launch(job, printer, steps))

	c := <-sup.Completions()
	assert.Equal(t, 1, c.Outcome.Code)
	require.NoError(t, sup.HandleCompletion(c))
	assert.Equal(t, jobstore.Pending, job.State)
	assert.Equal(t, "filter-failed-retry", job.Reason)
	assert.Equal(t, 1, job.RetryCount)
	assert.False(t, job.RetryNotBefore.IsZero())
	assert.True(t, job.RetryNotBefore.After(time.Now()))
}

func TestRetryBackoffAccumulatesAttempts(t *testing.T) {
	store, job, reg, printer := newJobAndPrinter(t, "")
	sp := &fakeSpawner{exitCodes: map[string]int{"pstoraster": 1}}
	sup := New(nil, store, reg, sp, nil, Config{})
	steps := []filter.Step{{From: "application/pdf", To: "printer/laser", Command: "pstoraster"}}

	require.NoError(t, sup.Launch(job, printer, steps))
	c := <-sup.Completions()
	require.NoError(t, sup.HandleCompletion(c))
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.RetryNotBefore.After(time.Now()))

	job.State = jobstore.Processing
	require.NoError(t, sup.Launch(job, printer, steps))
	c = <-sup.Completions()
	require.NoError(t, sup.HandleCompletion(c))

	assert.Equal(t, 2, job.RetryCount)
	assert.True(t, job.RetryNotBefore.After(time.Now()))
}

func TestLaunchFilterFailureAbortPolicy(t *testing.T) {
	store, job, reg, printer := newJobAndPrinter(t, "")
	printer.ErrorPolicy = "abort-job"
	sp := &fakeSpawner{exitCodes: map[string]int{"pstoraster": 1}}
	sup := New(nil, store, reg, sp, nil, Config{})

	steps := []filter.Step{{From: "application/pdf", To: "printer/laser", Command: "pstoraster"}}
	require.NoError(t, sup.Launch(job, printer, steps))

	c := <-sup.Completions()
	require.NoError(t, sup.HandleCompletion(c))
	assert.Equal(t, jobstore.Aborted, job.State)
	assert.Equal(t, "filter-failed", job.Reason)
}

func TestLaunchBackendFailureStopsPrinterAndRequeues(t *testing.T) {
	store, job, reg, printer := newJobAndPrinter(t, "socket://printer.local:9100")
	sp := &fakeSpawner{exitCodes: map[string]int{"pstoraster": 0, "socket": 1}}
	sup := New(nil, store, reg, sp, nil, Config{})

	steps := []filter.Step{{From: "application/pdf", To: "printer/laser", Command: "pstoraster"}}
	require.NoError(t, sup.Launch(job, printer, steps))

	c := <-sup.Completions()
	assert.Less(t, c.Outcome.Code, 0)
	require.NoError(t, sup.HandleCompletion(c))
	assert.Equal(t, jobstore.Pending, job.State)
	assert.Equal(t, registry.StateStopped, printer.State())
}

func TestLaunchRejectsDoubleLaunchForSameJob(t *testing.T) {
	store, job, reg, printer := newJobAndPrinter(t, "")
	sp := &fakeSpawner{exitCodes: map[string]int{"pstoraster": 0}}
	sup := New(nil, store, reg, sp, nil, Config{})

	steps := []filter.Step{{From: "application/pdf", To: "printer/laser", Command: "pstoraster"}}
	require.NoError(t, sup.Launch(job, printer, steps))
	err := sup.Launch(job, printer, steps)
	assert.Error(t, err)

	<-sup.Completions() // drain so the goroutine from the first Launch exits cleanly
}

func TestBackendCommandDerivesFromScheme(t *testing.T) {
	assert.Equal(t, "socket", backendCommand("socket://10.0.0.5:9100"))
	assert.Equal(t, "usb", backendCommand("usb://Acme/LaserX?serial=1"))
	assert.Equal(t, "file", backendCommand("file"))
}

func TestParseStatusLineDirectives(t *testing.T) {
	assert.Equal(t, statusEvent{state: "media-empty-warning"}, parseStatusLine("STATE: media-empty-warning"))
	assert.Equal(t, statusEvent{pages: 2}, parseStatusLine("PAGE: 2 1"))
	assert.Equal(t, statusEvent{severity: "error", message: " disk full"}, parseStatusLine("ERROR: disk full"))
}
