// Package supervisor implements the Pipeline Supervisor (spec.md §4.7):
// constructing and launching the external-process chain for one (file,
// printer) pair, observing its status-pipe and exit codes, and reporting
// the outcome back into the Job Store and Destination Registry.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/opentracing/opentracing-go"

	"github.com/Distrotech/cups-filters-sub000/api/spawn"
	"github.com/Distrotech/cups-filters-sub000/jobstore"
	"github.com/Distrotech/cups-filters-sub000/registry"
)

// childKind distinguishes a filter exit from a backend exit for the
// accumulator classification rule (spec.md §4.7).
type childKind int

const (
	kindFilter childKind = iota
	kindBackend
)

// child is one spawned process plus its role.
type child struct {
	kind    childKind
	command string
	proc    spawn.Process
}

// Pipeline is one in-flight (job, printer, file) supervision.
type Pipeline struct {
	Job      *jobstore.Job
	Printer  *registry.Destination
	children []*child

	statusR *os.File
	statusW *os.File
	backA   *os.File
	backB   *os.File

	span opentracing.Span
}

// Outcome is the accumulated result of one pipeline's run.
type Outcome struct {
	// Code follows spec.md §4.7: 0 = success, positive = recoverable
	// filter failure, negative = printer-fault backend failure.
	Code int
	Err  error
}

// Close releases the pipeline's pipe descriptors. Safe to call once all
// children have been reaped.
func (p *Pipeline) Close() {
	for _, f := range []*os.File{p.statusR, p.statusW, p.backA, p.backB} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// niceFor combines an edge's declared nice level with a configured base.
func niceFor(edgeNice, base int) int { return edgeNice + base }

// buildEnv constructs the fixed environment every child sees (spec.md
// §4.7): PATH, job id/owner/title, printer name, classification banner,
// content-type negotiation values.
func buildEnv(job *jobstore.Job, printer *registry.Destination, contentType string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		fmt.Sprintf("CUPSD_JOB_ID=%d", job.ID),
		fmt.Sprintf("CUPSD_JOB_OWNER=%s", job.Owner),
		fmt.Sprintf("CUPSD_JOB_TITLE=%s", jobTitle(job)),
		fmt.Sprintf("CUPSD_PRINTER=%s", printer.Name),
		fmt.Sprintf("CUPSD_CONTENT_TYPE=%s", contentType),
	}
	if printer.JobSheets[0] != "" || printer.JobSheets[1] != "" {
		env = append(env, fmt.Sprintf("CUPSD_CLASSIFICATION=%s/%s", printer.JobSheets[0], printer.JobSheets[1]))
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func jobTitle(job *jobstore.Job) string {
	if v, ok := job.Attributes["job-name"]; ok {
		return v.String()
	}
	return fmt.Sprintf("job-%d", job.ID)
}

// statusEvent is one parsed line from the merged status-pipe.
type statusEvent struct {
	severity string // info, warn, error
	state    string // non-empty for a STATE: directive
	pages    int    // non-zero for a PAGE: directive
	message  string
}

// parseStatusLine implements spec.md §4.7's line-oriented status-pipe
// grammar: "STATE: <reasons>", "PAGE: <n> <copies>", or a bare
// severity-prefixed message ("INFO: ...", "WARN: ...", "ERROR: ...").
func parseStatusLine(line string) statusEvent {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "STATE:"):
		return statusEvent{state: strings.TrimSpace(strings.TrimPrefix(line, "STATE:"))}
	case strings.HasPrefix(line, "PAGE:"):
		fields := strings.Fields(strings.TrimPrefix(line, "PAGE:"))
		pages := 1
		if len(fields) > 0 {
			if n, err := strconv.Atoi(fields[0]); err == nil {
				pages = n
			}
		}
		return statusEvent{pages: pages}
	case strings.HasPrefix(line, "ERROR:"):
		return statusEvent{severity: "error", message: strings.TrimPrefix(line, "ERROR:")}
	case strings.HasPrefix(line, "WARN:"):
		return statusEvent{severity: "warn", message: strings.TrimPrefix(line, "WARN:")}
	default:
		return statusEvent{severity: "info", message: line}
	}
}

// drainStatus reads lines from r until EOF, invoking onEvent for each
// parsed statusEvent. Runs on its own goroutine, started by Launch.
func drainStatus(r io.Reader, onEvent func(statusEvent)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onEvent(parseStatusLine(scanner.Text()))
	}
}
