package jobstore

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Distrotech/cups-filters-sub000/attrbag"
)

// record is the on-disk shape of a Job, one YAML file per job named
// "c<id>.yaml" — mirroring the original scheduler's per-job control-file
// convention (one file per job id) without its binary IPP encoding.
type record struct {
	ID              int               `yaml:"id"`
	TargetName      string            `yaml:"target-name"`
	Owner           string            `yaml:"owner"`
	Priority        int               `yaml:"priority"`
	Attributes      map[string]string `yaml:"attributes"`
	InputFiles      []fileRecord      `yaml:"input-files"`
	CurrentFile     int               `yaml:"current-file"`
	State           int               `yaml:"state"`
	Reason          string            `yaml:"reason,omitempty"`
	AssignedPrinter string            `yaml:"assigned-printer,omitempty"`
	PagesPrinted    int               `yaml:"pages-printed"`
	BytesWritten    int               `yaml:"bytes-written"`
	RetryCount      int               `yaml:"retry-count,omitempty"`
	RetryNotBefore  string            `yaml:"retry-not-before,omitempty"`
	SubmittedAt     string            `yaml:"submitted-at"`
	UpdatedAt       string            `yaml:"updated-at"`
}

type fileRecord struct {
	LocalPath string `yaml:"local-path"`
	MimeType  string `yaml:"mime-type"`
}

// FilePersister is the default Persister: one YAML file per job under Dir.
type FilePersister struct {
	Dir string
}

func (p *FilePersister) path(id int) string {
	return filepath.Join(p.Dir, fmt.Sprintf("c%05d.yaml", id))
}

// Save writes job's current state to its control file, replacing any prior
// contents atomically via a rename.
func (p *FilePersister) Save(job *Job) error {
	rec := toRecord(job)
	out, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := p.path(job.ID) + ".tmp"
	if err := ioutil.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path(job.ID))
}

// Delete removes a job's control file.
func (p *FilePersister) Delete(id int) error {
	err := os.Remove(p.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadAll reads every control file under Dir, in ascending job-id order.
func (p *FilePersister) LoadAll() ([]*Job, error) {
	entries, err := ioutil.ReadDir(p.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "c") && strings.HasSuffix(name, ".yaml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		data, err := ioutil.ReadFile(filepath.Join(p.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		var rec record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		jobs = append(jobs, fromRecord(rec))
	}
	return jobs, nil
}

func toRecord(j *Job) record {
	attrs := make(map[string]string, len(j.Attributes))
	for k, v := range j.Attributes {
		attrs[k] = v.String()
	}
	files := make([]fileRecord, len(j.InputFiles))
	for i, f := range j.InputFiles {
		files[i] = fileRecord{LocalPath: f.LocalPath, MimeType: f.MimeType}
	}
	return record{
		ID:              j.ID,
		TargetName:      j.TargetName,
		Owner:           j.Owner,
		Priority:        j.Priority,
		Attributes:      attrs,
		InputFiles:      files,
		CurrentFile:     j.CurrentFile,
		State:           int(j.State),
		Reason:          j.Reason,
		AssignedPrinter: j.AssignedPrinter,
		PagesPrinted:    j.Accumulator.PagesPrinted,
		BytesWritten:    j.Accumulator.BytesWritten,
		RetryCount:      j.RetryCount,
		RetryNotBefore:  formatRetry(j.RetryNotBefore),
		SubmittedAt:     j.SubmittedAt.Format(timeFormat),
		UpdatedAt:       j.UpdatedAt.Format(timeFormat),
	}
}

func formatRetry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeFormat)
}

// timeFormat is RFC3339Nano, matching SPEC_FULL.md's UTC-timestamps-only
// resolution of the open question on date representation.
const timeFormat = "2006-01-02T15:04:05.999999999Z07:00"

func fromRecord(rec record) *Job {
	attrs := make(attrbag.Bag, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = attrbag.Str(v)
	}
	files := make([]InputFile, len(rec.InputFiles))
	for i, f := range rec.InputFiles {
		files[i] = InputFile{LocalPath: f.LocalPath, MimeType: f.MimeType}
	}
	return &Job{
		ID:              rec.ID,
		TargetName:      rec.TargetName,
		Owner:           rec.Owner,
		Priority:        rec.Priority,
		Attributes:      attrs,
		InputFiles:      files,
		CurrentFile:     rec.CurrentFile,
		State:           State(rec.State),
		Reason:          rec.Reason,
		AssignedPrinter: rec.AssignedPrinter,
		Accumulator:     Accumulator{PagesPrinted: rec.PagesPrinted, BytesWritten: rec.BytesWritten},
		RetryCount:      rec.RetryCount,
		RetryNotBefore:  parseRetry(rec.RetryNotBefore),
		SubmittedAt:     parseTime(rec.SubmittedAt),
		UpdatedAt:       parseTime(rec.UpdatedAt),
	}
}

func parseRetry(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return parseTime(s)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
