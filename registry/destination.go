// Package registry implements the Destination Registry (spec.md §4.2) and
// the Class Engine built on top of it (spec.md §4.3): the in-memory catalog
// of printers and classes, their derived attributes, and round-robin
// sub-selection across class membership.
package registry

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Distrotech/cups-filters-sub000/attrbag"
)

// Kind identifies which flavor of Destination a record is.
type Kind int

const (
	LocalPrinter Kind = iota
	LocalClass
	ImplicitClass
	RemotePrinter
	RemoteClass
)

func (k Kind) String() string {
	switch k {
	case LocalPrinter:
		return "local-printer"
	case LocalClass:
		return "local-class"
	case ImplicitClass:
		return "implicit-class"
	case RemotePrinter:
		return "remote-printer"
	case RemoteClass:
		return "remote-class"
	default:
		return "unknown"
	}
}

// State is a Destination's current operational state.
type State int

const (
	StateStopped State = iota
	StateIdle
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Reason is a closed, named stopped-reason token, grounded on printers.c's
// vocabulary (original_source/scheduler/printers.c) rather than free-form
// short strings.
type Reason string

const (
	ReasonPaused               Reason = "paused"
	ReasonMediaEmptyWarning    Reason = "media-empty-warning"
	ReasonMediaEmptyError      Reason = "media-empty-error"
	ReasonConnectingToDevice   Reason = "connecting-to-device"
	ReasonMarkerSupplyLow      Reason = "marker-supply-low-warning"
	ReasonMarkerSupplyEmpty    Reason = "marker-supply-empty-error"
	ReasonOffline              Reason = "offline-report"
)

// HistoryEntry is one bounded-ring record of a state transition.
type HistoryEntry struct {
	At      time.Time
	State   State
	Message string
}

const historyCapacity = 32

// Destination is a named print target: a concrete printer, an explicit
// class, or an implicit class (spec.md §4, "Destination" glossary entry).
type Destination struct {
	Name string
	Kind Kind

	state     State
	accepting bool
	reasons   map[Reason]struct{}
	history   []HistoryEntry

	// Derived attributes, recomputed by SetDeviceCapabilities or, for
	// classes, by the Class Engine's intersection/union rules.
	Attributes attrbag.Bag

	// JobSheets carries the start/end banner pair (classes.c/printers.c's
	// job-sheets-default), passed to the Pipeline Supervisor's environment.
	JobSheets [2]string

	// ErrorPolicy names the pluggable error-handling policy (conf.c's
	// ErrorPolicy): "retry-job", "abort-job", "stop-printer", or
	// "retry-current-job".
	ErrorPolicy string

	// ACL and quota, consulted by the access oracle and scheduler.
	DenyUsers   []string
	AllowUsers  []string
	QuotaPages  int
	QuotaPeriod time.Duration

	// DeviceURI names the backend device (printers.c's DeviceURI), e.g.
	// "usb://Acme/LaserX?serial=1234" or "socket://10.0.0.5:9100". Empty
	// for a class, which has no backend of its own.
	DeviceURI string

	// Members is non-empty only for classes (spec.md §4.3). Names are
	// stored rather than pointers so the registry remains the single
	// owner of Destination lifetime.
	Members []string

	// cursor is the round-robin pick-available position for classes.
	cursor *atomic.Int32
}

func newDestination(name string, kind Kind) *Destination {
	return &Destination{
		Name:        name,
		Kind:        kind,
		state:       StateStopped,
		accepting:   false,
		reasons:     make(map[Reason]struct{}),
		Attributes:  attrbag.Bag{},
		ErrorPolicy: "retry-job",
		cursor:      atomic.NewInt32(-1),
	}
}

// State returns the current operational state.
func (d *Destination) State() State { return d.state }

// Accepting reports whether the destination currently accepts new jobs.
func (d *Destination) Accepting() bool { return d.accepting }

// SetAccepting updates the accepting flag directly (used for explicit
// cupsAccept/cupsReject-style administration, distinct from state changes).
func (d *Destination) SetAccepting(v bool) { d.accepting = v }

// Reasons returns the current stopped-reason set, sorted for determinism.
func (d *Destination) Reasons() []Reason {
	out := make([]Reason, 0, len(d.reasons))
	for r := range d.reasons {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasReason reports whether r is currently set.
func (d *Destination) HasReason(r Reason) bool {
	_, ok := d.reasons[r]
	return ok
}

// History returns the bounded ring of past state transitions, oldest first.
func (d *Destination) History() []HistoryEntry {
	out := make([]HistoryEntry, len(d.history))
	copy(out, d.history)
	return out
}

// IsClass reports whether this destination has members, i.e. is a class
// (explicit or implicit) rather than a concrete printer.
func (d *Destination) IsClass() bool {
	return d.Kind == LocalClass || d.Kind == ImplicitClass || d.Kind == RemoteClass
}

// normalizeName lower-cases a destination name for case-insensitive lookup
// and sorting, matching spec.md §4's "case-insensitive-sorted" name rule.
func normalizeName(name string) string {
	return strings.ToLower(name)
}

// logFields returns zap fields identifying this destination, for
// state-transition logging at call sites.
func (d *Destination) logFields() []zap.Field {
	return []zap.Field{
		zap.String("destination", d.Name),
		zap.String("kind", d.Kind.String()),
	}
}
