package registry

import (
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Distrotech/cups-filters-sub000/attrbag"
	"github.com/Distrotech/cups-filters-sub000/catalog"
	cerrors "github.com/Distrotech/cups-filters-sub000/internal/errors"
)

// CapabilityRecord is the parsed device-description input to
// SetDeviceCapabilities, kept abstract per §6/§1's non-goal (PPD/driver
// parsing is out of scope; this is the collaborator interface's shape).
type CapabilityRecord struct {
	InputFormats []string // MIME types this destination's edges accept.
	Color        bool
	Duplex       bool
	Finishings   []string
	PageSizes    []string
	OutputBins   []string
	Small        bool
	Medium       bool
	Large        bool
}

// Registry holds all Destinations in a sorted catalog keyed by
// case-insensitive name (spec.md §4.2).
type Registry struct {
	log    *zap.Logger
	byName *catalog.Catalog // elements are *Destination, ordered by normalized name
	lookup map[string]*Destination
	dirty  bool

	// defaultName is the normalized name of the current default
	// destination (spec.md §6's "Default-destination marker"); persisting
	// the marker itself is the caller's responsibility, same division of
	// labor as the catalog file.
	defaultName string

	// onFilterEdge is invoked by SetDeviceCapabilities to register this
	// destination's accepted MIME types with the Filter Graph (C4); kept
	// as a callback so registry has no import-cycle dependency on filter.
	onFilterEdge func(destName string, formats []string)
}

func destCompare(a, b interface{}) int {
	da, db := a.(*Destination), b.(*Destination)
	return strings.Compare(normalizeName(da.Name), normalizeName(db.Name))
}

// New constructs an empty Registry. onFilterEdge may be nil if the caller
// wires the Filter Graph separately.
func New(log *zap.Logger, onFilterEdge func(destName string, formats []string)) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:          log,
		byName:       catalog.New(destCompare),
		lookup:       make(map[string]*Destination),
		onFilterEdge: onFilterEdge,
	}
}

// Lookup returns the destination named name (any kind), or (nil, false).
func (r *Registry) Lookup(name string) (*Destination, bool) {
	d, ok := r.lookup[normalizeName(name)]
	return d, ok
}

// LookupPrinter disambiguates: returns d only if it is not a class.
func (r *Registry) LookupPrinter(name string) (*Destination, bool) {
	d, ok := r.Lookup(name)
	if !ok || d.IsClass() {
		return nil, false
	}
	return d, true
}

// LookupClass disambiguates: returns d only if it is a class.
func (r *Registry) LookupClass(name string) (*Destination, bool) {
	d, ok := r.Lookup(name)
	if !ok || !d.IsClass() {
		return nil, false
	}
	return d, true
}

// CreatePrinter allocates and inserts a new local printer in state
// stopped/accepting=no. Fails with Destination(already-exists) if the name
// is taken.
func (r *Registry) CreatePrinter(name string) (*Destination, error) {
	return r.create(name, LocalPrinter)
}

// CreateClass allocates and inserts a new explicit local class.
func (r *Registry) CreateClass(name string) (*Destination, error) {
	return r.create(name, LocalClass)
}

// CreateRemote allocates and inserts a destination learned from a peer's
// browse broadcast (spec.md §4.9/dirsvc.c's UpdateBrowseList): kind must
// be RemotePrinter or RemoteClass. The caller is responsible for setting
// DeviceURI, Attributes, and bumping browse_time-equivalent bookkeeping.
func (r *Registry) CreateRemote(name string, kind Kind) (*Destination, error) {
	if kind != RemotePrinter && kind != RemoteClass {
		return nil, cerrors.New(cerrors.Codec, "create-remote-destination", "kind must be RemotePrinter or RemoteClass", nil)
	}
	return r.create(name, kind)
}

func (r *Registry) create(name string, kind Kind) (*Destination, error) {
	key := normalizeName(name)
	if _, exists := r.lookup[key]; exists {
		return nil, cerrors.AlreadyExists("create-destination", name)
	}
	d := newDestination(name, kind)
	r.byName.Add(d)
	r.lookup[key] = d
	r.markDirty()
	r.log.Info("destination created", d.logFields()...)
	return d, nil
}

// Delete removes d from the registry, drops it from any classes it
// belongs to (deleting classes that become empty), and marks the registry
// dirty. Canceling the destination's active job is the caller's
// responsibility (scheduler owns Job Store access), per spec.md §4.2's
// division of labor — Delete only returns the names of classes it touched
// so the caller can react.
func (r *Registry) Delete(d *Destination) ([]string, error) {
	key := normalizeName(d.Name)
	if _, ok := r.lookup[key]; !ok {
		return nil, cerrors.NotFound("delete-destination", d.Name)
	}

	var touchedEmpty []string
	for _, other := range r.allDestinations() {
		if !other.IsClass() || other == d {
			continue
		}
		if removeMember(other, d.Name) {
			r.recomputeClassAttributes(other)
			if len(other.Members) == 0 {
				touchedEmpty = append(touchedEmpty, other.Name)
			}
		}
	}
	for _, name := range touchedEmpty {
		if victim, ok := r.lookup[normalizeName(name)]; ok {
			r.byName.Remove(victim)
			delete(r.lookup, normalizeName(name))
		}
	}

	r.byName.Remove(d)
	delete(r.lookup, key)
	r.markDirty()
	r.log.Info("destination deleted", d.logFields()...)
	return touchedEmpty, nil
}

func removeMember(class *Destination, name string) bool {
	key := normalizeName(name)
	for i, m := range class.Members {
		if normalizeName(m) == key {
			class.Members = append(class.Members[:i], class.Members[i+1:]...)
			return true
		}
	}
	return false
}

// SetDeviceCapabilities recomputes d's derived attributes from a parsed
// device description record: registers input-format edges with the Filter
// Graph plus the synthetic raw passthrough edge, and records supported
// options on the Attributes bag (spec.md §4.2).
func (r *Registry) SetDeviceCapabilities(d *Destination, rec CapabilityRecord) {
	if r.onFilterEdge != nil {
		formats := append([]string{}, rec.InputFormats...)
		r.onFilterEdge(d.Name, formats)
	}

	d.Attributes["color-supported"] = attrbag.Boolean(rec.Color)
	d.Attributes["duplex-supported"] = attrbag.Boolean(rec.Duplex)
	d.Attributes["finishings-supported"] = attrbag.Set(stringsToValues(rec.Finishings)...)
	d.Attributes["media-supported"] = attrbag.Set(stringsToValues(rec.PageSizes)...)
	d.Attributes["output-bin-supported"] = attrbag.Set(stringsToValues(rec.OutputBins)...)
	d.Attributes["media-small-supported"] = attrbag.Boolean(rec.Small)
	d.Attributes["media-medium-supported"] = attrbag.Boolean(rec.Medium)
	d.Attributes["media-large-supported"] = attrbag.Boolean(rec.Large)
	r.markDirty()
}

func stringsToValues(ss []string) []attrbag.Value {
	out := make([]attrbag.Value, len(ss))
	for i, s := range ss {
		out[i] = attrbag.Enum(s)
	}
	return out
}

// reasonDelta syntax: "+token,token" adds, "-token,token" removes,
// "token,token" (no leading sign) replaces the whole set. Idempotent for
// already-present/absent tokens (spec.md §4.2).
func (r *Registry) SetReasons(d *Destination, delta string) error {
	if _, ok := r.lookup[normalizeName(d.Name)]; !ok {
		return cerrors.NotFound("set-reasons", d.Name)
	}
	if delta == "" {
		return nil
	}

	switch delta[0] {
	case '+':
		for _, tok := range splitTokens(delta[1:]) {
			d.reasons[Reason(tok)] = struct{}{}
		}
	case '-':
		for _, tok := range splitTokens(delta[1:]) {
			delete(d.reasons, Reason(tok))
		}
	default:
		d.reasons = make(map[Reason]struct{})
		for _, tok := range splitTokens(delta) {
			d.reasons[Reason(tok)] = struct{}{}
		}
	}
	r.markDirty()
	return nil
}

func splitTokens(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// RecordState updates d's state, appends to the bounded history ring
// (dropping the oldest entry on overflow), and marks the registry dirty so
// the next browse interval advertises the change rather than suppressing
// it as unchanged (spec.md §4.2).
func (r *Registry) RecordState(d *Destination, newState State, message string) error {
	if _, ok := r.lookup[normalizeName(d.Name)]; !ok {
		return cerrors.NotFound("record-state", d.Name)
	}
	d.state = newState
	d.history = append(d.history, HistoryEntry{At: time.Now().UTC(), State: newState, Message: message})
	if len(d.history) > historyCapacity {
		d.history = d.history[len(d.history)-historyCapacity:]
	}
	r.markDirty()
	r.log.Info("destination state recorded",
		append(d.logFields(), zap.String("state", newState.String()), zap.String("message", message))...)
	return nil
}

// SetDefault changes the default destination (spec.md §6 SET-DEFAULT).
func (r *Registry) SetDefault(name string) error {
	key := normalizeName(name)
	if _, ok := r.lookup[key]; !ok {
		return cerrors.NotFound("set-default", name)
	}
	r.defaultName = key
	r.markDirty()
	return nil
}

// Default returns the current default destination, or (nil, false) if
// none has been set or the prior default was since deleted.
func (r *Registry) Default() (*Destination, bool) {
	if r.defaultName == "" {
		return nil, false
	}
	d, ok := r.lookup[r.defaultName]
	return d, ok
}

// markDirty flags the catalog as needing a coalesced persisted rewrite;
// cmd/printd's periodic flush consults Dirty()/ClearDirty().
func (r *Registry) markDirty() { r.dirty = true }

// Dirty reports whether any mutation has occurred since the last ClearDirty.
func (r *Registry) Dirty() bool { return r.dirty }

// ClearDirty resets the dirty flag after a persisted rewrite completes.
func (r *Registry) ClearDirty() { r.dirty = false }

// All returns every destination in sorted name order.
func (r *Registry) All() []*Destination { return r.allDestinations() }

func (r *Registry) allDestinations() []*Destination {
	items := r.byName.Slice()
	out := make([]*Destination, len(items))
	for i, it := range items {
		out[i] = it.(*Destination)
	}
	return out
}

// DeleteNamed deletes every named destination, continuing past per-name
// failures and returning them combined (go.uber.org/multierr), matching the
// teacher's accumulation style for batched fallible operations.
func (r *Registry) DeleteNamed(names []string) error {
	var err error
	for _, name := range names {
		d, ok := r.Lookup(name)
		if !ok {
			err = multierr.Append(err, cerrors.NotFound("delete-destination", name))
			continue
		}
		if _, delErr := r.Delete(d); delErr != nil {
			err = multierr.Append(err, delErr)
		}
	}
	return err
}
