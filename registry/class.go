package registry

import (
	"sort"
	"strings"

	"github.com/Distrotech/cups-filters-sub000/attrbag"
	cerrors "github.com/Distrotech/cups-filters-sub000/internal/errors"
)

// AddMember edits an explicit class's membership (spec.md §4.3). Only
// local/remote classes may have members edited this way; implicit classes
// are rebuilt wholesale by RebuildImplicitClasses.
func (r *Registry) AddMember(class *Destination, printer *Destination) error {
	if !class.IsClass() {
		return cerrors.NotAcceptable("add-member", class.Name)
	}
	key := normalizeName(printer.Name)
	for _, m := range class.Members {
		if normalizeName(m) == key {
			return nil // idempotent
		}
	}
	class.Members = append(class.Members, printer.Name)
	r.recomputeClassAttributes(class)
	r.markDirty()
	return nil
}

// RemoveMember edits an explicit class's membership, deleting the class
// itself if it becomes empty (spec.md §4.2's "deletes classes that become
// empty" rule, applied uniformly here too).
func (r *Registry) RemoveMember(class *Destination, printer *Destination) error {
	if !class.IsClass() {
		return cerrors.NotAcceptable("remove-member", class.Name)
	}
	if !removeMember(class, printer.Name) {
		return nil
	}
	r.recomputeClassAttributes(class)
	r.markDirty()
	if len(class.Members) == 0 {
		r.byName.Remove(class)
		delete(r.lookup, normalizeName(class.Name))
	}
	return nil
}

// recomputeClassAttributes derives a class's capability attributes from its
// members: color/duplex are the intersection (all members must support
// it), small/medium/large media support is the union (spec.md §4.3). The
// accepting flag of an implicit class is the OR of member accepting flags;
// for explicit classes we apply the same OR, matching classes.c's
// cupsdUpdateImplicitClass rationale that a class accepts if any member
// does.
func (r *Registry) recomputeClassAttributes(class *Destination) {
	members := r.resolveMembers(class)
	if len(members) == 0 {
		class.Attributes = attrbag.Bag{}
		class.SetAccepting(false)
		return
	}

	color, duplex := true, true
	small, medium, large := false, false, false
	accepting := false
	for _, m := range members {
		color = color && boolAttr(m, "color-supported")
		duplex = duplex && boolAttr(m, "duplex-supported")
		small = small || boolAttr(m, "media-small-supported")
		medium = medium || boolAttr(m, "media-medium-supported")
		large = large || boolAttr(m, "media-large-supported")
		accepting = accepting || m.Accepting()
	}
	class.SetAccepting(accepting)
	setClassAttributes(class, color, duplex, small, medium, large)
}

// resolveMembers returns the member Destinations currently known to the
// registry (skipping names that no longer resolve, e.g. a remote peer that
// aged out between batches).
func (r *Registry) resolveMembers(class *Destination) []*Destination {
	out := make([]*Destination, 0, len(class.Members))
	for _, name := range class.Members {
		if m, ok := r.Lookup(name); ok {
			out = append(out, m)
		}
	}
	return out
}

// PickAvailable implements spec.md §4.3's pick-available: starting one past
// the round-robin cursor, scan wrapping once; return the first member that
// is accepting and either idle or (remote and currently job-less). Advance
// the cursor to the returned index. If none qualifies, return none.
//
// isJobless reports whether a remote printer currently has no job in
// flight; the Class Engine has no visibility into the Job Store, so the
// caller (scheduler) supplies this as a predicate.
func (r *Registry) PickAvailable(class *Destination, isJobless func(*Destination) bool) (*Destination, bool) {
	members := r.resolveMembers(class)
	n := len(members)
	if n == 0 {
		return nil, false
	}

	start := int(class.cursor.Load())
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		m := members[idx]
		if !m.Accepting() {
			continue
		}
		qualifies := m.State() == StateIdle
		if !qualifies && m.Kind == RemotePrinter && isJobless != nil && isJobless(m) {
			qualifies = true
		}
		if qualifies {
			class.cursor.Store(int32(idx))
			return m, true
		}
	}
	return nil, false
}

// RebuildImplicitClasses scans all remote Destinations in name order and
// groups contiguous runs sharing a leafname into an implicit class,
// replacing any previously synthesized implicit classes wholesale (spec.md
// §4.3/§4.9 — implicit classes are never persisted and are rebuilt on every
// peer-list change). If a local printer already owns the shared name, the
// synthesized class is named "Any<name>" instead, per spec.md §4.3.
func (r *Registry) RebuildImplicitClasses() {
	for _, d := range r.allDestinations() {
		if d.Kind == ImplicitClass {
			r.byName.Remove(d)
			delete(r.lookup, normalizeName(d.Name))
		}
	}

	remotes := make([]*Destination, 0)
	for _, d := range r.allDestinations() {
		if d.Kind == RemotePrinter {
			remotes = append(remotes, d)
		}
	}
	sort.Slice(remotes, func(i, j int) bool {
		return strings.ToLower(leafName(remotes[i].Name)) < strings.ToLower(leafName(remotes[j].Name))
	})

	i := 0
	for i < len(remotes) {
		leaf := leafName(remotes[i].Name)
		j := i + 1
		for j < len(remotes) && strings.EqualFold(leafName(remotes[j].Name), leaf) {
			j++
		}
		if j-i >= 2 {
			r.synthesizeImplicitClass(leaf, remotes[i:j])
		}
		i = j
	}
}

// leafName strips a "printer@host" remote name down to its shared leaf, the
// part implicit-class grouping matches on.
func leafName(name string) string {
	if idx := strings.IndexByte(name, '@'); idx >= 0 {
		return name[:idx]
	}
	return name
}

func (r *Registry) synthesizeImplicitClass(leaf string, members []*Destination) {
	name := leaf
	if _, ownedByLocal := r.lookup[normalizeName(leaf)]; ownedByLocal {
		name = "Any" + leaf
	}
	if existing, ok := r.lookup[normalizeName(name)]; ok && existing.Kind != ImplicitClass {
		// A local/explicit destination already owns the Any<name> slot
		// too (pathological but possible); skip synthesis rather than
		// clobber operator-owned state.
		return
	}

	class := newDestination(name, ImplicitClass)
	for _, m := range members {
		class.Members = append(class.Members, m.Name)
	}
	r.byName.Add(class)
	r.lookup[normalizeName(name)] = class
	r.recomputeClassAttributes(class)
}

func boolAttr(d *Destination, key string) bool {
	v, ok := d.Attributes[key]
	if !ok {
		return false
	}
	return v.Bool()
}

func setClassAttributes(class *Destination, color, duplex, small, medium, large bool) {
	if class.Attributes == nil {
		class.Attributes = attrbag.Bag{}
	}
	class.Attributes["color-supported"] = attrbag.Boolean(color)
	class.Attributes["duplex-supported"] = attrbag.Boolean(duplex)
	class.Attributes["media-small-supported"] = attrbag.Boolean(small)
	class.Attributes["media-medium-supported"] = attrbag.Boolean(medium)
	class.Attributes["media-large-supported"] = attrbag.Boolean(large)
}
