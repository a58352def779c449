package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveMemberIntersectionUnion(t *testing.T) {
	r := New(nil, nil)
	p1, _ := r.CreatePrinter("laser1")
	p2, _ := r.CreatePrinter("laser2")
	r.SetDeviceCapabilities(p1, CapabilityRecord{Color: true, Duplex: true, Large: true})
	r.SetDeviceCapabilities(p2, CapabilityRecord{Color: false, Duplex: true, Small: true})

	cl, _ := r.CreateClass("fleet")
	require.NoError(t, r.AddMember(cl, p1))
	require.NoError(t, r.AddMember(cl, p2))

	// color: intersection (one member lacks it) -> false
	assert.False(t, cl.Attributes["color-supported"].Bool())
	// duplex: both support -> true
	assert.True(t, cl.Attributes["duplex-supported"].Bool())
	// large/small: union -> both true
	assert.True(t, cl.Attributes["media-large-supported"].Bool())
	assert.True(t, cl.Attributes["media-small-supported"].Bool())
}

func TestAddMemberIdempotent(t *testing.T) {
	r := New(nil, nil)
	p1, _ := r.CreatePrinter("laser1")
	cl, _ := r.CreateClass("fleet")
	require.NoError(t, r.AddMember(cl, p1))
	require.NoError(t, r.AddMember(cl, p1))
	assert.Equal(t, []string{"laser1"}, cl.Members)
}

func TestPickAvailableRoundRobin(t *testing.T) {
	r := New(nil, nil)
	p1, _ := r.CreatePrinter("laser1")
	p2, _ := r.CreatePrinter("laser2")
	p3, _ := r.CreatePrinter("laser3")
	for _, p := range []*Destination{p1, p2, p3} {
		p.SetAccepting(true)
		require.NoError(t, r.RecordState(p, StateIdle, "ready"))
	}
	cl, _ := r.CreateClass("fleet")
	require.NoError(t, r.AddMember(cl, p1))
	require.NoError(t, r.AddMember(cl, p2))
	require.NoError(t, r.AddMember(cl, p3))

	first, ok := r.PickAvailable(cl, nil)
	require.True(t, ok)
	second, ok := r.PickAvailable(cl, nil)
	require.True(t, ok)
	third, ok := r.PickAvailable(cl, nil)
	require.True(t, ok)

	assert.NotEqual(t, first.Name, second.Name)
	assert.NotEqual(t, second.Name, third.Name)

	// After cycling through all three it should wrap back to the first.
	fourth, ok := r.PickAvailable(cl, nil)
	require.True(t, ok)
	assert.Equal(t, first.Name, fourth.Name)
}

func TestPickAvailableSkipsNotAccepting(t *testing.T) {
	r := New(nil, nil)
	p1, _ := r.CreatePrinter("laser1")
	p2, _ := r.CreatePrinter("laser2")
	p1.SetAccepting(false)
	p2.SetAccepting(true)
	require.NoError(t, r.RecordState(p2, StateIdle, "ready"))
	cl, _ := r.CreateClass("fleet")
	require.NoError(t, r.AddMember(cl, p1))
	require.NoError(t, r.AddMember(cl, p2))

	got, ok := r.PickAvailable(cl, nil)
	require.True(t, ok)
	assert.Equal(t, "laser2", got.Name)
}

func TestPickAvailableRemoteJoblessPredicate(t *testing.T) {
	r := New(nil, nil)
	remote, _ := r.create("laser@hostA", RemotePrinter)
	remote.SetAccepting(true)

	cl, _ := r.CreateClass("fleet")
	require.NoError(t, r.AddMember(cl, remote))

	_, ok := r.PickAvailable(cl, func(*Destination) bool { return false })
	assert.False(t, ok)

	got, ok := r.PickAvailable(cl, func(*Destination) bool { return true })
	require.True(t, ok)
	assert.Equal(t, "laser@hostA", got.Name)
}

func TestRebuildImplicitClassesSharedLeafName(t *testing.T) {
	r := New(nil, nil)
	a, _ := r.create("laser@hostA", RemotePrinter)
	b, _ := r.create("laser@hostB", RemotePrinter)
	a.SetAccepting(true)
	b.SetAccepting(false)

	r.RebuildImplicitClasses()

	got, ok := r.LookupClass("laser")
	require.True(t, ok)
	assert.Equal(t, ImplicitClass, got.Kind)
	assert.ElementsMatch(t, []string{"laser@hostA", "laser@hostB"}, got.Members)
	// OR of member accepting flags.
	assert.True(t, got.Accepting())
}

func TestRebuildImplicitClassesAnyPrefixOnLocalCollision(t *testing.T) {
	r := New(nil, nil)
	r.CreatePrinter("laser")
	a, _ := r.create("laser@hostA", RemotePrinter)
	b, _ := r.create("laser@hostB", RemotePrinter)
	_, _ = a, b

	r.RebuildImplicitClasses()

	_, ok := r.Lookup("laser")
	require.True(t, ok)
	any, ok := r.LookupClass("Anylaser")
	require.True(t, ok)
	assert.Equal(t, ImplicitClass, any.Kind)
}

func TestRebuildImplicitClassesSingleRemoteNoClass(t *testing.T) {
	r := New(nil, nil)
	r.create("laser@hostA", RemotePrinter)
	r.RebuildImplicitClasses()
	_, ok := r.LookupClass("laser")
	assert.False(t, ok)
}

func TestRebuildImplicitClassesIsIdempotentAcrossRebuilds(t *testing.T) {
	r := New(nil, nil)
	r.create("laser@hostA", RemotePrinter)
	r.create("laser@hostB", RemotePrinter)
	r.RebuildImplicitClasses()
	r.RebuildImplicitClasses()

	got, ok := r.LookupClass("laser")
	require.True(t, ok)
	assert.Len(t, got.Members, 2)
}
