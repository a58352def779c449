package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLookup(t *testing.T) {
	r := New(nil, nil)
	p, err := r.CreatePrinter("laser")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, p.State())
	assert.False(t, p.Accepting())

	got, ok := r.Lookup("LASER")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = r.LookupClass("laser")
	assert.False(t, ok)
}

func TestCreateDuplicateFails(t *testing.T) {
	r := New(nil, nil)
	_, err := r.CreatePrinter("laser")
	require.NoError(t, err)
	_, err = r.CreatePrinter("laser")
	assert.Error(t, err)
}

func TestDeleteNotFound(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Delete(&Destination{Name: "ghost"})
	assert.Error(t, err)
}

func TestSetDeviceCapabilitiesAndEdgeCallback(t *testing.T) {
	var gotName string
	var gotFormats []string
	r := New(nil, func(name string, formats []string) {
		gotName = name
		gotFormats = formats
	})
	p, _ := r.CreatePrinter("laser")
	r.SetDeviceCapabilities(p, CapabilityRecord{
		InputFormats: []string{"application/pdf", "image/jpeg"},
		Color:        true,
		Duplex:       false,
		Large:        true,
	})
	assert.Equal(t, "laser", gotName)
	assert.Equal(t, []string{"application/pdf", "image/jpeg"}, gotFormats)
	assert.True(t, p.Attributes["color-supported"].Bool())
	assert.False(t, p.Attributes["duplex-supported"].Bool())
}

func TestSetReasonsDeltaSyntax(t *testing.T) {
	r := New(nil, nil)
	p, _ := r.CreatePrinter("laser")

	require.NoError(t, r.SetReasons(p, "+media-empty-warning,paused"))
	assert.True(t, p.HasReason(ReasonMediaEmptyWarning))
	assert.True(t, p.HasReason(ReasonPaused))

	require.NoError(t, r.SetReasons(p, "-paused"))
	assert.False(t, p.HasReason(ReasonPaused))
	assert.True(t, p.HasReason(ReasonMediaEmptyWarning))

	require.NoError(t, r.SetReasons(p, "connecting-to-device"))
	assert.False(t, p.HasReason(ReasonMediaEmptyWarning))
	assert.True(t, p.HasReason(ReasonConnectingToDevice))
}

func TestRecordStateHistoryRing(t *testing.T) {
	r := New(nil, nil)
	p, _ := r.CreatePrinter("laser")
	for i := 0; i < historyCapacity+5; i++ {
		require.NoError(t, r.RecordState(p, StateIdle, "tick"))
	}
	assert.Len(t, p.History(), historyCapacity)
}

func TestSetDefaultAndDefault(t *testing.T) {
	r := New(nil, nil)
	p, _ := r.CreatePrinter("laser")

	_, ok := r.Default()
	assert.False(t, ok)

	require.NoError(t, r.SetDefault("LASER"))
	got, ok := r.Default()
	require.True(t, ok)
	assert.Same(t, p, got)
}

func TestSetDefaultUnknownDestination(t *testing.T) {
	r := New(nil, nil)
	assert.Error(t, r.SetDefault("ghost"))
}

func TestDeleteCascadesFromExplicitClass(t *testing.T) {
	r := New(nil, nil)
	p1, _ := r.CreatePrinter("laser1")
	p2, _ := r.CreatePrinter("laser2")
	cl, _ := r.CreateClass("fleet")
	require.NoError(t, r.AddMember(cl, p1))
	require.NoError(t, r.AddMember(cl, p2))

	_, err := r.Delete(p1)
	require.NoError(t, err)

	got, _ := r.Lookup("fleet")
	assert.Equal(t, []string{"laser2"}, got.Members)

	_, err = r.Delete(p2)
	require.NoError(t, err)
	_, ok := r.Lookup("fleet")
	assert.False(t, ok, "class should be deleted once empty")
}

func TestDeleteNamedAccumulatesErrors(t *testing.T) {
	r := New(nil, nil)
	r.CreatePrinter("laser")
	err := r.DeleteNamed([]string{"laser", "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}
