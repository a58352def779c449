package browse

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Distrotech/cups-filters-sub000/registry"
)

func TestIngestCreatesRemotePrinter(t *testing.T) {
	reg := registry.New(nil, nil)
	e, err := New(nil, reg, "127.0.0.1:0", Config{ServerName: "here.example.org"})
	require.NoError(t, err)
	defer e.Close()

	pkt := Packet{
		Type:      0,
		State:     uint32(registry.StateIdle),
		URI:       "ipp://there.example.net/printers/laser",
		Location:  "Remote room",
		Info:      "info",
		MakeModel: "Acme",
	}
	e.Ingest(pkt.Encode())

	d, ok := reg.Lookup("laser@there.example.net")
	require.True(t, ok)
	assert.Equal(t, registry.RemotePrinter, d.Kind)
	assert.Equal(t, pkt.URI, d.DeviceURI)
}

func TestIngestIgnoresSelfOrigin(t *testing.T) {
	reg := registry.New(nil, nil)
	e, err := New(nil, reg, "127.0.0.1:0", Config{ServerName: "here.example.org"})
	require.NoError(t, err)
	defer e.Close()

	pkt := Packet{URI: "ipp://here.example.org/printers/laser"}
	e.Ingest(pkt.Encode())

	_, ok := reg.Lookup("laser@here.example.org")
	assert.False(t, ok)
}

func TestIngestIgnoresUnrecognizedResource(t *testing.T) {
	reg := registry.New(nil, nil)
	e, err := New(nil, reg, "127.0.0.1:0", Config{ServerName: "here.example.org"})
	require.NoError(t, err)
	defer e.Close()

	pkt := Packet{URI: "ipp://there.example.net/admin"}
	e.Ingest(pkt.Encode())

	assert.Empty(t, reg.All())
}

func TestTickExpiresStaleRemoteDestination(t *testing.T) {
	reg := registry.New(nil, nil)
	e, err := New(nil, reg, "127.0.0.1:0", Config{
		ServerName: "here.example.org",
		Interval:   time.Millisecond,
		Timeout:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer e.Close()

	pkt := Packet{URI: "ipp://there.example.net/printers/laser"}
	e.Ingest(pkt.Encode())
	_, ok := reg.Lookup("laser@there.example.net")
	require.True(t, ok)

	e.Tick(time.Now().Add(10 * time.Millisecond))

	_, ok = reg.Lookup("laser@there.example.net")
	assert.False(t, ok)
}

func TestReadLoopAppliesACL(t *testing.T) {
	reg := registry.New(nil, nil)
	acl := ACL{Order: OrderAllowDeny} // deny everything not explicitly allowed, except loopback
	e, err := New(nil, reg, "127.0.0.1:0", Config{ServerName: "here.example.org", ACL: acl})
	require.NoError(t, err)
	defer e.Close()

	conn, err := net.Dial("udp4", e.conn.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	pkt := Packet{URI: "ipp://there.example.net/printers/laser"}
	_, err = conn.Write(pkt.Encode())
	require.NoError(t, err)

	select {
	case raw := <-e.Packets():
		got, perr := ParsePacket(raw)
		require.NoError(t, perr)
		assert.Equal(t, pkt.URI, got.URI)
	case <-time.After(time.Second):
		t.Fatal("expected loopback packet to pass ACL and reach the channel")
	}
}
