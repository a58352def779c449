package browse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	p := Packet{
		Type:      TypeRemote,
		State:     1,
		URI:       "ipp://host.example.com/printers/laser",
		Location:  "Room 1",
		Info:      "Laser printer",
		MakeModel: "Acme LaserX",
	}
	raw := p.Encode()

	got, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestParsePacketMinimalFields(t *testing.T) {
	got, err := ParsePacket([]byte("2 0 ipp://host/printers/laser\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Type)
	assert.Equal(t, "ipp://host/printers/laser", got.URI)
	assert.Empty(t, got.Location)
}

func TestParsePacketGarbled(t *testing.T) {
	_, err := ParsePacket([]byte("not-a-packet"))
	assert.Error(t, err)
}

func TestParsePacketBadHex(t *testing.T) {
	_, err := ParsePacket([]byte("zz 0 ipp://host/printers/laser"))
	assert.Error(t, err)
}
