package browse

import (
	"fmt"
	"strconv"
	"strings"
)

// Packet is one browse datagram: a destination's type/state bitmask, its
// URI, and three free-text display strings, grounded on dirsvc.c's
// UpdateBrowseList/SendBrowseList wire grammar:
//
//	<type-hex> <state-hex> <uri> "<location>" "<info>" "<make-model>"
type Packet struct {
	Type      uint32
	State     uint32
	URI       string
	Location  string
	Info      string
	MakeModel string
}

// Printer/class type bits (printers.c's cups_ptype_t), the subset the
// browse engine itself inspects.
const (
	TypeClass    uint32 = 1 << 5
	TypeRemote   uint32 = 1 << 1
	TypeImplicit uint32 = 1 << 13
)

// Encode renders p in dirsvc.c's SendBrowseList wire grammar.
func (p Packet) Encode() []byte {
	return []byte(fmt.Sprintf("%x %x %s \"%s\" \"%s\" \"%s\"\n",
		p.Type, p.State, p.URI, p.Location, p.Info, p.MakeModel))
}

// ParsePacket parses one inbound datagram per UpdateBrowseList's sscanf
// grammar. Location/Info/MakeModel are optional trailing quoted fields.
func ParsePacket(raw []byte) (Packet, error) {
	line := strings.TrimRight(string(raw), "\r\n")
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 3 {
		return Packet{}, fmt.Errorf("garbled browse packet: %q", line)
	}

	typ, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return Packet{}, fmt.Errorf("garbled browse packet type: %w", err)
	}
	state, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return Packet{}, fmt.Errorf("garbled browse packet state: %w", err)
	}

	rest := fields[2]
	uri, rest := splitToken(rest)
	if uri == "" {
		return Packet{}, fmt.Errorf("garbled browse packet: missing uri")
	}

	quoted := extractQuoted(rest)
	p := Packet{Type: uint32(typ), State: uint32(state), URI: uri}
	if len(quoted) > 0 {
		p.Location = quoted[0]
	}
	if len(quoted) > 1 {
		p.Info = quoted[1]
	}
	if len(quoted) > 2 {
		p.MakeModel = quoted[2]
	}
	return p, nil
}

func splitToken(s string) (token, rest string) {
	s = strings.TrimLeft(s, " ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

func extractQuoted(s string) []string {
	var out []string
	for {
		start := strings.IndexByte(s, '"')
		if start < 0 {
			return out
		}
		end := strings.IndexByte(s[start+1:], '"')
		if end < 0 {
			return out
		}
		out = append(out, s[start+1:start+1+end])
		s = s[start+1+end+1:]
	}
}
