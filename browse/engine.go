// Package browse implements the Browse Engine (spec.md §4.9, C9): UDP
// broadcast of local non-implicit destinations, ACL-gated ingestion of
// peers' broadcasts, relaying, aging of remote destinations, and triggering
// the Class Engine's implicit-class rebuild — grounded on
// original_source/scheduler/dirsvc.c's StartBrowsing/UpdateBrowseList/
// SendBrowseList.
package browse

import (
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Distrotech/cups-filters-sub000/attrbag"
	"github.com/Distrotech/cups-filters-sub000/registry"
)

const maxPacketSize = 1540 // dirsvc.c's UpdateBrowseList packet[] buffer.

// Config bounds the engine's broadcast/ingest policy.
type Config struct {
	ServerName string // this host's name; packets naming it are self-origin and dropped.

	Interval time.Duration // how often a local destination's state is rebroadcast.
	Timeout  time.Duration // how long a remote destination survives without a refresh.

	ACL      ACL
	Relays   []RelayRule
	Browsers []*net.UDPAddr // destinations SendBrowseList broadcasts to.
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * c.Interval
	}
	return c
}

// Engine is the Browse Engine's runtime state. Its Packets channel and
// Tick/Ingest methods are consumed by the Event Dispatcher so every
// Registry mutation stays on the single dispatch goroutine; the engine's
// own goroutine only does socket I/O and ACL/relay filtering, neither of
// which touches shared state.
type Engine struct {
	log  *zap.Logger
	reg  *registry.Registry
	conn net.PacketConn
	cfg  Config

	packets chan []byte

	mu       sync.Mutex
	lastSeen map[string]time.Time // destination name -> last broadcast sent (local) or received (remote)
}

// New opens the engine's UDP socket at listenAddr (e.g. ":631") and
// returns an Engine ready to be wired into a Dispatcher as a BrowseSource.
func New(log *zap.Logger, reg *registry.Registry, listenAddr string, cfg Config) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:      log,
		reg:      reg,
		conn:     conn,
		cfg:      cfg.withDefaults(),
		packets:  make(chan []byte, 32),
		lastSeen: make(map[string]time.Time),
	}
	go e.readLoop()
	return e, nil
}

// Close releases the underlying socket.
func (e *Engine) Close() error { return e.conn.Close() }

// Packets implements dispatcher.BrowseSource.
func (e *Engine) Packets() <-chan []byte { return e.packets }

// readLoop applies ACL and relay rules to every inbound datagram before
// handing accepted ones to the dispatch goroutine via Packets; neither
// check touches the Registry, so it is safe off the dispatch goroutine.
func (e *Engine) readLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if !e.cfg.ACL.Permit(udpAddr.IP) {
			e.log.Debug("browse packet refused by acl", zap.Stringer("from", udpAddr))
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		for _, r := range e.cfg.Relays {
			if r.matches(udpAddr.IP) {
				_, _ = e.conn.WriteTo(raw, r.To)
			}
		}

		select {
		case e.packets <- raw:
		default:
			e.log.Warn("dropping browse packet: channel full")
		}
	}
}

// Ingest parses one accepted packet and folds it into the Registry,
// mirroring UpdateBrowseList's remote-destination upsert. Call only from
// the dispatch goroutine.
func (e *Engine) Ingest(raw []byte) {
	p, err := ParsePacket(raw)
	if err != nil {
		e.log.Debug("garbled browse packet", zap.Error(err))
		return
	}

	host, resource := splitURIHostResource(p.URI)
	if host == "" || strings.EqualFold(host, e.cfg.ServerName) {
		return // our own broadcast, looped back or relayed.
	}
	host = stripMatchingDomain(host, e.cfg.ServerName)

	var name string
	var kind registry.Kind
	switch {
	case p.Type&TypeClass != 0 && strings.HasPrefix(resource, "/classes/"):
		name = strings.TrimPrefix(resource, "/classes/") + "@" + host
		kind = registry.RemoteClass
	case p.Type&TypeClass == 0 && strings.HasPrefix(resource, "/printers/"):
		name = strings.TrimPrefix(resource, "/printers/") + "@" + host
		kind = registry.RemotePrinter
	default:
		return
	}

	d, ok := e.reg.Lookup(name)
	if !ok {
		var err error
		d, err = e.reg.CreateRemote(name, kind)
		if err != nil {
			e.log.Warn("creating remote destination", zap.String("name", name), zap.Error(err))
			return
		}
		d.DeviceURI = p.URI
		d.Attributes = attrbag.Bag{
			"printer-location":   attrbag.Str(valueOr(p.Location, "Location Unknown")),
			"printer-info":       attrbag.Str(valueOr(p.Info, "No Information Available")),
			"printer-make-model": attrbag.Str(valueOr(p.MakeModel, "Remote destination on "+host)),
		}
	}

	e.touch(name)
	newState := registry.State(p.State)
	if newState > registry.StateProcessing {
		newState = registry.StateStopped
	}
	if d.State() != newState {
		_ = e.reg.RecordState(d, newState, "browse-update")
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (e *Engine) touch(name string) {
	e.mu.Lock()
	e.lastSeen[name] = time.Now()
	e.mu.Unlock()
}

// Tick drives both halves of dirsvc.c's SendBrowseList: broadcasting local
// destinations whose Interval has elapsed, and expiring remote
// destinations that haven't been refreshed within Timeout. Call only from
// the dispatch goroutine.
func (e *Engine) Tick(now time.Time) {
	var expired []string
	e.mu.Lock()
	for name, seen := range e.lastSeen {
		if now.Sub(seen) > e.cfg.Timeout {
			expired = append(expired, name)
			delete(e.lastSeen, name)
		}
	}
	e.mu.Unlock()

	rebuild := false
	for _, name := range expired {
		if d, ok := e.reg.Lookup(name); ok && (d.Kind == registry.RemotePrinter || d.Kind == registry.RemoteClass) {
			e.log.Info("remote destination timed out", zap.String("name", name))
			if _, err := e.reg.Delete(d); err == nil {
				rebuild = true
			}
		}
	}
	if rebuild {
		e.reg.RebuildImplicitClasses()
	}

	e.sendLocal(now)
}

func (e *Engine) sendLocal(now time.Time) {
	if len(e.cfg.Browsers) == 0 {
		return
	}
	for _, d := range e.reg.All() {
		if d.Kind == registry.RemotePrinter || d.Kind == registry.RemoteClass || d.Kind == registry.ImplicitClass {
			continue
		}
		e.mu.Lock()
		last, seen := e.lastSeen[d.Name]
		e.mu.Unlock()
		if seen && now.Sub(last) < e.cfg.Interval {
			continue
		}
		e.touch(d.Name)

		typ := uint32(0)
		if d.IsClass() {
			typ |= TypeClass
		}
		pkt := Packet{
			Type:      typ,
			State:     uint32(d.State()),
			URI:       d.DeviceURI,
			Location:  attrString(d.Attributes, "printer-location"),
			Info:      attrString(d.Attributes, "printer-info"),
			MakeModel: attrString(d.Attributes, "printer-make-model"),
		}
		raw := pkt.Encode()
		for _, b := range e.cfg.Browsers {
			if _, err := e.conn.WriteTo(raw, b); err != nil {
				e.log.Warn("sending browse packet", zap.Stringer("to", b), zap.Error(err))
			}
		}
	}
}

func attrString(bag attrbag.Bag, key string) string {
	if bag == nil {
		return ""
	}
	if v, ok := bag[key]; ok {
		return v.String()
	}
	return ""
}

// splitURIHostResource pulls the host and path out of a URI of the shape
// scheme://host[:port]/resource, the subset httpSeparate's caller needs.
func splitURIHostResource(uri string) (host, resource string) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", ""
	}
	rest := uri[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return stripPort(rest), ""
	}
	return stripPort(rest[:slash]), rest[slash:]
}

func stripPort(hostport string) string {
	if idx := strings.IndexByte(hostport, ':'); idx >= 0 {
		return hostport[:idx]
	}
	return hostport
}

// stripMatchingDomain mirrors UpdateBrowseList's domain-suffix stripping:
// if host and local share a domain suffix, host is reduced to its short
// name.
func stripMatchingDomain(host, local string) string {
	hdot := strings.IndexByte(host, '.')
	ldot := strings.IndexByte(local, '.')
	if hdot < 0 || ldot < 0 {
		return host
	}
	if strings.EqualFold(host[hdot:], local[ldot:]) {
		return host[:hdot]
	}
	return host
}
