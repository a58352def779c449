package dispatcher

import "net"

// sessionReadEvent carries one decoded frame, or a terminal error (EOF or
// a read failure), from a session's readLoop goroutine.
type sessionReadEvent struct {
	sessionID int
	frame     []byte
	err       error
}

// acceptEvent carries one newly-accepted connection from a listener's
// accept goroutine.
type acceptEvent struct {
	conn net.Conn
}

// signalKind names the self-pipe tokens of spec.md §4.8.
type signalKind byte

const (
	signalReload      signalKind = 'H'
	signalChildExited signalKind = 'C'
	signalTerminate   signalKind = 'T'
)
