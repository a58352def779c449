package dispatcher

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// maxFrameSize bounds a single length-prefixed frame, guarding against a
// misbehaving client asking the dispatcher to allocate unbounded memory.
const maxFrameSize = 64 << 20

// session is one client connection: a length-prefixed framed byte stream
// (spec.md §1 treats the actual codec as external; the dispatcher owns
// only framing, per §6's read-framed-message/write-framed-message split).
type session struct {
	id   int
	conn net.Conn

	lastActivity time.Time

	writePending [][]byte // queued frames awaiting a writable conn
	closing      bool
}

func newSession(id int, conn net.Conn) *session {
	return &session{id: id, conn: conn, lastActivity: time.Now()}
}

// readLoop runs on its own goroutine per session, pushing one event per
// frame (or on error/EOF) to readCh. It never touches Dispatcher state
// directly, keeping all mutation on the single dispatch goroutine.
func (s *session) readLoop(readCh chan<- sessionReadEvent) {
	r := bufio.NewReader(s.conn)
	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			readCh <- sessionReadEvent{sessionID: s.id, err: err}
			return
		}
		if length > maxFrameSize {
			readCh <- sessionReadEvent{sessionID: s.id, err: fmt.Errorf("frame too large: %d bytes", length)}
			return
		}
		frame := make([]byte, length)
		if _, err := readFull(r, frame); err != nil {
			readCh <- sessionReadEvent{sessionID: s.id, err: err}
			return
		}
		readCh <- sessionReadEvent{sessionID: s.id, frame: frame}
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// enqueue appends a length-prefixed frame to the session's write-pending
// queue. The dispatcher attempts a non-blocking flush after every event.
func (s *session) enqueue(frame []byte) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	s.writePending = append(s.writePending, append(header, frame...))
}

// writeAttemptTimeout bounds how long flush will block the dispatch
// goroutine on one write, approximating the non-blocking write attempt
// spec.md §4.8 calls for.
const writeAttemptTimeout = 20 * time.Millisecond

// flush attempts to write as much of the pending queue as the conn will
// accept without blocking the dispatch loop for long.
func (s *session) flush() error {
	for len(s.writePending) > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeAttemptTimeout))
		buf := s.writePending[0]
		n, err := s.conn.Write(buf)
		if n == len(buf) {
			s.writePending = s.writePending[1:]
			continue
		}
		if n > 0 {
			s.writePending[0] = buf[n:]
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil // write-pending: retry next iteration
		}
		return err
	}
	return nil
}
