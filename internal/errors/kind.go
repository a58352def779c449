// Package errors implements the error taxonomy the scheduler uses to decide
// how a failure propagates: closing a session, sending an error response and
// keeping it open, transitioning a job, or exiting the process. See §7 of the
// design for the mapping from Kind to action.
package errors

import "fmt"

// Kind classifies a failure along the lines a caller needs in order to
// decide how to react to it, not along the lines of which package raised it.
type Kind int

const (
	// Transport is a session-level framing failure: malformed framing,
	// oversize request, premature EOF, unsupported transport version.
	// Action: close the session.
	Transport Kind = iota
	// Codec is an operation-level failure: malformed attribute encoding,
	// a missing mandatory attribute, a version mismatch. Action: respond
	// with an error and keep the session open.
	Codec
	// Authorization is a failure from the access oracle. Action: challenge
	// or refuse, keep the session open.
	Authorization
	// Destination covers not-found, already-exists, not-acceptable, and
	// format-not-supported failures against the destination registry.
	Destination
	// Quota is a per-window page or byte cap failure.
	Quota
	// ChildProcess classifies a filter or backend process exit.
	ChildProcess
	// Resource is a best-effort failure: out of memory, fd exhaustion.
	Resource
	// FatalConfig is a configuration failure detected at startup or reload.
	FatalConfig
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Codec:
		return "codec"
	case Authorization:
		return "authorization"
	case Destination:
		return "destination"
	case Quota:
		return "quota"
	case ChildProcess:
		return "child-process"
	case Resource:
		return "resource"
	case FatalConfig:
		return "fatal-config"
	default:
		return "unknown"
	}
}

// Error is a classified failure: a Kind for the caller to switch on, a short
// machine-readable Reason token (spec.md's "state-reasons" vocabulary reused
// for error responses), and the underlying cause.
type Error struct {
	Kind   Kind
	Reason string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, op, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: cause}
}

// Is reports whether err is a classified Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return e != nil && e.Kind == kind
}
