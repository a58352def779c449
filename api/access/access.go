// Package access declares the authentication/access-control collaborator
// (spec.md §1, §6): a classify(session, resource, method) oracle the
// Dispatcher consults before acting on a decoded request.
package access

// Decision is the oracle's verdict.
type Decision int

const (
	Deny Decision = iota
	Allow
	NeedCredentials
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case NeedCredentials:
		return "need-credentials"
	default:
		return "deny"
	}
}

// Session identifies the caller being classified: whatever the transport
// layer can establish about the connection (peer address, presented
// credentials) without this system needing to know the credential format.
type Session struct {
	PeerAddress string
	Identity    string
}

// Oracle classifies one (session, resource, method) request.
type Oracle interface {
	Classify(session Session, resource, method string) Decision
}
