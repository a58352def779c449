package errors

import "fmt"

// NotFound reports that name does not identify any known Destination or Job.
func NotFound(op, name string) *Error {
	return New(Destination, op, "not-found", fmt.Errorf("%q does not exist", name))
}

// AlreadyExists reports that a create operation collided with an existing
// Destination name.
func AlreadyExists(op, name string) *Error {
	return New(Destination, op, "already-exists", fmt.Errorf("%q already exists", name))
}

// NotAcceptable reports that a destination has accepting=no.
func NotAcceptable(op, name string) *Error {
	return New(Destination, op, "not-acceptable", fmt.Errorf("%q is not accepting jobs", name))
}

// FormatNotSupported reports that the Filter Graph found no path from a
// submitted MIME type to a destination.
func FormatNotSupported(op, mimeType, destination string) *Error {
	return New(Destination, op, "document-format-not-supported",
		fmt.Errorf("no filter path from %q to %q", mimeType, destination))
}

// QuotaExceeded reports that a per-window page or byte cap was reached.
func QuotaExceeded(op, owner, destination string) *Error {
	return New(Quota, op, "quota-exceeded",
		fmt.Errorf("owner %q exceeded quota on %q", owner, destination))
}
