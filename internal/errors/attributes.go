package errors

import (
	"fmt"
	"strings"
)

// MissingAttributes reports a Codec failure: the request's attribute bag was
// missing one or more mandatory attributes for its operation.
func MissingAttributes(op string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return New(Codec, op, "missing-attribute", missingAttributesError(names))
}

type missingAttributesError []string

func (e missingAttributesError) Error() string {
	switch len(e) {
	case 1:
		return "missing attribute " + e[0]
	case 2:
		return fmt.Sprintf("missing attributes %s and %s", e[0], e[1])
	default:
		return fmt.Sprintf("missing attributes %s, and %s", strings.Join(e[:len(e)-1], ", "), e[len(e)-1])
	}
}
