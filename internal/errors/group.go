package errors

import "strings"

// ErrorGroup represents a collection of errors.
type ErrorGroup []error

func (e ErrorGroup) Error() string {
	messages := make([]string, 0, len(e)+1)
	messages = append(messages, "the following errors occurred:")
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "\n\t")
}

// MultiError combines a list of errors into one. The list MUST NOT contain nil.
//
// Returns nil if the error list is empty.
func MultiError(errors []error) error {
	switch len(errors) {
	case 0:
		return nil
	case 1:
		return errors[0]
	}

	newErrors := make(ErrorGroup, 0, len(errors))
	for _, err := range errors {
		switch e := err.(type) {
		case ErrorGroup:
			newErrors = append(newErrors, e...)
		default:
			newErrors = append(newErrors, e)
		}
	}

	return newErrors
}

// CombineErrors combines the given collection of errors together. nil values
// will be ignored.
//
// The intention for this is to help chain togeter errors from multiple failing
// operations.
//
// 	CombineErrors(
// 		reader.Close(),
// 		writer.Close(),
// 	)
//
// This may also be used like so,
//
// 	err := reader.Close()
// 	err = internal.CombineErrors(err, writer.Close())
// 	if someCondition {
// 		err = internal.CombineErrors(err, transport.Close())
// 	}
func CombineErrors(errors ...error) error {
	newErrors := errors[:0] // zero-alloc filtering
	for _, err := range errors {
		if err != nil {
			newErrors = append(newErrors, err)
		}
	}

	return MultiError(newErrors)
}
