package errors

import (
	"fmt"
	"strings"
)

/*
Error aggregates several underlying errors and free-form messages into one
error value. It is used where a single operation fans out and more than one
thing can go wrong, such as closing every subscriber of an evicted project.
*/
type Error struct {
	Errs []error
	Msgs []any
}

func NewError(errs ...any) error {
	err := &Error{}

	for _, msg := range errs {
		switch v := msg.(type) {
		case nil:
			continue
		case error:
			err.Errs = append(err.Errs, v)
		case string:
			err.Msgs = append(err.Msgs, v)
		default:
			err.Msgs = append(err.Msgs, v)
		}
	}

	if len(err.Errs) == 0 && len(err.Msgs) == 0 {
		return nil
	}

	return err
}

func (err *Error) Error() string {
	builder := &strings.Builder{}

	for _, err := range err.Errs {
		builder.WriteString(err.Error())
		builder.WriteString("\n")
	}

	for _, msg := range err.Msgs {
		builder.WriteString(fmt.Sprintf("%v\n", msg))
	}

	return strings.TrimSuffix(builder.String(), "\n")
}

/*
Unwrap exposes the aggregated errors to errors.Is and errors.As.
*/
func (err *Error) Unwrap() []error {
	return err.Errs
}
