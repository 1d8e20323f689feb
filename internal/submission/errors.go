package submission

import (
	"errors"
	"fmt"
)

// Kind classifies an extraction failure.
type Kind string

const (
	// NoDescriptorBlock means the body has no fenced descriptor block.
	NoDescriptorBlock Kind = "NoDescriptorBlock"
	// MalformedDescriptor means a block was found but could not be used.
	MalformedDescriptor Kind = "MalformedDescriptor"
)

// ExtractionError is returned by Extract.
type ExtractionError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" if err is not an *ExtractionError.
func KindOf(err error) Kind {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

func malformed(reason string, err error) *ExtractionError {
	return &ExtractionError{Kind: MalformedDescriptor, Reason: reason, Err: err}
}
