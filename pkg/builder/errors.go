package builder

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Kind classifies pipeline failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers incompatible format/type pairs and malformed
	// names. Never retried.
	KindValidation
	// KindTool covers builder, converter and push failures.
	KindTool
	// KindInfrastructure covers unreachable queue, store or object storage.
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTool:
		return "tool"
	case KindInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// Error carries the failure taxonomy alongside the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func Tool(op string, err error) error {
	return &Error{Kind: KindTool, Op: op, Err: err}
}

func Infrastructure(op string, err error) error {
	return &Error{Kind: KindInfrastructure, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether a whole-operation re-attempt may succeed.
// Validation and infrastructure failures are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindInfrastructure:
		return false
	}
	return true
}
