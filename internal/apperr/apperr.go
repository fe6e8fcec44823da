package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	Authentication
	Upstream
	Conflict
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authentication:
		return "authentication"
	case Upstream:
		return "upstream"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the single error type crossing package boundaries. Op names the
// operation that failed ("checkout.CreateCustomer"), Msg is safe to show to
// the caller, Err is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so callers can write errors.Is(err, apperr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation     = &Error{Kind: Validation}
	ErrAuthentication = &Error{Kind: Authentication}
	ErrUpstream       = &Error{Kind: Upstream}
	ErrConflict       = &Error{Kind: Conflict}
	ErrNotFound       = &Error{Kind: NotFound}
)

func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validationf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: Validation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func UpstreamErr(op string, err error) *Error {
	return &Error{Kind: Upstream, Op: op, Msg: "payment processor request failed", Err: err}
}

func AuthenticationErr(op string, err error) *Error {
	return &Error{Kind: Authentication, Op: op, Msg: "invalid webhook payload or signature", Err: err}
}

func ConflictErr(op string, err error) *Error {
	return &Error{Kind: Conflict, Op: op, Msg: "record already exists", Err: err}
}

func NotFoundf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: NotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the caller-facing message for err. Errors without one fall
// back to err.Error(), matching the "surface actionable text" rule for direct
// requests.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		if e.Err != nil && e.Kind == Upstream {
			return fmt.Sprintf("%s: %s", e.Msg, e.Err)
		}
		return e.Msg
	}
	return err.Error()
}
