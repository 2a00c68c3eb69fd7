// Package errors defines the error type and functions used by the omniq
// packages.
//
// The public API of this package is modeled after the standard library
// errors package with the addition of an Error type that carries an
// operation name and a canonical code describing the class of failure.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	Code Code
	Op   Op
	Err  error
}

func (e *Error) DebugString() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Code != Unspecified {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != Unspecified {
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code defines the canonical error code describing the nature of a given
// error.
type Code uint8

// List of canonical error codes.
const (
	Unspecified Code = iota
	NotFound
	AlreadyExists
	FailedPrecondition
	InvalidArgument
	Config
	Internal
	Unknown
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case Config:
		return "CONFIG_ERROR"
	case Internal:
		return "INTERNAL_ERROR"
	case Unknown:
		return "UNKNOWN"
	}
	panic(fmt.Sprintf("unknown error code %d", c))
}

// Op describes an operation, usually as the package and method,
// such as "rdb.Enqueue".
type Op string

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//
//	errors.Op
//		The operation being performed.
//	errors.Code
//		The canonical code, such as NOT_FOUND.
//	string
//		Treated as an error message and assigned to the
//		Err field after a call to errors.New.
//	error
//		The underlying error that triggered this one.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			e.Op = arg
		case Code:
			e.Code = arg
		case error:
			e.Err = arg
		case string:
			e.Err = errors.New(arg)
		default:
			panic(fmt.Sprintf("errors.E: bad call from unknown type %T, value %v", arg, arg))
		}
	}
	return e
}

// CanonicalCode returns the canonical code of the given error if one is
// present. Otherwise it returns Unspecified.
func CanonicalCode(err error) Code {
	if err == nil {
		return Unspecified
	}
	e, ok := err.(*Error)
	if !ok {
		return Unspecified
	}
	if e.Code == Unspecified {
		return CanonicalCode(e.Err)
	}
	return e.Code
}

// ScriptError builds the error surfaced when a server-side script replies
// with an ERR discriminant. The message format "<OP> failed: <reason>" is
// part of the contract; callers match on the reason substring.
func ScriptError(op Op, reason string) error {
	return E(op, FailedPrecondition, fmt.Sprintf("%s failed: %s", opName(op), reason))
}

func opName(op Op) string {
	s := string(op)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

/******************************************
    Domain Specific Error Types & Values
*******************************************/

var (
	// ErrQueueEmpty indicates that the reserve operation found no
	// processable job in the queue.
	ErrQueueEmpty = New("queue is empty")

	// ErrQueuePaused indicates that the reserve operation was refused
	// because the queue is paused.
	ErrQueuePaused = New("queue is paused")

	// ErrLeaseLost indicates that the lease for a reserved job was lost;
	// the job has been reaped and must not be acked.
	ErrLeaseLost = New("job lease lost")
)

// Lease-loss reason substrings surfaced by the heartbeat and ack scripts.
// The heartbeater treats an error carrying either as terminal for the
// current job.
const (
	ReasonNotActive     = "NOT_ACTIVE"
	ReasonTokenMismatch = "TOKEN_MISMATCH"
)

// IsLeaseLoss reports whether the given error message carries one of the
// lease-loss reasons.
func IsLeaseLoss(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, ReasonNotActive) || strings.Contains(msg, ReasonTokenMismatch)
}

/********************************************
    Standard Library errors wrappers
*********************************************/

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is
// identical.
func New(text string) error { return errors.New(text) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target, and if so,
// sets target to that error value and returns true. Otherwise, it returns
// false.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error. Otherwise, Unwrap
// returns nil.
func Unwrap(err error) error { return errors.Unwrap(err) }
