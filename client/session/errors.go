package session

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core/attendance"
)

// ErrorKind classifies why an operation failed.
type ErrorKind int

const (
	// Precondition means the operation was not sent: the controller is not in a state that allows it.
	Precondition ErrorKind = iota + 1
	// Conflict means another role owns the active session.
	Conflict
	// Network means the request did not get a response. Retryable.
	Network
	// Server means the backend answered with an error. Its message is passed through.
	Server
	// Superseded means the server accepted the operation but a newer response already
	// updated the view, which may disagree with the operation's outcome.
	Superseded
)

func (k ErrorKind) String() string {
	switch k {
	case Precondition:
		return "precondition"
	case Conflict:
		return "conflict"
	case Network:
		return "network"
	case Server:
		return "server"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// StatusCoder is implemented by transport errors that carry a server response status.
type StatusCoder interface {
	StatusCode() int
}

// OperationError is returned by every mutating controller operation.
type OperationError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
func (e *OperationError) Cause() error  { return e.Err }

var (
	errNotAllowed   = errors.New("operation not allowed in the current state")
	errBadPhrase    = errors.New("confirmation phrase does not match")
	errSuperseded   = errors.New("done, but the view was updated by a newer response")
	errUnreachable  = "unable to reach server"
	warningNoUpdate = "unable to refresh"
)

func precondition(op string, err error) *OperationError {
	return &OperationError{Op: op, Kind: Precondition, Err: err}
}

func superseded(op string) *OperationError {
	return &OperationError{Op: op, Kind: Superseded, Err: errSuperseded}
}

func classify(op string, err error) *OperationError {
	cause := errors.Cause(err)
	if _, ok := cause.(*attendance.ConflictError); ok {
		return &OperationError{Op: op, Kind: Conflict, Err: cause}
	}
	if _, ok := cause.(StatusCoder); ok {
		return &OperationError{Op: op, Kind: Server, Err: cause}
	}
	return &OperationError{Op: op, Kind: Network, Err: err}
}

// warning is the user-facing message of a failed operation.
func (e *OperationError) warning() string {
	switch e.Kind {
	case Network:
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return errUnreachable + ": request timed out"
		}
		return errUnreachable
	default:
		return e.Err.Error()
	}
}
