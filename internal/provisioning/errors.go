package provisioning

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies provisioning failures.
type Kind int

const (
	KindFatal Kind = iota
	KindNotFound
	KindTransient
	KindAlreadyExists
	KindPermissionDenied
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindAlreadyExists:
		return "already_exists"
	case KindPermissionDenied:
		return "permission_denied"
	case KindIO:
		return "io_failure"
	default:
		return "fatal"
	}
}

// Error is returned by every step of the provisioning workflow.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus exposes the wrapped status so status.Code works on *Error.
func (e *Error) GRPCStatus() *status.Status {
	if s, ok := status.FromError(e.Err); ok {
		return s
	}
	return nil
}

// wrapRPC wraps an error returned by the cloud API, deriving the kind from
// its status code.
func wrapRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kindFromCode(status.Code(err)), Op: op, Err: err}
}

func ioError(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

func kindFromCode(c codes.Code) Kind {
	switch c {
	case codes.NotFound:
		return KindNotFound
	case codes.Unavailable:
		return KindTransient
	case codes.AlreadyExists:
		return KindAlreadyExists
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermissionDenied
	default:
		return KindFatal
	}
}

// KindOf returns the kind of err. Errors that are neither *Error nor a gRPC
// status are fatal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if _, ok := status.FromError(err); ok {
		return kindFromCode(status.Code(err))
	}
	return KindFatal
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// Outcome is the workflow-level reading of a failed provisioning attempt.
type Outcome int

const (
	OutcomeFatal Outcome = iota
	// OutcomeAlreadyExists means the desired instance is already there.
	OutcomeAlreadyExists
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyExists:
		return "already_exists"
	case OutcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classify inspects a failed create/wait and decides how the workflow
// treats it. The API has no create-if-absent call, so ALREADY_EXISTS is
// the idempotency signal.
func Classify(err error) Outcome {
	switch KindOf(err) {
	case KindAlreadyExists:
		return OutcomeAlreadyExists
	case KindTransient:
		return OutcomeTransient
	default:
		return OutcomeFatal
	}
}
