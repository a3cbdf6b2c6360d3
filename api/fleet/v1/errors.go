package fleetv1

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// ToStatus converts a coordinator error into a gRPC status error.
// nil stays nil; unmapped errors become codes.Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, types.ErrUnknownWorker):
		return codes.NotFound
	case errors.Is(err, types.ErrInvalidAssignment):
		return codes.FailedPrecondition
	case errors.Is(err, types.ErrWorkerBusy):
		return codes.Aborted
	case errors.Is(err, types.ErrDuplicateJobID):
		return codes.AlreadyExists
	case errors.Is(err, types.ErrInvalidJob):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// FromStatus maps a gRPC error back onto the sentinel errors of pkg/types,
// wrapping so the server message is kept. Transport-level failures map to
// types.ErrUnreachable.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wrapped{sentinel: types.ErrUnreachable, cause: err}
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = types.ErrUnknownWorker
	case codes.FailedPrecondition:
		sentinel = types.ErrInvalidAssignment
	case codes.Aborted:
		sentinel = types.ErrWorkerBusy
	case codes.AlreadyExists:
		sentinel = types.ErrDuplicateJobID
	case codes.InvalidArgument:
		sentinel = types.ErrInvalidJob
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		sentinel = types.ErrUnreachable
	default:
		return err
	}
	return &wrapped{sentinel: sentinel, cause: err}
}

// IsUnreachable reports whether err means the coordinator could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, types.ErrUnreachable)
}

type wrapped struct {
	sentinel error
	cause    error
}

func (w *wrapped) Error() string {
	if st, ok := status.FromError(w.cause); ok {
		return w.sentinel.Error() + ": " + st.Message()
	}
	return w.sentinel.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error { return []error{w.sentinel, w.cause} }
