package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrWorkerPanic       = fmt.Errorf("worker panic")
	ErrEmptyWords        = fmt.Errorf("no words have been found")
	ErrInvalidRoom       = fmt.Errorf("invalid room name")
	ErrProtocol          = fmt.Errorf("malformed message envelope")
	ErrMemberUnreachable = fmt.Errorf("member unreachable")
	ErrSessionClosed     = fmt.Errorf("session is not open")
	ErrSinkClosed        = fmt.Errorf("sink is closed")
	ErrUnknownEvent      = fmt.Errorf("unknown event kind")
	ErrBusClosed         = fmt.Errorf("bus subscription closed")
	ErrShuttingDown      = fmt.Errorf("relay is shutting down")
)

// MapToGRPCError translates relay errors into gRPC status errors.
// Errors already carrying a status are returned untouched.
func MapToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case stderrors.Is(err, ErrInvalidRoom), stderrors.Is(err, ErrProtocol):
		return status.Error(codes.InvalidArgument, err.Error())
	case stderrors.Is(err, ErrSessionClosed), stderrors.Is(err, ErrSinkClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case stderrors.Is(err, ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
