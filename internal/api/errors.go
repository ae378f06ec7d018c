package api

import (
	"context"
	"errors"

	"github.com/matheus3301/wastechat/internal/backend"
	"github.com/matheus3301/wastechat/internal/pipeline"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var se *pipeline.SendError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	case errors.Is(err, pipeline.ErrEmpty):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pipeline.ErrNotFound), backend.IsNotFound(err):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, pipeline.ErrBusy):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, pipeline.ErrInFlight), errors.Is(err, pipeline.ErrAbandoned):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, pipeline.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.As(err, &se):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
