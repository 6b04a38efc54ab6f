package handler

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dtroode/custodian/internal/model"
)

func handleError(err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, "token not found")
	case errors.Is(err, model.ErrInvalidToken), errors.Is(err, model.ErrInvalidAuthorization):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrConflict):
		return status.Error(codes.Aborted, "concurrent update, retry")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
