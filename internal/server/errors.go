package server

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/custody"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/query"
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrSnapshotsDisabled   = errors.New("snapshots are not configured")
	ErrProjectionsDisabled = errors.New("projections are not configured")
)

type errorClass struct {
	code       string
	httpStatus int
	grpcCode   codes.Code
}

var domainClasses = map[string]errorClass{
	"invalid_parameter":            {"", http.StatusBadRequest, codes.InvalidArgument},
	"invalid_leverage":             {"", http.StatusBadRequest, codes.InvalidArgument},
	"max_leverage_exceeded":        {"", http.StatusBadRequest, codes.InvalidArgument},
	"zero_size":                    {"", http.StatusBadRequest, codes.InvalidArgument},
	"zero_amount":                  {"", http.StatusBadRequest, codes.InvalidArgument},
	"unauthorized":                 {"", http.StatusForbidden, codes.PermissionDenied},
	"not_found":                    {"", http.StatusNotFound, codes.NotFound},
	"duplicate_request":            {"", http.StatusConflict, codes.AlreadyExists},
	"already_initialized":          {"", http.StatusConflict, codes.AlreadyExists},
	"not_initialized":              {"", http.StatusConflict, codes.FailedPrecondition},
	"insufficient_margin":          {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"insufficient_balance":         {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"position_not_open":            {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"position_not_liquidatable":    {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"protocol_paused":              {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"funding_interval_not_elapsed": {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"oracle_stale":                 {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"oracle_invalid_price":         {"", http.StatusUnprocessableEntity, codes.FailedPrecondition},
	"math_overflow":                {"", http.StatusUnprocessableEntity, codes.OutOfRange},
}

// classify maps err to a stable code plus the HTTP and gRPC statuses.
func classify(err error) errorClass {
	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		return errorClass{"unauthenticated", http.StatusUnauthorized, codes.Unauthenticated}
	case errors.Is(err, custody.ErrInsufficientFunds):
		return errorClass{"custody_insufficient_funds", http.StatusUnprocessableEntity, codes.FailedPrecondition}
	case errors.Is(err, query.ErrHistoryUnavailable),
		errors.Is(err, ErrSnapshotsDisabled),
		errors.Is(err, ErrProjectionsDisabled):
		return errorClass{"not_configured", http.StatusNotImplemented, codes.Unimplemented}
	case errors.Is(err, core.ErrProcessorStopped):
		return errorClass{"unavailable", http.StatusServiceUnavailable, codes.Unavailable}
	case errors.Is(err, context.DeadlineExceeded):
		return errorClass{"timeout", http.StatusGatewayTimeout, codes.DeadlineExceeded}
	case errors.Is(err, context.Canceled):
		return errorClass{"canceled", 499, codes.Canceled}
	}

	code := perrors.Code(err)
	if c, ok := domainClasses[code]; ok {
		c.code = code
		return c
	}
	return errorClass{"internal", http.StatusInternalServerError, codes.Internal}
}

// grpcError converts err to a status carrying the stable code as message
// prefix.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	c := classify(err)
	return status.Error(c.grpcCode, c.code+": "+publicMessage(c, err))
}

// publicMessage hides infrastructure details from clients.
func publicMessage(c errorClass, err error) string {
	if c.code == "internal" {
		return "internal error"
	}
	return err.Error()
}
