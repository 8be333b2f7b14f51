package errors

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/rpc"
)

// NewRateLimitedError reports that the node refused the call for quota.
func NewRateLimitedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeRateLimited, message)
}

// FromCallError maps a failed node call to an error envelope.
func FromCallError(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return nil
	}

	var statusErr *rpc.StatusError
	var rpcErr *rpc.Error
	switch {
	case stderrors.As(err, &statusErr):
		var envelope *errors.ErrorEnvelope
		switch statusErr.Status {
		case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
			envelope = NewRateLimitedError("node rejected the call for quota")
		case http.StatusGatewayTimeout:
			envelope = NewTimeoutError("node timed out")
		default:
			envelope = NewExternalServiceError("node returned an error status")
		}
		envelope = envelope.WithDetails(map[string]interface{}{
			"node_status": statusErr.Status,
		})
		return EnsureCorrelationID(withWrappedError(envelope, err), ctx)
	case stderrors.As(err, &rpcErr):
		envelope := NewExternalServiceError(rpcErr.Message).WithDetails(map[string]interface{}{
			"rpc_code": rpcErr.Code,
		})
		return EnsureCorrelationID(envelope, ctx)
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapTimeout(ctx, err, "call did not complete in time")
	case stderrors.Is(err, loop.ErrStopped):
		return EnsureCorrelationID(withWrappedError(NewServiceUnavailableError("limiter is shutting down"), err), ctx)
	default:
		return WrapExternalService(ctx, err, "node call failed")
	}
}
