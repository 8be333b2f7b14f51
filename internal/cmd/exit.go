package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/rpc"
	errwrap "github.com/pacerhq/pacer/internal/errors"
)

// ExitCodeFor picks the foundry exit code for a command failure. Node and
// limiter failures map to the external service code so scripts can tell a
// down node apart from a bad invocation.
func ExitCodeFor(err error) foundry.ExitCode {
	if err == nil {
		return foundry.ExitFailure
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		switch envelope.Code {
		case errwrap.CodeConfigInvalid:
			return foundry.ExitConfigInvalid
		case errwrap.CodeExternalService, errwrap.CodeServiceUnavailable,
			errwrap.CodeRateLimited, errwrap.CodeTimeout:
			return foundry.ExitExternalServiceUnavailable
		}
		return foundry.ExitFailure
	}

	var statusErr *rpc.StatusError
	var rpcErr *rpc.Error
	switch {
	case stderrors.As(err, &statusErr), stderrors.As(err, &rpcErr):
		return foundry.ExitExternalServiceUnavailable
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, loop.ErrStopped):
		return foundry.ExitExternalServiceUnavailable
	}
	return foundry.ExitFailure
}

// ExitWithCode logs err with the exit code metadata and exits. A nil logger
// falls back to stderr.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fatalUnknown(exitCode, msg, err)
	}
	if logger == nil {
		writeFatal(msg, err, info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	if envelope, ok := err.(*errors.ErrorEnvelope); ok {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
		if original, ok := envelope.Original.(error); ok {
			err = original
		}
	}
	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)

	os.Exit(info.Code)
}

// ExitWithCodeStderr exits without a logger. Use it before logging is set up.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fatalUnknown(exitCode, msg, err)
	}
	writeFatal(msg, err, info.Code, info.Name, info.Description)
	os.Exit(info.Code)
}

func writeFatal(msg string, err error, code int, name, description string) {
	switch envelope, ok := err.(*errors.ErrorEnvelope); {
	case ok:
		fmt.Fprintf(os.Stderr, "FATAL: %s [%s]: %s (correlation: %s)\n",
			msg, envelope.Code, envelope.Message, envelope.CorrelationID)
		if original, ok := envelope.Original.(error); ok {
			fmt.Fprintf(os.Stderr, "Underlying error: %v\n", original)
		}
	case err != nil:
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	default:
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", code, name, description)
}

func fatalUnknown(exitCode foundry.ExitCode, msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: %s (exit code: %d)\n", msg, exitCode)
	}
	os.Exit(int(exitCode))
}
