package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	// AttemptTimeout bounds every single attempt, whatever the deadline of
	// the whole call.
	AttemptTimeout time.Duration
	// BootloaderSettle is the pause after sending a module stuck in its
	// bootloader back to the application.
	BootloaderSettle time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		MinBackoff:       100 * time.Millisecond,
		MaxBackoff:       time.Second,
		AttemptTimeout:   powerbus.DEFAULT_COMMAND_TIMEOUT,
		BootloaderSettle: time.Second,
	}
}

// RetryingExecutor retries timed out commands with exponential backoff. A
// module answering "unknown command" is assumed to sit in its bootloader: it
// gets a jump to application and the command is tried once more.
type RetryingExecutor struct {
	bus    port.BusExecutor
	policy RetryPolicy
	logger *zap.Logger
}

var _ port.BusExecutor = (*RetryingExecutor)(nil)

func NewRetryingExecutor(bus port.BusExecutor, policy RetryPolicy, logger *zap.Logger) *RetryingExecutor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryingExecutor{
		bus:    bus,
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
	}
}

func (e *RetryingExecutor) Execute(ctx context.Context, address byte, cmd *powerbus.Command, args ...any) (powerbus.Values, error) {
	jumped := false
	operation := func() (powerbus.Values, error) {
		values, err := e.attempt(ctx, address, cmd, args...)
		if err == nil {
			return values, nil
		}
		var rejected *powerbus.CommandRejected
		if errors.As(err, &rejected) && rejected.UnknownCommand() && !jumped {
			jumped = true
			if jerr := e.jumpToApplication(ctx, address); jerr != nil {
				return nil, backoff.Permanent(fmt.Errorf("%w (bootloader recovery failed: %v)", err, jerr))
			}
			values, err = e.attempt(ctx, address, cmd, args...)
			if err == nil {
				return values, nil
			}
		}
		return nil, retryable(ctx, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.policy.MinBackoff
	policy.MaxInterval = e.policy.MaxBackoff
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.policy.MaxAttempts-1)), ctx)

	values, err := backoff.RetryNotifyWithData(operation, retries, func(err error, wait time.Duration) {
		e.logger.Warn("bus command failed, retrying",
			zap.Uint8("address", address),
			zap.String("opcode", cmd.Opcode),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %w", powerbus.ErrCommunicationTimedOut, err)
		}
		return nil, err
	}
	return values, nil
}

func (e *RetryingExecutor) attempt(ctx context.Context, address byte, cmd *powerbus.Command, args ...any) (powerbus.Values, error) {
	if e.policy.AttemptTimeout <= 0 {
		return e.bus.Execute(ctx, address, cmd, args...)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()
	return e.bus.Execute(attemptCtx, address, cmd, args...)
}

// retryable marks every error other than a bus timeout as permanent.
func retryable(ctx context.Context, err error) error {
	if errors.Is(err, powerbus.ErrCommunicationTimedOut) && ctx.Err() == nil {
		return err
	}
	return backoff.Permanent(err)
}

func (e *RetryingExecutor) jumpToApplication(ctx context.Context, address byte) error {
	e.logger.Error("module does not know the command, jumping to application", zap.Uint8("address", address))
	_, err := e.attempt(ctx, address, powerbus.BootloaderJumpApplication)
	if err != nil && !errors.Is(err, powerbus.ErrCommunicationTimedOut) {
		return err
	}
	select {
	case <-time.After(e.policy.BootloaderSettle):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", powerbus.ErrCommunicationTimedOut, ctx.Err())
	}
}
