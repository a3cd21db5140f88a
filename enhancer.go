package seal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrPanic is returned by Recovery when an enhancer panicked.
var ErrPanic = errors.New("seal: enhancer panicked")

// Enhancer transforms a message before it is handed to transport.
// Signing is one such transformation.
type Enhancer interface {
	Enhance(ctx context.Context, m *Mail) error
}

// EnhancerFunc adapts a function to the Enhancer interface.
type EnhancerFunc func(ctx context.Context, m *Mail) error

// Enhance calls f(ctx, m).
func (f EnhancerFunc) Enhance(ctx context.Context, m *Mail) error {
	return f(ctx, m)
}

// Middleware wraps an Enhancer to add functionality.
type Middleware func(Enhancer) Enhancer

// Chain returns an Enhancer that runs enhancers in order and stops at the
// first error.
func Chain(enhancers ...Enhancer) Enhancer {
	return EnhancerFunc(func(ctx context.Context, m *Mail) error {
		for i, e := range enhancers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.Enhance(ctx, m); err != nil {
				return fmt.Errorf("enhancer %d: %w", i, err)
			}
		}
		return nil
	})
}

// Logging returns middleware that logs the outcome of each enhancement.
func Logging(logger *slog.Logger) Middleware {
	return func(next Enhancer) Enhancer {
		return EnhancerFunc(func(ctx context.Context, m *Mail) error {
			start := time.Now()
			err := next.Enhance(ctx, m)

			attrs := []any{
				slog.String("mail_id", m.ID),
				slog.Int("headers", len(m.Content.Headers)),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.ErrorContext(ctx, "enhance failed", append(attrs, slog.Any("error", err))...)
			} else {
				logger.DebugContext(ctx, "enhance completed", attrs...)
			}
			return err
		})
	}
}

// Recovery returns middleware that turns a panic into ErrPanic.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Enhancer) Enhancer {
		return EnhancerFunc(func(ctx context.Context, m *Mail) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "panic recovered",
						slog.String("mail_id", m.ID),
						slog.Any("panic", r),
					)
					err = fmt.Errorf("%w: %v", ErrPanic, r)
				}
			}()
			return next.Enhance(ctx, m)
		})
	}
}

// Wrap applies middleware to e; the first middleware is the outermost.
func Wrap(e Enhancer, middleware ...Middleware) Enhancer {
	for i := len(middleware) - 1; i >= 0; i-- {
		e = middleware[i](e)
	}
	return e
}
