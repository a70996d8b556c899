// Package shutdown stops the daemon's components in reverse order of
// registration, so the scrub scheduler stops submitting before the broker
// closes, and the broker closes before the journal it records into.
//
// Usage:
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("journal", journal)
//	coord.Register("broker", broker)
//	coord.Register("scheduler", scheduler)
//	// On shutdown:
//	coord.Shutdown(ctx) // scheduler first, then broker, then journal
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by components that take part in shutdown.
// Shutdown should respect ctx's deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a plain function to Shutdowner.
type Func func(ctx context.Context) error

// Shutdown calls f.
func (f Func) Shutdown(ctx context.Context) error {
	return f(ctx)
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator stops registered components last-in first-out.
// It is not safe for concurrent registration.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With(slog.String("component", "shutdown"))}
}

// Register adds a component. Later registrations are stopped first.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.components = append(c.components, component{name: name, shutdowner: s})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops every component in reverse order. A failing component does
// not stop the others; once ctx is done the remaining ones are skipped. All
// failures are returned joined.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown", slog.Int("components", len(c.components)))

	var errs []error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]
		log := c.logger.With(slog.String("handler", comp.name))

		if err := ctx.Err(); err != nil {
			log.Error("shutdown deadline exceeded", slog.Int("skipped", i+1))
			errs = append(errs, fmt.Errorf("shutdown deadline exceeded at %s: %w", comp.name, err))
			break
		}

		start := time.Now()
		if err := comp.shutdowner.Shutdown(ctx); err != nil {
			log.Error("component shutdown failed",
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("shutdown %s: %w", comp.name, err))
			continue
		}
		log.Info("component stopped", slog.Duration("duration", time.Since(start)))
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("coordinated shutdown completed with errors")
	} else {
		c.logger.Info("coordinated shutdown complete")
	}
	return err
}
