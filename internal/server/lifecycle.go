// Package server provides process lifecycle management: ordered startup and
// reverse-order graceful shutdown with signal handling.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 15 * time.Second

// Service is a component with a non-blocking Start and a graceful Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// FuncService adapts a start/stop function pair into the Service interface.
// A nil function is a no-op.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func(ctx context.Context) error
}

func (f *FuncService) Start(ctx context.Context) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx)
}

func (f *FuncService) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger          *zap.Logger
	shutdownTimeout time.Duration

	mu       sync.Mutex
	services []namedService
	started  int
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager. A non-positive timeout uses
// DefaultShutdownTimeout.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, shutdownTimeout time.Duration) *Lifecycle {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Lifecycle{
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}
}

// Add registers a named service. Services are started in the order they
// are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Start starts every service in order. If one fails, the services already
// started are stopped in reverse and the start error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	begin := time.Now()
	for i, ns := range l.services {
		l.logger.Info("starting service", zap.String("service", ns.name))
		if err := ns.service.Start(ctx); err != nil {
			l.logger.Error("service failed to start", zap.String("service", ns.name), zap.Error(err))
			l.started = i
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.shutdownTimeout)
			defer cancel()
			return multierr.Append(fmt.Errorf("start %s: %w", ns.name, err), l.stopLocked(stopCtx))
		}
	}
	l.started = len(l.services)

	l.logger.Info("all services started",
		zap.Int("count", len(l.services)),
		zap.Duration("startup", time.Since(begin)),
	)
	return nil
}

// Stop stops the started services in reverse order and returns every stop
// error combined.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	begin := time.Now()
	var errs error
	for i := l.started - 1; i >= 0; i-- {
		ns := l.services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		if err := ns.service.Stop(ctx); err != nil {
			l.logger.Error("service failed to stop", zap.String("service", ns.name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", ns.name, err))
			continue
		}
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.started = 0
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(begin)))
	return errs
}

// Run starts every service and blocks until SIGINT, SIGTERM or ctx is
// done, then stops them in reverse order within the shutdown timeout.
//
// Postcondition: All started services are stopped when this method returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	begin := time.Now()
	if err := l.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.shutdownTimeout)
	defer cancel()
	err := l.Stop(stopCtx)

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(begin)))
	return err
}
