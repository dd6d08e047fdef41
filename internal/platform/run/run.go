package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Component is a long-running piece of a process. It must return once ctx
// is cancelled; a nil return before that is treated as a clean exit.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

type Runner struct {
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
}

func New(log *zap.Logger) *Runner {
	return &Runner{Logger: log, ShutdownTimeout: 10 * time.Second}
}

// WithSignals runs start until it returns or SIGINT/SIGTERM arrives and maps
// the outcome to a process exit code.
func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := start(ctx)
	if ctx.Err() != nil {
		r.Logger.Info("shutdown signal received")
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return 0
	}
	r.Logger.Error("service exited with error", zap.Error(err))
	return 1
}

// Group runs every component concurrently. The first failure cancels the
// rest; Group returns after all of them have stopped.
func (r *Runner) Group(ctx context.Context, components ...Component) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			r.Logger.Info("component starting", zap.String("component", c.Name))
			err := c.Run(gctx)
			if err != nil && !stopped(gctx, err) {
				r.Logger.Error("component failed", zap.String("component", c.Name), zap.Error(err))
				return err
			}
			r.Logger.Info("component stopped", zap.String("component", c.Name))
			return nil
		})
	}
	return g.Wait()
}

// stopped reports whether err is a component's answer to cancellation or to
// an expired deadline rather than a failure of its own.
func stopped(ctx context.Context, err error) bool {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, http.ErrServerClosed)
}

// Graceful calls shutdown with a fresh bounded context once ctx is done.
func (r *Runner) Graceful(ctx context.Context, shutdown func(context.Context) error) error {
	<-ctx.Done()
	c, cancel := context.WithTimeout(context.Background(), r.ShutdownTimeout)
	defer cancel()
	return shutdown(c)
}

func Exit(code int) {
	os.Exit(code)
}
