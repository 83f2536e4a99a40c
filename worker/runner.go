package worker

import (
	"context"
	"time"
)

// Runner drives a Service in a poll loop until its context is cancelled.
type Runner struct {
	service      *Service
	pollInterval time.Duration
}

// NewRunner wraps a worker service in a poll loop. pollInterval is the idle
// sleep between steps that found no work; it is clamped to at least 100ms.
func NewRunner(service *Service, pollInterval time.Duration) *Runner {
	if pollInterval < 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}
	return &Runner{service: service, pollInterval: pollInterval}
}

// Run loops ProcessOnce until ctx is done. A step that processed work is
// followed immediately by another step; an idle or failed step sleeps the
// poll interval. Errors are logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	r.service.logger.Info("Worker loop started", "poll_interval", r.pollInterval.String())
	for {
		select {
		case <-ctx.Done():
			r.service.logger.Info("Worker loop stopped")
			return ctx.Err()
		default:
		}

		resp, err := r.service.ProcessOnce(ctx, "")
		if err != nil {
			r.service.logger.Error("Worker step failed", "error", err)
		} else if resp.Processed {
			continue
		}

		select {
		case <-ctx.Done():
			r.service.logger.Info("Worker loop stopped")
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}
