package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Controller walks a Context forward through the stage machine by invoking
// whichever Middleware is registered for each stage in turn, stopping as
// soon as a stage reports anything short of Completed.
type Controller struct {
	Registry *Registry
	Log      *zap.Logger
}

// NewController builds a Controller against a Registry, defaulting to a
// no-op logger if none is given.
func NewController(registry *Registry, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{Registry: registry, Log: log}
}

// ProceedTo invokes middleware for every stage from sctx's current stage
// (re-run only while it is still Pending) up to and including target,
// stopping the moment one of them returns anything other than Completed.
// When target itself is already Completed it returns Completed without
// invoking anything. Calling this again later picks up right
// where the last call left off, since progress is read back from sctx.
func (c *Controller) ProceedTo(ctx context.Context, sctx Context, target Stage) (Status, error) {
	current := sctx.Stage()
	if current > target {
		return StatusCompleted, nil
	}

	if sctx.StageStatus() == StatusStarted || sctx.StageStatus() == StatusErrored {
		return sctx.StageStatus(), nil
	}

	result := sctx.StageStatus()
	for _, stage := range Stages {
		if stage > target {
			break
		}
		if stage < current {
			continue
		}
		if stage == current && sctx.StageStatus() != StatusPending {
			continue
		}

		result = c.invoke(ctx, sctx, stage)
		current = sctx.Stage()
		if result != StatusCompleted {
			break
		}
	}
	return result, nil
}

// ProceedToAndWaitFor calls ProceedTo repeatedly, backing off exponentially
// between attempts, until it reports a finished status (Completed or
// Errored) or the context is cancelled.
func (c *Controller) ProceedToAndWaitFor(ctx context.Context, sctx Context, target Stage, maxInterval time.Duration) (Status, error) {
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0

	var result Status
	for {
		var err error
		result, err = c.ProceedTo(ctx, sctx, target)
		if err != nil {
			return result, err
		}
		if result.Finished() {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// invoke dispatches a single stage's middleware and records its outcome
// onto sctx, logging unexpected failures the way the original's
// module-level logger does.
func (c *Controller) invoke(ctx context.Context, sctx Context, stage Stage) Status {
	if err := sctx.UpdateState(ctx, stage, StatusPending, nil); err != nil {
		c.Log.Error("failed to mark stage pending", zap.Stringer("stage", stage), zap.Error(err))
		return StatusErrored
	}

	status, err := c.Registry.Dispatch(ctx, sctx, stage)
	if err != nil {
		c.Log.Error("stage middleware failed", zap.Stringer("stage", stage), zap.Error(err))
		_ = sctx.UpdateState(ctx, stage, StatusErrored, err)
		return StatusErrored
	}

	if uerr := sctx.UpdateState(ctx, stage, status, nil); uerr != nil {
		c.Log.Error("failed to record stage result", zap.Stringer("stage", stage), zap.Error(uerr))
		return StatusErrored
	}
	return status
}
