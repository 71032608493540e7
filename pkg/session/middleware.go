package session

import "context"

// Middleware performs one stage's work against a Context and reports how
// far it got. A stage can have several Middleware registered; they run in
// registration order until one of them returns something other than
// ErrUnhandled, mirroring the original's "first non-false response wins"
// dispatch - exactly one must claim the stage, or the registry is
// misconfigured.
type Middleware interface {
	Stage() Stage
	Handle(ctx context.Context, sctx Context) (Status, error)
}

// ErrUnhandled is returned by a Middleware that declines to handle a
// Context, so the registry's dispatcher moves on to the next one
// registered for the same stage.
var ErrUnhandled = Error.New("no middleware handled this stage")

// MiddlewareFunc adapts a plain function to the Middleware interface for
// the common case of a single, unconditional handler per stage.
type MiddlewareFunc struct {
	StageValue Stage
	Fn         func(ctx context.Context, sctx Context) (Status, error)
}

func (m MiddlewareFunc) Stage() Stage { return m.StageValue }
func (m MiddlewareFunc) Handle(ctx context.Context, sctx Context) (Status, error) {
	return m.Fn(ctx, sctx)
}

// Registry holds the middleware for every stage, in registration order,
// same as the original's process-wide `session_middleware` list populated
// from settings at startup.
type Registry struct {
	byStage map[Stage][]Middleware
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byStage: map[Stage][]Middleware{}}
}

// Register appends a Middleware to its stage's dispatch list.
func (r *Registry) Register(m Middleware) {
	r.byStage[m.Stage()] = append(r.byStage[m.Stage()], m)
}

// Dispatch runs every Middleware registered for stage in order, returning
// the first result that isn't ErrUnhandled. If none of them handle it,
// Dispatch itself returns ErrUnhandled - a stage with no middleware at all
// is a configuration bug, not a runtime one to recover from silently.
func (r *Registry) Dispatch(ctx context.Context, sctx Context, stage Stage) (Status, error) {
	if composite, ok := sctx.(*CompositeSessionContext); ok {
		return r.dispatchComposite(ctx, composite, stage)
	}
	for _, m := range r.byStage[stage] {
		status, err := m.Handle(ctx, sctx)
		if err == ErrUnhandled {
			continue
		}
		return status, err
	}
	return StatusErrored, ErrUnhandled
}

// dispatchComposite drives one stage across a composite's children in
// turn, starting from whichever child it last left off at. A child that
// doesn't complete the stage stops the round there, remembering that
// child so the next call (triggered by the Controller retrying a
// still-Pending stage) resumes at the same point rather than from the
// first child.
func (r *Registry) dispatchComposite(ctx context.Context, c *CompositeSessionContext, stage Stage) (Status, error) {
	for {
		child := c.Prepare()
		status, err := r.Dispatch(ctx, child, stage)
		if err != nil {
			return status, err
		}
		if status != StatusCompleted {
			return status, nil
		}
		if wrapped := c.Advance(); wrapped {
			return StatusCompleted, nil
		}
	}
}
