package session

import (
	"context"

	"github.com/learningequality/morango/pkg/morangocert"
)

// CompositeSessionContext wraps an ordered list of child Contexts and
// drives them as one, the shape a push or pull actually needs: a
// LocalSessionContext for the database side and a NetworkSessionContext
// for the remote side, invoked one after another for every stage. It
// remembers which child it last dispatched to (current), so a Controller
// that stops mid-stage and resumes later picks back up at that child
// instead of re-running the ones that already completed it.
//
// Grounded on morango.sync.context.CompositeSessionContext as exercised
// by tests/testapp/tests/sync/test_context.py's test_composite and
// CompositeSessionContextTestCase - the class itself predates the
// context.py snapshot in this tree, so its bookkeeping here is rebuilt
// from the test's observable contract rather than copied from source.
type CompositeSessionContext struct {
	children []Context
	current  int

	stage       Stage
	stageStatus Status
	err         error
}

// NewCompositeSessionContext builds a composite over children in the
// order they should be invoked.
func NewCompositeSessionContext(children ...Context) *CompositeSessionContext {
	return &CompositeSessionContext{
		children:    children,
		stage:       StageInitializing,
		stageStatus: StatusPending,
	}
}

// Children returns the ordered child list.
func (c *CompositeSessionContext) Children() []Context { return c.children }

// Current returns the index of the child next in line to be dispatched
// for the in-progress stage.
func (c *CompositeSessionContext) Current() int { return c.current }

// Prepare returns the child that should receive the active stage's
// middleware dispatch next, the Go counterpart of the original's
// CompositeSessionContext.prepare().
func (c *CompositeSessionContext) Prepare() Context {
	return c.children[c.current]
}

// Advance moves to the next child for the current stage, wrapping back
// to the first child once every child has had a turn. It reports
// whether the cycle wrapped, i.e. every child has now run this stage.
func (c *CompositeSessionContext) Advance() (wrapped bool) {
	c.current++
	if c.current >= len(c.children) {
		c.current = 0
		return true
	}
	return false
}

func (c *CompositeSessionContext) Stage() Stage        { return c.stage }
func (c *CompositeSessionContext) StageStatus() Status { return c.stageStatus }

func (c *CompositeSessionContext) Filter() morangocert.Filter { return c.children[0].Filter() }
func (c *CompositeSessionContext) IsPush() bool               { return c.children[0].IsPush() }
func (c *CompositeSessionContext) IsServer() bool             { return c.children[0].IsServer() }
func (c *CompositeSessionContext) IsReceiver() bool           { return c.children[0].IsReceiver() }
func (c *CompositeSessionContext) IsProducer() bool           { return c.children[0].IsProducer() }

func (c *CompositeSessionContext) TransferSessionID() string {
	return c.children[0].TransferSessionID()
}
func (c *CompositeSessionContext) SyncSessionID() string { return c.children[0].SyncSessionID() }

// HasCapability reports true if any child has the capability: the
// composite's own effective capability set is the union of its children's.
func (c *CompositeSessionContext) HasCapability(name string) bool {
	for _, child := range c.children {
		if child.HasCapability(name) {
			return true
		}
	}
	return false
}

// Capabilities returns the union of every child's capability set.
func (c *CompositeSessionContext) Capabilities() map[string]bool {
	out := map[string]bool{}
	for _, child := range c.children {
		for k, v := range child.Capabilities() {
			if v {
				out[k] = true
			}
		}
	}
	return out
}

func (c *CompositeSessionContext) Err() error { return c.err }

// UpdateState records the new stage/status on the composite itself and
// broadcasts it to every child, keeping all of them - and whatever each
// persists it to - in agreement about where the transfer stands.
func (c *CompositeSessionContext) UpdateState(ctx context.Context, stage Stage, status Status, err error) error {
	c.stage = stage
	c.stageStatus = status
	if err != nil {
		c.err = err
	}
	for _, child := range c.children {
		if uerr := child.UpdateState(ctx, stage, status, err); uerr != nil {
			return uerr
		}
	}
	return nil
}
