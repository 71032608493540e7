package transfer

import "github.com/learningequality/morango/pkg/session"

// RegisterLocal populates reg with every local-transfer middleware, in the
// same per-stage order the original's SessionMiddlewareRegistry is built
// in: one unconditional operation for stages that don't distinguish
// producer/receiver, and a producer/receiver pair - tried in that order -
// for the ones that do.
func RegisterLocal(reg *session.Registry, deps Deps) {
	reg.Register(NewInitializeOperation(deps))
	reg.Register(NewSerializeOperation(deps))

	reg.Register(NewProducerQueueOperation(deps))
	reg.Register(NewReceiverQueueOperation())

	reg.Register(NewTransferringProducerOperation(deps))
	reg.Register(NewTransferringReceiverOperation(deps))

	reg.Register(NewProducerDequeueOperation())
	reg.Register(NewReceiverDequeueOperation(deps))

	reg.Register(NewProducerDeserializeOperation())
	reg.Register(NewReceiverDeserializeOperation(deps))

	reg.Register(NewCleanupOperation(deps))
}
