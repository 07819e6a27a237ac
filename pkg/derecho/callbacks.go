package derecho

import "github.com/derecho-go/derecho-core/internal/ids"

// UserMessageCallbacks is spec.md §6's UserMessageCallbacks: the four
// hooks an application registers to observe a subgroup's progress
// through the stability/durability pipeline.
type UserMessageCallbacks struct {
	// GlobalStability fires once per message, in schedule order, once
	// it is known stable (spec.md §4.2).
	GlobalStability func(subgroup ids.SubgroupID, sender ids.NodeID, msgID ids.MessageID, body []byte, version ids.Version)

	// LocalPersistence fires once this replica has appended the
	// version to its own durable log (spec.md §4.5).
	LocalPersistence func(subgroup ids.SubgroupID, version ids.Version)

	// GlobalPersistence fires once every shard member has persisted
	// the version (spec.md §4.5).
	GlobalPersistence func(subgroup ids.SubgroupID, version ids.Version)

	// GlobalVerified fires once every shard member's signature chain
	// has verified through the version (spec.md §4.5, Invariant I6).
	GlobalVerified func(subgroup ids.SubgroupID, version ids.Version)
}
