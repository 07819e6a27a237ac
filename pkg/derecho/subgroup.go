package derecho

import (
	"context"

	"github.com/derecho-go/derecho-core/internal/dispatcher"
	"github.com/derecho-go/derecho-core/internal/ids"
)

// SubgroupHandle is spec.md §6's get_subgroup<T>(index) -> handle: the
// member-side entry point for ordered_send and p2p_send against one
// subgroup this replica currently belongs to.
type SubgroupHandle struct {
	sg ids.SubgroupID
	g  *Group
}

// SubgroupID reports which subgroup this handle addresses.
func (h *SubgroupHandle) SubgroupID() ids.SubgroupID { return h.sg }

// OrderedSend is ordered_send<Method>(args...) -> QueryResults<R>: it
// assigns this replica's next msg_id in the subgroup's stream, publishes
// it through the totally-ordered multicast, and returns a future that
// completes once every shard member active at send time has applied the
// method and replied. A view change does not complete it; the ctx passed
// to its Get is the only other way a wait on it ends.
func (h *SubgroupHandle) OrderedSend(opcode uint16, args []byte) (*dispatcher.OrderedReply, ids.MessageID, error) {
	h.g.mu.RLock()
	mg := h.g.groups[h.sg]
	members := append([]ids.NodeID(nil), h.g.shardMembers[h.sg]...)
	h.g.mu.RUnlock()
	if mg == nil {
		return nil, 0, ErrNotAMember
	}

	body := dispatcher.EncodeMethodCall(opcode, args)
	msgID, err := mg.Send(len(body), func(buf []byte) error {
		copy(buf, body)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return h.g.dispatcher.AwaitOrdered(h.sg, msgID, members), msgID, nil
}

// P2PSend is p2p_send<Method>(target, args...) -> QueryResults<R>: a
// point-to-point RPC into target that bypasses total order, blocking for
// a single reply or ctx's deadline (spec.md §4.4).
func (h *SubgroupHandle) P2PSend(ctx context.Context, target ids.NodeID, opcode uint16, args []byte) ([]byte, error) {
	return h.g.dispatcher.P2PSend(ctx, target, h.sg, opcode, args)
}
