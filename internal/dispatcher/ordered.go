package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/derecho-go/derecho-core/internal/ids"
)

// OrderedReply is spec.md §6's QueryResults<R>: the future ordered_send
// returns, collecting one reply per shard member that was active when
// the message was sent.
type OrderedReply struct {
	mu       sync.Mutex
	replies  map[ids.NodeID][]byte
	expected map[ids.NodeID]bool
	done     chan struct{}
	closed   bool
}

func newOrderedReply(expected []ids.NodeID) *OrderedReply {
	exp := make(map[ids.NodeID]bool, len(expected))
	for _, n := range expected {
		exp[n] = true
	}
	return &OrderedReply{
		replies:  make(map[ids.NodeID][]byte),
		expected: exp,
		done:     make(chan struct{}),
	}
}

func (o *OrderedReply) record(from ids.NodeID, reply []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.expected[from] {
		return
	}
	o.replies[from] = reply
	if len(o.replies) >= len(o.expected) {
		o.closed = true
		close(o.done)
	}
}

// ViewChanged completes the future immediately with whatever replies
// have arrived so far, per spec.md §5's rule that an outstanding
// ordered_send handle completes with the partial reply set on
// ViewChanged rather than waiting for members that no longer exist.
func (o *OrderedReply) ViewChanged() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}

// Get blocks until every expected member has replied, ViewChanged fires,
// or ctx is done, then returns the reply map gathered so far.
func (o *OrderedReply) Get(ctx context.Context) (map[ids.NodeID][]byte, error) {
	select {
	case <-o.done:
	case <-ctx.Done():
		return o.snapshot(), ctx.Err()
	}
	return o.snapshot(), nil
}

func (o *OrderedReply) snapshot() map[ids.NodeID][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[ids.NodeID][]byte, len(o.replies))
	for k, v := range o.replies {
		out[k] = v
	}
	return out
}

func orderedReqID(sg ids.SubgroupID, msgID ids.MessageID) string {
	return fmt.Sprintf("ord:%d:%d", sg, msgID)
}

func parseOrderedReqID(reqID string) (ids.SubgroupID, ids.MessageID, bool) {
	rest, ok := strings.CutPrefix(reqID, "ord:")
	if !ok {
		return 0, 0, false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	sg, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	msgID, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return ids.SubgroupID(sg), ids.MessageID(msgID), true
}

// AwaitOrdered registers a reply future for one ordered_send, addressed
// to exactly the shard members active when the message was sent. Call
// immediately after the multicast send that produced msgID returns, so
// no reply can arrive before the future exists.
func (d *Dispatcher) AwaitOrdered(sg ids.SubgroupID, msgID ids.MessageID, members []ids.NodeID) *OrderedReply {
	fut := newOrderedReply(members)
	d.orderedMu.Lock()
	d.ordered[orderedReqID(sg, msgID)] = fut
	d.orderedMu.Unlock()
	return fut
}

func (d *Dispatcher) completeOrdered(sg ids.SubgroupID, msgID ids.MessageID, from ids.NodeID, reply []byte) {
	reqID := orderedReqID(sg, msgID)
	d.orderedMu.Lock()
	fut := d.ordered[reqID]
	d.orderedMu.Unlock()
	if fut == nil {
		return
	}
	fut.record(from, reply)

	fut.mu.Lock()
	done := fut.closed
	fut.mu.Unlock()
	if done {
		d.orderedMu.Lock()
		delete(d.ordered, reqID)
		d.orderedMu.Unlock()
	}
}
