package dispatcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/transport"
)

var errShortPacket = errors.New("dispatcher: p2p packet too short")

var p2pCounter uint64

func nextRequestID() string {
	n := atomic.AddUint64(&p2pCounter, 1)
	return fmt.Sprintf("r%d", n)
}

// P2PSend performs spec.md §4.4's p2p_send: a point-to-point,
// total-order-bypassing, one-way-reliable RPC to target. It blocks for a
// reply or until ctx is done, surfacing *PeerUnreachable via the
// transport error and *ViewChanged via ctx cancellation by the caller.
func (d *Dispatcher) P2PSend(ctx context.Context, target ids.NodeID, sg ids.SubgroupID, opcode uint16, args []byte) ([]byte, error) {
	reqID := nextRequestID()
	replyCh := make(chan transport.Envelope, 1)

	d.pendingMu.Lock()
	d.pending[reqID] = replyCh
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, reqID)
		d.pendingMu.Unlock()
	}()

	payload := encodeP2PRequest(reqID, sg, opcode, args)
	if err := d.trans.Unicast(target, transport.Envelope{
		Subgroup: sg,
		Kind:     transport.KindP2PQuery,
		Payload:  payload,
	}); err != nil {
		return nil, err
	}

	select {
	case env := <-replyCh:
		return env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleQuery processes one incoming p2p query envelope, dispatching it
// through the addressed subgroup's method table and unicasting the
// reply back to the sender. The dedup cache discards requests whose id
// it has already answered, so a retried query never double-applies a
// side-effecting handler.
func (d *Dispatcher) HandleQuery(from ids.NodeID, env transport.Envelope) {
	reqID, sg, opcode, args, err := decodeP2PRequest(env.Payload)
	if err != nil {
		return
	}
	if _, hit := d.dedup.Get(reqID); hit {
		return
	}
	d.dedup.Set(reqID, true)

	d.mu.RLock()
	entry := d.entries[sg]
	d.mu.RUnlock()
	if entry == nil {
		if d.log != nil {
			d.log.Errorf("dispatcher: p2p query for subgroup %d: %v", sg, ErrNotAMember)
		}
		return
	}
	method, ok := entry.methods[opcode]
	if !ok {
		if d.log != nil {
			d.log.Errorf("dispatcher: p2p query opcode %d: %v", opcode, ErrUnknownOpcode)
		}
		return
	}
	decoded, err := method.Decode(args)
	if err != nil {
		if d.log != nil {
			d.log.Errorf("dispatcher: p2p decode failed for subgroup %d opcode %d: %v", sg, opcode, err)
		}
		return
	}
	reply, err := method.Handle(decoded)
	if err != nil {
		if d.log != nil {
			d.log.Errorf("dispatcher: p2p handler failed for subgroup %d opcode %d: %v", sg, opcode, err)
		}
		return
	}
	_ = d.trans.Unicast(from, transport.Envelope{
		Subgroup: sg,
		Kind:     transport.KindP2PReply,
		Payload:  encodeP2PReply(reqID, reply),
	})
}

// HandleReply routes an incoming p2p reply envelope back to the blocked
// P2PSend call that is waiting for it, if any.
func (d *Dispatcher) HandleReply(env transport.Envelope) {
	reqID, body, err := decodeP2PReply(env.Payload)
	if err != nil {
		return
	}
	if sg, msgID, ok := parseOrderedReqID(reqID); ok {
		d.completeOrdered(sg, msgID, env.From, body)
		return
	}
	d.pendingMu.Lock()
	ch, ok := d.pending[reqID]
	d.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- transport.Envelope{Payload: body}:
	default:
	}
}

func encodeP2PRequest(reqID string, sg ids.SubgroupID, opcode uint16, args []byte) []byte {
	idBytes := []byte(reqID)
	buf := make([]byte, 2+len(idBytes)+4+2+len(args))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(idBytes)))
	off += 2
	copy(buf[off:], idBytes)
	off += len(idBytes)
	binary.BigEndian.PutUint32(buf[off:], uint32(sg))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], opcode)
	off += 2
	copy(buf[off:], args)
	return buf
}

func decodeP2PRequest(buf []byte) (reqID string, sg ids.SubgroupID, opcode uint16, args []byte, err error) {
	if len(buf) < 2 {
		return "", 0, 0, nil, errShortPacket
	}
	idLen := int(binary.BigEndian.Uint16(buf[:2]))
	off := 2
	if len(buf) < off+idLen+4+2 {
		return "", 0, 0, nil, errShortPacket
	}
	reqID = string(buf[off : off+idLen])
	off += idLen
	sg = ids.SubgroupID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	opcode = binary.BigEndian.Uint16(buf[off:])
	off += 2
	args = buf[off:]
	return reqID, sg, opcode, args, nil
}

func encodeP2PReply(reqID string, body []byte) []byte {
	idBytes := []byte(reqID)
	buf := make([]byte, 2+len(idBytes)+len(body))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(idBytes)))
	copy(buf[2:], idBytes)
	copy(buf[2+len(idBytes):], body)
	return buf
}

func decodeP2PReply(buf []byte) (reqID string, body []byte, err error) {
	if len(buf) < 2 {
		return "", nil, errShortPacket
	}
	idLen := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+idLen {
		return "", nil, errShortPacket
	}
	return string(buf[2 : 2+idLen]), buf[2+idLen:], nil
}
