// Package dispatcher implements the Subgroup Dispatcher from spec.md
// §4.4: the SubgroupId -> replicated-object mapping, the per-type method
// table spec.md §9 describes replacing template RPC registration with,
// p2p_send, and the external-client notification path.
package dispatcher

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/pkg/errors"

	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/persistence"
	"github.com/derecho-go/derecho-core/internal/transport"
)

// ErrUnknownOpcode is returned when a p2p request names a method this
// object's table does not have.
var ErrUnknownOpcode = errors.New("dispatcher: unknown opcode")

// ErrNotAMember is returned by p2p_send/ordered paths when this replica
// does not hold the addressed subgroup's replicated object.
var ErrNotAMember = errors.New("dispatcher: not a member of subgroup")

// MethodEntry is one RPC method's registration -- spec.md §9's "explicit
// method table: a vector of {opcode, argument decoder, handler}
// entries", replacing the original's template-based dispatch.
type MethodEntry struct {
	Opcode uint16
	Decode func([]byte) (interface{}, error)
	Handle func(args interface{}) ([]byte, error)
}

// ReplicatedObject is the user state machine behind one subgroup: it
// answers p2p queries and ordered-deliver bodies through its method
// table, and persists versions when asked (spec.md §4.4, §4.5).
type ReplicatedObject interface {
	persistence.Persistable

	// Methods returns this object's RPC table, built once at
	// registration (spec.md §9).
	Methods() []MethodEntry
}

type subgroupEntry struct {
	object  ReplicatedObject
	methods map[uint16]MethodEntry
}

// StabilityCallback is the UserMessageCallbacks.global_stability hook
// from spec.md §6, invoked once per stable delivery.
type StabilityCallback func(subgroup ids.SubgroupID, sender ids.NodeID, msgID ids.MessageID, body []byte, version ids.Version)

// Dispatcher holds this replica's SubgroupId -> ReplicatedObject mapping
// and routes both ordered deliveries and p2p queries into it.
type Dispatcher struct {
	mu       sync.RWMutex
	entries  map[ids.SubgroupID]*subgroupEntry
	trans    transport.Transport
	log      derecholog.Logger
	onStable StabilityCallback

	dedup *ttlcache.Cache

	pendingMu sync.Mutex
	pending   map[string]chan transport.Envelope

	orderedMu sync.Mutex
	ordered   map[string]*OrderedReply
}

// New creates an empty Dispatcher bound to trans for p2p traffic.
func New(trans transport.Transport, log derecholog.Logger, onStable StabilityCallback) *Dispatcher {
	dedup := ttlcache.NewCache()
	dedup.SetTTL(5 * time.Minute)
	return &Dispatcher{
		entries:  make(map[ids.SubgroupID]*subgroupEntry),
		trans:    trans,
		log:      log,
		onStable: onStable,
		dedup:    dedup,
		pending:  make(map[string]chan transport.Envelope),
		ordered:  make(map[string]*OrderedReply),
	}
}

// Register installs obj as the replicated object for subgroup on this
// replica, building its method table lookup once (spec.md §9).
func (d *Dispatcher) Register(sg ids.SubgroupID, obj ReplicatedObject) {
	methods := make(map[uint16]MethodEntry)
	for _, m := range obj.Methods() {
		methods[m.Opcode] = m
	}
	d.mu.Lock()
	d.entries[sg] = &subgroupEntry{object: obj, methods: methods}
	d.mu.Unlock()
}

// Unregister drops subgroup's object, e.g. when a view install removes
// this replica from the subgroup's shard.
func (d *Dispatcher) Unregister(sg ids.SubgroupID) {
	d.mu.Lock()
	delete(d.entries, sg)
	d.mu.Unlock()
}

// Object returns the registered replicated object for sg, implementing
// persistence.Persistable, or nil if this replica does not hold it.
func (d *Dispatcher) Object(sg ids.SubgroupID) ReplicatedObject {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.entries[sg]
	if e == nil {
		return nil
	}
	return e.object
}

// StateProvider is implemented by a ReplicatedObject that can hand its
// state to a joining replica, spec.md §4.3's "its state is serialized and
// shipped to new joiners on subsequent view changes." Objects that never
// need a joiner to catch up (test doubles, stateless handlers) need not
// implement it; Snapshot/LoadSnapshot below treat its absence as
// "nothing to transfer" rather than an error.
type StateProvider interface {
	// Snapshot captures this replica's current state for shipping to a
	// new shard member.
	Snapshot() ([]byte, error)

	// LoadSnapshot installs state received from an existing shard
	// member, replacing whatever this object held before.
	LoadSnapshot(data []byte) error
}

// Snapshot returns sg's current object state if its object implements
// StateProvider. The second return reports whether state transfer
// applies to this object at all.
func (d *Dispatcher) Snapshot(sg ids.SubgroupID) (data []byte, ok bool, err error) {
	d.mu.RLock()
	entry := d.entries[sg]
	d.mu.RUnlock()
	if entry == nil {
		return nil, false, nil
	}
	sp, ok := entry.object.(StateProvider)
	if !ok {
		return nil, false, nil
	}
	data, err = sp.Snapshot()
	return data, true, err
}

// LoadSnapshot installs data into sg's registered object if it implements
// StateProvider, and is a no-op otherwise.
func (d *Dispatcher) LoadSnapshot(sg ids.SubgroupID, data []byte) error {
	d.mu.RLock()
	entry := d.entries[sg]
	d.mu.RUnlock()
	if entry == nil {
		return errors.Wrapf(ErrNotAMember, "subgroup %d", sg)
	}
	sp, ok := entry.object.(StateProvider)
	if !ok {
		return nil
	}
	return sp.LoadSnapshot(data)
}

// Deliver is the multicast Group's stability callback: it fires the
// global-stability user callback and, if present, routes to the RPC
// method table when the payload leads with an opcode header.
func (d *Dispatcher) Deliver(sg ids.SubgroupID, sender ids.NodeID, msgID ids.MessageID, body []byte, version ids.Version) {
	if d.onStable != nil {
		d.onStable(sg, sender, msgID, body, version)
	}

	d.mu.RLock()
	entry := d.entries[sg]
	d.mu.RUnlock()
	if entry == nil || len(body) < 2 {
		return
	}
	opcode := binary.BigEndian.Uint16(body[:2])
	method, ok := entry.methods[opcode]
	if !ok {
		return
	}
	args, err := method.Decode(body[2:])
	if err != nil {
		if d.log != nil {
			d.log.Errorf("dispatcher: decode failed for subgroup %d opcode %d: %v", sg, opcode, err)
		}
		return
	}
	reply, err := method.Handle(args)
	if err != nil {
		if d.log != nil {
			d.log.Errorf("dispatcher: handler failed for subgroup %d opcode %d: %v", sg, opcode, err)
		}
		return
	}

	// ordered_send's QueryResults<R> collects one reply per shard member
	// (spec.md §6): the sender's own delivery completes the future
	// directly, every other member's reply round-trips over p2p.
	self := d.trans.Self()
	if sender == self {
		d.completeOrdered(sg, msgID, self, reply)
		return
	}
	if err := d.trans.Unicast(sender, transport.Envelope{
		Subgroup: sg,
		Kind:     transport.KindP2PReply,
		Payload:  encodeP2PReply(orderedReqID(sg, msgID), reply),
	}); err != nil && d.log != nil {
		d.log.Debugf("dispatcher: ordered reply to %v dropped: %v", sender, err)
	}
}

// EncodeMethodCall builds the wire body an ordered_send places in a
// multicast message: a 2-byte opcode header followed by the encoded
// arguments, so Deliver's method-table lookup on the receiving side can
// route it without any out-of-band metadata.
func EncodeMethodCall(opcode uint16, args []byte) []byte {
	buf := make([]byte, 2+len(args))
	binary.BigEndian.PutUint16(buf[:2], opcode)
	copy(buf[2:], args)
	return buf
}
