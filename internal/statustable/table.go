// Package statustable implements the shared-memory status table described
// in spec.md §4.1: a rectangular structure of per-member, monotone
// progress columns. Every agreement predicate in the rest of the core
// (stability, durability, ragged trim, failure) is "all rows satisfy P",
// evaluated locally against this table -- no further messaging needed
// once a row's cached copy is up to date.
//
// The real Derecho implementation backs this with an RDMA one-sided-write
// region; that substrate is an out-of-scope external collaborator here
// (spec.md §1), so Table instead exposes the same Put/Get contract over a
// Propagator function supplied by whatever transport is in use -- both
// transports ship the full row snapshot: the loopback transport queues it
// on the peer's row-update channel, the TCP transport serializes it and
// sends it over the wire.
package statustable

import (
	"sync"

	"github.com/derecho-go/derecho-core/internal/ids"
)

// Propagator pushes a row's current state to every other member's cached
// copy. Table.Put calls it after a local mutation; it is the Go-level
// stand-in for the RDMA "put" primitive in spec.md §4.1.
type Propagator func(from ids.NodeID, snapshot RowSnapshot)

// RowSnapshot is an immutable copy of one row's columns, suitable for
// shipping across the wire or merging into a peer's cached copy.
type RowSnapshot struct {
	Node         ids.NodeID
	SeqNum       map[ids.SubgroupID]ids.MessageID
	NullThrough  map[ids.SubgroupID]ids.MessageID
	DeliveredNum map[ids.SubgroupID]ids.MessageID
	StableNum    map[ids.SubgroupID]ids.MessageID
	PersistedNum map[ids.SubgroupID]ids.Version
	VerifiedNum  map[ids.SubgroupID]ids.Version
	Signature    map[ids.SubgroupID][]byte
	Suspicion    map[ids.NodeID]bool
	Changes      []ChangeEntry
	NumChanges   uint64
	NumCommitted uint64
	NumInstalled uint64
	RaggedTrimAt uint64
	RaggedTrim   map[ids.SubgroupID]map[ids.NodeID]ids.MessageID
	Heartbeat    uint64
}

// Table is the per-replica status table: one Row per member of the
// current view, plus the local member's own row index.
type Table struct {
	mu sync.RWMutex

	localIdx  int
	members   []ids.NodeID
	rows      map[ids.NodeID]*Row
	retention int
	propagate Propagator
}

// New builds a Table for the given member list, with local identifying
// which member this replica is. retention bounds the changes[] ring
// (see ChangeLog); <= 0 selects the default.
func New(members []ids.NodeID, local ids.NodeID, retention int) *Table {
	t := &Table{
		members:   append([]ids.NodeID(nil), members...),
		rows:      make(map[ids.NodeID]*Row, len(members)),
		retention: retention,
	}
	for i, m := range members {
		if m == local {
			t.localIdx = i
		}
		t.rows[m] = NewRow(m, retention)
	}
	return t
}

// SetPropagator wires up how Put reaches the rest of the group. Called
// once, by whatever owns the transport.
func (t *Table) SetPropagator(p Propagator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.propagate = p
}

// Local returns this replica's own row, the only row this process writes.
func (t *Table) Local() *Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[t.members[t.localIdx]]
}

// LocalNode returns the NodeID this table instance is local to.
func (t *Table) LocalNode() ids.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.members[t.localIdx]
}

// Members returns the member list this table was built from, in view
// order.
func (t *Table) Members() []ids.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]ids.NodeID(nil), t.members...)
}

// Row returns the (possibly stale, monotone) cached copy of the given
// member's row. Returns nil if node is not a member of this table.
func (t *Table) Row(node ids.NodeID) *Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[node]
}

// Put publishes the local row's current state to every other member, per
// spec.md §4.1's put(row, column-range). Real deployments would push only
// the changed byte range; since our Propagator is a function call rather
// than a byte-range RDMA write, we always ship the full row snapshot and
// let ApplyRemote's monotone merge discard anything already known.
func (t *Table) Put() {
	t.mu.RLock()
	local := t.rows[t.members[t.localIdx]]
	prop := t.propagate
	self := t.members[t.localIdx]
	t.mu.RUnlock()
	if prop == nil || local == nil {
		return
	}
	prop(self, local.Snapshot())
}

// ApplyRemote merges a snapshot received from another member into that
// member's cached row here, preserving monotonicity (I2): any column
// already ahead of the snapshot is left untouched.
func (t *Table) ApplyRemote(from ids.NodeID, snapshot RowSnapshot) {
	t.mu.RLock()
	row := t.rows[from]
	t.mu.RUnlock()
	if row == nil {
		return
	}
	row.MergeSnapshot(snapshot)
}

// Resize constructs a new Table for next (the post-install member list),
// migrating every column this replica can still see under the
// view-install barrier, then returns it for pointer-swapping into place
// by the caller -- per spec.md §4.1's "constructing a new table,
// migrating values from the old one ... and pointer-swapping."
func (t *Table) Resize(next []ids.NodeID, local ids.NodeID) *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nt := New(next, local, t.retention)
	for _, m := range next {
		if old, ok := t.rows[m]; ok {
			nt.rows[m].MergeSnapshot(old.Snapshot())
		}
	}
	return nt
}
