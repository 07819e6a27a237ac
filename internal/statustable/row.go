package statustable

import (
	"sync"

	"github.com/derecho-go/derecho-core/internal/ids"
)

// Row holds one member's columns, per spec.md §3 (Status Table). A Go
// map-and-mutex stands in for the RDMA-backed shared-memory region the
// original design one-sidedly writes into and remote-reads from, so every
// column access goes through the row's RWMutex instead of the original's
// lock-free single-writer discipline.
type Row struct {
	mu sync.RWMutex

	Node ids.NodeID

	seqNum       map[ids.SubgroupID]ids.MessageID
	nullThrough  map[ids.SubgroupID]ids.MessageID
	deliveredNum map[ids.SubgroupID]ids.MessageID
	stableNum    map[ids.SubgroupID]ids.MessageID
	persistedNum map[ids.SubgroupID]ids.Version
	verifiedNum  map[ids.SubgroupID]ids.Version
	signature    map[ids.SubgroupID][]byte

	suspicion map[ids.NodeID]bool

	changes      *ChangeLog
	numChanges   uint64
	numCommitted uint64
	numInstalled uint64
	raggedTrimAt uint64
	raggedTrim   map[ids.SubgroupID]map[ids.NodeID]ids.MessageID

	heartbeat uint64
}

// NewRow creates an empty row for the given member, with all progress
// columns starting below their floor value (spec.md I2).
func NewRow(node ids.NodeID, retention int) *Row {
	return &Row{
		Node:         node,
		seqNum:       make(map[ids.SubgroupID]ids.MessageID),
		nullThrough:  make(map[ids.SubgroupID]ids.MessageID),
		deliveredNum: make(map[ids.SubgroupID]ids.MessageID),
		stableNum:    make(map[ids.SubgroupID]ids.MessageID),
		persistedNum: make(map[ids.SubgroupID]ids.Version),
		verifiedNum:  make(map[ids.SubgroupID]ids.Version),
		signature:    make(map[ids.SubgroupID][]byte),
		suspicion:    make(map[ids.NodeID]bool),
		changes:      NewChangeLog(retention),
		raggedTrim:   make(map[ids.SubgroupID]map[ids.NodeID]ids.MessageID),
	}
}

func monotoneMsg(old, next ids.MessageID) ids.MessageID {
	if next > old {
		return next
	}
	return old
}

func monotoneVersion(old, next ids.Version) ids.Version {
	if next > old {
		return next
	}
	return old
}

// --- seq_num ---

func (r *Row) SeqNum(sg ids.SubgroupID) ids.MessageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.seqNum[sg]; ok {
		return v
	}
	return ids.NoMessage
}

// BumpSeqNum advances seq_num to exactly next if next is greater than the
// current value (I2: nondecreasing); it never moves backward even if
// called with a stale value.
func (r *Row) BumpSeqNum(sg ids.SubgroupID, next ids.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqNum[sg] = monotoneMsg(r.seqNum[sg], next)
}

// NullThrough reports the highest round-robin round sender has declared,
// via a null token, that it will never place a message in -- the
// mechanism spec.md §4.2 uses so the delivery routine can skip a
// sender's empty slot without waiting for a timeout.
func (r *Row) NullThrough(sg ids.SubgroupID) ids.MessageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.nullThrough[sg]; ok {
		return v
	}
	return ids.NoMessage
}

func (r *Row) BumpNullThrough(sg ids.SubgroupID, next ids.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nullThrough[sg] = monotoneMsg(r.nullThrough[sg], next)
}

// --- delivered_num ---

func (r *Row) DeliveredNum(sg ids.SubgroupID) ids.MessageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.deliveredNum[sg]; ok {
		return v
	}
	return ids.NoMessage
}

func (r *Row) BumpDeliveredNum(sg ids.SubgroupID, next ids.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveredNum[sg] = monotoneMsg(r.deliveredNum[sg], next)
}

// --- stable_num ---

func (r *Row) StableNum(sg ids.SubgroupID) ids.MessageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.stableNum[sg]; ok {
		return v
	}
	return ids.NoMessage
}

func (r *Row) BumpStableNum(sg ids.SubgroupID, next ids.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stableNum[sg] = monotoneMsg(r.stableNum[sg], next)
}

// --- persisted_num ---

func (r *Row) PersistedNum(sg ids.SubgroupID) ids.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.persistedNum[sg]; ok {
		return v
	}
	return ids.NoVersion
}

func (r *Row) BumpPersistedNum(sg ids.SubgroupID, next ids.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistedNum[sg] = monotoneVersion(r.persistedNum[sg], next)
}

// --- verified_num ---

func (r *Row) VerifiedNum(sg ids.SubgroupID) ids.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.verifiedNum[sg]; ok {
		return v
	}
	return ids.NoVersion
}

func (r *Row) BumpVerifiedNum(sg ids.SubgroupID, next ids.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiedNum[sg] = monotoneVersion(r.verifiedNum[sg], next)
}

// --- signature ---

func (r *Row) Signature(sg ids.SubgroupID) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.signature[sg]...)
}

func (r *Row) SetSignature(sg ids.SubgroupID, sig []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signature[sg] = append([]byte(nil), sig...)
}

// --- suspicion ---

func (r *Row) Suspects(node ids.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suspicion[node]
}

func (r *Row) SetSuspicion(node ids.NodeID, suspect bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Suspicion only ever turns on here: a false write can't clear a
	// true bit written concurrently by the same row's owner, keeping
	// the column monotone within a view (it is reset only at install).
	if suspect {
		r.suspicion[node] = true
	} else if _, ok := r.suspicion[node]; !ok {
		r.suspicion[node] = false
	}
}

func (r *Row) SuspicionSnapshot() map[ids.NodeID]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ids.NodeID]bool, len(r.suspicion))
	for k, v := range r.suspicion {
		out[k] = v
	}
	return out
}

// ResetSuspicion clears the suspicion column; called only by the view
// manager immediately after installing a new view.
func (r *Row) ResetSuspicion() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspicion = make(map[ids.NodeID]bool)
}

// --- changes / num_changes / num_committed / num_installed ---

func (r *Row) AppendChange(entry ChangeEntry) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numChanges++
	entry.Seq = r.numChanges
	r.changes.Append(entry)
	return r.numChanges
}

func (r *Row) NumChanges() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.numChanges
}

func (r *Row) SetNumCommitted(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.numCommitted {
		r.numCommitted = n
	}
}

func (r *Row) NumCommitted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.numCommitted
}

func (r *Row) SetNumInstalled(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.numInstalled {
		r.numInstalled = n
	}
}

func (r *Row) NumInstalled() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.numInstalled
}

// --- ragged_trim ---

// SetRaggedTrim publishes the ragged-trim vector computed for the view
// transition that installs once num_committed reaches at. Per spec.md
// §4.3, this is written exactly once, by the leader, and every other
// replica copies it rather than recomputing its own from possibly
// diverged cached rows; at only ever moves forward.
func (r *Row) SetRaggedTrim(at uint64, trim map[ids.SubgroupID]map[ids.NodeID]ids.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if at <= r.raggedTrimAt {
		return
	}
	r.raggedTrimAt = at
	r.raggedTrim = cloneRaggedTrim(trim)
}

// RaggedTrim returns the last published trim vector along with the
// num_committed value it was computed for, so a caller can tell whether
// it corresponds to the transition it is about to install.
func (r *Row) RaggedTrim() (uint64, map[ids.SubgroupID]map[ids.NodeID]ids.MessageID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.raggedTrimAt, cloneRaggedTrim(r.raggedTrim)
}

func cloneRaggedTrim(trim map[ids.SubgroupID]map[ids.NodeID]ids.MessageID) map[ids.SubgroupID]map[ids.NodeID]ids.MessageID {
	out := make(map[ids.SubgroupID]map[ids.NodeID]ids.MessageID, len(trim))
	for sg, perSender := range trim {
		inner := make(map[ids.NodeID]ids.MessageID, len(perSender))
		for n, v := range perSender {
			inner[n] = v
		}
		out[sg] = inner
	}
	return out
}

// ChangesSince returns the retained change entries with seq in
// (since, NumChanges()], committed or not, and an error if the oldest
// requested entry has already fallen out of the bounded ring (SPEC_FULL.md
// §9, open question 1).
func (r *Row) ChangesSince(since uint64) ([]ChangeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changes.Since(since)
}

// Snapshot takes an immutable copy of every column, suitable for shipping
// to peers through a Propagator.
func (r *Row) Snapshot() RowSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RowSnapshot{
		Node:         r.Node,
		SeqNum:       make(map[ids.SubgroupID]ids.MessageID, len(r.seqNum)),
		NullThrough:  make(map[ids.SubgroupID]ids.MessageID, len(r.nullThrough)),
		DeliveredNum: make(map[ids.SubgroupID]ids.MessageID, len(r.deliveredNum)),
		StableNum:    make(map[ids.SubgroupID]ids.MessageID, len(r.stableNum)),
		PersistedNum: make(map[ids.SubgroupID]ids.Version, len(r.persistedNum)),
		VerifiedNum:  make(map[ids.SubgroupID]ids.Version, len(r.verifiedNum)),
		Signature:    make(map[ids.SubgroupID][]byte, len(r.signature)),
		Suspicion:    make(map[ids.NodeID]bool, len(r.suspicion)),
		NumChanges:   r.numChanges,
		NumCommitted: r.numCommitted,
		NumInstalled: r.numInstalled,
		RaggedTrimAt: r.raggedTrimAt,
		RaggedTrim:   cloneRaggedTrim(r.raggedTrim),
		Heartbeat:    r.heartbeat,
	}
	for k, v := range r.seqNum {
		snap.SeqNum[k] = v
	}
	for k, v := range r.nullThrough {
		snap.NullThrough[k] = v
	}
	for k, v := range r.deliveredNum {
		snap.DeliveredNum[k] = v
	}
	for k, v := range r.stableNum {
		snap.StableNum[k] = v
	}
	for k, v := range r.persistedNum {
		snap.PersistedNum[k] = v
	}
	for k, v := range r.verifiedNum {
		snap.VerifiedNum[k] = v
	}
	for k, v := range r.signature {
		snap.Signature[k] = append([]byte(nil), v...)
	}
	for k, v := range r.suspicion {
		snap.Suspicion[k] = v
	}
	changes, _ := r.changes.Since(0)
	snap.Changes = changes
	return snap
}

// MergeSnapshot folds a remote snapshot into this row, keeping every
// column monotone (I2): a column only ever moves forward.
func (r *Row) MergeSnapshot(snap RowSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, v := range snap.SeqNum {
		r.seqNum[k] = monotoneMsg(r.seqNum[k], v)
	}
	for k, v := range snap.NullThrough {
		r.nullThrough[k] = monotoneMsg(r.nullThrough[k], v)
	}
	for k, v := range snap.DeliveredNum {
		r.deliveredNum[k] = monotoneMsg(r.deliveredNum[k], v)
	}
	for k, v := range snap.StableNum {
		r.stableNum[k] = monotoneMsg(r.stableNum[k], v)
	}
	for k, v := range snap.PersistedNum {
		r.persistedNum[k] = monotoneVersion(r.persistedNum[k], v)
	}
	for k, v := range snap.VerifiedNum {
		r.verifiedNum[k] = monotoneVersion(r.verifiedNum[k], v)
	}
	for k, v := range snap.Signature {
		// persistedNum is already merged, so this holds exactly when the
		// snapshot is not older than what this row had cached.
		if snap.PersistedNum[k] >= r.persistedNum[k] {
			r.signature[k] = append([]byte(nil), v...)
		}
	}
	for k, v := range snap.Suspicion {
		if v {
			r.suspicion[k] = true
		} else if _, ok := r.suspicion[k]; !ok {
			r.suspicion[k] = false
		}
	}
	if snap.NumChanges > r.numChanges {
		for _, c := range snap.Changes {
			if c.Seq > r.numChanges {
				r.changes.Append(c)
			}
		}
		r.numChanges = snap.NumChanges
	}
	if snap.NumCommitted > r.numCommitted {
		r.numCommitted = snap.NumCommitted
	}
	if snap.NumInstalled > r.numInstalled {
		r.numInstalled = snap.NumInstalled
	}
	if snap.RaggedTrimAt > r.raggedTrimAt {
		r.raggedTrimAt = snap.RaggedTrimAt
		r.raggedTrim = cloneRaggedTrim(snap.RaggedTrim)
	}
	if snap.Heartbeat > r.heartbeat {
		r.heartbeat = snap.Heartbeat
	}
}

// --- heartbeat ---

func (r *Row) Heartbeat() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.heartbeat
}

func (r *Row) BumpHeartbeat() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeat++
	return r.heartbeat
}
