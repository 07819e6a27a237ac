// Package multicast implements the per-view totally-ordered reliable
// multicast from spec.md §4.2: Send/Receive, the deterministic
// round-robin delivery schedule, the stability predicate, and the
// version assignment handed off to the subgroup dispatcher.
package multicast

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
	"github.com/derecho-go/derecho-core/internal/taskrunner"
	"github.com/derecho-go/derecho-core/internal/transport"
)

// StabilityFunc is invoked once per newly stable message, in schedule
// order, with the version assigned per spec.md §4.2's
// `(view_id << 48) | global_stable_counter`.
type StabilityFunc func(sender ids.NodeID, msgID ids.MessageID, body []byte, version ids.Version)

// record is one schedule position's outcome, buffered until it becomes
// stable.
type record struct {
	position uint64
	sender   ids.NodeID
	msgID    ids.MessageID
	body     []byte
	isNull   bool
}

// Group is one subgroup's multicast state on this replica: a shard view,
// the portion of the status table covering this subgroup, and the
// send/receive/delivery machinery bound to it.
type Group struct {
	subgroupID ids.SubgroupID
	viewID     ids.ViewID
	members    []ids.NodeID
	local      ids.NodeID
	sched      schedule

	maxPayload int
	window     int

	table *statustable.Table
	trans transport.Transport
	log   derecholog.Logger
	run   taskrunner.Runner

	localWindow *statustable.Window

	// claimMu serializes every path that reads this replica's own
	// seq_num and decides what to do with the next round -- Send and the
	// idle-null loop both claim rounds from the same stream, and without
	// this they could race to treat the same round as both a real
	// message and a null token.
	claimMu sync.Mutex

	mu       sync.Mutex
	position uint64 // next schedule position to attempt
	recv     map[ids.NodeID]map[ids.MessageID][]byte
	pending  []record // delivered locally, awaiting stability
	stableAt uint64   // number of positions known stable
	closed   bool
	lastSend time.Time

	globalStableCounter uint64
	onStable            StabilityFunc

	suspectedFn func() bool
	onBlocked   func() // called once when a suspicion pauses delivery

	idlePeriod time.Duration
	stopIdle   chan struct{}
	idleDone   chan struct{}
	closeOnce  sync.Once
}

// Config bundles a Group's fixed parameters.
type Config struct {
	SubgroupID ids.SubgroupID
	ViewID     ids.ViewID
	Members    []ids.NodeID
	Local      ids.NodeID
	MaxPayload int
	Window     int
	Table      *statustable.Table
	Transport  transport.Transport
	Logger     derecholog.Logger
	Runner     taskrunner.Runner

	// IdleNullPeriod is how long this replica may sit idle before its own
	// upcoming schedule slot is auto-declared null (spec.md §4.2's null
	// token, used here for the ordinary "this sender has nothing to place
	// at this position" case, not just crash recovery). Zero disables the
	// loop, which unit tests that drive DeclareNull by hand rely on.
	IdleNullPeriod time.Duration
}

// New creates a Group for one subgroup within the current view and, when
// IdleNullPeriod is positive, starts its idle-null task; no other task is
// started here. onStable is called, in schedule order, for every message
// that becomes stable.
func New(cfg Config, onStable StabilityFunc) *Group {
	g := &Group{
		subgroupID:  cfg.SubgroupID,
		viewID:      cfg.ViewID,
		members:     append([]ids.NodeID(nil), cfg.Members...),
		local:       cfg.Local,
		sched:       newSchedule(cfg.Members),
		maxPayload:  cfg.MaxPayload,
		window:      cfg.Window,
		table:       cfg.Table,
		trans:       cfg.Transport,
		log:         cfg.Logger,
		run:         cfg.Runner,
		localWindow: statustable.NewWindow(),
		recv:        make(map[ids.NodeID]map[ids.MessageID][]byte),
		onStable:    onStable,
		suspectedFn: func() bool { return false },
		lastSend:    time.Now(),
		idlePeriod:  cfg.IdleNullPeriod,
	}
	if g.idlePeriod > 0 {
		g.stopIdle = make(chan struct{})
		g.idleDone = make(chan struct{})
		g.run.Spawn(g.idleNullLoop)
	}
	return g
}

// SetSuspicionCheck wires in the predicate the view manager uses to
// signal "stop delivering, a reconfiguration is needed" (spec.md §4.2,
// "Failure during a view").
func (g *Group) SetSuspicionCheck(fn func() bool, onBlocked func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspectedFn = fn
	g.onBlocked = onBlocked
}

func encodePayload(msgID ids.MessageID, body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(msgID))
	copy(buf[4:], body)
	return buf
}

func decodePayload(buf []byte) (ids.MessageID, []byte) {
	msgID := ids.MessageID(binary.BigEndian.Uint32(buf[:4]))
	return msgID, buf[4:]
}

// Send acquires a window slot, assigns the next msg_id for this replica's
// own stream, and publishes the filled buffer to every shard member, per
// spec.md §4.2.
func (g *Group) Send(size int, fill func([]byte) error) (ids.MessageID, error) {
	if size > g.maxPayload {
		return 0, ErrBackpressureExceeded
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, ErrGroupClosed
	}
	if g.localWindow.Outstanding() >= g.window {
		g.mu.Unlock()
		return 0, ErrBackpressureExceeded
	}
	g.mu.Unlock()

	row := g.table.Local()
	g.claimMu.Lock()
	msgID := row.SeqNum(g.subgroupID) + 1
	row.BumpSeqNum(g.subgroupID, msgID)
	g.claimMu.Unlock()

	buf := make([]byte, size)
	if err := fill(buf); err != nil {
		return 0, err
	}

	g.localWindow.Add(msgID)
	g.table.Put()

	g.mu.Lock()
	g.lastSend = time.Now()
	g.mu.Unlock()

	g.storeReceived(g.local, msgID, buf)

	if err := g.trans.Publish(g.members, transport.Envelope{
		Subgroup: g.subgroupID,
		Kind:     transport.KindMulticast,
		Payload:  encodePayload(msgID, buf),
	}); err != nil {
		return msgID, err
	}

	g.run.Spawn(g.tryDeliver)
	return msgID, nil
}

// DeclareNull publishes a null token through msgID for this replica's own
// stream, so other members' delivery routines can skip the corresponding
// schedule slots instead of waiting -- spec.md §4.2's "null token". It
// also bumps seq_num to the same point, so a later Send can never be
// assigned an msg_id this replica has already told the rest of the shard
// it will never use.
func (g *Group) DeclareNull(throughMsgID ids.MessageID) {
	row := g.table.Local()
	g.claimMu.Lock()
	row.BumpSeqNum(g.subgroupID, throughMsgID)
	row.BumpNullThrough(g.subgroupID, throughMsgID)
	g.claimMu.Unlock()
	g.table.Put()
	g.run.Spawn(g.tryDeliver)
}

// idleNullLoop is the periodic task that keeps a non-sending shard member
// from stalling the rest of its shard forever: every IdleNullPeriod, if
// this replica hasn't sent anything in at least that long, it declares
// its own next schedule slot null rather than waiting on a send that may
// never come.
func (g *Group) idleNullLoop() {
	defer close(g.idleDone)
	ticker := time.NewTicker(g.idlePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopIdle:
			return
		case <-ticker.C:
			g.maybeDeclareIdleNull()
		}
	}
}

func (g *Group) maybeDeclareIdleNull() {
	g.mu.Lock()
	closed := g.closed
	idle := time.Since(g.lastSend) >= g.idlePeriod
	g.mu.Unlock()
	if closed || !idle {
		return
	}
	row := g.table.Local()
	g.claimMu.Lock()
	next := row.SeqNum(g.subgroupID) + 1
	row.BumpSeqNum(g.subgroupID, next)
	row.BumpNullThrough(g.subgroupID, next)
	g.claimMu.Unlock()
	g.table.Put()
	g.run.Spawn(g.tryDeliver)
}

// Deliver feeds one received envelope from sender into the group's
// receive slots and attempts to advance delivery. Called by the
// transport receive loop (T1).
func (g *Group) Deliver(sender ids.NodeID, payload []byte) {
	msgID, body := decodePayload(payload)
	g.storeReceived(sender, msgID, body)
	g.run.Spawn(g.tryDeliver)
}

// OnRowUpdate is called whenever a peer's row snapshot arrives (T3's
// table poller feeds this), since a peer's delivered_num advancing may
// be exactly what is needed to push stable_num forward.
func (g *Group) OnRowUpdate() {
	g.run.Spawn(g.tryDeliver)
}

func (g *Group) storeReceived(sender ids.NodeID, msgID ids.MessageID, body []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.recv[sender]
	if !ok {
		m = make(map[ids.MessageID][]byte)
		g.recv[sender] = m
	}
	m[msgID] = body
}

func (g *Group) received(sender ids.NodeID, msgID ids.MessageID) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.recv[sender]
	if !ok {
		return nil, false
	}
	body, ok := m[msgID]
	return body, ok
}

// tryDeliver advances the round-robin schedule as far as bytes/nulls
// allow, then recomputes stability and fires callbacks for newly stable
// positions, in order. It is safe to call concurrently; excess calls are
// no-ops once nothing new can progress.
func (g *Group) tryDeliver() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if g.suspectedFn() {
		blocked := g.onBlocked
		g.mu.Unlock()
		if blocked != nil {
			blocked()
		}
		return
	}
	g.advanceLocked()
	g.mu.Unlock()

	g.recomputeStability()
}

// advanceLocked must be called with g.mu held. It walks the schedule from
// the current position, delivering every ready slot (present bytes or a
// null token covering it), and stops at the first slot that is neither.
func (g *Group) advanceLocked() {
	for {
		sender, round := g.sched.at(g.position)
		peerRow := g.table.Row(sender)
		var nullThrough ids.MessageID = ids.NoMessage
		if peerRow != nil {
			nullThrough = peerRow.NullThrough(g.subgroupID)
		}
		if nullThrough >= round {
			g.pending = append(g.pending, record{position: g.position, sender: sender, msgID: round, isNull: true})
			g.position++
			g.table.Local().BumpDeliveredNum(g.subgroupID, ids.MessageID(g.position))
			continue
		}
		body, ok := g.received(sender, round)
		if !ok {
			return
		}
		g.pending = append(g.pending, record{position: g.position, sender: sender, msgID: round, body: body})
		g.position++
		g.table.Local().BumpDeliveredNum(g.subgroupID, ids.MessageID(g.position))
	}
}

// recomputeStability reads every shard member's cached delivered_num,
// takes the minimum (spec.md §4.2's stable_num predicate), and fires the
// stability callback for every pending record that has crossed it.
func (g *Group) recomputeStability() {
	g.table.Put()

	minDelivered := ids.MessageID(-1)
	for _, m := range g.members {
		row := g.table.Row(m)
		if row == nil {
			return // shard not fully known yet; nothing is stable
		}
		d := row.DeliveredNum(g.subgroupID)
		if minDelivered == -1 || d < minDelivered {
			minDelivered = d
		}
	}
	if minDelivered < 0 {
		return
	}

	g.mu.Lock()
	g.table.Local().BumpStableNum(g.subgroupID, minDelivered)
	newStable := uint64(minDelivered)
	var fire []record
	for len(g.pending) > 0 && g.pending[0].position < newStable {
		fire = append(fire, g.pending[0])
		g.pending = g.pending[1:]
	}
	g.stableAt = newStable
	cb := g.onStable
	view := g.viewID
	g.mu.Unlock()

	for _, rec := range fire {
		if rec.isNull {
			continue
		}
		if rec.sender == g.local {
			g.localWindow.Release(rec.msgID)
		}
		g.mu.Lock()
		g.globalStableCounter++
		counter := g.globalStableCounter
		g.mu.Unlock()
		version := ids.MakeVersion(view, counter)
		if cb != nil {
			cb(rec.sender, rec.msgID, rec.body, version)
		}
	}
}

// FinalizeTrim enforces spec.md §4.3's ragged trim on a Group that is
// about to be replaced by a reconfiguration: every buffered record whose
// msg_id is within trim[sender] is fired as stable (under this Group's
// own view, since it never crossed the normal cross-shard stability
// predicate -- trim takes its place for the departing view), and
// anything past trim is discarded. This is what makes every survivor
// agree on the exact delivery set of the old view before moving on
// (Invariant I4); it must run before the caller repoints/closes this
// Group.
func (g *Group) FinalizeTrim(trim map[ids.NodeID]ids.MessageID) {
	g.mu.Lock()
	var keep []record
	for _, rec := range g.pending {
		limit, ok := trim[rec.sender]
		if ok && rec.msgID <= limit {
			keep = append(keep, rec)
		}
	}
	g.pending = nil
	cb := g.onStable
	view := g.viewID
	g.mu.Unlock()

	for _, rec := range keep {
		if rec.isNull {
			continue
		}
		if rec.sender == g.local {
			g.localWindow.Release(rec.msgID)
		}
		g.mu.Lock()
		g.globalStableCounter++
		counter := g.globalStableCounter
		g.mu.Unlock()
		version := ids.MakeVersion(view, counter)
		if cb != nil {
			cb(rec.sender, rec.msgID, rec.body, version)
		}
	}
}

// StableThrough reports the number of schedule positions currently known
// stable -- used by tests and by the Group façade's BarrierSync.
func (g *Group) StableThrough() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stableAt
}

// DeliveredThrough reports how many positions this replica has locally
// delivered (may be ahead of stability).
func (g *Group) DeliveredThrough() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position
}

// Close stops accepting new sends; already-pending deliveries still
// drain through Deliver/OnRowUpdate calls already in flight. It also
// joins the idle-null loop, if one was started, so it never outlives the
// Group.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.closeOnce.Do(func() {
		if g.stopIdle != nil {
			close(g.stopIdle)
			<-g.idleDone
		}
	})
}
