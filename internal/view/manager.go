package view

import (
	"sync"

	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
)

// InstallFunc is invoked once a new view has been constructed and this
// replica has finished any state transfer it requires; it is the Group
// façade's hook for swapping in a new Table/Group set, per spec.md §4.3.
type InstallFunc func(next *View)

// Manager runs the change protocol, ragged trim, and subgroup layout
// described in spec.md §4.3 against a single replica's status table.
// Shared, cyclic references to the multicast/persistence layers are
// avoided per SPEC_FULL.md §9: Manager only ever calls out through
// InstallFunc, never holds a pointer back into them.
type Manager struct {
	mu      sync.RWMutex
	current *View
	table   *statustable.Table
	layout  LayoutFunc
	local   ids.NodeID
	log     derecholog.Logger

	onInstall InstallFunc
}

// Config bundles a Manager's fixed collaborators.
type Config struct {
	Initial *View
	Table   *statustable.Table
	Layout  LayoutFunc
	Local   ids.NodeID
	Logger  derecholog.Logger
}

// New creates a Manager already holding the group's first, bootstrap
// view (state Installed, no predecessor).
func New(cfg Config, onInstall InstallFunc) *Manager {
	return &Manager{
		current:   cfg.Initial,
		table:     cfg.Table,
		layout:    cfg.Layout,
		local:     cfg.Local,
		log:       cfg.Logger,
		onInstall: onInstall,
	}
}

// Current returns the view currently installed at this replica.
func (m *Manager) Current() *View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// EffectiveSuspicion computes the OR of the suspicion columns of every
// current-view member's row this replica can see. Rows of suspected
// members are included in the OR; they are not excluded.
func (m *Manager) EffectiveSuspicion() map[ids.NodeID]bool {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	out := make(map[ids.NodeID]bool)
	for _, voter := range cur.Members {
		row := m.table.Row(voter)
		if row == nil {
			continue
		}
		for target, suspect := range row.SuspicionSnapshot() {
			if suspect {
				out[target] = true
			}
		}
	}
	return out
}

// Leader returns the lowest-indexed non-suspected member of the current
// view, per spec.md §4.3.
func (m *Manager) Leader() (ids.NodeID, bool) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	suspected := m.EffectiveSuspicion()
	for _, node := range cur.Members {
		if !suspected[node] {
			return node, true
		}
	}
	return 0, false
}

// IsLeader reports whether this replica currently holds the leader role.
func (m *Manager) IsLeader() bool {
	leader, ok := m.Leader()
	return ok && leader == m.local
}

// ProposeJoin appends a join delta for node to the leader's change log.
// No-op, with a false return, if this replica is not the leader.
func (m *Manager) ProposeJoin(node ids.NodeID) bool {
	return m.propose(node, true)
}

// ProposeLeave appends a removal delta, used both for graceful leave and
// for a member the failure detector has flagged.
func (m *Manager) ProposeLeave(node ids.NodeID) bool {
	return m.propose(node, false)
}

func (m *Manager) propose(node ids.NodeID, join bool) bool {
	if !m.IsLeader() {
		return false
	}
	row := m.table.Local()
	row.AppendChange(statustable.ChangeEntry{Node: node, Join: join})
	m.table.Put()
	return true
}

// PendingJoiners returns the NodeIDs this replica's own change log has
// echoed a join delta for, but that are not yet part of the installed
// view. spec.md §4.3's join handshake needs a not-yet-a-member joiner to
// keep receiving row propagation despite not being in cur.Members, so its
// own Manager can see the leader's committed count grow and eventually
// install the same view everyone else does; the Group façade widens its
// Put() recipient list with this set for exactly that reason.
func (m *Manager) PendingJoiners() []ids.NodeID {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	row := m.table.Local()
	entries, err := row.ChangesSince(row.NumInstalled())
	if err != nil || len(entries) == 0 {
		return nil
	}
	existing := make(map[ids.NodeID]bool, len(cur.Members))
	for _, n := range cur.Members {
		existing[n] = true
	}
	var out []ids.NodeID
	seen := make(map[ids.NodeID]bool)
	for _, e := range entries {
		if e.Join && !existing[e.Node] && !seen[e.Node] {
			seen[e.Node] = true
			out = append(out, e.Node)
		}
	}
	return out
}

// SuspectMember records node as suspected in this replica's own row, per
// spec.md §4.6's failure-detector contract; the view manager acts on a
// member's suspicion through EffectiveSuspicion's OR across member rows.
func (m *Manager) SuspectMember(node ids.NodeID) {
	m.table.Local().SetSuspicion(node, true)
	m.table.Put()
}

// Poll drives the change protocol one step: checking for newly committed
// changes, and installing a new view once enough have committed. Called
// periodically by T6 (spec.md §5) and after every row update.
func (m *Manager) Poll() {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if m.IsLeader() {
		m.advanceCommit(cur)
	} else {
		m.echoLeaderChanges(cur)
	}
	m.maybeInstall(cur)
}

// echoLeaderChanges is the non-leader half of the commit protocol
// (spec.md §4.3: "the change becomes committed when every non-suspected
// member echoes num_changes >= k into their row"). A follower's own row
// never grows its change log on its own; it has to copy whatever the
// leader's cached row shows beyond what this replica has already
// echoed, in order, so advanceCommit's per-member NumChanges() check can
// eventually see every row catch up.
func (m *Manager) echoLeaderChanges(cur *View) {
	leader, ok := m.Leader()
	if !ok || leader == m.local {
		return
	}
	leaderRow := m.table.Row(leader)
	if leaderRow == nil {
		return
	}
	localRow := m.table.Local()
	entries, err := leaderRow.ChangesSince(localRow.NumChanges())
	if err != nil {
		if m.log != nil {
			m.log.Errorf("view: cannot echo leader %v's change log: %v", leader, err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		localRow.AppendChange(statustable.ChangeEntry{Node: e.Node, Join: e.Join})
	}
	m.table.Put()
}

// advanceCommit is leader-only: a proposed change at sequence k commits
// once every non-suspected member's row reports num_changes >= k
// (spec.md §4.3). Committing k also fixes the ragged-trim vector for the
// transition that will install it: the leader computes it here, once,
// against its own cached rows, and publishes it in the same row write as
// num_committed so every survivor copies the identical vector instead of
// each independently re-deriving one from its own, possibly-diverged
// cache of delivered_num columns (spec.md §4.3, "This vector is
// published in the leader's status row; every survivor copies it").
func (m *Manager) advanceCommit(cur *View) {
	leaderRow := m.table.Local()
	k := leaderRow.NumChanges()
	if k <= leaderRow.NumCommitted() {
		return
	}
	suspected := m.EffectiveSuspicion()
	for _, node := range cur.Members {
		if suspected[node] {
			continue
		}
		row := m.table.Row(node)
		if row == nil || row.NumChanges() < k {
			return
		}
	}

	installed := leaderRow.NumInstalled()
	entries, err := leaderRow.ChangesSince(installed)
	if err != nil {
		if m.log != nil {
			m.log.Errorf("view: cannot commit, change log truncated since %d: %v", installed, err)
		}
		return
	}
	deltas := make([]delta, len(entries))
	for i, e := range entries {
		deltas[i] = delta{Node: e.Node, Join: e.Join}
	}
	nextMembers := applyDeltas(cur.Members, deltas)
	trim := m.computeRaggedTrim(cur, nextMembers)

	leaderRow.SetRaggedTrim(k, trim)
	leaderRow.SetNumCommitted(k)
	m.table.Put()
}

// maybeInstall constructs and installs the next view once the effective
// leader's row shows more committed changes than this replica has
// installed, and the leader's published ragged-trim vector for that
// commit has reached this replica's cache. Every replica runs this, but
// only ever copies the leader's own trim vector rather than recomputing
// one -- the membership delta is deterministic given the same committed
// change log, but the trim vector is not, since it depends on
// asynchronously-propagated delivered_num columns (spec.md §4.3).
func (m *Manager) maybeInstall(cur *View) {
	leader, ok := m.Leader()
	if !ok {
		return
	}
	leaderRow := m.table.Row(leader)
	if leaderRow == nil {
		return
	}
	localRow := m.table.Local()
	committed := leaderRow.NumCommitted()
	installed := localRow.NumInstalled()
	if committed <= installed {
		return
	}
	trimAt, trim := leaderRow.RaggedTrim()
	if trimAt != committed {
		// The leader's row snapshot carrying num_committed = committed
		// hasn't propagated its accompanying ragged-trim vector here yet
		// (or, for a stale cache, hasn't been recomputed for this exact
		// commit at all); wait for the next Put() rather than install
		// against a trim vector from a different transition.
		return
	}
	entries, err := leaderRow.ChangesSince(installed)
	if err != nil {
		if m.log != nil {
			m.log.Errorf("view: cannot install, change log truncated since %d: %v", installed, err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	deltas := make([]delta, len(entries))
	for i, e := range entries {
		deltas[i] = delta{Node: e.Node, Join: e.Join}
	}
	nextMembers := applyDeltas(cur.Members, deltas)

	next := &View{
		ID:         cur.ID + 1,
		PrevID:     cur.ID,
		Members:    nextMembers,
		State:      Installed,
		RaggedTrim: trim,
	}
	next.Subgroup = m.runLayout(nextMembers)

	localRow.SetNumInstalled(committed)
	m.table.Put()

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	if m.onInstall != nil {
		m.onInstall(next)
	}
}

// runLayout invokes the user-supplied layout function and records which
// subgroups came back UnderProvisioned, per spec.md §4.3.
func (m *Manager) runLayout(members []ids.NodeID) map[ids.SubgroupID]ShardView {
	if m.layout == nil {
		return nil
	}
	out := m.layout(members)
	for id, sv := range out {
		if !sv.Active {
			if m.log != nil {
				m.log.Warnf("view: subgroup %d under-provisioned", id)
			}
		}
	}
	return out
}

// computeRaggedTrim computes, for every subgroup and sender in the
// departing view, the minimum highest-msg_id-delivered-from-sender
// observed across the members surviving into the next view --
// spec.md §4.3's virtual-synchrony truncation vector
// (RaggedTrim[subgroupID][sender], per internal/view/view.go's doc
// comment). Called only from advanceCommit, on the leader: every other
// replica installs the vector this produces by copying it off the
// leader's row (Row.RaggedTrim) rather than calling this itself, so the
// group agrees on one exact delivery set for the departing view instead
// of each replica deriving its own from whatever it has locally cached.
//
// A row's delivered_num column (internal/statustable) is the flattened
// round-robin schedule position count internal/multicast.Group.position
// advances, summed across every sender in the shard -- not a per-sender
// msg_id. senderRoundDelivered converts one into the other using the
// same members-slice order internal/multicast builds its schedule from
// (pkg/derecho/group.go passes the identical shard slice as both the
// layout's ShardView.Shards entry and multicast.Config.Members).
func (m *Manager) computeRaggedTrim(cur *View, nextMembers []ids.NodeID) map[ids.SubgroupID]map[ids.NodeID]ids.MessageID {
	survives := make(map[ids.NodeID]bool, len(nextMembers))
	for _, n := range nextMembers {
		survives[n] = true
	}

	trim := make(map[ids.SubgroupID]map[ids.NodeID]ids.MessageID, len(cur.Subgroup))
	for sgID, sv := range cur.Subgroup {
		perSender := make(map[ids.NodeID]ids.MessageID)
		for _, shard := range sv.Shards {
			width := len(shard)
			if width == 0 {
				continue
			}
			var survivors []ids.NodeID
			for _, member := range shard {
				if survives[member] {
					survivors = append(survivors, member)
				}
			}
			if len(survivors) == 0 {
				continue
			}
			for senderIdx, sender := range shard {
				minRound := ids.NoMessage
				first := true
				for _, survivor := range survivors {
					round := ids.NoMessage
					if row := m.table.Row(survivor); row != nil {
						round = senderRoundDelivered(row.DeliveredNum(sgID), senderIdx, width)
					}
					if first || round < minRound {
						minRound = round
						first = false
					}
				}
				// minRound stays ids.NoMessage when some survivor has not
				// even delivered this sender's first message: that survivor
				// is itself stalled at that schedule slot (spec.md §4.2's
				// strict-sequential delivery rule), so nothing from this
				// sender may be kept, even if a faster survivor's own
				// pending buffer already holds message 0.
				perSender[sender] = minRound
			}
		}
		trim[sgID] = perSender
	}
	return trim
}

// senderRoundDelivered converts a flattened delivered-position count
// (position = round*width + senderIdx, per internal/multicast's
// schedule) into the highest round -- equivalently msg_id -- delivered
// from the sender at senderIdx within a width-wide shard. Returns
// ids.NoMessage if that sender's first round has not yet been reached.
func senderRoundDelivered(delivered ids.MessageID, senderIdx, width int) ids.MessageID {
	positions := int64(delivered)
	if positions <= int64(senderIdx) {
		return ids.NoMessage
	}
	return ids.MessageID((positions - 1 - int64(senderIdx)) / int64(width))
}
