// Package derecho is the Group Façade from spec.md §4's seven
// components and §6's "Interfaces exposed to applications": join, leave,
// barrier_sync, get_subgroup/get_subgroup_caller, and the
// UserMessageCallbacks/NotificationSupport hooks, wired together out of
// the internal status table, multicast, view, dispatcher, persistence,
// and failure-detector packages.
package derecho

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ed25519"

	"github.com/derecho-go/derecho-core/internal/config"
	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/dispatcher"
	"github.com/derecho-go/derecho-core/internal/failure"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/metrics"
	"github.com/derecho-go/derecho-core/internal/multicast"
	"github.com/derecho-go/derecho-core/internal/persistence"
	"github.com/derecho-go/derecho-core/internal/statustable"
	"github.com/derecho-go/derecho-core/internal/taskrunner"
	"github.com/derecho-go/derecho-core/internal/transport"
	"github.com/derecho-go/derecho-core/internal/view"
)

// ErrNotAMember is returned by GetSubgroup when this replica does not
// currently hold the addressed subgroup's shard.
var ErrNotAMember = errors.New("derecho: not a member of subgroup")

// Config bundles everything Join needs: the fixed collaborators (a
// Transport, a layout function) and the configuration values spec.md §6
// enumerates, loaded beforehand through internal/config.
type Config struct {
	Local     ids.NodeID
	Members   []ids.NodeID
	Layout    view.LayoutFunc
	Transport transport.Transport
	Logger    derecholog.Logger
	Metrics   *metrics.Registry
	Options   *config.GroupConfig
	Callbacks UserMessageCallbacks

	// DataDir is where this replica's per-subgroup log files live. Not
	// one of spec.md §6's enumerated keys (those cover signing and
	// protocol tuning, not storage placement); left to the embedding
	// process the way a Derecho deployment picks its own data volume.
	DataDir string

	// Joining, when set, makes Join build a not-yet-a-member bootstrap
	// view instead of a fresh view 1: the view this replica learned about
	// from an existing shard member before calling Join, per spec.md
	// §4.3's "a joining replica receives ... the latest view." Members
	// must then list that view's membership plus Local itself, so this
	// replica's own status table has a row for every peer it needs to
	// read the leader's change log from. An existing member must
	// separately call RequestJoin(Local) (or have some other path append
	// the change) for this replica to ever be admitted.
	Joining *Bootstrap
}

// Bootstrap is the "latest view" a joining replica learns about from an
// existing shard member, per spec.md §4.3, before it calls Join. The
// wire-level handshake that gets this information to a joiner (dialing a
// contact node, asking it for its current view) is the RPC dispatch
// collaborator spec.md §1 places out of scope; this struct is the
// boundary the core accepts it across.
type Bootstrap struct {
	ViewID  ids.ViewID
	Members []ids.NodeID
}

// Group is one replica's view of the joined group: the façade every
// other package in this repository is wired up underneath.
type Group struct {
	mu sync.RWMutex

	local ids.NodeID
	trans transport.Transport
	log   derecholog.Logger
	run   taskrunner.Runner
	cfg   *config.GroupConfig
	cb    UserMessageCallbacks

	table      *statustable.Table
	viewMgr    *view.Manager
	dispatcher *dispatcher.Dispatcher
	persist    *persistence.Manager
	detector   *failure.Detector
	metrics    *metrics.Registry
	external   *dispatcher.ExternalClient

	groups       map[ids.SubgroupID]*multicast.Group
	shardMembers map[ids.SubgroupID][]ids.NodeID
	pendingObj   map[ids.SubgroupID]dispatcher.ReplicatedObject

	closed bool
}

// Join is spec.md §6's join(config): it builds the status table, view
// manager, dispatcher, persistence manager and failure detector for this
// replica against the given bootstrap membership, and starts every
// long-lived task (T1...T6 in spec.md §5).
func Join(cfg Config) (*Group, error) {
	if cfg.Options == nil {
		return nil, errors.New("derecho: Config.Options is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("derecho: Config.Transport is required")
	}

	log := cfg.Logger
	if log == nil {
		log = derecholog.NewDefault("info")
	}
	mreg := cfg.Metrics
	if mreg == nil {
		mreg = metrics.New(prometheus.NewRegistry())
	}

	table := statustable.New(cfg.Members, cfg.Local, cfg.Options.ChangelogRetention)

	g := &Group{
		local:        cfg.Local,
		trans:        cfg.Transport,
		log:          log,
		run:          taskrunner.New(),
		cfg:          cfg.Options,
		cb:           cfg.Callbacks,
		table:        table,
		metrics:      mreg,
		groups:       make(map[ids.SubgroupID]*multicast.Group),
		shardMembers: make(map[ids.SubgroupID][]ids.NodeID),
		pendingObj:   make(map[ids.SubgroupID]dispatcher.ReplicatedObject),
	}
	g.wirePropagator(table)

	g.dispatcher = dispatcher.New(cfg.Transport, log, g.onStable)
	g.external = dispatcher.NewExternalClient(cfg.Transport, log)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "derecho", strconv.FormatUint(uint64(cfg.Local), 10))
	}
	logStore, err := persistence.NewFileLogStore(dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "derecho: open log store")
	}

	var signer persistence.SignatureBackend
	var priv ed25519.PrivateKey
	pubKeys := map[ids.NodeID]ed25519.PublicKey{}
	if cfg.Options.SigningEnabled {
		signer = persistence.NewChainedEd25519()
		priv, err = loadPrivateKey(cfg.Options.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		pubKeys, err = loadPublicKeys(cfg.Options.PublicKeyDir)
		if err != nil {
			return nil, err
		}
	}

	g.persist = persistence.New(persistence.Config{
		Table:          table,
		LogStore:       logStore,
		Signer:         signer,
		Runner:         g.run,
		Logger:         log,
		SigningEnabled: cfg.Options.SigningEnabled,
		PrivateKey:     priv,
		PublicKeys:     pubKeys,
		Callbacks: persistence.Callbacks{
			LocalPersistence: func(sg ids.SubgroupID, v ids.Version) {
				mreg.ObservePersisted(sg, v)
				if g.cb.LocalPersistence != nil {
					g.cb.LocalPersistence(sg, v)
				}
			},
			GlobalPersistence: func(sg ids.SubgroupID, v ids.Version) {
				if g.cb.GlobalPersistence != nil {
					g.cb.GlobalPersistence(sg, v)
				}
			},
			GlobalVerified: func(sg ids.SubgroupID, v ids.Version) {
				mreg.ObserveVerified(sg, v)
				if g.cb.GlobalVerified != nil {
					g.cb.GlobalVerified(sg, v)
				}
			},
		},
	})

	g.detector = failure.New(table,
		time.Duration(cfg.Options.HeartbeatMS)*time.Millisecond,
		time.Duration(cfg.Options.SuspicionMS)*time.Millisecond,
		g.onSuspect)

	var initial *view.View
	if cfg.Joining != nil {
		// Not-yet-a-member bootstrap, per spec.md §4.3: this replica sits
		// outside cfg.Joining.Members until an existing member calls
		// RequestJoin(cfg.Local) and the change protocol admits it.
		initial = &view.View{
			ID:      cfg.Joining.ViewID,
			Members: append([]ids.NodeID(nil), cfg.Joining.Members...),
			State:   view.Installed,
		}
	} else {
		initial = &view.View{
			ID:      1,
			Members: append([]ids.NodeID(nil), cfg.Members...),
			State:   view.Installed,
		}
	}
	if cfg.Layout != nil {
		initial.Subgroup = cfg.Layout(initial.Members)
	}
	g.viewMgr = view.New(view.Config{
		Initial: initial,
		Table:   table,
		Layout:  cfg.Layout,
		Local:   cfg.Local,
		Logger:  log,
	}, g.onViewInstall)

	g.installSubgroups(initial)

	g.run.Spawn(g.pumpEnvelopes)
	g.run.Spawn(g.pumpRowUpdates)
	g.run.Spawn(g.detector.Run)
	g.run.Spawn(g.pollView)
	g.persist.Start()

	return g, nil
}

// wirePropagator's Put() recipient list is the current view's members
// plus this replica's own pending joiners (spec.md §4.3): a joiner
// outside cur.Members still needs to see the leader's change-log row grow
// in order to install the same view everyone else eventually does.
func (g *Group) wirePropagator(table *statustable.Table) {
	trans := g.trans
	table.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) {
		dest := table.Members()
		if g.viewMgr != nil {
			dest = append(dest, g.viewMgr.PendingJoiners()...)
		}
		_ = trans.PutRow(dest, from, snap)
	})
}

// RequestJoin is spec.md §4.3's "a new NodeId requests to join": a no-op,
// with a false return, unless this replica currently holds the leader
// role. The wire-level handshake that gets a join request to whichever
// replica is leader (dialing a known contact, asking who leads) is the
// RPC dispatch collaborator spec.md §1 places out of scope; callers reach
// the leader through whatever discovery mechanism the embedding
// application uses and call this once they have.
func (g *Group) RequestJoin(node ids.NodeID) bool {
	return g.viewMgr.ProposeJoin(node)
}

// RegisterSubgroup binds obj as the replicated object for subgroup sg on
// this replica, so future ordered_send/p2p_send traffic and persistence
// requests for sg route into it. Call it right after Join, or any time
// afterward for a subgroup this replica later joins the shard of.
func (g *Group) RegisterSubgroup(sg ids.SubgroupID, obj dispatcher.ReplicatedObject) {
	g.mu.Lock()
	g.pendingObj[sg] = obj
	g.mu.Unlock()
	g.dispatcher.Register(sg, obj)
	g.persist.RegisterObject(sg, obj)
}

// onStable is the dispatcher's global-stability hook (spec.md §6's
// UserMessageCallbacks.global_stability): it records the metric, enqueues
// the version for persistence, and forwards to the user callback.
func (g *Group) onStable(sg ids.SubgroupID, sender ids.NodeID, msgID ids.MessageID, body []byte, version ids.Version) {
	g.metrics.ObserveStable(sg, uint64(msgID))
	g.persist.Enqueue(sg, version)
	if g.cb.GlobalStability != nil {
		g.cb.GlobalStability(sg, sender, msgID, body, version)
	}
}

// onSuspect is the failure detector's hook: it records the suspicion in
// the view manager's vote (already set on the table row by the detector
// itself) and nudges the change protocol so a leader can act on it
// without waiting for the next periodic poll.
func (g *Group) onSuspect(node ids.NodeID) {
	g.metrics.ObserveSuspicion(len(g.viewMgr.EffectiveSuspicion()))
	if g.viewMgr.IsLeader() {
		g.viewMgr.ProposeLeave(node)
	}
	g.viewMgr.Poll()
}

// installSubgroups (re)builds this replica's multicast groups for v,
// trimming and closing every Group from the previous view, including
// ones this replica remains a member of (each view gets its own Group
// instance bound to v.ID, never a reused one).
func (g *Group) installSubgroups(v *view.View) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := make(map[ids.SubgroupID]*multicast.Group, len(v.Subgroup))
	nextMembers := make(map[ids.SubgroupID][]ids.NodeID, len(v.Subgroup))
	for sg, sv := range v.Subgroup {
		if !sv.Active {
			g.log.Warnf("derecho: subgroup %d under-provisioned in view %d", sg, v.ID)
			continue
		}
		shard, _, ok := sv.ShardOf(g.local)
		if !ok {
			continue
		}
		sg := sg
		mg := multicast.New(multicast.Config{
			SubgroupID:     sg,
			ViewID:         v.ID,
			Members:        shard,
			Local:          g.local,
			MaxPayload:     g.cfg.MaxPayloadSize,
			Window:         g.cfg.WindowSize,
			Table:          g.table,
			Transport:      g.trans,
			Logger:         g.log,
			Runner:         g.run,
			IdleNullPeriod: time.Duration(g.cfg.NullIdleMS) * time.Millisecond,
		}, func(sender ids.NodeID, msgID ids.MessageID, body []byte, version ids.Version) {
			g.dispatcher.Deliver(sg, sender, msgID, body, version)
		})
		shardMembers := append([]ids.NodeID(nil), shard...)
		mg.SetSuspicionCheck(func() bool {
			// spec.md §4.2: "If the failure detector marks any shard
			// member suspected, the multicast group stops delivering new
			// messages." A leader still existing among the rest of the
			// view says nothing about this particular shard.
			suspected := g.viewMgr.EffectiveSuspicion()
			for _, m := range shardMembers {
				if suspected[m] {
					return true
				}
			}
			return false
		}, nil)

		next[sg] = mg
		nextMembers[sg] = shard
		g.persist.RegisterShard(sg, shard)
	}

	// Every subgroup this replica remains active in still gets a fresh
	// multicast.Group above, bound to the new view's shard; the old one
	// must be trimmed to next.RaggedTrim and closed here rather than left
	// running, or it would keep delivering (and double-counting) traffic
	// addressed to a view that no longer exists.
	for sg, old := range g.groups {
		if trim, ok := v.RaggedTrim[sg]; ok {
			old.FinalizeTrim(trim)
		}
		old.Close()
	}
	g.groups = next
	g.shardMembers = nextMembers
	g.metrics.ObserveView(v.ID)
}

// onViewInstall is the view manager's InstallFunc: it resizes the status
// table, re-wires the propagator, repoints the persistence manager and
// failure detector at the resized table, and rebuilds the subgroup
// multicast groups (spec.md §4.3).
func (g *Group) onViewInstall(next *view.View) {
	g.log.Infof("derecho: installing view %d (prev %d), members=%v", next.ID, next.PrevID, next.Members)
	for sg, trim := range next.RaggedTrim {
		for sender, through := range trim {
			g.log.Infof("derecho: view %d ragged trim subgroup %d sender %v through msg %d", next.ID, sg, sender, through)
		}
	}

	g.mu.Lock()
	oldShardMembers := make(map[ids.SubgroupID][]ids.NodeID, len(g.shardMembers))
	for sg, members := range g.shardMembers {
		oldShardMembers[sg] = members
	}
	resized := g.table.Resize(next.Members, g.local)
	g.table = resized
	g.mu.Unlock()

	g.wirePropagator(resized)
	g.persist.SetTable(resized)
	g.detector.SetTable(resized)

	g.installSubgroups(next)

	g.mu.RLock()
	for sg, obj := range g.pendingObj {
		if _, active := g.groups[sg]; active {
			g.dispatcher.Register(sg, obj)
			g.persist.RegisterObject(sg, obj)
		}
	}
	var stillActive []ids.SubgroupID
	for sg := range g.groups {
		stillActive = append(stillActive, sg)
	}
	g.mu.RUnlock()

	// spec.md §4.5's failure semantics: on the next view install, retry
	// every version above this replica's own persisted_num up through
	// the highest persisted_num the departing shard reported, per
	// subgroup this replica still belongs to -- catching up whatever a
	// failed sign/log-append left behind.
	for _, sg := range stillActive {
		members := oldShardMembers[sg]
		if members == nil {
			continue
		}
		upTo := ids.NoVersion
		for _, node := range members {
			row := resized.Row(node)
			if row == nil {
				continue
			}
			if v := row.PersistedNum(sg); v > upTo {
				upTo = v
			}
		}
		if upTo > ids.NoVersion {
			g.persist.RetryBacklog(sg, upTo)
		}
	}

	g.transferStateToNewMembers(next, oldShardMembers)
}

// pollView drives the view manager's change protocol periodically (T6 in
// spec.md §5), in addition to the row-update-triggered polls.
func (g *Group) pollView() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		g.mu.RLock()
		closed := g.closed
		g.mu.RUnlock()
		if closed {
			return
		}
		g.viewMgr.Poll()
	}
}

// pumpEnvelopes is T1 in spec.md §5: the single receive loop demultiplexing
// every transport.Envelope kind into the right subsystem.
func (g *Group) pumpEnvelopes() {
	for env := range g.trans.Listen() {
		switch env.Kind {
		case transport.KindMulticast:
			g.mu.RLock()
			mg := g.groups[env.Subgroup]
			g.mu.RUnlock()
			if mg != nil {
				mg.Deliver(env.From, env.Payload)
			}
		case transport.KindP2PQuery:
			g.dispatcher.HandleQuery(env.From, env)
		case transport.KindP2PReply:
			g.dispatcher.HandleReply(env)
		case transport.KindNotification:
			g.external.HandleNotification(env.From, env)
		case transport.KindViewControl:
			g.viewMgr.Poll()
		case transport.KindStateTransfer:
			g.applyStateTransfer(env)
		}
	}
}

// pumpRowUpdates is T3 in spec.md §5: merges every peer row snapshot
// pushed by PutRow, then nudges delivery and the change protocol since
// either may have just become possible.
func (g *Group) pumpRowUpdates() {
	for upd := range g.trans.RowUpdates() {
		g.mu.RLock()
		table := g.table
		groups := make([]*multicast.Group, 0, len(g.groups))
		for _, mg := range g.groups {
			groups = append(groups, mg)
		}
		g.mu.RUnlock()

		table.ApplyRemote(upd.From, upd.Snapshot)
		for _, mg := range groups {
			mg.OnRowUpdate()
		}
		g.viewMgr.Poll()
	}
}

// Current returns the view currently installed at this replica.
func (g *Group) Current() *view.View {
	return g.viewMgr.Current()
}

// BarrierSync is spec.md §6's barrier_sync(): it blocks until, in every
// subgroup it currently participates in, every schedule position this
// replica has delivered is also stable. A message this replica has sent
// but not yet delivered locally is not waited for.
func (g *Group) BarrierSync() {
	for {
		g.mu.RLock()
		groups := make([]*multicast.Group, 0, len(g.groups))
		for _, mg := range g.groups {
			groups = append(groups, mg)
		}
		g.mu.RUnlock()

		drained := true
		for _, mg := range groups {
			if mg.StableThrough() < mg.DeliveredThrough() {
				drained = false
				break
			}
		}
		if drained {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// GetSubgroup is spec.md §6's get_subgroup<T>(index) -> handle: the
// member-side entry point for ordered_send and p2p_send against
// subgroup sg. Returns ErrNotAMember if this replica's current view does
// not place it in sg's shard.
func (g *Group) GetSubgroup(sg ids.SubgroupID) (*SubgroupHandle, error) {
	g.mu.RLock()
	_, ok := g.groups[sg]
	g.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotAMember, "subgroup %d", sg)
	}
	return &SubgroupHandle{sg: sg, g: g}, nil
}

// Notifications returns the NotificationSupport half of spec.md §6 bound
// to this group, for pushing NotificationMessage values out to connected
// external clients.
func (g *Group) Notifications() *dispatcher.ExternalClient {
	return g.external
}

// Leave is spec.md §6's leave(graceful): when graceful and this replica
// is the leader, it proposes its own removal through the view manager;
// otherwise it proposes nothing and its removal is left to the other
// members' failure detectors. It then shuts down every local task
// without waiting.
// Shutdown always stops this replica's own tasks, whether or not the
// proposal was accepted by anyone else.
func (g *Group) Leave(graceful bool) {
	if graceful {
		if g.viewMgr.IsLeader() {
			g.viewMgr.ProposeLeave(g.local)
		}
	}
	g.Shutdown()
}

// Shutdown is spec.md §5's cooperative shutdown: it stops accepting new
// sends, waits for the persistence worker to drain, and waits for every
// spawned task to quiesce.
func (g *Group) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	groups := make([]*multicast.Group, 0, len(g.groups))
	for _, mg := range g.groups {
		groups = append(groups, mg)
	}
	g.mu.Unlock()

	for _, mg := range groups {
		mg.Close()
	}
	g.detector.Stop()
	g.persist.Shutdown(true)
	_ = g.trans.Close()
	g.run.Stop()
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("derecho: pers.private_key_file is empty but pers.signed_log is true")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "derecho: read private key %s", path)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("derecho: private key %s has wrong size %d", path, len(data))
	}
	return ed25519.PrivateKey(data), nil
}

func loadPublicKeys(dir string) (map[ids.NodeID]ed25519.PublicKey, error) {
	out := make(map[ids.NodeID]ed25519.PublicKey)
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "derecho: read public key dir %s", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		nodeStr := filepath.Base(name)
		nodeStr = nodeStr[:len(nodeStr)-len(filepath.Ext(nodeStr))]
		nodeNum, err := strconv.ParseUint(nodeStr, 10, 64)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "derecho: read public key %s", name)
		}
		if len(data) != ed25519.PublicKeySize {
			return nil, errors.Errorf("derecho: public key %s has wrong size %d", name, len(data))
		}
		out[ids.NodeID(nodeNum)] = ed25519.PublicKey(data)
	}
	return out, nil
}
