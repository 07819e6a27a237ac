package persistence

import (
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/derecho-go/derecho-core/internal/clock"
	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
	"github.com/derecho-go/derecho-core/internal/taskrunner"
)

// Persistable is the replicated-object half of spec.md §4.5's worker
// step: given a stable version, return the bytes to persist.
type Persistable interface {
	Persist(version ids.Version) ([]byte, error)
}

// Callbacks are the three user-visible hooks spec.md §4.5 fires, plus
// the global-stability callback UserMessageCallbacks also names (that
// one is wired by the dispatcher, not here).
type Callbacks struct {
	LocalPersistence  func(subgroup ids.SubgroupID, version ids.Version)
	GlobalPersistence func(subgroup ids.SubgroupID, version ids.Version)
	GlobalVerified    func(subgroup ids.SubgroupID, version ids.Version)
}

type request struct {
	subgroup ids.SubgroupID
	version  ids.Version
}

// Manager is the Persistence Manager from spec.md §4.5: a single-worker
// request queue plus the global-persisted/global-verified predicate
// poller. The intake's spin-flag-and-semaphore from the original design
// becomes a mutex-protected slice plus a buffered signal channel; see
// SPEC_FULL.md §5 for why that is the one deliberate departure from
// copying the concurrency primitives literally.
type Manager struct {
	table  *statustable.Table
	log    LogStore
	signer SignatureBackend
	run    taskrunner.Runner
	logger derecholog.Logger
	cb     Callbacks
	clock  *clock.Clock

	signingEnabled bool
	privKey        ed25519.PrivateKey
	pubKeys        map[ids.NodeID]ed25519.PublicKey

	mu      sync.Mutex
	queue   []request
	signal  chan struct{}
	objects map[ids.SubgroupID]Persistable
	shards  map[ids.SubgroupID][]ids.NodeID
	prevSig map[ids.SubgroupID][]byte

	shuttingDown bool
	workerDone   chan struct{}
	pollDone     chan struct{}

	verify verifyState
}

// verifyState tracks, per subgroup and member, how far that member's
// signature chain has been locally re-derived and verified -- the
// mechanism behind global_verified (spec.md §4.5, scenario 4).
type verifyState struct {
	mu              sync.Mutex
	lastSeen        map[ids.SubgroupID]map[ids.NodeID]ids.Version
	verifiedThrough map[ids.SubgroupID]map[ids.NodeID]ids.Version
	chainSig        map[ids.SubgroupID]map[ids.NodeID][]byte

	lastGlobalPersisted map[ids.SubgroupID]ids.Version
	lastGlobalVerified  map[ids.SubgroupID]ids.Version
}

// Config bundles a Manager's fixed collaborators and configuration
// (spec.md §6: pers.signed_log, pers.private_key_file, pers.public_key_dir).
type Config struct {
	Table          *statustable.Table
	LogStore       LogStore
	Signer         SignatureBackend
	Runner         taskrunner.Runner
	Logger         derecholog.Logger
	Callbacks      Callbacks
	SigningEnabled bool
	PrivateKey     ed25519.PrivateKey
	PublicKeys     map[ids.NodeID]ed25519.PublicKey
}

// New creates a Manager ready to accept RegisterObject/RegisterShard and
// then Start.
func New(cfg Config) *Manager {
	return &Manager{
		table:          cfg.Table,
		log:            cfg.LogStore,
		signer:         cfg.Signer,
		run:            cfg.Runner,
		logger:         cfg.Logger,
		cb:             cfg.Callbacks,
		clock:          clock.New(),
		signingEnabled: cfg.SigningEnabled,
		privKey:        cfg.PrivateKey,
		pubKeys:        cfg.PublicKeys,
		signal:         make(chan struct{}, 1),
		objects:        make(map[ids.SubgroupID]Persistable),
		shards:         make(map[ids.SubgroupID][]ids.NodeID),
		prevSig:        make(map[ids.SubgroupID][]byte),
		workerDone:     make(chan struct{}),
		pollDone:       make(chan struct{}),
		verify: verifyState{
			lastSeen:            make(map[ids.SubgroupID]map[ids.NodeID]ids.Version),
			verifiedThrough:     make(map[ids.SubgroupID]map[ids.NodeID]ids.Version),
			chainSig:            make(map[ids.SubgroupID]map[ids.NodeID][]byte),
			lastGlobalPersisted: make(map[ids.SubgroupID]ids.Version),
			lastGlobalVerified:  make(map[ids.SubgroupID]ids.Version),
		},
	}
}

// SetTable swaps the table this manager reads progress columns from,
// used by the view manager's install hook after a reconfiguration
// pointer-swaps in a resized table (spec.md §4.1).
func (m *Manager) SetTable(table *statustable.Table) {
	m.mu.Lock()
	m.table = table
	m.mu.Unlock()
}

// RegisterObject binds the replicated object backing subgroup, so the
// worker knows who to call Persist on. If sg's log already holds records
// on disk (a process restart against an existing data directory), the
// chain-signing state is re-derived from what is actually there before
// any new request is processed -- see restoreFromLog.
func (m *Manager) RegisterObject(sg ids.SubgroupID, obj Persistable) {
	m.mu.Lock()
	m.objects[sg] = obj
	m.mu.Unlock()
	m.restoreFromLog(sg)
}

// restoreFromLog re-derives this replica's local_persisted_num and
// (when signing is enabled) the hash-chain state for sg from whatever is
// already on disk, per original_source/persistence_manager.cpp's restart
// path: the in-memory chain state (m.prevSig) does not survive a process
// restart, but the append-only log does, so it is the source of truth.
//
// Deliberately, the signature published for the last on-disk record is
// always freshly recomputed from that record's current payload bytes
// rather than trusted from what (if anything) was stored in the record's
// own Sig field: this is what makes on-disk corruption of an old record
// visible as a *signature* mismatch after a restart (spec.md §8 scenario
// 4) instead of silently vanishing once the chain moves past it.
func (m *Manager) restoreFromLog(sg ids.SubgroupID) {
	recs, err := m.log.Read(sg, 0, ids.Version(math.MaxInt64))
	if err != nil || len(recs) == 0 {
		return
	}

	last := recs[len(recs)-1]

	local := m.table.Local()
	local.BumpPersistedNum(sg, last.Version)

	if m.signingEnabled && m.signer != nil && m.privKey != nil {
		var prev []byte
		for _, rec := range recs {
			digest, err := ChainInput(rec.Payload, prev)
			if err != nil {
				if m.logger != nil {
					m.logger.Errorf("persistence: restore chain digest failed for subgroup %d version %d: %v", sg, rec.Version, err)
				}
				return
			}
			prev = m.signer.Sign(m.privKey, digest)
		}
		m.mu.Lock()
		m.prevSig[sg] = prev
		m.mu.Unlock()
		local.SetSignature(sg, prev)
	}

	m.table.Put()
}

// RegisterShard records which members participate in subgroup's shard,
// needed for the global_persisted/global_verified min-over-shard
// predicates.
func (m *Manager) RegisterShard(sg ids.SubgroupID, members []ids.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[sg] = append([]ids.NodeID(nil), members...)
}

// Start launches the worker task (T5) and the global predicate poller.
func (m *Manager) Start() {
	m.run.Spawn(m.worker)
	m.run.Spawn(func() { m.pollGlobal(50 * time.Millisecond) })
}

// Enqueue is the producer side of the intake queue: lock-protected,
// never blocking on I/O, per spec.md §4.5.
func (m *Manager) Enqueue(sg ids.SubgroupID, version ids.Version) {
	m.mu.Lock()
	m.queue = append(m.queue, request{subgroup: sg, version: version})
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) dequeue() (request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return request{}, false
	}
	req := m.queue[0]
	m.queue = m.queue[1:]
	return req, true
}

// Shutdown sets the stop flag and, if wait, blocks until the worker has
// drained the queue and exited (spec.md §4.5).
func (m *Manager) Shutdown(wait bool) {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	if wait {
		<-m.workerDone
		<-m.pollDone
	}
}

func (m *Manager) worker() {
	defer close(m.workerDone)
	for {
		req, ok := m.dequeue()
		if !ok {
			m.mu.Lock()
			done := m.shuttingDown
			m.mu.Unlock()
			if done {
				return
			}
			<-m.signal
			continue
		}
		m.process(req)
	}
}

// process implements spec.md §4.5's worker step. Errors are logged and
// swallowed rather than retried inline: the version is not reported
// persisted, and RetryBacklog re-derives exactly what is missing the
// next time a view installs.
func (m *Manager) process(req request) {
	m.mu.Lock()
	obj := m.objects[req.subgroup]
	m.mu.Unlock()
	if obj == nil {
		return
	}

	payload, err := obj.Persist(req.version)
	if err != nil {
		if m.logger != nil {
			m.logger.Errorf("persistence: object persist failed for subgroup %d version %d: %v", req.subgroup, req.version, err)
		}
		return
	}

	rec := LogRecord{Version: req.version, HLC: m.clock.Tick(), Payload: payload}

	var sig []byte
	if m.signingEnabled && m.signer != nil && m.privKey != nil {
		m.mu.Lock()
		prev := m.prevSig[req.subgroup]
		m.mu.Unlock()
		digest, derr := ChainInput(payload, prev)
		if derr != nil {
			if m.logger != nil {
				m.logger.Errorf("persistence: chain digest failed for subgroup %d version %d: %v", req.subgroup, req.version, derr)
			}
			return
		}
		sig = m.signer.Sign(m.privKey, digest)
		rec.Sig = sig
	}

	if _, err := m.log.Append(req.subgroup, rec); err != nil {
		if m.logger != nil {
			m.logger.Errorf("persistence: log append failed for subgroup %d version %d: %v", req.subgroup, req.version, err)
		}
		return
	}

	local := m.table.Local()
	if sig != nil {
		local.SetSignature(req.subgroup, sig)
		m.mu.Lock()
		m.prevSig[req.subgroup] = sig
		m.mu.Unlock()
	}
	local.BumpPersistedNum(req.subgroup, req.version)
	m.table.Put()

	if m.cb.LocalPersistence != nil {
		m.cb.LocalPersistence(req.subgroup, req.version)
	}
}

// ExportTail returns every record persisted so far for sg -- the
// "persistence log tail up to the most recent globally verified version"
// spec.md §4.3 ships to a joining replica during state transfer. The
// reference implementation ships the whole local tail rather than
// trimming to global_verified specifically, since a joiner that receives
// a few extra not-yet-globally-verified records is harmless (they are
// exactly what this replica itself would eventually persist forward) and
// simpler than threading the current verified watermark through the
// call.
func (m *Manager) ExportTail(sg ids.SubgroupID) ([]LogRecord, error) {
	return m.log.Read(sg, 0, ids.Version(math.MaxInt64))
}

// ImportTail installs a log tail received from an existing shard member
// during state transfer: every record whose version this replica does
// not already hold is appended as-is (no re-signing -- the signature
// bytes are the sender's own, exactly as spec.md §4.3 describes shipping
// "the persistence log tail", not re-deriving it), and persisted_num is
// advanced to match.
func (m *Manager) ImportTail(sg ids.SubgroupID, recs []LogRecord) error {
	have := m.table.Local().PersistedNum(sg)
	var highest ids.Version = have
	for _, rec := range recs {
		if rec.Version <= have {
			continue
		}
		if _, err := m.log.Append(sg, rec); err != nil {
			return err
		}
		if rec.Version > highest {
			highest = rec.Version
		}
	}
	if highest > have {
		local := m.table.Local()
		local.BumpPersistedNum(sg, highest)
		m.mu.Lock()
		if len(recs) > 0 {
			m.prevSig[sg] = recs[len(recs)-1].Sig
		}
		m.mu.Unlock()
		m.table.Put()
	}
	return nil
}

// RetryBacklog re-enqueues every version above the local row's
// persisted_num up through upTo, for subgroup -- called by the view
// manager's install hook, per spec.md §4.5's retry-on-next-view-install
// failure semantics.
func (m *Manager) RetryBacklog(sg ids.SubgroupID, upTo ids.Version) {
	persisted := m.table.Local().PersistedNum(sg)
	for v := persisted + 1; v <= upTo; v++ {
		m.Enqueue(sg, v)
	}
}

// pollGlobal periodically recomputes global_persisted and global_verified
// for every registered subgroup and fires the corresponding callbacks
// exactly once per version advance (spec.md §4.5).
func (m *Manager) pollGlobal(period time.Duration) {
	defer close(m.pollDone)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		shards := make(map[ids.SubgroupID][]ids.NodeID, len(m.shards))
		for sg, members := range m.shards {
			shards[sg] = members
		}
		done := m.shuttingDown && len(m.queue) == 0
		m.mu.Unlock()

		for sg, members := range shards {
			m.advanceGlobalPersisted(sg, members)
			m.advanceGlobalVerified(sg, members)
		}
		if done {
			return
		}
	}
}

func (m *Manager) advanceGlobalPersisted(sg ids.SubgroupID, members []ids.NodeID) {
	var minVersion ids.Version = -1
	for _, node := range members {
		row := m.table.Row(node)
		if row == nil {
			return
		}
		v := row.PersistedNum(sg)
		if minVersion == -1 || v < minVersion {
			minVersion = v
		}
	}
	if minVersion < 0 {
		return
	}

	m.verify.mu.Lock()
	last, seen := m.verify.lastGlobalPersisted[sg]
	if seen && minVersion <= last {
		m.verify.mu.Unlock()
		return
	}
	m.verify.lastGlobalPersisted[sg] = minVersion
	m.verify.mu.Unlock()

	if m.cb.GlobalPersistence != nil {
		m.cb.GlobalPersistence(sg, minVersion)
	}
}

// advanceGlobalVerified re-derives each member's signature chain one
// step at a time using this replica's own copy of the log (every shard
// member persists the same deterministic bytes per version, so the
// local log is a valid input for verifying a peer's signature over it).
// A gap or a bad signature stalls that member's chain, which stalls the
// shard-wide watermark -- exactly scenario 4's corrupted-record case.
func (m *Manager) advanceGlobalVerified(sg ids.SubgroupID, members []ids.NodeID) {
	if !m.signingEnabled || len(m.pubKeys) == 0 {
		return
	}
	localPersisted := m.table.Local().PersistedNum(sg)

	m.verify.mu.Lock()
	if m.verify.lastSeen[sg] == nil {
		m.verify.lastSeen[sg] = make(map[ids.NodeID]ids.Version)
		m.verify.verifiedThrough[sg] = make(map[ids.NodeID]ids.Version)
		m.verify.chainSig[sg] = make(map[ids.NodeID][]byte)
		for _, n := range members {
			m.verify.lastSeen[sg][n] = -1
			m.verify.verifiedThrough[sg][n] = -1
		}
	}
	m.verify.mu.Unlock()

	for _, node := range members {
		row := m.table.Row(node)
		if row == nil {
			continue
		}
		cur := row.PersistedNum(sg)
		sig := row.Signature(sg)

		m.verify.mu.Lock()
		lastSeen := m.verify.lastSeen[sg][node]
		verifiedThrough := m.verify.verifiedThrough[sg][node]
		m.verify.mu.Unlock()

		if cur <= lastSeen {
			continue
		}
		if cur != verifiedThrough+1 || cur > localPersisted {
			// Gap, or we have not locally persisted this far yet:
			// cannot re-derive the chain input, so the watermark stalls
			// here until the missing step(s) arrive.
			m.verify.mu.Lock()
			m.verify.lastSeen[sg][node] = cur
			m.verify.mu.Unlock()
			continue
		}

		rec, err := m.log.ReadOne(sg, cur)
		if err != nil {
			m.verify.mu.Lock()
			m.verify.lastSeen[sg][node] = cur
			m.verify.mu.Unlock()
			continue
		}

		m.verify.mu.Lock()
		prevSig := m.verify.chainSig[sg][node]
		m.verify.mu.Unlock()

		digest, err := ChainInput(rec.Payload, prevSig)
		if err != nil {
			continue
		}

		pub, ok := m.pubKeys[node]
		if ok && m.signer.Verify(pub, digest, sig) {
			m.verify.mu.Lock()
			m.verify.verifiedThrough[sg][node] = cur
			m.verify.chainSig[sg][node] = append([]byte(nil), sig...)
			m.verify.lastSeen[sg][node] = cur
			m.verify.mu.Unlock()
		} else {
			if m.logger != nil {
				m.logger.Warnf("persistence: signature verification failed for node %v subgroup %d version %d", node, sg, cur)
			}
			m.verify.mu.Lock()
			m.verify.lastSeen[sg][node] = cur
			m.verify.mu.Unlock()
		}
	}

	var minVerified ids.Version = -1
	m.verify.mu.Lock()
	for _, node := range members {
		v := m.verify.verifiedThrough[sg][node]
		if minVerified == -1 || v < minVerified {
			minVerified = v
		}
	}
	last, seen := m.verify.lastGlobalVerified[sg]
	advance := minVerified >= 0 && (!seen || minVerified > last)
	if advance {
		m.verify.lastGlobalVerified[sg] = minVerified
	}
	m.verify.mu.Unlock()

	if advance && m.cb.GlobalVerified != nil {
		m.cb.GlobalVerified(sg, minVerified)
	}
}
