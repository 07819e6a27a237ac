package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/ed25519"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
	"github.com/derecho-go/derecho-core/internal/taskrunner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSubgroup ids.SubgroupID = 7

// counterObject is a trivial replicated object: Persist(v) just returns
// v encoded as its own payload, the way a counting state machine's
// persisted bytes might look.
type counterObject struct{}

func (counterObject) Persist(version ids.Version) ([]byte, error) {
	return []byte(fmt.Sprintf("v=%d", version)), nil
}

func newManagerFor(t *testing.T, node ids.NodeID, members []ids.NodeID, signing bool, priv ed25519.PrivateKey, pubs map[ids.NodeID]ed25519.PublicKey) (*Manager, *statustable.Table) {
	t.Helper()
	dir, err := os.MkdirTemp("", "derecho-persistence-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := NewFileLogStore(dir)
	require.NoError(t, err)

	table := statustable.New(members, node, 0)
	var persisted, verified []ids.Version
	var mu sync.Mutex
	m := New(Config{
		Table:          table,
		LogStore:       store,
		Signer:         NewChainedEd25519(),
		Runner:         taskrunner.New(),
		SigningEnabled: signing,
		PrivateKey:     priv,
		PublicKeys:     pubs,
		Callbacks: Callbacks{
			GlobalPersistence: func(sg ids.SubgroupID, v ids.Version) {
				mu.Lock()
				persisted = append(persisted, v)
				mu.Unlock()
			},
			GlobalVerified: func(sg ids.SubgroupID, v ids.Version) {
				mu.Lock()
				verified = append(verified, v)
				mu.Unlock()
			},
		},
	})
	m.RegisterObject(testSubgroup, counterObject{})
	m.RegisterShard(testSubgroup, members)
	t.Cleanup(func() {
		m.Shutdown(true)
	})
	m.Start()
	return m, table
}

func TestManager_LocalAndGlobalPersistence(t *testing.T) {
	members := []ids.NodeID{1, 2}
	m1, t1 := newManagerFor(t, 1, members, false, nil, nil)
	m2, t2 := newManagerFor(t, 2, members, false, nil, nil)

	t1.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { t2.ApplyRemote(from, snap) })
	t2.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { t1.ApplyRemote(from, snap) })

	for v := ids.Version(0); v < 5; v++ {
		m1.Enqueue(testSubgroup, v)
		m2.Enqueue(testSubgroup, v)
	}

	require.Eventually(t, func() bool {
		return t1.Local().PersistedNum(testSubgroup) == 4 && t2.Local().PersistedNum(testSubgroup) == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_GlobalVerifiedStallsOnMismatchedKey(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	members := []ids.NodeID{1, 2}
	goodPubs := map[ids.NodeID]ed25519.PublicKey{1: pub1, 2: pub2}
	// Node 1's view of node 2's public key is corrupted (swapped for its
	// own), so it can never successfully verify node 2's real signatures
	// -- standing in for scenario 4's corrupted record.
	badPubs := map[ids.NodeID]ed25519.PublicKey{1: pub1, 2: pub1}

	m1, t1 := newManagerFor(t, 1, members, true, priv1, badPubs)
	m2, t2 := newManagerFor(t, 2, members, true, priv2, goodPubs)

	var verified1, persisted1 []ids.Version
	var mu sync.Mutex
	m1.cb.GlobalVerified = func(sg ids.SubgroupID, v ids.Version) {
		mu.Lock()
		verified1 = append(verified1, v)
		mu.Unlock()
	}
	m1.cb.GlobalPersistence = func(sg ids.SubgroupID, v ids.Version) {
		mu.Lock()
		persisted1 = append(persisted1, v)
		mu.Unlock()
	}

	t1.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { t2.ApplyRemote(from, snap) })
	t2.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { t1.ApplyRemote(from, snap) })

	for v := ids.Version(0); v < 3; v++ {
		m1.Enqueue(testSubgroup, v)
		m2.Enqueue(testSubgroup, v)
	}

	require.Eventually(t, func() bool {
		return t1.Local().PersistedNum(testSubgroup) == 2 && t2.Local().PersistedNum(testSubgroup) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// global_persisted reaches the end regardless of signature validity.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(persisted1) > 0 && persisted1[len(persisted1)-1] == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, verified1, "global_verified must never advance once a shard member's signature cannot be re-derived")
}

// TestManager_RestartResyncDetectsCorruption is spec.md §8 scenario 4: a
// signed shard where one member's on-disk log gets corrupted while the
// process is down. On restart, restoreFromLog re-derives that member's
// whole signature chain from what is actually on disk, so a bit flip in an
// old, already-verified record makes every signature the member publishes
// afterward diverge from what its peers independently re-derive --
// stalling global_verified even as global_persisted keeps climbing.
func TestManager_RestartResyncDetectsCorruption(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	members := []ids.NodeID{1, 2}
	pubs := map[ids.NodeID]ed25519.PublicKey{1: pub1, 2: pub2}

	m1, t1 := newManagerFor(t, 1, members, true, priv1, pubs)

	dirB, err := os.MkdirTemp("", "derecho-persistence-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dirB) })

	storeB, err := NewFileLogStore(dirB)
	require.NoError(t, err)
	tableB := statustable.New(members, 2, 0)
	m2 := New(Config{
		Table:          tableB,
		LogStore:       storeB,
		Signer:         NewChainedEd25519(),
		Runner:         taskrunner.New(),
		SigningEnabled: true,
		PrivateKey:     priv2,
		PublicKeys:     pubs,
	})
	m2.RegisterObject(testSubgroup, counterObject{})
	m2.RegisterShard(testSubgroup, members)
	m2.Start()

	var verified1 []ids.Version
	var mu sync.Mutex
	m1.cb.GlobalVerified = func(sg ids.SubgroupID, v ids.Version) {
		mu.Lock()
		verified1 = append(verified1, v)
		mu.Unlock()
	}

	t1.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { tableB.ApplyRemote(from, snap) })
	tableB.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { t1.ApplyRemote(from, snap) })

	for v := ids.Version(0); v < 10; v++ {
		m1.Enqueue(testSubgroup, v)
		m2.Enqueue(testSubgroup, v)
	}

	require.Eventually(t, func() bool {
		return t1.Local().PersistedNum(testSubgroup) == 9 && tableB.Local().PersistedNum(testSubgroup) == 9
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(verified1) > 0 && verified1[len(verified1)-1] == 9
	}, 2*time.Second, 5*time.Millisecond, "node 1 never verified node 2 through version 9 before the simulated crash")

	m2.Shutdown(true)

	// Flip a byte inside node 2's on-disk payload for version 3, well
	// before the last version anyone has verified. counterObject's
	// payload is always the 3 bytes "v=N" for single-digit N, and every
	// record here is 30 bytes of header plus 3 bytes of payload plus a
	// 64-byte ed25519 signature, so version v's payload starts at a fixed
	// offset -- no need to reindex the file to find it.
	const recordLen = 30 + 3 + ed25519.SignatureSize
	logPath := filepath.Join(dirB, "subgroup-7.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	corruptOffset := int64(3)*recordLen + 30 + 2
	data[corruptOffset] ^= 0xFF
	require.NoError(t, os.WriteFile(logPath, data, 0o644))

	// Restart node 2 against the same, now-corrupted data directory: a
	// fresh Table (in-memory state does not survive a restart) and a
	// fresh FileLogStore (so it reindexes off disk, not a cached copy).
	storeB2, err := NewFileLogStore(dirB)
	require.NoError(t, err)
	tableB2 := statustable.New(members, 2, 0)
	m2b := New(Config{
		Table:          tableB2,
		LogStore:       storeB2,
		Signer:         NewChainedEd25519(),
		Runner:         taskrunner.New(),
		SigningEnabled: true,
		PrivateKey:     priv2,
		PublicKeys:     pubs,
	})
	t.Cleanup(func() { m2b.Shutdown(true) })
	m2b.RegisterObject(testSubgroup, counterObject{})
	m2b.RegisterShard(testSubgroup, members)

	t1.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { tableB2.ApplyRemote(from, snap) })
	tableB2.SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) { t1.ApplyRemote(from, snap) })
	m2b.Start()

	// Node 2 keeps persisting new versions after the restart; node 1 must
	// keep advancing global_persisted for them, but its independently
	// re-derived chain can never again match node 2's signatures, which
	// were re-based on the corrupted version 3 payload.
	for v := ids.Version(10); v < 15; v++ {
		m1.Enqueue(testSubgroup, v)
		m2b.Enqueue(testSubgroup, v)
	}

	require.Eventually(t, func() bool {
		return t1.Local().PersistedNum(testSubgroup) == 14 && tableB2.Local().PersistedNum(testSubgroup) == 14
	}, 2*time.Second, 5*time.Millisecond, "global_persisted must keep advancing regardless of the corrupted record")

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ids.Version(9), verified1[len(verified1)-1],
		"global_verified must never advance past the version last verified before the restart")
}
