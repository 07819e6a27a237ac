package derecho

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/derecho-go/derecho-core/internal/config"
	"github.com/derecho-go/derecho-core/internal/dispatcher"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/transport"
	"github.com/derecho-go/derecho-core/internal/view"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	opIncrement uint16 = 1
)

// counter is a minimal dispatcher.ReplicatedObject: it applies
// opIncrement by bumping an in-memory total and echoes the new total
// back as the RPC reply, and persists its total as a single byte (the
// total modulo 256) when asked.
type counter struct {
	mu    sync.Mutex
	total uint64
}

func (c *counter) Methods() []dispatcher.MethodEntry {
	return []dispatcher.MethodEntry{
		{
			Opcode: opIncrement,
			Decode: func(b []byte) (interface{}, error) { return nil, nil },
			Handle: func(interface{}) ([]byte, error) {
				c.mu.Lock()
				c.total++
				n := c.total
				c.mu.Unlock()
				return []byte{byte(n)}, nil
			},
		},
	}
}

func (c *counter) Persist(version ids.Version) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []byte{byte(c.total)}, nil
}

func flatLayout(sg ids.SubgroupID) view.LayoutFunc {
	return func(members []ids.NodeID) map[ids.SubgroupID]view.ShardView {
		return map[ids.SubgroupID]view.ShardView{
			sg: {Active: true, Shards: [][]ids.NodeID{append([]ids.NodeID(nil), members...)}},
		}
	}
}

func testOptions(local ids.NodeID, dir string) *config.GroupConfig {
	return &config.GroupConfig{
		LocalID:            local,
		MaxPayloadSize:     1 << 16,
		WindowSize:         16,
		HeartbeatMS:        20,
		SuspicionMS:        500,
		ChangelogRetention: 256,
	}
}

func joinCluster(t *testing.T, members []ids.NodeID, sg ids.SubgroupID) map[ids.NodeID]*Group {
	t.Helper()
	trans := transport.NewLoopbackCluster(members)
	groups := make(map[ids.NodeID]*Group, len(members))
	for _, m := range members {
		cfg := Config{
			Local:     m,
			Members:   members,
			Layout:    flatLayout(sg),
			Transport: trans[m],
			Options:   testOptions(m, t.TempDir()),
			DataDir:   t.TempDir(),
		}
		g, err := Join(cfg)
		require.NoError(t, err)
		groups[m] = g
	}
	return groups
}

func shutdownAll(groups map[ids.NodeID]*Group) {
	for _, g := range groups {
		g.Shutdown()
	}
}

func TestJoin_BootstrapViewHasSubgroup(t *testing.T) {
	members := []ids.NodeID{1, 2, 3}
	sg := ids.SubgroupID(0)
	groups := joinCluster(t, members, sg)
	defer shutdownAll(groups)

	for _, m := range members {
		g := groups[m]
		_, err := g.GetSubgroup(sg)
		require.NoError(t, err)
		require.Equal(t, ids.ViewID(1), g.Current().ID)
	}
}

func TestOrderedSend_AggregatesEveryShardMemberReply(t *testing.T) {
	members := []ids.NodeID{1, 2, 3}
	sg := ids.SubgroupID(0)
	groups := joinCluster(t, members, sg)
	defer shutdownAll(groups)

	for _, m := range members {
		groups[m].RegisterSubgroup(sg, &counter{})
	}

	sender := groups[members[0]]
	handle, err := sender.GetSubgroup(sg)
	require.NoError(t, err)

	future, _, err := handle.OrderedSend(opIncrement, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := future.Get(ctx)
	require.NoError(t, err)
	require.Len(t, results, len(members))
}

func TestBarrierSync_DrainsOutstandingWindow(t *testing.T) {
	members := []ids.NodeID{1, 2}
	sg := ids.SubgroupID(0)
	groups := joinCluster(t, members, sg)
	defer shutdownAll(groups)

	for _, m := range members {
		groups[m].RegisterSubgroup(sg, &counter{})
	}

	sender := groups[members[0]]
	handle, err := sender.GetSubgroup(sg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := handle.OrderedSend(opIncrement, nil)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		sender.BarrierSync()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BarrierSync did not return")
	}
}

func TestLeave_SecondShutdownIsNoOp(t *testing.T) {
	members := []ids.NodeID{1, 2, 3}
	sg := ids.SubgroupID(0)
	groups := joinCluster(t, members, sg)
	defer shutdownAll(groups)

	leaver := groups[members[2]]
	leaver.Leave(true)

	// Leave must be idempotent: a second Shutdown on an already-closed
	// Group is a no-op, not a panic.
	leaver.Shutdown()
}

func TestP2PSend_RoundTripsThroughDispatcher(t *testing.T) {
	members := []ids.NodeID{1, 2}
	sg := ids.SubgroupID(0)
	groups := joinCluster(t, members, sg)
	defer shutdownAll(groups)

	for _, m := range members {
		groups[m].RegisterSubgroup(sg, &counter{})
	}

	caller := groups[members[0]]
	handle, err := caller.GetSubgroup(sg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := handle.P2PSend(ctx, members[1], opIncrement, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, reply)
}
