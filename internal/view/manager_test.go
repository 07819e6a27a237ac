package view

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
)

const testSubgroup ids.SubgroupID = 1

func flatLayout(members []ids.NodeID) map[ids.SubgroupID]ShardView {
	return map[ids.SubgroupID]ShardView{
		testSubgroup: {
			SubgroupID: testSubgroup,
			Shards:     [][]ids.NodeID{append([]ids.NodeID(nil), members...)},
			Active:     true,
		},
	}
}

// cluster wires together one statustable.Table and one Manager per node,
// propagating Put()s synchronously (no transport needed: tests call Poll
// explicitly to drive the protocol forward deterministically).
type cluster struct {
	members []ids.NodeID
	tables  map[ids.NodeID]*statustable.Table
	mgrs    map[ids.NodeID]*Manager
}

func newTestCluster(t *testing.T, members []ids.NodeID, layout LayoutFunc) *cluster {
	t.Helper()
	c := &cluster{
		members: members,
		tables:  make(map[ids.NodeID]*statustable.Table),
		mgrs:    make(map[ids.NodeID]*Manager),
	}
	for _, m := range members {
		c.tables[m] = statustable.New(members, m, 0)
	}
	for _, m := range members {
		node := m
		c.tables[node].SetPropagator(func(from ids.NodeID, snap statustable.RowSnapshot) {
			for _, other := range members {
				if other == node {
					continue
				}
				c.tables[other].ApplyRemote(from, snap)
			}
		})
	}
	initial := &View{
		ID:       0,
		Members:  members,
		State:    Installed,
		Subgroup: layout(members),
	}
	for _, m := range members {
		installed := make([]ids.NodeID, len(members))
		copy(installed, members)
		view := &View{ID: 0, Members: installed, State: Installed, Subgroup: layout(installed)}
		c.mgrs[m] = New(Config{Initial: view, Table: c.tables[m], Layout: layout, Local: m}, nil)
	}
	_ = initial
	return c
}

// poll runs one Poll() round on every member, a fixed number of times,
// enough for a single proposal to reach committed+installed.
func (c *cluster) poll(rounds int) {
	for i := 0; i < rounds; i++ {
		for _, m := range c.members {
			c.mgrs[m].Poll()
		}
	}
}

func TestManager_ProposeCommitInstall(t *testing.T) {
	members := []ids.NodeID{1, 2, 3}
	c := newTestCluster(t, members, flatLayout)

	leader, ok := c.mgrs[1].Leader()
	require.True(t, ok)
	require.Equal(t, ids.NodeID(1), leader)
	require.True(t, c.mgrs[1].IsLeader())
	require.False(t, c.mgrs[2].IsLeader())

	ok = c.mgrs[1].ProposeJoin(4)
	require.True(t, ok)
	// Non-leaders must not be able to append to the change log.
	require.False(t, c.mgrs[2].ProposeJoin(5))

	c.poll(5)

	for _, m := range members {
		v := c.mgrs[m].Current()
		require.Equal(t, ids.ViewID(1), v.ID)
		require.ElementsMatch(t, []ids.NodeID{1, 2, 3, 4}, v.Members)
	}
}

func TestManager_UnderProvisionedUntilScaled(t *testing.T) {
	quorumLayout := func(members []ids.NodeID) map[ids.SubgroupID]ShardView {
		if len(members) < 3 {
			return map[ids.SubgroupID]ShardView{
				testSubgroup: {SubgroupID: testSubgroup, Active: false},
			}
		}
		return flatLayout(members)
	}

	members := []ids.NodeID{1, 2}
	c := newTestCluster(t, members, quorumLayout)
	require.False(t, c.mgrs[1].Current().Subgroup[testSubgroup].Active)

	require.True(t, c.mgrs[1].ProposeJoin(3))
	c.poll(5)

	v := c.mgrs[1].Current()
	require.ElementsMatch(t, []ids.NodeID{1, 2, 3}, v.Members)
	require.True(t, v.Subgroup[testSubgroup].Active)
}

func TestManager_SuspicionChangesLeader(t *testing.T) {
	members := []ids.NodeID{1, 2, 3}
	c := newTestCluster(t, members, flatLayout)

	c.mgrs[2].SuspectMember(1)
	c.mgrs[3].SuspectMember(1)

	leader, ok := c.mgrs[2].Leader()
	require.True(t, ok)
	require.Equal(t, ids.NodeID(2), leader)
}

func TestManager_RaggedTrimIsMinOverSurvivors(t *testing.T) {
	members := []ids.NodeID{1, 2, 3}
	c := newTestCluster(t, members, flatLayout)

	// delivered_num is the flattened round-robin schedule position count
	// (round*width + senderIdx, per internal/multicast's schedule), not a
	// per-sender msg_id: these say node 1 has locally delivered through
	// position 47 and node 3 only through position 40, across all three
	// senders combined.
	c.tables[1].Local().BumpDeliveredNum(testSubgroup, 47)
	c.tables[3].Local().BumpDeliveredNum(testSubgroup, 40)
	c.tables[1].Put()
	c.tables[3].Put()

	c.mgrs[1].ProposeLeave(2)
	c.poll(5)

	v := c.mgrs[1].Current()
	require.NotNil(t, v.RaggedTrim)
	trim := v.RaggedTrim[testSubgroup]

	// flatLayout keeps members in input order, so node 1 is schedule
	// index 0 and node 3 is index 2. The highest round each survivor has
	// actually delivered from sender 1 is floor((47-1-0)/3)=15 at node 1
	// and floor((40-1-0)/3)=13 at node 3, so the agreed trim for sender 1
	// is 13 -- not the raw delivered_num column (40), which a
	// shard-wide-count reading would have produced instead.
	require.Equal(t, ids.MessageID(13), trim[1])
	require.Equal(t, ids.MessageID(12), trim[3])
}

// TestManager_RaggedTrimExcludesUndeliveredSender exercises the branch
// TestManager_RaggedTrimIsMinOverSurvivors never reaches: a surviving
// member that has not locally delivered even a sender's first message
// (delivered_num still at its default, ids.NoMessage) must produce
// ids.NoMessage in the trim for every sender, not 0 -- a 0 would tell
// FinalizeTrim to release that sender's message 0 as stable in the
// departing view for whichever survivor's pending buffer happens to
// already hold it, even though the slower survivor never got it,
// violating virtual synchrony (spec.md I4).
func TestManager_RaggedTrimExcludesUndeliveredSender(t *testing.T) {
	members := []ids.NodeID{1, 2, 3}
	c := newTestCluster(t, members, flatLayout)

	// Node 1 has delivered well into the schedule; node 3 (the other
	// survivor) has delivered nothing at all this view, so its
	// delivered_num column never gets bumped and stays ids.NoMessage.
	c.tables[1].Local().BumpDeliveredNum(testSubgroup, 47)
	c.tables[1].Put()

	c.mgrs[1].ProposeLeave(2)
	c.poll(5)

	v := c.mgrs[1].Current()
	require.NotNil(t, v.RaggedTrim)
	trim := v.RaggedTrim[testSubgroup]

	require.Equal(t, ids.NoMessage, trim[1])
	require.Equal(t, ids.NoMessage, trim[2])
	require.Equal(t, ids.NoMessage, trim[3])
}
