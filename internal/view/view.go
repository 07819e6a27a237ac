// Package view implements the View Manager from spec.md §4.3: view
// installation, the membership change protocol, ragged trim, and
// subgroup layout.
package view

import (
	"github.com/pkg/errors"

	"github.com/derecho-go/derecho-core/internal/ids"
)

// ErrUnderProvisioned names spec.md §7's UnderProvisioned kind: a
// subgroup's shard cannot be formed from the current membership. Nothing
// in this package returns it; a LayoutFunc reports that case by setting
// ShardView.Active to false.
var ErrUnderProvisioned = errors.New("view: subgroup under-provisioned")

// State is a view's lifecycle stage, per spec.md §4.3.
type State int

const (
	Proposed State = iota
	Committed
	Installed
	Retired
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "PROPOSED"
	case Committed:
		return "COMMITTED"
	case Installed:
		return "INSTALLED"
	case Retired:
		return "RETIRED"
	default:
		return "UNKNOWN"
	}
}

// MemberState is a member's status with respect to the current view.
type MemberState int

const (
	Joining MemberState = iota
	ActiveInView
	Leaving
)

// ShardView is one subgroup's membership within a View, possibly split
// into multiple shards.
type ShardView struct {
	SubgroupID ids.SubgroupID
	Shards     [][]ids.NodeID // Shards[shardIdx] = ordered member list
	Active     bool           // false when the layout function reported UnderProvisioned
}

// ShardOf returns the shard a node belongs to within this subgroup, or
// (nil, 0, false) if the node is not a member of any shard.
func (s ShardView) ShardOf(node ids.NodeID) ([]ids.NodeID, ids.ShardID, bool) {
	for i, shard := range s.Shards {
		for _, m := range shard {
			if m == node {
				return shard, ids.ShardID(i), true
			}
		}
	}
	return nil, 0, false
}

// View is the agreed-upon top-level membership at one point in the
// group's history, plus its derived subgroup layout.
type View struct {
	ID       ids.ViewID
	PrevID   ids.ViewID
	Members  []ids.NodeID
	State    State
	Subgroup map[ids.SubgroupID]ShardView

	// RaggedTrim[subgroupID][sender] is the highest msg_id from sender
	// guaranteed delivered, in the view this one replaced (PrevID), by
	// every member that survives into this view, per spec.md §4.3. It is
	// set on a view installed by a reconfiguration and is nil for the
	// bootstrap view.
	RaggedTrim map[ids.SubgroupID]map[ids.NodeID]ids.MessageID
}

// IsMember reports whether node belongs to this view.
func (v *View) IsMember(node ids.NodeID) bool {
	for _, m := range v.Members {
		if m == node {
			return true
		}
	}
	return false
}

// LayoutFunc maps a candidate member list to a per-subgroup shard
// assignment, per spec.md §4.3's "user-supplied layout function". It
// marks any subgroup it cannot form with ShardView.Active set to false,
// rather than failing the whole view; it returns no error.
type LayoutFunc func(members []ids.NodeID) map[ids.SubgroupID]ShardView

// delta is one proposed membership change, mirroring
// statustable.ChangeEntry but decoupled from that package so view does
// not need to reach into a specific row.
type delta struct {
	Node ids.NodeID
	Join bool
}

func applyDeltas(base []ids.NodeID, deltas []delta) []ids.NodeID {
	next := append([]ids.NodeID(nil), base...)
	for _, d := range deltas {
		if d.Join {
			found := false
			for _, m := range next {
				if m == d.Node {
					found = true
					break
				}
			}
			if !found {
				next = append(next, d.Node)
			}
		} else {
			out := next[:0]
			for _, m := range next {
				if m != d.Node {
					out = append(out, m)
				}
			}
			next = out
		}
	}
	return next
}
