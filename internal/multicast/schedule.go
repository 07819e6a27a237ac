package multicast

import "github.com/derecho-go/derecho-core/internal/ids"

// schedule implements the deterministic round-robin delivery order from
// spec.md §4.2: round r, position i delivers the message from sender
// members[i] with msg_id = r. Position is the flattened (r, i) pair,
// counted from zero in schedule order, so "how many positions have been
// delivered" is a single monotone integer -- exactly the shape
// delivered_num[subgroup] needs to be a status-table column.
type schedule struct {
	members []ids.NodeID
}

func newSchedule(members []ids.NodeID) schedule {
	return schedule{members: members}
}

func (s schedule) width() int {
	return len(s.members)
}

// At returns the sender and round (== msg id within that sender's own
// stream) for the given flattened position.
func (s schedule) at(position uint64) (sender ids.NodeID, round ids.MessageID) {
	w := uint64(s.width())
	return s.members[position%w], ids.MessageID(position / w)
}
