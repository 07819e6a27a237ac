// Package transport is the boundary to the "RDMA/reliable-byte-transport
// substrate" spec.md §1 places out of scope: the core only ever depends on
// the Transport interface below, which matches the collaborator contract
// in spec.md §6 (publish, put, get_local_copy). Loopback (this package) is
// the in-memory reference implementation used by tests; TCP, which the
// demo runs over, is a real, if modest, network implementation
// grounded on the teacher's own tcp_transport.go/net_transport.go.
package transport

import (
	"io"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
)

// Envelope is one multicast/p2p payload in flight, addressed by the
// subgroup it belongs to so a single Transport can multiplex every
// subgroup a replica participates in.
type Envelope struct {
	From     ids.NodeID
	Subgroup ids.SubgroupID
	Kind     Kind
	Payload  []byte
}

// Kind distinguishes the handful of message shapes the core ships over
// Transport -- ordered multicast bodies, unicast p2p queries/replies, and
// view-manager control traffic all share one Envelope shape.
type Kind uint8

const (
	KindMulticast Kind = iota
	KindP2PQuery
	KindP2PReply
	KindViewControl
	KindNotification
	KindStateTransfer
)

// Transport provides the reliable in-order per-pair delivery and the
// shared "remote read" row-propagation primitive the rest of the core is
// built on, per spec.md §6.
type Transport interface {
	io.Closer

	// Publish reliably delivers payload to every member of dest, in
	// order per sender/destination pair.
	Publish(dest []ids.NodeID, envelope Envelope) error

	// Unicast reliably delivers payload to a single peer, used for
	// p2p_send and its replies.
	Unicast(dest ids.NodeID, envelope Envelope) error

	// PutRow pushes the local row snapshot to every other given member
	// -- the one-sided remote write spec.md §4.1 describes.
	PutRow(members []ids.NodeID, from ids.NodeID, snapshot statustable.RowSnapshot) error

	// Listen returns the channel envelopes arrive on.
	Listen() <-chan Envelope

	// RowUpdates returns the channel row snapshots pushed by PutRow
	// arrive on.
	RowUpdates() <-chan RowUpdate

	// Self reports the NodeID this Transport instance speaks for.
	Self() ids.NodeID
}

// RowUpdate is one PutRow delivery.
type RowUpdate struct {
	From     ids.NodeID
	Snapshot statustable.RowSnapshot
}
