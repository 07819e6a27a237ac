package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
)

// ErrPeerUnreachable mirrors spec.md §7's PeerUnreachable kind.
var ErrPeerUnreachable = errors.New("transport: peer unreachable")

// registry wires every Loopback sharing the same registry together, the way
// the teacher's fuzzy/ and test/testing.go harnesses wire up in-process
// peers without sockets.
type registry struct {
	mu    sync.Mutex
	peers map[ids.NodeID]*Loopback
}

func newRegistry() *registry {
	return &registry{peers: make(map[ids.NodeID]*Loopback)}
}

// Loopback is the in-memory reference Transport: every "Publish"/"Unicast"
// is a direct channel send into the destination's inbox. Deliveries never
// drop unless the destination has been removed from the registry
// (simulating partition), matching the reliable-transport contract this
// package's interface assumes.
type Loopback struct {
	self ids.NodeID
	reg  *registry

	mu       sync.Mutex
	closed   bool
	inbox    chan Envelope
	rowInbox chan RowUpdate
}

// NewLoopbackCluster creates one Loopback per given NodeID, all able to
// reach each other.
func NewLoopbackCluster(members []ids.NodeID) map[ids.NodeID]*Loopback {
	reg := newRegistry()
	out := make(map[ids.NodeID]*Loopback, len(members))
	for _, m := range members {
		lb := &Loopback{
			self:     m,
			reg:      reg,
			inbox:    make(chan Envelope, 1024),
			rowInbox: make(chan RowUpdate, 1024),
		}
		reg.peers[m] = lb
		out[m] = lb
	}
	return out
}

// Join adds a new Loopback to an existing cluster's registry -- used when
// a joining replica needs a Transport wired into the same in-memory
// network as the existing members.
func (l *Loopback) Join(node ids.NodeID) *Loopback {
	lb := &Loopback{
		self:     node,
		reg:      l.reg,
		inbox:    make(chan Envelope, 1024),
		rowInbox: make(chan RowUpdate, 1024),
	}
	l.reg.mu.Lock()
	l.reg.peers[node] = lb
	l.reg.mu.Unlock()
	return lb
}

// Partition removes node from the reachable set, simulating a network
// partition; sends to it afterward fail with ErrPeerUnreachable.
func (l *Loopback) Partition(node ids.NodeID) {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	delete(l.reg.peers, node)
}

func (l *Loopback) Self() ids.NodeID { return l.self }

func (l *Loopback) peer(node ids.NodeID) (*Loopback, error) {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	p, ok := l.reg.peers[node]
	if !ok {
		return nil, errors.Wrapf(ErrPeerUnreachable, "node %v", node)
	}
	return p, nil
}

func (l *Loopback) Publish(dest []ids.NodeID, envelope Envelope) error {
	envelope.From = l.self
	for _, d := range dest {
		if err := l.Unicast(d, envelope); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loopback) Unicast(dest ids.NodeID, envelope Envelope) error {
	envelope.From = l.self
	p, err := l.peer(dest)
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.Wrapf(ErrPeerUnreachable, "node %v closed", dest)
	}
	select {
	case p.inbox <- envelope:
		return nil
	default:
		// Unbounded blocking send would risk deadlocking a test that
		// isn't draining fast enough; block instead of dropping so
		// the reliable-delivery contract still holds.
		p.inbox <- envelope
		return nil
	}
}

func (l *Loopback) PutRow(members []ids.NodeID, from ids.NodeID, snapshot statustable.RowSnapshot) error {
	for _, m := range members {
		if m == l.self {
			continue
		}
		p, err := l.peer(m)
		if err != nil {
			continue // table propagation is best-effort/eventually-consistent by design
		}
		p.rowInbox <- RowUpdate{From: from, Snapshot: snapshot}
	}
	return nil
}

func (l *Loopback) Listen() <-chan Envelope         { return l.inbox }
func (l *Loopback) RowUpdates() <-chan RowUpdate    { return l.rowInbox }

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.reg.mu.Lock()
	delete(l.reg.peers, l.self)
	l.reg.mu.Unlock()
	close(l.inbox)
	close(l.rowInbox)
	return nil
}
