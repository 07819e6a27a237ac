package transport

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
)

// wireFrame is the gob-encoded unit shipped over a TCP connection; Kind
// discriminates an Envelope from a row-snapshot push so both can share one
// stream per peer pair, the way the teacher's net_transport.go multiplexes
// RPC types over a single pooled connection.
type wireFrame struct {
	IsRow     bool
	Envelope  Envelope
	RowFrom   ids.NodeID
	RowSnap   statustable.RowSnapshot
}

// AddressBook resolves a NodeID to a dialable address -- standing in for
// the configuration loader's server list (spec.md §1, out of scope here).
type AddressBook interface {
	Address(node ids.NodeID) (string, bool)
}

// StaticAddressBook is the simplest AddressBook: a fixed map.
type StaticAddressBook map[ids.NodeID]string

func (s StaticAddressBook) Address(node ids.NodeID) (string, bool) {
	a, ok := s[node]
	return a, ok
}

// TCP is a real network Transport: one listener accepting inbound
// connections, and a pool of outbound connections dialed lazily and
// reused, matching the shape of the teacher's tcp_transport.go (pooled
// dial-once-reuse-many) rather than dialing fresh per message.
type TCP struct {
	self    ids.NodeID
	book    AddressBook
	log     derecholog.Logger
	timeout time.Duration

	listener net.Listener

	mu    sync.Mutex
	conns map[ids.NodeID]net.Conn
	enc   map[ids.NodeID]*gob.Encoder

	inbox    chan Envelope
	rowInbox chan RowUpdate
	closeCh  chan struct{}
}

// NewTCP binds bindAddr and starts accepting connections from peers
// resolved through book.
func NewTCP(self ids.NodeID, bindAddr string, book AddressBook, log derecholog.Logger, timeout time.Duration) (*TCP, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	t := &TCP{
		self:     self,
		book:     book,
		log:      log,
		timeout:  timeout,
		listener: ln,
		conns:    make(map[ids.NodeID]net.Conn),
		enc:      make(map[ids.NodeID]*gob.Encoder),
		inbox:    make(chan Envelope, 1024),
		rowInbox: make(chan RowUpdate, 1024),
		closeCh:  make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) Self() ids.NodeID { return t.self }

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				t.log.Warnf("transport: accept failed: %v", err)
				return
			}
		}
		go t.serve(conn)
	}
}

func (t *TCP) serve(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		var frame wireFrame
		if err := dec.Decode(&frame); err != nil {
			return
		}
		if frame.IsRow {
			select {
			case t.rowInbox <- RowUpdate{From: frame.RowFrom, Snapshot: frame.RowSnap}:
			case <-t.closeCh:
				return
			}
			continue
		}
		select {
		case t.inbox <- frame.Envelope:
		case <-t.closeCh:
			return
		}
	}
}

func (t *TCP) dial(node ids.NodeID) (*gob.Encoder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.enc[node]; ok {
		return enc, nil
	}
	addr, ok := t.book.Address(node)
	if !ok {
		return nil, errors.Wrapf(ErrPeerUnreachable, "no address for node %v", node)
	}
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return nil, errors.Wrapf(ErrPeerUnreachable, "dial %v: %v", node, err)
	}
	enc := gob.NewEncoder(conn)
	t.conns[node] = conn
	t.enc[node] = enc
	return enc, nil
}

func (t *TCP) dropConn(node ids.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[node]; ok {
		c.Close()
	}
	delete(t.conns, node)
	delete(t.enc, node)
}

func (t *TCP) send(node ids.NodeID, frame wireFrame) error {
	enc, err := t.dial(node)
	if err != nil {
		return err
	}
	if err := enc.Encode(frame); err != nil {
		t.dropConn(node)
		return errors.Wrapf(ErrPeerUnreachable, "send to %v: %v", node, err)
	}
	return nil
}

func (t *TCP) Publish(dest []ids.NodeID, envelope Envelope) error {
	envelope.From = t.self
	for _, d := range dest {
		if err := t.Unicast(d, envelope); err != nil {
			return err
		}
	}
	return nil
}

func (t *TCP) Unicast(dest ids.NodeID, envelope Envelope) error {
	envelope.From = t.self
	return t.send(dest, wireFrame{Envelope: envelope})
}

func (t *TCP) PutRow(members []ids.NodeID, from ids.NodeID, snapshot statustable.RowSnapshot) error {
	for _, m := range members {
		if m == t.self {
			continue
		}
		if err := t.send(m, wireFrame{IsRow: true, RowFrom: from, RowSnap: snapshot}); err != nil {
			t.log.Warnf("transport: row push to %v failed: %v", m, err)
		}
	}
	return nil
}

func (t *TCP) Listen() <-chan Envelope      { return t.inbox }
func (t *TCP) RowUpdates() <-chan RowUpdate { return t.rowInbox }

func (t *TCP) Close() error {
	close(t.closeCh)
	err := t.listener.Close()
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()
	return err
}
