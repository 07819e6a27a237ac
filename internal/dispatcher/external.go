package dispatcher

import (
	"sync"

	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/transport"
)

// NotificationMessage is spec.md §6's NotificationMessage: a tagged,
// variable-length body handed to non-member processes.
type NotificationMessage struct {
	MessageType uint64
	Body        []byte
}

// ExternalClient is spec.md §4.4's "external-client variant": it
// forwards NotificationSupport.notify traffic to non-member processes.
// p2p queries from those processes (get_subgroup_caller) are answered by
// Dispatcher.HandleQuery, not by ExternalClient. Per
// SPEC_FULL.md §9's resolution of the second open question, delivery to
// a disconnected client is best-effort and silently dropped rather than
// buffered or retried.
type ExternalClient struct {
	mu       sync.RWMutex
	trans    transport.Transport
	log      derecholog.Logger
	clients  map[ids.NodeID]bool
	handlers []func(ids.NodeID, NotificationMessage)
}

// NewExternalClient creates an ExternalClient bound to trans.
func NewExternalClient(trans transport.Transport, log derecholog.Logger) *ExternalClient {
	return &ExternalClient{
		trans:   trans,
		log:     log,
		clients: make(map[ids.NodeID]bool),
	}
}

// Connect registers node as a reachable non-member client. Call again
// after a reconnect; Disconnect marks it unreachable.
func (e *ExternalClient) Connect(node ids.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[node] = true
}

// Disconnect marks node unreachable; in-flight and future Notify calls
// to it are dropped rather than queued.
func (e *ExternalClient) Disconnect(node ids.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, node)
}

// AddNotificationHandler registers fn to be called whenever a
// notification arrives from the group for a connected client -- the
// NotificationSupport.add_notification_handler hook from spec.md §6.
func (e *ExternalClient) AddNotificationHandler(fn func(ids.NodeID, NotificationMessage)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// Notify is NotificationSupport.notify: it pushes msg to target if
// still connected, dropping it silently otherwise.
func (e *ExternalClient) Notify(target ids.NodeID, msg NotificationMessage) {
	e.mu.RLock()
	connected := e.clients[target]
	e.mu.RUnlock()
	if !connected {
		if e.log != nil {
			e.log.Debug("dispatcher: dropping notification to disconnected client", target)
		}
		return
	}
	payload := encodeNotification(msg)
	if err := e.trans.Unicast(target, transport.Envelope{
		Kind:    transport.KindNotification,
		Payload: payload,
	}); err != nil {
		if e.log != nil {
			e.log.Debugf("dispatcher: notification to %v dropped: %v", target, err)
		}
		e.Disconnect(target)
	}
}

// HandleNotification is called by the receiving side's transport pump
// when a KindNotification envelope arrives; it fans the decoded message
// out to every registered handler.
func (e *ExternalClient) HandleNotification(from ids.NodeID, env transport.Envelope) {
	msg, err := decodeNotification(env.Payload)
	if err != nil {
		return
	}
	e.mu.RLock()
	handlers := append([]func(ids.NodeID, NotificationMessage){}, e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(from, msg)
	}
}

func encodeNotification(msg NotificationMessage) []byte {
	buf := make([]byte, 8+len(msg.Body))
	for i := 0; i < 8; i++ {
		buf[i] = byte(msg.MessageType >> (8 * (7 - i)))
	}
	copy(buf[8:], msg.Body)
	return buf
}

func decodeNotification(buf []byte) (NotificationMessage, error) {
	if len(buf) < 8 {
		return NotificationMessage{}, errShortPacket
	}
	var t uint64
	for i := 0; i < 8; i++ {
		t = (t << 8) | uint64(buf[i])
	}
	return NotificationMessage{MessageType: t, Body: append([]byte(nil), buf[8:]...)}, nil
}
