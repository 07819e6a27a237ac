package dispatcher

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/transport"
)

const testSubgroup ids.SubgroupID = 3

type echoObject struct{}

func (echoObject) Persist(ids.Version) ([]byte, error) { return nil, nil }

func (echoObject) Methods() []MethodEntry {
	return []MethodEntry{{
		Opcode: 1,
		Decode: func(b []byte) (interface{}, error) { return string(b), nil },
		Handle: func(args interface{}) ([]byte, error) {
			return []byte("echo:" + args.(string)), nil
		},
	}}
}

func pumpDispatcher(t *testing.T, node ids.NodeID, trans transport.Transport, d *Dispatcher) {
	t.Helper()
	go func() {
		for env := range trans.Listen() {
			switch env.Kind {
			case transport.KindP2PQuery:
				d.HandleQuery(env.From, env)
			case transport.KindP2PReply:
				d.HandleReply(env)
			}
		}
	}()
}

func TestDispatcher_P2PSendRoundTrip(t *testing.T) {
	members := []ids.NodeID{1, 2}
	lbs := transport.NewLoopbackCluster(members)

	d1 := New(lbs[1], nil, nil)
	d2 := New(lbs[2], nil, nil)
	d2.Register(testSubgroup, echoObject{})

	pumpDispatcher(t, 1, lbs[1], d1)
	pumpDispatcher(t, 2, lbs[2], d2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := d1.P2PSend(ctx, 2, testSubgroup, 1, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(reply))
}

func TestDispatcher_DeliverRoutesMethodTable(t *testing.T) {
	lbs := transport.NewLoopbackCluster([]ids.NodeID{1})
	var gotSender ids.NodeID
	var gotVersion ids.Version
	d := New(lbs[1], nil, func(sg ids.SubgroupID, sender ids.NodeID, msgID ids.MessageID, body []byte, version ids.Version) {
		gotSender = sender
		gotVersion = version
	})

	var handled string
	d.Register(testSubgroup, testObject{handle: func(args string) { handled = args }})

	body := EncodeMethodCall(1, []byte("payload"))
	d.Deliver(testSubgroup, 7, 0, body, ids.MakeVersion(1, 1))

	require.Equal(t, ids.NodeID(7), gotSender)
	require.Equal(t, ids.MakeVersion(1, 1), gotVersion)
	require.Equal(t, "payload", handled)
}

type testObject struct {
	handle func(string)
}

func (testObject) Persist(ids.Version) ([]byte, error) { return nil, nil }

func (o testObject) Methods() []MethodEntry {
	return []MethodEntry{{
		Opcode: 1,
		Decode: func(b []byte) (interface{}, error) { return string(b), nil },
		Handle: func(args interface{}) ([]byte, error) {
			o.handle(args.(string))
			return nil, nil
		},
	}}
}

func TestExternalClient_DropsNotificationWhenDisconnected(t *testing.T) {
	lbs := transport.NewLoopbackCluster([]ids.NodeID{1, 2})
	ec := NewExternalClient(lbs[1], nil)

	// Not connected: Notify must not panic or block, and must not
	// attempt delivery.
	ec.Notify(2, NotificationMessage{MessageType: 5, Body: []byte("hi")})

	ec.Connect(2)

	var received []NotificationMessage
	done := make(chan struct{}, 1)
	go func() {
		for env := range lbs[2].Listen() {
			if env.Kind == transport.KindNotification {
				msg, err := decodeNotification(env.Payload)
				require.NoError(t, err)
				received = append(received, msg)
				done <- struct{}{}
				return
			}
		}
	}()

	ec.Notify(2, NotificationMessage{MessageType: 9, Body: []byte("payload")})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a notification to arrive")
	}
	require.Len(t, received, 1)
	require.Equal(t, uint64(9), received[0].MessageType)
}

func TestEncodeDecodeMethodCall(t *testing.T) {
	body := EncodeMethodCall(42, []byte("args"))
	require.Equal(t, uint16(42), binary.BigEndian.Uint16(body[:2]))
	require.Equal(t, "args", string(body[2:]))
}
