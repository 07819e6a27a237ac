package derecho

import (
	"context"

	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/dispatcher"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/transport"
)

// ExternalCaller is spec.md §6's get_subgroup_caller<T>(index) ->
// ExternalCaller: the non-member half of p2p_query, plus the receiving
// side of NotificationSupport for a process that never joined the group.
type ExternalCaller struct {
	sg     ids.SubgroupID
	disp   *dispatcher.Dispatcher
	client *dispatcher.ExternalClient
}

// NewExternalCaller builds an ExternalCaller bound to trans for a process
// that is not, and never becomes, a group member. The caller is
// responsible for pumping trans.Listen() into Dispatch.
func NewExternalCaller(sg ids.SubgroupID, trans transport.Transport, log derecholog.Logger) *ExternalCaller {
	return &ExternalCaller{
		sg:     sg,
		disp:   dispatcher.New(trans, log, nil),
		client: dispatcher.NewExternalClient(trans, log),
	}
}

// Dispatch feeds one inbound envelope into the caller's reply and
// notification routing; call it from the embedding process's own
// transport receive loop.
func (e *ExternalCaller) Dispatch(env transport.Envelope) {
	switch env.Kind {
	case transport.KindP2PReply:
		e.disp.HandleReply(env)
	case transport.KindNotification:
		e.client.HandleNotification(env.From, env)
	}
}

// P2PQuery is p2p_query<Method>(target, args...): a point-to-point RPC
// into a group member that does not require this process to be a member
// of any subgroup itself (spec.md §4.4's "external-client variant").
func (e *ExternalCaller) P2PQuery(ctx context.Context, target ids.NodeID, opcode uint16, args []byte) ([]byte, error) {
	return e.disp.P2PSend(ctx, target, e.sg, opcode, args)
}

// AddNotificationHandler is NotificationSupport.add_notification_handler:
// fn is called for every NotificationMessage the group pushes to this
// client.
func (e *ExternalCaller) AddNotificationHandler(fn func(ids.NodeID, dispatcher.NotificationMessage)) {
	e.client.AddNotificationHandler(fn)
}
