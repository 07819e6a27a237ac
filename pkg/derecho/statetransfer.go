package derecho

import (
	"bytes"
	"encoding/gob"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/persistence"
	"github.com/derecho-go/derecho-core/internal/transport"
	"github.com/derecho-go/derecho-core/internal/view"
)

// stateTransferPayload is the wire body of a KindStateTransfer envelope:
// the object snapshot plus persistence log tail spec.md §4.3 says get
// "serialized and shipped to new joiners on subsequent view changes."
type stateTransferPayload struct {
	Subgroup ids.SubgroupID
	HasState bool
	Snapshot []byte
	LogTail  []persistence.LogRecord
}

func encodeStateTransfer(p stateTransferPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStateTransfer(data []byte) (stateTransferPayload, error) {
	var p stateTransferPayload
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p)
	return p, err
}

// transferStateToNewMembers ships each active subgroup's current object
// state and persistence log tail to any shard member that is new in next
// relative to oldShardMembers (spec.md §4.3). Exactly one surviving old
// member -- deterministically the lowest NodeID among them -- sends, so a
// joiner does not receive the same snapshot once per surviving peer.
func (g *Group) transferStateToNewMembers(next *view.View, oldShardMembers map[ids.SubgroupID][]ids.NodeID) {
	g.mu.RLock()
	newShardMembers := make(map[ids.SubgroupID][]ids.NodeID, len(g.shardMembers))
	for sg, members := range g.shardMembers {
		newShardMembers[sg] = members
	}
	g.mu.RUnlock()

	for sg, members := range newShardMembers {
		old := oldShardMembers[sg]
		if len(old) == 0 {
			// This replica is itself new to the subgroup, or it is the
			// subgroup's first view: nothing to send from here.
			continue
		}
		oldSet := make(map[ids.NodeID]bool, len(old))
		for _, n := range old {
			oldSet[n] = true
		}
		var joiners []ids.NodeID
		for _, n := range members {
			if !oldSet[n] {
				joiners = append(joiners, n)
			}
		}
		if len(joiners) == 0 {
			continue
		}

		newSet := make(map[ids.NodeID]bool, len(members))
		for _, n := range members {
			newSet[n] = true
		}
		var sender ids.NodeID
		found := false
		for _, n := range old {
			if newSet[n] && (!found || n < sender) {
				sender, found = n, true
			}
		}
		if !found || sender != g.local {
			continue
		}

		g.sendStateTransfer(sg, joiners)
	}
}

func (g *Group) sendStateTransfer(sg ids.SubgroupID, joiners []ids.NodeID) {
	snapshot, hasState, err := g.dispatcher.Snapshot(sg)
	if err != nil {
		g.log.Errorf("derecho: state transfer snapshot failed for subgroup %d: %v", sg, err)
		return
	}
	tail, err := g.persist.ExportTail(sg)
	if err != nil {
		g.log.Errorf("derecho: state transfer log export failed for subgroup %d: %v", sg, err)
		return
	}

	payload, err := encodeStateTransfer(stateTransferPayload{
		Subgroup: sg,
		HasState: hasState,
		Snapshot: snapshot,
		LogTail:  tail,
	})
	if err != nil {
		g.log.Errorf("derecho: state transfer encode failed for subgroup %d: %v", sg, err)
		return
	}

	for _, joiner := range joiners {
		if err := g.trans.Unicast(joiner, transport.Envelope{
			From:     g.local,
			Subgroup: sg,
			Kind:     transport.KindStateTransfer,
			Payload:  payload,
		}); err != nil {
			g.log.Debugf("derecho: state transfer to %v dropped: %v", joiner, err)
		}
	}
}

// applyStateTransfer is pumpEnvelopes' KindStateTransfer handler: it loads
// the received object snapshot, if any, and appends the log tail, so a
// newly-admitted shard member catches up without replaying every ordered
// message from the beginning (spec.md §4.3).
func (g *Group) applyStateTransfer(env transport.Envelope) {
	payload, err := decodeStateTransfer(env.Payload)
	if err != nil {
		g.log.Errorf("derecho: state transfer decode failed from %v: %v", env.From, err)
		return
	}
	if payload.HasState {
		if err := g.dispatcher.LoadSnapshot(payload.Subgroup, payload.Snapshot); err != nil {
			g.log.Errorf("derecho: state transfer load failed for subgroup %d: %v", payload.Subgroup, err)
		}
	}
	if len(payload.LogTail) > 0 {
		if err := g.persist.ImportTail(payload.Subgroup, payload.LogTail); err != nil {
			g.log.Errorf("derecho: state transfer log import failed for subgroup %d: %v", payload.Subgroup, err)
		}
	}
}
