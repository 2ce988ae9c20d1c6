package chat

import (
	"context"
	"encoding/json"

	"chatrelay/logger"
	"chatrelay/service/storage"
)

// Bus is the cross-gateway leg of the relay. natsx.Bus satisfies it.
type Bus interface {
	Publish(gatewayID string, data []byte) error
}

// remoteEnvelope wraps a frame published to another gateway's subject.
type remoteEnvelope struct {
	TargetUserID string `json:"target_user_id"`
	Frame        Frame  `json:"frame"`
}

// Relay routes events to live connections. Stateless: it owns nothing,
// reading the Presence Directory and the local connection indices on every
// call. Delivery is best-effort at-most-once; an unreachable target is a
// silent drop, never an error to the sender.
type Relay struct {
	gwID string
	mgr  *ConnManager
	dir  storage.Directory
	bus  Bus // nil in single-node deployments
}

func NewRelay(gwID string, mgr *ConnManager, dir storage.Directory, bus Bus) *Relay {
	return &Relay{gwID: gwID, mgr: mgr, dir: dir, bus: bus}
}

// RelayDirect delivers a frame to the target user's live connection, local
// or on a peer gateway. Absence is not an error; the contract ends at
// hand-off to the transport.
func (r *Relay) RelayDirect(ctx context.Context, targetUserID string, f Frame) error {
	entry, ok, err := r.dir.GetConnection(ctx, targetUserID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // offline: drop silently
	}
	if entry.GatewayID == r.gwID || entry.GatewayID == "" {
		if err := r.mgr.Send(entry.ConnID, f.Encode()); err != nil {
			// stale presence entry or dying socket: best-effort, log only
			logger.Infof("[relay] local deliver skipped user=%s conn=%s: %v",
				targetUserID, entry.ConnID, err)
		}
		return nil
	}
	if r.bus == nil {
		logger.Warnf("[relay] no bus, dropping frame for user=%s on gateway=%s",
			targetUserID, entry.GatewayID)
		return nil
	}
	env, err := json.Marshal(remoteEnvelope{TargetUserID: targetUserID, Frame: f})
	if err != nil {
		return err
	}
	if err := r.bus.Publish(entry.GatewayID, env); err != nil {
		logger.Warnf("[relay] publish to gateway=%s failed: %v", entry.GatewayID, err)
	}
	return nil
}

// RelayToRoom fans a frame out to every connection joined to the room,
// except the excluded one (usually the sender).
func (r *Relay) RelayToRoom(roomID string, f Frame, excludeConnID string) {
	data := f.Encode()
	for _, w := range r.mgr.RoomMembers(roomID) {
		if w.ID == excludeConnID {
			continue
		}
		if err := r.mgr.Send(w.ID, data); err != nil {
			logger.Infof("[relay] room=%s deliver to conn=%s skipped: %v", roomID, w.ID, err)
		}
	}
}

// BroadcastChatCreated notifies every member except the initiator. Members
// without presence simply miss the event; they reconcile on reconnect.
func (r *Relay) BroadcastChatCreated(ctx context.Context, initiatorID string, memberIDs []string, f Frame) {
	for _, member := range memberIDs {
		if member == initiatorID {
			continue
		}
		if err := r.RelayDirect(ctx, member, f); err != nil {
			logger.Warnf("[relay] chat-created to user=%s failed: %v", member, err)
		}
	}
}

// HandleRemote delivers a frame that a peer gateway published for a user
// connected here.
func (r *Relay) HandleRemote(data []byte) {
	var env remoteEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warnf("[relay] bad remote envelope: %v", err)
		return
	}
	if err := r.mgr.SendToUser(env.TargetUserID, env.Frame.Encode()); err != nil {
		logger.Infof("[relay] remote deliver skipped user=%s: %v", env.TargetUserID, err)
	}
}
