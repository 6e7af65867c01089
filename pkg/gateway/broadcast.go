package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// Envelope is a frame addressed to the subscribers of a room.
type Envelope struct {
	RoomID      int64           `json:"roomId"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

func newEnvelope(roomID int64, excludeConn string, push Push) (Envelope, error) {
	frame, err := json.Marshal(push)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s push: %w", push.Event, err)
	}
	return Envelope{RoomID: roomID, ExcludeConn: excludeConn, Frame: frame}, nil
}

// Broadcaster carries room frames to every gateway holding subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// LocalBroadcaster delivers straight to this process's hub. It serves
// single-gateway deployments.
type LocalBroadcaster struct {
	hub *Hub
}

func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

func (b *LocalBroadcaster) Publish(ctx context.Context, env Envelope) error {
	b.hub.Deliver(env)
	return nil
}

func (b *LocalBroadcaster) Close() error {
	return nil
}
