package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codecollab/internal/utils"
)

// Domain event types published by the rooms layer and consumed by the
// collaboration orchestrator. The bus keeps the dependency one-directional:
// the rooms layer never holds a reference to the gateway.
const (
	TypeRoomEnded        = "room-ended"
	TypeRoomForceDeleted = "room-force-deleted"
)

const channel = "codecollab:rooms"

// DomainEvent is the payload carried on the bus.
type DomainEvent struct {
	Type       string    `json:"type"`
	RoomID     string    `json:"roomId"`
	RoomName   string    `json:"roomName,omitempty"`
	UserID     string    `json:"userId,omitempty"` // target user for force-deleted notices
	ActorID    string    `json:"actorId,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instanceId"`
}

// Bus is a Redis pub/sub fan-out for domain events. Every server instance
// subscribes; handlers run for events from all instances, including the
// local one, since each instance owns its own sockets.
type Bus struct {
	rdb        *redis.Client
	instanceID string
	log        *utils.Logger
}

func NewBus(rdb *redis.Client, log *utils.Logger) *Bus {
	return &Bus{rdb: rdb, instanceID: uuid.NewString(), log: log}
}

// InstanceID identifies this publisher on the bus.
func (b *Bus) InstanceID() string { return b.instanceID }

// Publish emits a domain event to every instance.
func (b *Bus) Publish(ctx context.Context, evt DomainEvent) error {
	evt.InstanceID = b.instanceID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe delivers domain events to handler until ctx is cancelled.
// Runs in the calling goroutine; start it with go.
func (b *Bus) Subscribe(ctx context.Context, handler func(DomainEvent)) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	b.log.Info("subscribed to room domain events", "instanceId", b.instanceID)

	for {
		select {
		case <-ctx.Done():
			b.log.Info("stopping domain event subscriber", "instanceId", b.instanceID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt DomainEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn("undecodable domain event", "error", err)
				continue
			}
			handler(evt)
		}
	}
}
