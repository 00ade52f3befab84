package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"codecollab/internal/utils"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	rdb := setupTestRedis(t)
	bus := NewBus(rdb, utils.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan DomainEvent, 1)
	go bus.Subscribe(ctx, func(evt DomainEvent) { received <- evt })

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	err := bus.Publish(ctx, DomainEvent{
		Type:    TypeRoomEnded,
		RoomID:  "room-1",
		ActorID: "admin-1",
		Message: "room ended by creator",
	})
	assert.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, TypeRoomEnded, evt.Type)
		assert.Equal(t, "room-1", evt.RoomID)
		assert.Equal(t, bus.InstanceID(), evt.InstanceID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("expected domain event to arrive")
	}
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	rdb := setupTestRedis(t)
	bus := NewBus(rdb, utils.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Subscribe(ctx, func(DomainEvent) {})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop on cancel")
	}
}
