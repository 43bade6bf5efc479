package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

func TestPubSubBusDeliversToSubscribers(t *testing.T) {
	bus := NewPubSubBus(4, nil)
	defer bus.Shutdown()

	ch := bus.Subscribe(domain.EventDeployed)

	bus.Publish(domain.EventDeployed, map[string]any{"task_id": "web"})
	bus.Publish(domain.EventDeploymentFailed, map[string]any{"task_id": "other"})

	select {
	case raw := <-ch:
		msg, ok := raw.(BusMessage)
		require.True(t, ok)
		assert.Equal(t, domain.EventDeployed, msg.Type)
		assert.Equal(t, "web", msg.Payload["task_id"])
	case <-time.After(time.Second):
		t.Fatal("expected a message on the subscribed topic")
	}

	// The failure topic was not subscribed; nothing else arrives.
	select {
	case raw := <-ch:
		t.Fatalf("unexpected message: %v", raw)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPubSubBusNeverBlocksPublisher(t *testing.T) {
	bus := NewPubSubBus(1, nil)
	defer bus.Shutdown()

	// A subscriber that never drains must not stall publishing.
	bus.Subscribe(domain.EventDeployed)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(domain.EventDeployed, map[string]any{"n": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestNopBusDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		NopBus{}.Publish(domain.EventDeployed, map[string]any{"task_id": "web"})
	})
}
