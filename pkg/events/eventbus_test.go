package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyqingye/fetchd/pkg/interfaces"
	"github.com/lyqingye/fetchd/pkg/logger"
)

type recordingHandler struct {
	eventType string
	mu        sync.Mutex
	seen      []interfaces.Event
}

func (h *recordingHandler) Handle(ctx context.Context, event interfaces.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, event)
	return nil
}

func (h *recordingHandler) EventType() string { return h.eventType }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestInMemoryBusDeliversToSubscribedType(t *testing.T) {
	bus := NewInMemoryEventBus(logger.NewNoop())
	handler := &recordingHandler{eventType: "TaskUpdated"}
	require.NoError(t, bus.Subscribe("TaskUpdated", handler))

	evt := NewAggregateEvent("TaskUpdated", "e93a1a84", map[string]interface{}{"status": "downloading"})
	require.NoError(t, bus.Publish(context.Background(), evt))

	require.Equal(t, 1, handler.count())
	assert.Equal(t, "e93a1a84", handler.seen[0].AggregateID())
}

func TestInMemoryBusIgnoresOtherTypes(t *testing.T) {
	bus := NewInMemoryEventBus(logger.NewNoop())
	handler := &recordingHandler{eventType: "TaskUpdated"}
	require.NoError(t, bus.Subscribe("TaskUpdated", handler))

	require.NoError(t, bus.Publish(context.Background(), NewEvent("Subscribed", nil)))
	assert.Zero(t, handler.count())
}

func TestInMemoryBusUnsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(logger.NewNoop())
	handler := &recordingHandler{eventType: "TaskUpdated"}
	require.NoError(t, bus.Subscribe("TaskUpdated", handler))
	require.NoError(t, bus.Unsubscribe("TaskUpdated", handler))

	require.NoError(t, bus.Publish(context.Background(), NewEvent("TaskUpdated", nil)))
	assert.Zero(t, handler.count())
}

// PublishAsync must have delivered everything by the time Stop returns,
// so subscribers never observe an event after the bus claims to be
// down.
func TestInMemoryBusStopDrainsAsyncPublishes(t *testing.T) {
	bus := NewInMemoryEventBus(logger.NewNoop())
	handler := &recordingHandler{eventType: "TaskUpdated"}
	require.NoError(t, bus.Subscribe("TaskUpdated", handler))

	for i := 0; i < 32; i++ {
		bus.PublishAsync(context.Background(), NewEvent("TaskUpdated", nil))
	}
	require.NoError(t, bus.Stop())
	assert.Equal(t, 32, handler.count())
}
