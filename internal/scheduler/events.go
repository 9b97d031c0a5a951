package scheduler

import (
	"context"

	domainevents "github.com/lyqingye/fetchd/internal/domain/events"
	"github.com/lyqingye/fetchd/pkg/interfaces"
)

// domainEventAdapter bridges a domain event (uuid.UUID aggregate ID,
// time.Time timestamp) onto pkg/interfaces.Event (string ID, unix
// timestamp), the shape the outward event bus transports expect. The
// task actor's own TaskUpdated envelope does the same narrowing for
// task-update events while keeping their payload assertable; the
// subscription-lifecycle events published here need no such recovery,
// so the plain adapter suffices.
type domainEventAdapter struct {
	inner domainevents.Event
}

func (d domainEventAdapter) EventType() string   { return d.inner.EventType() }
func (d domainEventAdapter) Timestamp() int64    { return d.inner.CreatedAt().Unix() }
func (d domainEventAdapter) AggregateID() string { return d.inner.AggregateID().String() }

// publish broadcasts a domain event over bus, a no-op if bus is nil
// (e.g. in tests that don't care about outward notifications).
func publish(ctx context.Context, bus interfaces.EventBus, evt domainevents.Event) {
	if bus == nil {
		return
	}
	bus.PublishAsync(ctx, domainEventAdapter{evt})
}
