package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of domain event carried on the Bus.
type Type string

const (
	TypeCAChanged            Type = "ca.changed"
	TypeConnectivityChanged  Type = "connectivity.changed"
	TypeCertificateIssued    Type = "certificate.issued"
	TypeCertificateRevoked   Type = "certificate.revoked"
	TypeThingUpdated         Type = "thing.updated"
	TypeThingDeleted         Type = "thing.deleted"
	TypeNetworkUp            Type = "network.up"
	TypeNetworkDown          Type = "network.down"
	TypeShadowVersionApplied Type = "shadow.version_applied"
)

// Event is a single domain event carried on the Bus.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]interface{}
}

// Handler reacts to a single event. It must not block for long: the bus
// dispatches synchronously, so a slow handler stalls every other emitter.
// Handlers that need to do real work should schedule it on their own
// goroutine and return quickly.
type Handler func(Event)

// Bus is an in-process, type-keyed, synchronous publish/subscribe bus. Each
// Emit call fans out to every handler registered for that event's Type, in
// registration order, on the caller's goroutine. A handler that panics is
// isolated from its siblings: the bus recovers and logs, the remaining
// handlers still run.
//
// Handlers that need async behavior schedule their own work; the bus never
// hands events to a background goroutine.
type Bus struct {
	mu       sync.Mutex
	handlers map[Type][]Handler
	onPanic  func(Type, any)
}

// NewBus creates an empty event bus. onPanic, if non-nil, is invoked with
// the event type and recovered value whenever a handler panics; it defaults
// to a no-op so construction never requires a logger dependency.
func NewBus(onPanic func(Type, any)) *Bus {
	if onPanic == nil {
		onPanic = func(Type, any) {}
	}
	return &Bus{
		handlers: make(map[Type][]Handler),
		onPanic:  onPanic,
	}
}

// On registers a handler for the given event type.
func (b *Bus) On(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit dispatches event to every handler registered for event.Type,
// synchronously, on the calling goroutine. Emissions are serialized across
// concurrent callers so handler state never observes two emissions at once.
func (b *Bus) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.handlers[event.Type] {
		b.invoke(event, h)
	}
}

func (b *Bus) invoke(event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.onPanic(event.Type, r)
		}
	}()
	h(event)
}

// HandlerCount returns the number of handlers registered for a type, mostly
// useful from tests.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[t])
}
