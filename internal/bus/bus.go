package bus

import (
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// Handler receives a published event. Handlers run synchronously on the
// publishing goroutine, in publish order. Relative order between handlers
// of the same event is unspecified.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	logger *zap.Logger
}

type subscription struct {
	namespace string
	fn        Handler
	key       uintptr
}

// Subscription is a handle for one registration. Releasing it removes the
// registration; releasing twice, or releasing a handle whose registration
// is already gone, is a no-op.
type Subscription struct {
	bus  *Bus
	id   int
	once sync.Once
}

// Release removes the subscription. Idempotent.
func (s *Subscription) Release() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// New creates a new event bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Subscribe registers fn for all events whose Kind has the given namespace
// prefix. Registering the same function twice under the same namespace keeps
// a single registration: the returned handle refers to the existing one, so
// each dispatch delivers at most once.
func (b *Bus) Subscribe(namespace string, fn Handler) *Subscription {
	key := handlerKey(fn)

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.namespace == namespace && sub.key == key {
			return &Subscription{bus: b, id: id}
		}
	}

	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, fn: fn, key: key}
	return &Subscription{bus: b, id: id}
}

// Publish delivers an event to every subscriber whose namespace is a prefix
// of event.Kind. Delivery is synchronous: Publish returns after all handlers
// have run. The subscriber set is snapshotted first, so a handler releasing
// its own (or a sibling's) subscription mid-dispatch does not disturb the
// current pass. A panicking handler is recovered and logged; siblings still run.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		b.invoke(fn, evt)
	}
}

// handlerKey identifies a specific func value. The code address alone is not
// enough: distinct closures of one literal share it. The funcval pointer
// distinguishes closure instances while keeping the same func value equal to
// itself across calls.
func handlerKey(fn Handler) uintptr {
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&fn)))
}

func (b *Bus) invoke(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.Any("panic", r))
		}
	}()
	fn(evt)
}
