package dispatch

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/gammazero/workerpool"
)

// Kind names a notification and fixes its payload type. Kinds are compared
// by identity, so declare each one once as a package-level variable.
type Kind[T any] struct {
	key *kindKey
}

type kindKey struct {
	name string
}

func NewKind[T any](name string) Kind[T] {
	return Kind[T]{key: &kindKey{name: name}}
}

func (k Kind[T]) Name() string {
	if k.key == nil {
		return ""
	}
	return k.key.name
}

type handlerFunc func(name string, payload any)

type subscription struct {
	id   uint64
	fn   handlerFunc
	pool *workerpool.WorkerPool

	// guards pool against Submit after Stop
	mu      sync.Mutex
	stopped bool
}

func (s *subscription) stop(wait bool) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if s.pool == nil {
		return
	}
	if wait {
		s.pool.StopWait()
	} else {
		s.pool.Stop()
	}
}

// Dispatcher is a typed publish/subscribe bus. Plain subscribers run on the
// publisher's goroutine, in subscription order. Queued subscribers get their
// own single worker, so they see events in publish order without blocking
// the publisher.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[*kindKey][]*subscription
	all      []*subscription
	closed   bool
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[*kindKey][]*subscription),
		logger:   logger.With("component", "dispatch"),
	}
}

// Subscribe registers fn for k. The returned func removes it.
func Subscribe[T any](d *Dispatcher, k Kind[T], fn func(T)) func() {
	return d.add(k.key, typed(fn), false)
}

// SubscribeQueued is Subscribe with delivery on a dedicated worker.
func SubscribeQueued[T any](d *Dispatcher, k Kind[T], fn func(T)) func() {
	return d.add(k.key, typed(fn), true)
}

// SubscribeAll receives every notification with its kind name.
func (d *Dispatcher) SubscribeAll(fn func(name string, payload any)) func() {
	return d.add(nil, fn, false)
}

// SubscribeAllQueued is SubscribeAll with delivery on a dedicated worker.
func (d *Dispatcher) SubscribeAllQueued(fn func(name string, payload any)) func() {
	return d.add(nil, fn, true)
}

// Publish delivers v to the subscribers of k, then to the catch-all
// subscribers. Handler panics are logged and do not reach the publisher.
func Publish[T any](d *Dispatcher, k Kind[T], v T) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(d.handlers[k.key])+len(d.all))
	subs = append(subs, d.handlers[k.key]...)
	subs = append(subs, d.all...)
	d.mu.RUnlock()

	name := k.Name()
	for _, s := range subs {
		d.deliver(s, name, v)
	}
}

// Close stops the queued workers after they drain. Later publishes are
// dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.all
	for _, list := range d.handlers {
		subs = append(subs, list...)
	}
	d.handlers = make(map[*kindKey][]*subscription)
	d.all = nil
	d.mu.Unlock()

	for _, s := range subs {
		s.stop(true)
	}
}

func typed[T any](fn func(T)) handlerFunc {
	return func(_ string, payload any) {
		fn(payload.(T))
	}
}

func (d *Dispatcher) add(key *kindKey, fn handlerFunc, queued bool) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	s := &subscription{id: d.nextID, fn: fn}
	if queued {
		s.pool = workerpool.New(1)
	}
	if key == nil {
		d.all = append(d.all, s)
	} else {
		d.handlers[key] = append(d.handlers[key], s)
	}

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(key, s) })
	}
}

func (d *Dispatcher) remove(key *kindKey, s *subscription) {
	d.mu.Lock()
	if key == nil {
		d.all = without(d.all, s)
	} else {
		d.handlers[key] = without(d.handlers[key], s)
	}
	d.mu.Unlock()

	s.stop(false)
}

func without(subs []*subscription, s *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, o := range subs {
		if o.id != s.id {
			out = append(out, o)
		}
	}
	return out
}

func (d *Dispatcher) deliver(s *subscription, name string, payload any) {
	call := func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("deliver: handler panicked",
					"kind", name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
			}
		}()
		s.fn(name, payload)
	}

	if s.pool == nil {
		call()
		return
	}
	s.mu.Lock()
	if !s.stopped {
		s.pool.Submit(call)
	}
	s.mu.Unlock()
}
