package device

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/logging"
)

// Registry is the single owner of one device mapping. A goroutine started
// by NewRegistry applies actions one at a time and publishes the resulting
// snapshot to watchers.
type Registry struct {
	name     string
	requests chan request

	// current is written only by the owner goroutine.
	mu      sync.RWMutex
	current Devices

	watchersMu sync.Mutex
	watchers   map[*Watcher]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

type request struct {
	action Action
	reply  chan error
}

// NewRegistry starts an empty registry. name only appears in logs.
func NewRegistry(name string) *Registry {
	r := &Registry{
		name:     name,
		requests: make(chan request),
		current:  Devices{},
		watchers: make(map[*Watcher]struct{}),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		select {
		case <-r.closed:
			return
		case req := <-r.requests:
			req.reply <- r.apply(req.action)
		}
	}
}

func (r *Registry) apply(action Action) error {
	r.mu.RLock()
	before := r.current
	r.mu.RUnlock()

	after, err := Reduce(before, action)
	if err != nil {
		logging.Debug("Registry action rejected",
			zap.String("registry", r.name),
			zap.String("action", TypeOf(action)),
			zap.Error(err),
		)
		return err
	}

	r.mu.Lock()
	r.current = after
	r.mu.Unlock()

	logging.Debug("Registry action applied",
		zap.String("registry", r.name),
		zap.String("action", TypeOf(action)),
		zap.Int("devices", len(after)),
	)

	r.publish(after)
	return nil
}

// Dispatch submits an action and waits until it has been applied.
func (r *Registry) Dispatch(ctx context.Context, action Action) error {
	req := request{action: action, reply: make(chan error, 1)}
	select {
	case r.requests <- req:
	case <-r.closed:
		return ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current devices. The result must not be modified.
func (r *Registry) Snapshot() Devices {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Watch returns a watcher primed with the current snapshot.
func (r *Registry) Watch() *Watcher {
	w := &Watcher{registry: r, ch: make(chan Devices, 1)}

	// Priming under watchersMu orders it before any later publish.
	r.watchersMu.Lock()
	r.watchers[w] = struct{}{}
	w.offer(r.Snapshot())
	r.watchersMu.Unlock()

	return w
}

func (r *Registry) publish(devices Devices) {
	r.watchersMu.Lock()
	defer r.watchersMu.Unlock()
	for w := range r.watchers {
		w.offer(devices)
	}
}

// Close stops the owner goroutine. Pending and later Dispatch calls return
// ErrRegistryClosed.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	<-r.done
}

// Watcher receives registry snapshots. Deliveries coalesce: a slow reader
// sees the latest state, never a stale one.
type Watcher struct {
	registry *Registry
	mu       sync.Mutex
	ch       chan Devices
	closed   bool
}

// C returns the snapshot channel.
func (w *Watcher) C() <-chan Devices {
	return w.ch
}

func (w *Watcher) offer(devices Devices) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- devices:
	default:
		select {
		case <-w.ch:
		default:
		}
		w.ch <- devices
	}
}

// Close stops deliveries to w.
func (w *Watcher) Close() {
	w.registry.watchersMu.Lock()
	delete(w.registry.watchers, w)
	w.registry.watchersMu.Unlock()

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
