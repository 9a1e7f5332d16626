package transport

import "sync"

// emitter fans events out to listeners of type L. Events emitted before the
// first subscription are queued and replayed to the first subscriber.
// Deliveries are serialized, so listeners observe events in emit order.
type emitter[L any] struct {
	mu         sync.Mutex
	next       uint64
	listeners  map[uint64]L
	pending    []func(L)
	subscribed bool

	deliverMu sync.Mutex
}

func (e *emitter[L]) subscribe(listener L) Subscription {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = make(map[uint64]L)
	}
	id := e.next
	e.next++
	e.listeners[id] = listener
	pending := e.pending
	e.pending = nil
	e.subscribed = true
	e.mu.Unlock()

	for _, event := range pending {
		event(listener)
	}

	return &subscription{release: func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}}
}

func (e *emitter[L]) emit(event func(L)) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if !e.subscribed {
		e.pending = append(e.pending, event)
		e.mu.Unlock()
		return
	}
	listeners := make([]L, 0, len(e.listeners))
	for _, listener := range e.listeners {
		listeners = append(listeners, listener)
	}
	e.mu.Unlock()

	for _, listener := range listeners {
		event(listener)
	}
}

// removeAll drops every listener and any buffered events. Later events are
// discarded rather than buffered.
func (e *emitter[L]) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
	e.pending = nil
	e.subscribed = true
}

type subscription struct {
	once    sync.Once
	release func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.release)
}

func emitPeerOpen(e *emitter[PeerHandler], id string) {
	e.emit(func(l PeerHandler) {
		if l.OnOpen != nil {
			l.OnOpen(id)
		}
	})
}

func emitPeerConnection(e *emitter[PeerHandler], conn Conn) {
	e.emit(func(l PeerHandler) {
		if l.OnConnection != nil {
			l.OnConnection(conn)
		}
	})
}

func emitPeerDisconnected(e *emitter[PeerHandler]) {
	e.emit(func(l PeerHandler) {
		if l.OnDisconnected != nil {
			l.OnDisconnected()
		}
	})
}

func emitPeerError(e *emitter[PeerHandler], err *Error) {
	e.emit(func(l PeerHandler) {
		if l.OnError != nil {
			l.OnError(err)
		}
	})
}

func emitConnOpen(e *emitter[ConnHandler]) {
	e.emit(func(l ConnHandler) {
		if l.OnOpen != nil {
			l.OnOpen()
		}
	})
}

func emitConnData(e *emitter[ConnHandler], data []byte) {
	e.emit(func(l ConnHandler) {
		if l.OnData != nil {
			l.OnData(data)
		}
	})
}

func emitConnClose(e *emitter[ConnHandler]) {
	e.emit(func(l ConnHandler) {
		if l.OnClose != nil {
			l.OnClose()
		}
	})
}

func emitConnError(e *emitter[ConnHandler], err error) {
	e.emit(func(l ConnHandler) {
		if l.OnError != nil {
			l.OnError(err)
		}
	})
}
