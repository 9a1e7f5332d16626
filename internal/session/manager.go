package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/device"
	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/protocol"
	"github.com/muurk/rtc2/internal/transport"
	"github.com/muurk/rtc2/internal/urls"
)

var (
	// ErrNotErrored is returned by Retry when the session is not errored.
	ErrNotErrored = errors.New("session is not in an error state")

	// ErrNotRetryable is returned by Retry for terminal errors.
	ErrNotRetryable = errors.New("session error cannot be retried")

	// ErrNoLink is returned by DispatchRemote without an open link.
	ErrNoLink = errors.New("no open link to a remote peer")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("session manager already running")
)

// LocalDevices is the local registry as seen by a session: its snapshots
// are pushed to the remote peer and remote dispatches are applied to it.
type LocalDevices interface {
	Snapshot() device.Devices
	Watch() *device.Watcher
	Dispatch(ctx context.Context, action device.Action) error
}

// Options configures a Manager.
type Options struct {
	// Peers creates the transport peer for each new session.
	Peers transport.Factory

	// Local is the local device registry.
	Local LocalDevices

	// Codec encodes link messages. Nil means JSON.
	Codec protocol.Codec

	// Target is the peer id to connect to once the first session opens.
	Target string

	// PairBaseURL is the base of the pairing link built from our id.
	PairBaseURL string

	// OnDisconnected is called from the manager goroutine when a session
	// is reset by a disconnect or by its link closing.
	OnDisconnected func()

	// OnLinked is called from the manager goroutine when a link opens.
	OnLinked func(peerID string)
}

// Manager runs the session state machine. Run owns all session state;
// other methods are safe for concurrent use.
type Manager struct {
	peers          transport.Factory
	local          LocalDevices
	codec          protocol.Codec
	initialTarget  string
	pairBaseURL    string
	onDisconnected func()
	onLinked       func(peerID string)

	queue   *eventQueue
	changes chan struct{}
	running atomic.Bool

	mu     sync.RWMutex
	status Status
	remote device.Devices

	// Owned by Run.
	current     *session
	retryTarget string
}

// session is one transport peer and its single link.
type session struct {
	peer   transport.Peer
	target string
	id     string
	subs   transport.Subscriptions
	conn   transport.Conn
	open   bool
	mirror device.Devices
}

// NewManager creates a manager. Nothing connects until Run.
func NewManager(opts Options) (*Manager, error) {
	if opts.Peers == nil {
		return nil, fmt.Errorf("session: peer factory is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("session: local devices are required")
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSONCodec{}
	}

	return &Manager{
		peers:          opts.Peers,
		local:          opts.Local,
		codec:          codec,
		initialTarget:  opts.Target,
		pairBaseURL:    opts.PairBaseURL,
		onDisconnected: opts.OnDisconnected,
		onLinked:       opts.OnLinked,
		queue:          newEventQueue(),
		changes:        make(chan struct{}, 1),
		status:         Connecting{},
	}, nil
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Remote returns the mirror of the remote peer's devices, or nil when there
// is no link or no snapshot has arrived yet. The returned map must not be
// modified.
func (m *Manager) Remote() device.Devices {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remote
}

// Changes is signalled after the status or the mirror changes. Signals are
// coalesced.
func (m *Manager) Changes() <-chan struct{} {
	return m.changes
}

// PairingLink returns the link another peer can use to reach us, or "" when
// no id is assigned.
func (m *Manager) PairingLink() string {
	connected, ok := m.Status().(Connected)
	if !ok {
		return ""
	}
	link, err := urls.PairingLink(m.pairBaseURL, connected.ID)
	if err != nil {
		logging.Warn("Cannot build pairing link", zap.Error(err))
		return ""
	}
	return link
}

// Retry starts a new session after a recoverable error, keeping the pairing
// target of the failed one.
func (m *Manager) Retry(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.request(ctx, retryRequest{reply: reply}, reply)
}

// DispatchRemote sends action to the remote peer and applies it to the
// mirror.
func (m *Manager) DispatchRemote(ctx context.Context, action device.PublicAction) error {
	reply := make(chan error, 1)
	return m.request(ctx, dispatchRequest{action: action, reply: reply}, reply)
}

func (m *Manager) request(ctx context.Context, e event, reply chan error) error {
	m.queue.push(e)
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the first session and processes events until ctx is done. The
// current session is torn down on return.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	watcher := m.local.Watch()
	defer watcher.Close()

	m.start(m.initialTarget)
	defer func() {
		if m.current != nil {
			m.teardown(m.current)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case devices := <-watcher.C():
			m.localChanged(devices)
		case <-m.queue.ready:
			for _, e := range m.queue.drain() {
				m.handle(ctx, e)
			}
		}
	}
}

// start creates a session and subscribes to its peer. Every handler is
// bound to s so events from an abandoned session can be recognized.
func (m *Manager) start(target string) {
	s := &session{peer: m.peers(), target: target}
	m.current = s
	m.setStatus(Connecting{})

	s.subs.Add(s.peer.Subscribe(transport.PeerHandler{
		OnOpen:         func(id string) { m.queue.push(peerOpened{s: s, id: id}) },
		OnConnection:   func(conn transport.Conn) { m.queue.push(peerConnection{s: s, conn: conn}) },
		OnDisconnected: func() { m.queue.push(peerDisconnected{s: s}) },
		OnError:        func(err *transport.Error) { m.queue.push(peerFailed{s: s, err: err}) },
	}))

	if target != "" {
		logging.Info("Starting session", zap.String("target", target))
	} else {
		logging.Debug("Starting session")
	}
}

// teardown releases every listener, disconnects and destroys the peer and
// drops the link and the mirror.
func (m *Manager) teardown(s *session) {
	s.subs.Release()
	if err := s.peer.Disconnect(); err != nil {
		logging.Warn("Peer disconnect failed", zap.Error(err))
	}
	if err := s.peer.Destroy(); err != nil {
		logging.Warn("Peer destroy failed", zap.Error(err))
	}
	s.conn = nil
	s.open = false
	s.mirror = nil
	if m.current == s {
		m.current = nil
	}
	m.setRemote(nil)
}

// reset replaces s with a fresh session that has no target.
func (m *Manager) reset(s *session) {
	if m.onDisconnected != nil {
		m.onDisconnected()
	}
	m.teardown(s)
	m.start("")
}

func (m *Manager) handle(ctx context.Context, e event) {
	switch e := e.(type) {
	case peerOpened:
		if e.s == m.current {
			m.peerOpened(ctx, e.s, e.id)
		}
	case peerConnection:
		if e.s != m.current {
			e.conn.Close()
			return
		}
		m.peerConnection(e.s, e.conn)
	case peerDisconnected:
		if e.s == m.current {
			logging.Info("Disconnected from signaling server, starting a new session")
			m.reset(e.s)
		}
	case peerFailed:
		if e.s == m.current {
			m.fail(e.s, e.err)
		}
	case connOpened:
		if m.isLink(e.s, e.conn) {
			m.linkOpened(e.s)
		}
	case connData:
		if m.isLink(e.s, e.conn) {
			m.receive(ctx, e.s, e.data)
		}
	case connClosed:
		if m.isLink(e.s, e.conn) {
			logging.LogConnection(e.conn.PeerID(), "link closed")
			m.reset(e.s)
		}
	case connFailed:
		if m.isLink(e.s, e.conn) {
			logging.Warn("Link error", zap.String("peer", e.conn.PeerID()), zap.Error(e.err))
		}
	case retryRequest:
		e.reply <- m.retry()
	case dispatchRequest:
		e.reply <- m.dispatchRemote(e.action)
	default:
		logging.Error("Unhandled session event", zap.String("event", fmt.Sprintf("%T", e)))
	}
}

func (m *Manager) isLink(s *session, conn transport.Conn) bool {
	return s == m.current && s.conn == conn
}

func (m *Manager) peerOpened(ctx context.Context, s *session, id string) {
	s.id = id
	logging.Info("Registered with signaling server", zap.String("id", id))
	m.setStatus(Connected{ID: id})

	if s.target == "" {
		return
	}
	conn, err := s.peer.Connect(ctx, s.target)
	if err != nil {
		m.fail(s, err)
		return
	}
	m.adopt(s, conn)
}

func (m *Manager) peerConnection(s *session, conn transport.Conn) {
	if s.conn != nil {
		logging.Warn("Rejecting connection while already linked",
			zap.String("peer", conn.PeerID()),
			zap.String("linked_peer", s.conn.PeerID()))
		conn.Close()
		return
	}
	logging.LogConnection(conn.PeerID(), "inbound")
	m.adopt(s, conn)
}

func (m *Manager) adopt(s *session, conn transport.Conn) {
	s.conn = conn
	s.open = false
	s.subs.Add(conn.Subscribe(transport.ConnHandler{
		OnOpen:  func() { m.queue.push(connOpened{s: s, conn: conn}) },
		OnData:  func(data []byte) { m.queue.push(connData{s: s, conn: conn, data: data}) },
		OnClose: func() { m.queue.push(connClosed{s: s, conn: conn}) },
		OnError: func(err error) { m.queue.push(connFailed{s: s, conn: conn, err: err}) },
	}))
	m.setStatus(Connected{ID: s.id, PeerID: conn.PeerID()})
}

func (m *Manager) linkOpened(s *session) {
	s.open = true
	logging.LogConnection(s.conn.PeerID(), "link open")
	m.setStatus(Connected{ID: s.id, PeerID: s.conn.PeerID(), Linked: true})
	m.pushSnapshot(s, m.local.Snapshot())
	if m.onLinked != nil {
		m.onLinked(s.conn.PeerID())
	}
}

// fail moves to Errored and stops the session.
func (m *Manager) fail(s *session, err error) {
	c := Classify(err)
	logging.Error("Session error",
		zap.String("kind", string(c.Kind)),
		zap.Stringer("category", c.Category),
		zap.String("message", c.Message))

	m.retryTarget = s.target
	m.teardown(s)
	m.setStatus(Errored{Kind: c.Kind, Category: c.Category, Message: c.Message})
}

func (m *Manager) retry() error {
	errored, ok := m.Status().(Errored)
	if !ok {
		return ErrNotErrored
	}
	if !errored.Retryable() {
		return ErrNotRetryable
	}
	logging.Info("Retrying session", zap.String("target", m.retryTarget))
	m.start(m.retryTarget)
	return nil
}

func (m *Manager) receive(ctx context.Context, s *session, data []byte) {
	peerID := s.conn.PeerID()
	msg, err := m.codec.Decode(data)
	if err != nil {
		logging.Warn("Dropping malformed message", zap.String("peer", peerID), zap.Error(err))
		return
	}
	logging.LogPeerMessage(peerID, "recv", protocol.TypeOf(msg), data)

	switch msg := msg.(type) {
	case protocol.DevicesMessage:
		s.mirror = msg.Mirror()
		m.setRemote(s.mirror)
	case protocol.DispatchMessage:
		m.applyRemote(ctx, peerID, msg.Action)
	}
}

// applyRemote applies a dispatch from the remote peer to the local registry
// when it targets a controllable device.
func (m *Manager) applyRemote(ctx context.Context, peerID string, action device.PublicAction) {
	if _, ok := action.(device.StopAll); ok {
		action = device.StopAll{ControllableOnly: true}
	}
	if err := device.CanApply(m.local.Snapshot(), action); err != nil {
		logging.Warn("Dropping remote dispatch",
			zap.String("peer", peerID),
			zap.String("action", device.TypeOf(action)),
			zap.Error(err))
		return
	}
	if err := m.local.Dispatch(ctx, action); err != nil {
		// The device may have gone away since the check.
		logging.Warn("Remote dispatch failed",
			zap.String("peer", peerID),
			zap.String("action", device.TypeOf(action)),
			zap.Error(err))
	}
}

func (m *Manager) dispatchRemote(action device.PublicAction) error {
	s := m.current
	if s == nil || s.conn == nil || !s.open {
		return ErrNoLink
	}
	if sv, ok := action.(device.SetVibration); ok {
		info, ok := s.mirror.Get(sv.Index)
		if !ok {
			return fmt.Errorf("remote device %d: %w", sv.Index, device.ErrUnknownDevice)
		}
		if sv.MotorIndex < 0 || sv.MotorIndex >= len(info.VibrationSpeeds) {
			return fmt.Errorf("remote device %d motor %d: %w", sv.Index, sv.MotorIndex, device.ErrUnknownMotor)
		}
	}

	msg := protocol.DispatchMessage{Action: action}
	data, err := m.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding dispatch: %w", err)
	}
	if err := s.conn.Send(data); err != nil {
		return fmt.Errorf("sending dispatch: %w", err)
	}
	logging.LogPeerMessage(s.conn.PeerID(), "send", protocol.TypeDispatch, data)

	if s.mirror == nil {
		return nil
	}
	if next, err := device.Reduce(s.mirror, action); err == nil {
		s.mirror = next
		m.setRemote(next)
	}
	return nil
}

func (m *Manager) localChanged(devices device.Devices) {
	s := m.current
	if s == nil || s.conn == nil || !s.open {
		return
	}
	m.pushSnapshot(s, devices)
}

func (m *Manager) pushSnapshot(s *session, devices device.Devices) {
	data, err := m.codec.Encode(protocol.Snapshot(devices))
	if err != nil {
		logging.Error("Encoding snapshot failed", zap.Error(err))
		return
	}
	if err := s.conn.Send(data); err != nil {
		logging.Warn("Sending snapshot failed", zap.String("peer", s.conn.PeerID()), zap.Error(err))
		return
	}
	logging.LogPeerMessage(s.conn.PeerID(), "send", protocol.TypeDevices, data)
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) setRemote(remote device.Devices) {
	m.mu.Lock()
	m.remote = remote
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

type event any

type peerOpened struct {
	s  *session
	id string
}

type peerConnection struct {
	s    *session
	conn transport.Conn
}

type peerDisconnected struct {
	s *session
}

type peerFailed struct {
	s   *session
	err *transport.Error
}

type connOpened struct {
	s    *session
	conn transport.Conn
}

type connData struct {
	s    *session
	conn transport.Conn
	data []byte
}

type connClosed struct {
	s    *session
	conn transport.Conn
}

type connFailed struct {
	s    *session
	conn transport.Conn
	err  error
}

type retryRequest struct {
	reply chan error
}

type dispatchRequest struct {
	action device.PublicAction
	reply  chan error
}
