package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/rtc2/internal/device"
	"github.com/muurk/rtc2/internal/intiface"
	"github.com/muurk/rtc2/internal/session"
	"github.com/muurk/rtc2/internal/transport"
)

type fakeSession struct {
	mu         sync.Mutex
	status     session.Status
	remote     device.Devices
	link       string
	changes    chan struct{}
	dispatched []device.PublicAction
	retries    int
}

func newFakeSession(status session.Status) *fakeSession {
	return &fakeSession{status: status, changes: make(chan struct{}, 1)}
}

func (s *fakeSession) Status() session.Status   { return s.status }
func (s *fakeSession) Remote() device.Devices   { return s.remote }
func (s *fakeSession) Changes() <-chan struct{} { return s.changes }
func (s *fakeSession) PairingLink() string      { return s.link }

func (s *fakeSession) Retry(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return nil
}

func (s *fakeSession) DispatchRemote(ctx context.Context, action device.PublicAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, action)
	return nil
}

type fakeLocal struct {
	registry *device.Registry
	state    intiface.State
	changes  chan struct{}

	mu         sync.Mutex
	connected  []string
	disconnect int
}

func (l *fakeLocal) State() intiface.State    { return l.state }
func (l *fakeLocal) Changes() <-chan struct{} { return l.changes }
func (l *fakeLocal) Watch() *device.Watcher   { return l.registry.Watch() }

func (l *fakeLocal) Dispatch(ctx context.Context, action device.Action) error {
	return l.registry.Dispatch(ctx, action)
}

func (l *fakeLocal) Connect(ctx context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, url)
	return nil
}

func (l *fakeLocal) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnect++
	return nil
}

func edge(index int, stepCount int) device.Info {
	attrs := device.Attributes{
		Scalar: []device.Attribute{
			{FeatureDescriptor: "Tip", ActuatorType: device.ActuatorVibrate, StepCount: stepCount, Index: 0},
		},
	}
	return device.NewInfo(index, "Lovense Edge", "", attrs, 1)
}

func newTestDashboard(t *testing.T, status session.Status, state intiface.State) (DashboardModel, *fakeSession, *fakeLocal) {
	t.Helper()

	registry := device.NewRegistry("local")
	t.Cleanup(registry.Close)
	if err := registry.Dispatch(context.Background(), device.AddDevice{Index: 0, Info: edge(0, 20)}); err != nil {
		t.Fatalf("AddDevice error = %v", err)
	}

	sess := newFakeSession(status)
	local := &fakeLocal{registry: registry, state: state, changes: make(chan struct{}, 1)}
	m := NewDashboardModel(Options{Session: sess, Local: local, IntifaceURL: "ws://localhost:12345"})
	t.Cleanup(m.Close)

	m = update(t, m, tea.WindowSizeMsg{Width: 160, Height: 40})
	m = update(t, m, localDevicesMsg{devices: registry.Snapshot()})
	return m, sess, local
}

func update(t *testing.T, m DashboardModel, msg tea.Msg) DashboardModel {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(DashboardModel)
}

func press(t *testing.T, m DashboardModel, msg tea.KeyMsg) (DashboardModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(DashboardModel), cmd
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func runCmd(t *testing.T, cmd tea.Cmd) actionDoneMsg {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command, got nil")
	}
	done, ok := cmd().(actionDoneMsg)
	if !ok {
		t.Fatalf("command result is not an actionDoneMsg")
	}
	return done
}

func linkedWithRemote(sess *fakeSession, speed float64) {
	info := edge(3, 20)
	info.VibrationSpeeds = []float64{speed}
	sess.status = session.Connected{ID: "alice", PeerID: "bob", Linked: true}
	sess.remote = device.Devices{3: info}
}

func TestDashboardToggleControllable(t *testing.T) {
	m, _, local := newTestDashboard(t, session.Connecting{}, intiface.Connected{})

	_, cmd := press(t, m, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	if done := runCmd(t, cmd); done.err != nil {
		t.Fatalf("toggle error = %v", done.err)
	}

	info, _ := local.registry.Snapshot().Get(0)
	if info.Controllable {
		t.Errorf("Controllable = true after toggle, want false")
	}
}

func TestDashboardStepsRemoteVibration(t *testing.T) {
	m, sess, _ := newTestDashboard(t, session.Connecting{}, intiface.Connected{})
	linkedWithRemote(sess, 0.5)
	m = update(t, m, sessionChangedMsg{})

	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.Focus != PaneRemote {
		t.Fatalf("Focus = %v, want PaneRemote", m.Focus)
	}

	_, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyRight})
	runCmd(t, cmd)
	_, cmd = press(t, m, runes("-"))
	runCmd(t, cmd)

	want := []device.PublicAction{
		device.SetVibration{Index: 3, MotorIndex: 0, Speed: 0.55},
		device.SetVibration{Index: 3, MotorIndex: 0, Speed: 0.45},
	}
	if len(sess.dispatched) != len(want) {
		t.Fatalf("dispatched %d actions, want %d", len(sess.dispatched), len(want))
	}
	for i := range want {
		if sess.dispatched[i] != want[i] {
			t.Errorf("dispatched[%d] = %+v, want %+v", i, sess.dispatched[i], want[i])
		}
	}
}

func TestDashboardStepAtLimitIsNoop(t *testing.T) {
	m, sess, _ := newTestDashboard(t, session.Connecting{}, intiface.Connected{})
	linkedWithRemote(sess, 0)
	m = update(t, m, sessionChangedMsg{})
	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyTab})

	if _, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyLeft}); cmd != nil {
		t.Errorf("decrease at zero returned a command")
	}
}

func TestDashboardStepNeedsRemoteFocus(t *testing.T) {
	m, sess, _ := newTestDashboard(t, session.Connecting{}, intiface.Connected{})
	linkedWithRemote(sess, 0.5)
	m = update(t, m, sessionChangedMsg{})

	if _, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyRight}); cmd != nil {
		t.Errorf("increase with local focus returned a command")
	}
}

func TestDashboardStopAll(t *testing.T) {
	tests := []struct {
		name       string
		linked     bool
		wantRemote int
	}{
		{"linked", true, 1},
		{"not linked", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, sess, local := newTestDashboard(t, session.Connecting{}, intiface.Connected{})
			if err := local.registry.Dispatch(context.Background(), device.SetVibration{Index: 0, MotorIndex: 0, Speed: 0.8}); err != nil {
				t.Fatalf("SetVibration error = %v", err)
			}
			if tt.linked {
				linkedWithRemote(sess, 0.5)
				m = update(t, m, sessionChangedMsg{})
			}

			_, cmd := press(t, m, runes("s"))
			if done := runCmd(t, cmd); done.err != nil {
				t.Fatalf("stop all error = %v", done.err)
			}

			info, _ := local.registry.Snapshot().Get(0)
			if info.VibrationSpeeds[0] != 0 {
				t.Errorf("local speed = %v, want 0", info.VibrationSpeeds[0])
			}
			if len(sess.dispatched) != tt.wantRemote {
				t.Errorf("remote dispatches = %d, want %d", len(sess.dispatched), tt.wantRemote)
			}
		})
	}
}

func TestDashboardRetry(t *testing.T) {
	tests := []struct {
		name        string
		status      session.Status
		wantRetries int
	}{
		{"recoverable", session.Errored{Kind: transport.KindNetwork, Category: session.CategoryRecoverable, Message: "offline"}, 1},
		{"terminal", session.Errored{Kind: transport.KindInvalidID, Category: session.CategoryTerminal, Message: "bad id"}, 0},
		{"connected", session.Connected{ID: "alice"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, sess, _ := newTestDashboard(t, tt.status, intiface.Connected{})

			_, cmd := press(t, m, runes("r"))
			if cmd != nil {
				runCmd(t, cmd)
			}
			if sess.retries != tt.wantRetries {
				t.Errorf("retries = %d, want %d", sess.retries, tt.wantRetries)
			}
		})
	}
}

func TestDashboardIntifaceToggle(t *testing.T) {
	m, _, local := newTestDashboard(t, session.Connecting{}, intiface.Disconnected{Err: intiface.ConnectionFailed})

	_, cmd := press(t, m, runes("c"))
	runCmd(t, cmd)
	if len(local.connected) != 1 || local.connected[0] != "ws://localhost:12345" {
		t.Errorf("Connect calls = %v, want [ws://localhost:12345]", local.connected)
	}

	local.state = intiface.Connected{}
	m = update(t, m, localStateMsg{})
	_, cmd = press(t, m, runes("c"))
	runCmd(t, cmd)
	if local.disconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1", local.disconnect)
	}

	local.state = intiface.Connecting{}
	m = update(t, m, localStateMsg{})
	if _, cmd := press(t, m, runes("c")); cmd != nil {
		t.Errorf("toggle while connecting returned a command")
	}
}

func TestDashboardCursorStaysInRange(t *testing.T) {
	m, _, _ := newTestDashboard(t, session.Connecting{}, intiface.Connected{})

	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if m.LocalCursor != 0 {
		t.Errorf("LocalCursor = %d, want 0", m.LocalCursor)
	}

	m = update(t, m, localDevicesMsg{devices: device.Devices{}})
	if _, cmd := press(t, m, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}); cmd != nil {
		t.Errorf("toggle with no devices returned a command")
	}
}

func TestDashboardView(t *testing.T) {
	m, sess, _ := newTestDashboard(t, session.Connecting{}, intiface.Connected{})

	view := m.View()
	for _, want := range []string{"LOCAL DEVICES", "[x] Lovense Edge", "connecting to relay", "not linked"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}

	sess.status = session.Connected{ID: "alice"}
	sess.link = "https://pair.example/#alice"
	m = update(t, m, sessionChangedMsg{})
	view = m.View()
	for _, want := range []string{"alice", "waiting for a peer", sess.link} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}

	linkedWithRemote(sess, 0.5)
	m = update(t, m, sessionChangedMsg{})
	view = m.View()
	for _, want := range []string{"linked with bob", "Lovense Edge · Tip", "50%"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}

	sess.status = session.Errored{Category: session.CategoryRecoverable, Message: "Lost connection"}
	m = update(t, m, sessionChangedMsg{})
	view = m.View()
	for _, want := range []string{"Lost connection", "press r to retry"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestDashboardShowsActionErrors(t *testing.T) {
	m, _, _ := newTestDashboard(t, session.Connecting{}, intiface.Connected{})

	m = update(t, m, actionDoneMsg{what: "retry", err: session.ErrNotRetryable})
	if !strings.Contains(m.LastError, "retry") {
		t.Errorf("LastError = %q, want it to name the action", m.LastError)
	}

	m = update(t, m, actionDoneMsg{what: "retry"})
	if m.LastError != "" {
		t.Errorf("LastError = %q after success, want empty", m.LastError)
	}
}

func TestNextSpeed(t *testing.T) {
	tests := []struct {
		speed float64
		step  float64
		steps int
		want  float64
	}{
		{0, 0.05, 1, 0.05},
		{0.5, 0.05, -1, 0.45},
		{0.95, 0.05, 1, 1},
		{1, 0.05, 1, 1},
		{0, 0.1, -1, 0},
		{0.33, 0.25, 1, 0.5},
	}

	for _, tt := range tests {
		if got := nextSpeed(tt.speed, tt.step, tt.steps); got != tt.want {
			t.Errorf("nextSpeed(%v, %v, %d) = %v, want %v", tt.speed, tt.step, tt.steps, got, tt.want)
		}
	}
}

func TestVibrateStep(t *testing.T) {
	info := device.Info{
		Attributes: device.Attributes{
			Scalar: []device.Attribute{
				{ActuatorType: device.ActuatorRotate, StepCount: 4},
				{ActuatorType: device.ActuatorVibrate, StepCount: 20},
				{ActuatorType: device.ActuatorVibrate, StepCount: 0},
			},
		},
		VibrationSpeeds: []float64{0, 0},
	}

	if got := vibrateStep(info, 0); got != 0.05 {
		t.Errorf("vibrateStep(motor 0) = %v, want 0.05", got)
	}
	if got := vibrateStep(info, 1); got != defaultStep {
		t.Errorf("vibrateStep(motor 1) = %v, want %v", got, defaultStep)
	}
}
