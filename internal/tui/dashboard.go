package tui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/device"
	"github.com/muurk/rtc2/internal/intiface"
	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/session"
	"github.com/muurk/rtc2/internal/ui"
)

const (
	actionTimeout  = 5 * time.Second
	connectTimeout = 15 * time.Second

	// defaultStep is used for vibrate channels that report no step count.
	defaultStep = 0.1
)

// Session is the part of the session manager the dashboard drives.
type Session interface {
	Status() session.Status
	Remote() device.Devices
	Changes() <-chan struct{}
	PairingLink() string
	Retry(ctx context.Context) error
	DispatchRemote(ctx context.Context, action device.PublicAction) error
}

// Local is the part of the Intiface controller the dashboard drives.
type Local interface {
	State() intiface.State
	Changes() <-chan struct{}
	Watch() *device.Watcher
	Dispatch(ctx context.Context, action device.Action) error
	Connect(ctx context.Context, url string) error
	Disconnect(ctx context.Context) error
}

// Pane is the device list that has keyboard focus.
type Pane int

const (
	PaneLocal Pane = iota
	PaneRemote
)

// Messages for async updates
type sessionChangedMsg struct{}
type localStateMsg struct{}
type localDevicesMsg struct {
	devices device.Devices
}
type actionDoneMsg struct {
	what string
	err  error
}

// dashboardKeyMap defines key bindings for the dashboard
type dashboardKeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Switch   key.Binding
	Toggle   key.Binding
	Increase key.Binding
	Decrease key.Binding
	StopAll  key.Binding
	Retry    key.Binding
	Connect  key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k dashboardKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Switch, k.Toggle, k.Increase, k.Decrease, k.StopAll, k.Help, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k dashboardKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Switch},
		{k.Toggle, k.Increase, k.Decrease, k.StopAll},
		{k.Retry, k.Connect, k.Help, k.Quit},
	}
}

func newDashboardKeyMap() dashboardKeyMap {
	return dashboardKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Switch: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "local/remote"),
		),
		Toggle: key.NewBinding(
			key.WithKeys(" ", "enter"),
			key.WithHelp("space", "share device"),
		),
		Increase: key.NewBinding(
			key.WithKeys("right", "l", "+"),
			key.WithHelp("→/+", "faster"),
		),
		Decrease: key.NewBinding(
			key.WithKeys("left", "h", "-"),
			key.WithHelp("←/-", "slower"),
		),
		StopAll: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "stop all"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry"),
		),
		Connect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "intiface on/off"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Options configures the dashboard.
type Options struct {
	Session     Session
	Local       Local
	IntifaceURL string
}

// DashboardModel shows both device registries and the session, and turns
// key presses into registry actions.
type DashboardModel struct {
	Width  int
	Height int

	session     Session
	local       Local
	watcher     *device.Watcher
	intifaceURL string

	status        session.Status
	link          string
	remote        device.Devices
	intifaceState intiface.State
	devices       device.Devices

	Focus        Pane
	LocalCursor  int
	RemoteCursor int
	LastError    string

	Help help.Model
	Keys dashboardKeyMap
}

// NewDashboardModel creates the dashboard. Close releases its local
// registry watcher.
func NewDashboardModel(opts Options) DashboardModel {
	width, height := ui.GetTerminalSize()
	m := DashboardModel{
		Width:       width,
		Height:      height,
		session:     opts.Session,
		local:       opts.Local,
		watcher:     opts.Local.Watch(),
		intifaceURL: opts.IntifaceURL,
		Help:        help.New(),
		Keys:        newDashboardKeyMap(),
	}
	m.refreshSession()
	m.intifaceState = m.local.State()
	return m
}

// Close stops the local registry watcher.
func (m DashboardModel) Close() {
	m.watcher.Close()
}

// Init starts listening for session, controller and registry changes.
func (m DashboardModel) Init() tea.Cmd {
	return tea.Batch(
		waitSignal(m.session.Changes(), sessionChangedMsg{}),
		waitSignal(m.local.Changes(), localStateMsg{}),
		waitDevices(m.watcher),
	)
}

func waitSignal(ch <-chan struct{}, msg tea.Msg) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return msg
	}
}

func waitDevices(w *device.Watcher) tea.Cmd {
	return func() tea.Msg {
		devices, ok := <-w.C()
		if !ok {
			return nil
		}
		return localDevicesMsg{devices: devices}
	}
}

func (m *DashboardModel) refreshSession() {
	m.status = m.session.Status()
	m.remote = m.session.Remote()
	m.link = m.session.PairingLink()
	m.clampCursors()
}

// Update handles messages and updates the model
func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Help.Width = msg.Width
		return m, nil

	case sessionChangedMsg:
		m.refreshSession()
		return m, waitSignal(m.session.Changes(), sessionChangedMsg{})

	case localStateMsg:
		m.intifaceState = m.local.State()
		return m, waitSignal(m.local.Changes(), localStateMsg{})

	case localDevicesMsg:
		m.devices = msg.devices
		m.clampCursors()
		return m, waitDevices(m.watcher)

	case actionDoneMsg:
		if msg.err != nil {
			m.LastError = fmt.Sprintf("%s: %v", msg.what, msg.err)
			logging.Warn("Dashboard action failed", zap.String("action", msg.what), zap.Error(msg.err))
		} else {
			m.LastError = ""
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m DashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.Keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.Keys.Help):
		m.Help.ShowAll = !m.Help.ShowAll

	case key.Matches(msg, m.Keys.Switch):
		if m.Focus == PaneLocal {
			m.Focus = PaneRemote
		} else {
			m.Focus = PaneLocal
		}

	case key.Matches(msg, m.Keys.Up):
		m.moveCursor(-1)

	case key.Matches(msg, m.Keys.Down):
		m.moveCursor(1)

	case key.Matches(msg, m.Keys.Toggle):
		return m, m.toggleControllable()

	case key.Matches(msg, m.Keys.Increase):
		return m, m.stepVibration(1)

	case key.Matches(msg, m.Keys.Decrease):
		return m, m.stepVibration(-1)

	case key.Matches(msg, m.Keys.StopAll):
		return m, m.stopAll()

	case key.Matches(msg, m.Keys.Retry):
		return m, m.retry()

	case key.Matches(msg, m.Keys.Connect):
		return m, m.toggleIntiface()
	}
	return m, nil
}

func (m *DashboardModel) moveCursor(delta int) {
	if m.Focus == PaneLocal {
		m.LocalCursor += delta
	} else {
		m.RemoteCursor += delta
	}
	m.clampCursors()
}

func (m *DashboardModel) clampCursors() {
	m.LocalCursor = clamp(m.LocalCursor, len(m.devices))
	m.RemoteCursor = clamp(m.RemoteCursor, len(remoteRows(m.remote)))
}

func clamp(cursor, n int) int {
	if cursor >= n {
		cursor = n - 1
	}
	if cursor < 0 {
		cursor = 0
	}
	return cursor
}

// remoteRow is one vibrate channel of a remote device.
type remoteRow struct {
	index int
	motor int
	info  device.Info
}

func remoteRows(remote device.Devices) []remoteRow {
	var rows []remoteRow
	for _, entry := range remote.Entries() {
		for motor := range entry.Info.VibrationSpeeds {
			rows = append(rows, remoteRow{index: entry.Index, motor: motor, info: entry.Info})
		}
	}
	return rows
}

// vibrateStep returns the speed increment for a vibrate channel: one step of
// its actuator's resolution.
func vibrateStep(info device.Info, motor int) float64 {
	n := 0
	for _, attr := range info.Attributes.Scalar {
		if attr.ActuatorType != device.ActuatorVibrate {
			continue
		}
		if n == motor {
			if attr.StepCount > 0 {
				return 1 / float64(attr.StepCount)
			}
			break
		}
		n++
	}
	return defaultStep
}

// nextSpeed moves speed by steps increments of step, snapped to the step
// grid and clamped to [0,1].
func nextSpeed(speed, step float64, steps int) float64 {
	grid := math.Round(1 / step)
	next := (math.Round(speed*grid) + float64(steps)) / grid
	return math.Max(0, math.Min(1, next))
}

func motorLabel(info device.Info, motor int) string {
	n := 0
	for _, attr := range info.Attributes.Scalar {
		if attr.ActuatorType != device.ActuatorVibrate {
			continue
		}
		if n == motor {
			if attr.FeatureDescriptor != "" {
				return attr.FeatureDescriptor
			}
			break
		}
		n++
	}
	return fmt.Sprintf("Vibrate %d", motor+1)
}

func (m DashboardModel) linked() bool {
	connected, ok := m.status.(session.Connected)
	return ok && connected.Linked
}

func (m DashboardModel) toggleControllable() tea.Cmd {
	if m.Focus != PaneLocal || len(m.devices) == 0 {
		return nil
	}
	entry := m.devices.Entries()[m.LocalCursor]
	action := device.SetControllable{Index: entry.Index, Controllable: !entry.Info.Controllable}
	local := m.local
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{what: "share device", err: local.Dispatch(ctx, action)}
	}
}

func (m DashboardModel) stepVibration(steps int) tea.Cmd {
	if m.Focus != PaneRemote {
		return nil
	}
	rows := remoteRows(m.remote)
	if len(rows) == 0 {
		return nil
	}
	row := rows[m.RemoteCursor]
	current := row.info.VibrationSpeeds[row.motor]
	speed := nextSpeed(current, vibrateStep(row.info, row.motor), steps)
	if speed == current {
		return nil
	}
	action := device.SetVibration{Index: row.index, MotorIndex: row.motor, Speed: speed}
	sess := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{what: "set vibration", err: sess.DispatchRemote(ctx, action)}
	}
}

// stopAll zeroes the local devices and, when linked, the remote ones.
func (m DashboardModel) stopAll() tea.Cmd {
	local, sess, linked := m.local, m.session, m.linked()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := local.Dispatch(ctx, device.StopAll{})
		if linked {
			if remoteErr := sess.DispatchRemote(ctx, device.StopAll{}); remoteErr != nil && !errors.Is(remoteErr, session.ErrNoLink) {
				err = errors.Join(err, remoteErr)
			}
		}
		return actionDoneMsg{what: "stop all", err: err}
	}
}

func (m DashboardModel) retry() tea.Cmd {
	errored, ok := m.status.(session.Errored)
	if !ok || !errored.Retryable() {
		return nil
	}
	sess := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{what: "retry", err: sess.Retry(ctx)}
	}
}

func (m DashboardModel) toggleIntiface() tea.Cmd {
	local, url := m.local, m.intifaceURL
	switch m.intifaceState.(type) {
	case intiface.Disconnected:
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			return actionDoneMsg{what: "connect to Intiface", err: local.Connect(ctx, url)}
		}
	case intiface.Connected:
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			return actionDoneMsg{what: "disconnect from Intiface", err: local.Disconnect(ctx)}
		}
	}
	return nil
}

// View renders the dashboard
func (m DashboardModel) View() string {
	return RenderApplicationContainer(m.renderContent(), m.Help.View(m.Keys), m.Width, m.Height)
}

func (m DashboardModel) renderContent() string {
	divider := lipgloss.NewStyle().
		Foreground(BorderColor).
		Render(strings.Repeat("─", 40))

	sections := []string{
		m.renderIntiface(),
		m.renderSession(),
		divider,
		"",
		m.renderLocal(),
		"",
		m.renderRemote(),
	}
	if m.LastError != "" {
		sections = append(sections, "", ErrorStyle.Render("✗ "+m.LastError))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func field(label, value string) string {
	return LabelStyle.Render(label) + " " + value
}

func (m DashboardModel) renderIntiface() string {
	var value string
	switch s := m.intifaceState.(type) {
	case intiface.Connected:
		value = OKStyle.Render("● connected")
	case intiface.Connecting:
		value = PendingStyle.Render("◌ connecting")
	case intiface.Disconnected:
		value = ValueStyle.Render("○ disconnected")
		if s.Err != "" {
			value += " " + ErrorStyle.Render(s.Err)
		}
	}
	return field("Intiface", value+" "+lipgloss.NewStyle().Foreground(SubtleColor).Render(m.intifaceURL))
}

func (m DashboardModel) renderSession() string {
	switch s := m.status.(type) {
	case session.Connecting:
		return field("Session", PendingStyle.Render("◌ connecting to relay"))

	case session.Connected:
		lines := []string{field("Peer id", ValueStyle.Render(s.ID))}
		switch {
		case s.Linked:
			lines = append(lines, field("Session", OKStyle.Render("● linked with "+s.PeerID)))
		case s.PeerID != "":
			lines = append(lines, field("Session", PendingStyle.Render("◌ linking with "+s.PeerID)))
		default:
			lines = append(lines, field("Session", ValueStyle.Render("waiting for a peer")))
		}
		if m.link != "" && !s.Linked {
			lines = append(lines, field("Pair link", LinkStyle.Render(m.link)))
		}
		return lipgloss.JoinVertical(lipgloss.Left, lines...)

	case session.Errored:
		lines := []string{field("Session", ErrorStyle.Render("✗ "+s.Message))}
		if s.Retryable() {
			lines = append(lines, field("", PendingStyle.Render("press r to retry")))
		}
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	return field("Session", session.StatusName(m.status))
}

func (m DashboardModel) renderLocal() string {
	lines := []string{m.paneTitle("LOCAL DEVICES", PaneLocal)}
	entries := m.devices.Entries()
	if len(entries) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, DimRowStyle.Render("no devices"))...)
	}
	for i, entry := range entries {
		shared := "[ ]"
		if entry.Info.Controllable {
			shared = "[x]"
		}
		text := fmt.Sprintf("%s %s %s", shared, entry.Info.Title(), formatSpeeds(entry.Info.VibrationSpeeds))
		lines = append(lines, RenderRow(text, m.Focus == PaneLocal && i == m.LocalCursor))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m DashboardModel) renderRemote() string {
	lines := []string{m.paneTitle("REMOTE DEVICES", PaneRemote)}
	if !m.linked() {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, DimRowStyle.Render("not linked"))...)
	}
	rows := remoteRows(m.remote)
	if len(rows) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, DimRowStyle.Render("no shared devices"))...)
	}
	for i, row := range rows {
		speed := row.info.VibrationSpeeds[row.motor]
		text := fmt.Sprintf("%s · %s %s %3.0f%%", row.info.Title(), motorLabel(row.info, row.motor), RenderMeter(speed), speed*100)
		lines = append(lines, RenderRow(text, m.Focus == PaneRemote && i == m.RemoteCursor))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m DashboardModel) paneTitle(title string, pane Pane) string {
	if m.Focus == pane {
		return SectionTitleStyle.Render("▸ " + title)
	}
	return SectionTitleStyle.Foreground(SubtleColor).Render("  " + title)
}

func formatSpeeds(speeds []float64) string {
	if len(speeds) == 0 {
		return ""
	}
	parts := make([]string, len(speeds))
	for i, speed := range speeds {
		parts[i] = fmt.Sprintf("%.0f%%", speed*100)
	}
	return lipgloss.NewStyle().Foreground(SubtleColor).Render(strings.Join(parts, " "))
}

// Run runs the dashboard on the terminal until the user quits or ctx is
// done.
func Run(ctx context.Context, opts Options) error {
	model := NewDashboardModel(opts)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
