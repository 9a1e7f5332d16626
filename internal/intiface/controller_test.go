package intiface

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/muurk/rtc2/internal/buttplug"
	"github.com/muurk/rtc2/internal/device"
)

type vibrateCall struct {
	index  int
	speeds []float64
}

type fakeClient struct {
	mu            sync.Mutex
	connected     bool
	devices       []buttplug.Device
	connectErr    error
	scanErr       error
	disconnectErr error
	vibrateErr    error
	vibrates      []vibrateCall
	events        chan buttplug.Event
	connectGate   chan struct{}
}

func newFakeClient(devices ...buttplug.Device) *fakeClient {
	return &fakeClient{devices: devices, events: make(chan buttplug.Event, 16)}
}

func (f *fakeClient) Connect(ctx context.Context, url string) error {
	if f.connectGate != nil {
		<-f.connectGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return f.disconnectErr
}

func (f *fakeClient) StartScanning(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanErr
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Devices() []buttplug.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.devices)
}

func (f *fakeClient) Vibrate(ctx context.Context, index int, speeds []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vibrates = append(f.vibrates, vibrateCall{index: index, speeds: slices.Clone(speeds)})
	return f.vibrateErr
}

func (f *fakeClient) Events() <-chan buttplug.Event {
	return f.events
}

func (f *fakeClient) calls() []vibrateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.vibrates)
}

func (f *fakeClient) setDevices(devices ...buttplug.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func edge(index int) buttplug.Device {
	return buttplug.Device{
		Index:       index,
		Name:        "Lovense Edge",
		DisplayName: "Edge",
		Messages: buttplug.DeviceMessages{
			ScalarCmd: []buttplug.Attribute{
				{FeatureDescriptor: "Tip", ActuatorType: "Vibrate", StepCount: 20, Index: 0},
				{FeatureDescriptor: "Base", ActuatorType: "Vibrate", StepCount: 20, Index: 1},
			},
			RotateCmd: []buttplug.Attribute{
				{FeatureDescriptor: "Spin", ActuatorType: "Rotate", StepCount: 5, Index: 0},
			},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestController(t *testing.T, client *fakeClient, run bool) (*Controller, *device.Registry) {
	t.Helper()
	registry := device.NewRegistry("local")
	controller := NewController(client, registry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	if run {
		go func() {
			controller.Run(ctx)
			close(done)
		}()
	} else {
		close(done)
	}
	t.Cleanup(func() {
		cancel()
		<-done
		registry.Close()
	})
	return controller, registry
}

func TestControllerConnectAddsKnownDevices(t *testing.T) {
	client := newFakeClient(edge(0), edge(3))
	controller, registry := newTestController(t, client, false)

	if err := controller.Connect(context.Background(), "ws://intiface"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, ok := controller.State().(Connected); !ok {
		t.Fatalf("State() = %T, want Connected", controller.State())
	}

	devices := registry.Snapshot()
	if got := devices.Indices(); !slices.Equal(got, []int{0, 3}) {
		t.Fatalf("registry indices = %v, want [0 3]", got)
	}

	info := devices[0]
	if !info.Controllable {
		t.Error("new device is not controllable")
	}
	if !slices.Equal(info.VibrationSpeeds, []float64{0, 0}) {
		t.Errorf("VibrationSpeeds = %v, want [0 0]", info.VibrationSpeeds)
	}
	if info.DisplayName != "Edge" || info.Name != "Lovense Edge" {
		t.Errorf("names = %q/%q", info.Name, info.DisplayName)
	}
	if len(info.Attributes.Scalar) != 2 || len(info.Attributes.Rotational) != 1 || len(info.Attributes.Linear) != 0 {
		t.Errorf("Attributes = %+v", info.Attributes)
	}
	if got := info.Attributes.Scalar[1]; got.Index != 1 || got.ActuatorType != device.ActuatorVibrate || got.StepCount != 20 {
		t.Errorf("Scalar[1] = %+v", got)
	}

	if err := controller.Connect(context.Background(), "ws://intiface"); !errors.Is(err, ErrNotDisconnected) {
		t.Errorf("second Connect() error = %v, want ErrNotDisconnected", err)
	}
}

func TestControllerConnectFailure(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{name: "dial fails", client: &fakeClient{connectErr: errors.New("refused"), events: make(chan buttplug.Event)}},
		{name: "scan fails", client: &fakeClient{scanErr: errors.New("no scanning"), events: make(chan buttplug.Event)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller, _ := newTestController(t, tt.client, false)

			if err := controller.Connect(context.Background(), "ws://intiface"); err == nil {
				t.Fatal("Connect() error = nil")
			}
			want := Disconnected{Err: ConnectionFailed}
			if got := controller.State(); got != want {
				t.Errorf("State() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestControllerDisconnect(t *testing.T) {
	client := newFakeClient(edge(0))
	client.disconnectErr = errors.New("socket already gone")
	controller, registry := newTestController(t, client, false)

	if err := controller.Disconnect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect() before connect error = %v, want ErrNotConnected", err)
	}

	if err := controller.Connect(context.Background(), "ws://intiface"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := controller.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect() error = %v, want client failure swallowed", err)
	}
	if got := controller.State(); got != (Disconnected{}) {
		t.Errorf("State() = %+v, want Disconnected{}", got)
	}
	if n := len(registry.Snapshot()); n != 0 {
		t.Errorf("registry has %d devices after disconnect", n)
	}
}

func TestControllerStaleConnect(t *testing.T) {
	client := newFakeClient(edge(0))
	client.connectGate = make(chan struct{})
	controller, registry := newTestController(t, client, false)

	result := make(chan error, 1)
	go func() { result <- controller.Connect(context.Background(), "ws://intiface") }()
	waitFor(t, "connecting", func() bool {
		_, ok := controller.State().(Connecting)
		return ok
	})

	// Simulate a reset landing while Connect is suspended.
	controller.mu.Lock()
	controller.generation++
	controller.setStateLocked(Disconnected{})
	controller.mu.Unlock()

	close(client.connectGate)
	if err := <-result; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := controller.State(); got != (Disconnected{}) {
		t.Errorf("State() = %+v, stale Connect overwrote the reset", got)
	}
	if n := len(registry.Snapshot()); n != 0 {
		t.Errorf("stale Connect added %d devices", n)
	}
}

func TestControllerEvents(t *testing.T) {
	client := newFakeClient()
	controller, registry := newTestController(t, client, true)
	if err := controller.Connect(context.Background(), "ws://intiface"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	added := edge(5)
	client.events <- buttplug.DeviceAdded{Device: added}
	waitFor(t, "device added", func() bool {
		_, ok := registry.Snapshot().Get(5)
		return ok
	})

	client.events <- buttplug.DeviceRemoved{Index: 9}
	client.events <- buttplug.DeviceRemoved{Index: 5, Device: &added}
	waitFor(t, "device removed", func() bool {
		_, ok := registry.Snapshot().Get(5)
		return !ok
	})

	client.events <- buttplug.DeviceAdded{Device: edge(1)}
	waitFor(t, "second device", func() bool { return len(registry.Snapshot()) == 1 })

	client.events <- buttplug.Disconnected{Err: errors.New("eof")}
	waitFor(t, "cleared on disconnect", func() bool { return len(registry.Snapshot()) == 0 })
	if got := controller.State(); got != (Disconnected{Err: ConnectionLost}) {
		t.Errorf("State() = %+v, want Disconnected{%q}", got, ConnectionLost)
	}
}

func TestControllerPushesSpeeds(t *testing.T) {
	client := newFakeClient(edge(0))
	controller, registry := newTestController(t, client, true)
	ctx := context.Background()
	if err := controller.Connect(ctx, "ws://intiface"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := registry.Dispatch(ctx, device.SetVibration{Index: 0, MotorIndex: 1, Speed: 0.5}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	waitFor(t, "vibrate call", func() bool {
		for _, call := range client.calls() {
			if call.index == 0 && slices.Equal(call.speeds, []float64{0, 0.5}) {
				return true
			}
		}
		return false
	})
}

func TestControllerRepushesUnchangedSpeeds(t *testing.T) {
	client := newFakeClient(edge(0))
	controller, registry := newTestController(t, client, true)
	ctx := context.Background()
	if err := controller.Connect(ctx, "ws://intiface"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	matching := func() int {
		n := 0
		for _, call := range client.calls() {
			if call.index == 0 && slices.Equal(call.speeds, []float64{0, 0.5}) {
				n++
			}
		}
		return n
	}

	if err := registry.Dispatch(ctx, device.SetVibration{Index: 0, MotorIndex: 1, Speed: 0.5}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitFor(t, "first vibrate", func() bool { return matching() > 0 })
	before := matching()

	// Sharing changes leave the speeds alone but still reach the device,
	// restoring a motor the server may have stopped.
	if err := registry.Dispatch(ctx, device.SetControllable{Index: 0, Controllable: false}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitFor(t, "vibrate with the same speeds", func() bool { return matching() > before })
}

func TestControllerSkipsDetachedDevices(t *testing.T) {
	client := newFakeClient(edge(0))
	controller, registry := newTestController(t, client, true)
	ctx := context.Background()
	if err := controller.Connect(ctx, "ws://intiface"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The server forgets device 0 before the registry hears about it.
	client.setDevices()
	before := len(client.calls())
	if err := registry.Dispatch(ctx, device.SetVibration{Index: 0, MotorIndex: 0, Speed: 1}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// A later change proves the watcher ran past the first one.
	client.setDevices(edge(0))
	if err := registry.Dispatch(ctx, device.SetVibration{Index: 0, MotorIndex: 1, Speed: 0.25}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitFor(t, "vibrate after reattach", func() bool {
		calls := client.calls()
		return len(calls) > before && slices.Equal(calls[len(calls)-1].speeds, []float64{1, 0.25})
	})
}

func TestControllerToleratesVibrateErrors(t *testing.T) {
	client := newFakeClient(edge(0))
	client.vibrateErr = buttplug.ErrUnknownDevice
	controller, registry := newTestController(t, client, true)
	ctx := context.Background()
	if err := controller.Connect(ctx, "ws://intiface"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := registry.Dispatch(ctx, device.SetVibration{Index: 0, MotorIndex: 0, Speed: 0.3}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitFor(t, "vibrate attempt", func() bool { return len(client.calls()) > 0 })

	if _, ok := controller.State().(Connected); !ok {
		t.Errorf("State() = %T after vibrate failure, want Connected", controller.State())
	}
}

func TestStateName(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Disconnected{}, "disconnected"},
		{Connecting{}, "connecting"},
		{Connected{}, "connected"},
	}
	for _, tt := range tests {
		if got := StateName(tt.state); got != tt.want {
			t.Errorf("StateName(%T) = %q, want %q", tt.state, got, tt.want)
		}
	}
}
