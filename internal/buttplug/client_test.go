package buttplug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer speaks enough Buttplug v3 to drive the client.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	ws         *websocket.Conn
	received   []envelope
	devices    []wireDevice
	failScalar bool
	connected  chan struct{}
}

func newFakeServer(t *testing.T, devices ...wireDevice) *fakeServer {
	t.Helper()
	s := &fakeServer{devices: devices, connected: make(chan struct{}, 4)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()
	s.connected <- struct{}{}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		envelopes, err := decodeFrame(data)
		if err != nil {
			return
		}
		for _, e := range envelopes {
			s.reply(e)
		}
	}
}

func (s *fakeServer) reply(e envelope) {
	s.mu.Lock()
	s.received = append(s.received, e)
	failScalar := s.failScalar
	devices := s.devices
	s.mu.Unlock()

	id := messageID(e.body)
	switch e.kind {
	case "RequestServerInfo":
		s.send("ServerInfo", map[string]any{"Id": id, "ServerName": "Fake Intiface", "MessageVersion": 3, "MaxPingTime": 0})
	case "RequestDeviceList":
		s.send("DeviceList", map[string]any{"Id": id, "Devices": devices})
	case "ScalarCmd":
		if failScalar {
			s.send("Error", map[string]any{"Id": id, "ErrorMessage": "device gone", "ErrorCode": 4})
			return
		}
		s.send("Ok", map[string]any{"Id": id})
	default:
		s.send("Ok", map[string]any{"Id": id})
	}
}

func (s *fakeServer) send(kind string, body map[string]any) {
	data, _ := encodeFrame(kind, body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != nil {
		s.ws.WriteMessage(websocket.TextMessage, data)
	}
}

func (s *fakeServer) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.received))
	for _, e := range s.received {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func (s *fakeServer) last(kind string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.received) - 1; i >= 0; i-- {
		if s.received[i].kind == kind {
			return s.received[i].body
		}
	}
	return nil
}

func (s *fakeServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != nil {
		s.ws.Close()
	}
}

func testDevice(index int, name string) wireDevice {
	return wireDevice{
		DeviceName:  name,
		DeviceIndex: index,
		DeviceMessages: DeviceMessages{
			ScalarCmd: []Attribute{
				{FeatureDescriptor: "Tip", ActuatorType: "Vibrate", StepCount: 20},
				{FeatureDescriptor: "Squeeze", ActuatorType: "Constrict", StepCount: 10},
				{FeatureDescriptor: "Base", ActuatorType: "Vibrate", StepCount: 20},
			},
			RotateCmd: []Attribute{
				{FeatureDescriptor: "Spin", ActuatorType: "Rotate", StepCount: 5},
			},
		},
	}
}

func connectClient(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	c := NewClient("rtc2-test")
	c.Timeout = 2 * time.Second
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background(), s.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case e := <-c.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func TestClientConnectLoadsDevices(t *testing.T) {
	s := newFakeServer(t, testDevice(2, "Lush"), testDevice(0, "Edge"))
	c := connectClient(t, s)

	if !c.Connected() {
		t.Fatal("Connected() = false after Connect")
	}
	if got := c.ServerName(); got != "Fake Intiface" {
		t.Errorf("ServerName() = %q", got)
	}

	devices := c.Devices()
	if len(devices) != 2 || devices[0].Index != 0 || devices[1].Index != 2 {
		t.Fatalf("Devices() = %+v, want indices [0 2]", devices)
	}
	scalar := devices[0].Messages.ScalarCmd
	for i, attr := range scalar {
		if attr.Index != i {
			t.Errorf("ScalarCmd[%d].Index = %d, want %d", i, attr.Index, i)
		}
	}
	vibrate := devices[0].VibrateAttributes()
	if len(vibrate) != 2 || vibrate[0].Index != 0 || vibrate[1].Index != 2 {
		t.Errorf("VibrateAttributes() = %+v, want positions 0 and 2", vibrate)
	}

	kinds := s.kinds()
	if len(kinds) < 2 || kinds[0] != "RequestServerInfo" || kinds[1] != "RequestDeviceList" {
		t.Errorf("server received %v", kinds)
	}

	var hello struct {
		ClientName     string
		MessageVersion int
	}
	json.Unmarshal(s.last("RequestServerInfo"), &hello)
	if hello.ClientName != "rtc2-test" || hello.MessageVersion != MessageVersion {
		t.Errorf("RequestServerInfo = %+v", hello)
	}

	if err := c.Connect(context.Background(), s.url()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestClientConnectFailure(t *testing.T) {
	c := NewClient("rtc2-test")
	defer c.Close()

	err := c.Connect(context.Background(), "ws://127.0.0.1:1")
	var bpErr *Error
	if !errors.As(err, &bpErr) || bpErr.Code != ErrorInit {
		t.Fatalf("Connect() error = %v, want init *Error", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed Connect")
	}
}

func TestClientVibrate(t *testing.T) {
	s := newFakeServer(t, testDevice(0, "Edge"))
	c := connectClient(t, s)

	if err := c.Devices()[0].Vibrate(context.Background(), []float64{0.25, 0.75}); err != nil {
		t.Fatalf("Vibrate() error = %v", err)
	}

	var cmd struct {
		DeviceIndex int
		Scalars     []scalar
	}
	if err := json.Unmarshal(s.last("ScalarCmd"), &cmd); err != nil {
		t.Fatalf("ScalarCmd body: %v", err)
	}
	want := []scalar{
		{Index: 0, Scalar: 0.25, ActuatorType: "Vibrate"},
		{Index: 2, Scalar: 0.75, ActuatorType: "Vibrate"},
	}
	if cmd.DeviceIndex != 0 || len(cmd.Scalars) != 2 || cmd.Scalars[0] != want[0] || cmd.Scalars[1] != want[1] {
		t.Errorf("ScalarCmd = %+v, want scalars %+v", cmd, want)
	}

	if err := c.Vibrate(context.Background(), 0, []float64{1}); !IsDeviceError(err) {
		t.Errorf("Vibrate(wrong count) error = %v, want device error", err)
	}
	if err := c.Vibrate(context.Background(), 7, []float64{1}); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Vibrate(unknown) error = %v, want ErrUnknownDevice", err)
	}

	s.mu.Lock()
	s.failScalar = true
	s.mu.Unlock()
	err := c.Vibrate(context.Background(), 0, []float64{0, 0})
	var bpErr *Error
	if !errors.As(err, &bpErr) || bpErr.Code != ErrorDevice || bpErr.Message != "device gone" {
		t.Errorf("Vibrate() error = %v, want server device error", err)
	}
}

func TestClientCommands(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)
	ctx := context.Background()

	for name, call := range map[string]func(context.Context) error{
		"StartScanning":  c.StartScanning,
		"StopScanning":   c.StopScanning,
		"StopAllDevices": c.StopAllDevices,
		"Ping":           c.Ping,
	} {
		if err := call(ctx); err != nil {
			t.Errorf("%s() error = %v", name, err)
		}
		if s.last(name) == nil {
			t.Errorf("server never received %s", name)
		}
	}
}

func TestClientDeviceEvents(t *testing.T) {
	s := newFakeServer(t)
	c := connectClient(t, s)

	added := testDevice(4, "Nora")
	added.DeviceDisplayName = "Bedroom"
	s.send("DeviceAdded", map[string]any{
		"Id":                0,
		"DeviceName":        added.DeviceName,
		"DeviceIndex":       added.DeviceIndex,
		"DeviceDisplayName": added.DeviceDisplayName,
		"DeviceMessages":    added.DeviceMessages,
	})

	e, ok := nextEvent(t, c).(DeviceAdded)
	if !ok {
		t.Fatalf("event = %T, want DeviceAdded", e)
	}
	if e.Device.Index != 4 || e.Device.DisplayName != "Bedroom" || len(e.Device.VibrateAttributes()) != 2 {
		t.Errorf("DeviceAdded = %+v", e.Device)
	}
	if len(c.Devices()) != 1 {
		t.Errorf("Devices() has %d entries, want 1", len(c.Devices()))
	}

	s.send("DeviceRemoved", map[string]any{"Id": 0, "DeviceIndex": 4})
	removed, ok := nextEvent(t, c).(DeviceRemoved)
	if !ok || removed.Device == nil || removed.Device.Name != "Nora" {
		t.Fatalf("event = %+v, want DeviceRemoved for Nora", removed)
	}

	s.send("DeviceRemoved", map[string]any{"Id": 0, "DeviceIndex": 9})
	unknown, ok := nextEvent(t, c).(DeviceRemoved)
	if !ok || unknown.Device != nil || unknown.Index != 9 {
		t.Errorf("event = %+v, want DeviceRemoved with nil device", unknown)
	}

	s.send("ScanningFinished", map[string]any{"Id": 0})
	if _, ok := nextEvent(t, c).(ScanningFinished); !ok {
		t.Error("want ScanningFinished")
	}
}

func TestClientConnectionLost(t *testing.T) {
	s := newFakeServer(t, testDevice(0, "Edge"))
	c := connectClient(t, s)

	s.dropConnection()

	e, ok := nextEvent(t, c).(Disconnected)
	if !ok || e.Err == nil {
		t.Fatalf("event = %+v, want Disconnected with cause", e)
	}
	if c.Connected() || len(c.Devices()) != 0 {
		t.Error("client still reports a connection after loss")
	}
	if err := c.StartScanning(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartScanning() error = %v, want ErrNotConnected", err)
	}
}

func TestClientDisconnectRaisesNoEvent(t *testing.T) {
	s := newFakeServer(t, testDevice(0, "Edge"))
	c := connectClient(t, s)

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	select {
	case e := <-c.Events():
		t.Errorf("unexpected event %T after Disconnect", e)
	case <-time.After(100 * time.Millisecond):
	}

	if err := c.Disconnect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second Disconnect() error = %v, want ErrNotConnected", err)
	}

	// Reconnect works after a deliberate disconnect.
	if err := c.Connect(context.Background(), s.url()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Code: ErrorDevice, Message: "gone"}
	if got := err.Error(); got != "Device Error: gone" {
		t.Errorf("Error() = %q", got)
	}
	if got := ErrorCode(42).String(); got != "ErrorCode(42)" {
		t.Errorf("String() = %q", got)
	}
	if IsDeviceError(&Error{Code: ErrorPing}) {
		t.Error("IsDeviceError(ping) = true")
	}
}
