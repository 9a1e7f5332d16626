package buttplug

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/logging"
)

const (
	// DefaultURL is Intiface Central's default WebSocket endpoint.
	DefaultURL = "ws://localhost:12345"

	// DefaultTimeout bounds a single request/reply exchange.
	DefaultTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// Device is a device announced by the server.
type Device struct {
	Index            int
	Name             string
	DisplayName      string
	MessageTimingGap time.Duration
	Messages         DeviceMessages

	client *Client
}

// VibrateAttributes returns the ScalarCmd attributes with the Vibrate
// actuator type.
func (d Device) VibrateAttributes() []Attribute {
	var out []Attribute
	for _, attr := range d.Messages.ScalarCmd {
		if attr.ActuatorType == ActuatorVibrate {
			out = append(out, attr)
		}
	}
	return out
}

// Vibrate sets one speed per vibrate attribute.
func (d Device) Vibrate(ctx context.Context, speeds []float64) error {
	if d.client == nil {
		return ErrNotConnected
	}
	return d.client.Vibrate(ctx, d.Index, speeds)
}

func (w wireDevice) device(c *Client) Device {
	w.DeviceMessages.index()
	return Device{
		Index:            w.DeviceIndex,
		Name:             w.DeviceName,
		DisplayName:      w.DeviceDisplayName,
		MessageTimingGap: time.Duration(w.DeviceMessageTimingGap) * time.Millisecond,
		Messages:         w.DeviceMessages,
		client:           c,
	}
}

// Event is a server-initiated notification. The set of implementations is
// closed.
type Event interface {
	event()
}

// DeviceAdded reports a newly connected device.
type DeviceAdded struct {
	Device Device
}

// DeviceRemoved reports a device going away. Device is nil when the server
// removed an index the client never saw.
type DeviceRemoved struct {
	Index  int
	Device *Device
}

// Disconnected reports that the server connection was lost. A deliberate
// Disconnect does not raise it.
type Disconnected struct {
	Err error
}

// ScanningFinished reports the end of a scan.
type ScanningFinished struct{}

func (DeviceAdded) event()      {}
func (DeviceRemoved) event()    {}
func (Disconnected) event()     {}
func (ScanningFinished) event() {}

type reply struct {
	kind string
	body json.RawMessage
}

// conn is one server connection.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	closing atomic.Bool
}

// Client talks to one Buttplug server at a time.
type Client struct {
	name   string
	dialer *websocket.Dialer

	// Timeout bounds each request/reply exchange.
	Timeout time.Duration

	nextID atomic.Uint32

	mu         sync.Mutex
	conn       *conn
	serverName string
	pending    map[uint32]chan reply
	devices    map[int]Device

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}
	events  chan Event
	stop    chan struct{}
	stopped sync.Once
}

// NewClient creates a client that identifies itself as name.
func NewClient(name string) *Client {
	c := &Client{
		name:    name,
		dialer:  websocket.DefaultDialer,
		Timeout: DefaultTimeout,
		pending: make(map[uint32]chan reply),
		devices: make(map[int]Device),
		wake:    make(chan struct{}, 1),
		events:  make(chan Event),
		stop:    make(chan struct{}),
	}
	go c.pump()
	return c
}

// Events delivers server events in order.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close disconnects and stops event delivery.
func (c *Client) Close() error {
	err := c.Disconnect(context.Background())
	if err == ErrNotConnected {
		err = nil
	}
	c.stopped.Do(func() { close(c.stop) })
	return err
}

// Connected reports whether a handshake has completed and the connection
// is still up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.serverName != ""
}

// ServerName returns the name reported in the handshake.
func (c *Client) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName
}

// Devices returns the devices the server currently reports, ordered by
// index.
func (c *Client) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	sortDevices(devices)
	return devices
}

// Connect dials url, performs the handshake and loads the device list.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return &Error{Code: ErrorInit, Message: fmt.Sprintf("cannot reach %s", url), Err: err}
	}

	cn := &conn{ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		ws.Close()
		return ErrAlreadyConnected
	}
	c.conn = cn
	c.serverName = ""
	c.mu.Unlock()

	go c.readLoop(cn)
	logging.LogConnection(url, "intiface dialed")

	if err := c.handshake(ctx, cn); err != nil {
		c.drop(cn, nil)
		return err
	}
	return nil
}

func (c *Client) handshake(ctx context.Context, cn *conn) error {
	kind, body, err := c.request(ctx, "RequestServerInfo", map[string]any{
		"ClientName":     c.name,
		"MessageVersion": MessageVersion,
	})
	if err != nil {
		return err
	}
	if kind != "ServerInfo" {
		return &Error{Code: ErrorInit, Message: fmt.Sprintf("expected ServerInfo, got %s", kind)}
	}
	var info serverInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return &Error{Code: ErrorInit, Message: "malformed ServerInfo", Err: err}
	}

	c.mu.Lock()
	c.serverName = info.ServerName
	c.mu.Unlock()
	logging.Info("Connected to Buttplug server",
		zap.String("server", info.ServerName),
		zap.Int("message_version", info.MessageVersion))

	if info.MaxPingTime > 0 {
		go c.pingLoop(cn, time.Duration(info.MaxPingTime)*time.Millisecond)
	}

	return c.RequestDeviceList(ctx)
}

// RequestDeviceList replaces the known devices with the server's list.
func (c *Client) RequestDeviceList(ctx context.Context) error {
	kind, body, err := c.request(ctx, "RequestDeviceList", map[string]any{})
	if err != nil {
		return err
	}
	if kind != "DeviceList" {
		return &Error{Code: ErrorMessage, Message: fmt.Sprintf("expected DeviceList, got %s", kind)}
	}
	var list deviceList
	if err := json.Unmarshal(body, &list); err != nil {
		return &Error{Code: ErrorMessage, Message: "malformed DeviceList", Err: err}
	}

	devices := make(map[int]Device, len(list.Devices))
	for _, w := range list.Devices {
		devices[w.DeviceIndex] = w.device(c)
	}
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
	return nil
}

// StartScanning asks the server to look for devices.
func (c *Client) StartScanning(ctx context.Context) error {
	return c.expectOk(ctx, "StartScanning", map[string]any{})
}

// StopScanning stops a scan started by StartScanning.
func (c *Client) StopScanning(ctx context.Context) error {
	return c.expectOk(ctx, "StopScanning", map[string]any{})
}

// StopAllDevices stops every device on the server.
func (c *Client) StopAllDevices(ctx context.Context) error {
	return c.expectOk(ctx, "StopAllDevices", map[string]any{})
}

// Ping keeps the connection alive on servers with a ping timeout.
func (c *Client) Ping(ctx context.Context) error {
	return c.expectOk(ctx, "Ping", map[string]any{})
}

// Vibrate sends one ScalarCmd addressing every vibrate attribute of the
// device at index.
func (c *Client) Vibrate(ctx context.Context, index int, speeds []float64) error {
	c.mu.Lock()
	d, ok := c.devices[index]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %d: %w", index, ErrUnknownDevice)
	}

	attrs := d.VibrateAttributes()
	if len(attrs) == 0 {
		return &Error{Code: ErrorDevice, Message: fmt.Sprintf("device %d has no vibrators", index)}
	}
	if len(speeds) != len(attrs) {
		return &Error{Code: ErrorDevice, Message: fmt.Sprintf("device %d has %d vibrators, got %d speeds", index, len(attrs), len(speeds))}
	}

	scalars := make([]scalar, len(attrs))
	for i, attr := range attrs {
		scalars[i] = scalar{Index: attr.Index, Scalar: speeds[i], ActuatorType: ActuatorVibrate}
	}
	return c.expectOk(ctx, "ScalarCmd", map[string]any{
		"DeviceIndex": index,
		"Scalars":     scalars,
	})
}

// Disconnect closes the connection. The device list is cleared and no
// Disconnected event is raised.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}
	cn.closing.Store(true)

	cn.writeMu.Lock()
	err := cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	cn.writeMu.Unlock()

	c.drop(cn, nil)
	if err != nil {
		return &Error{Code: ErrorUnknown, Message: "close handshake failed", Err: err}
	}
	return nil
}

func (c *Client) expectOk(ctx context.Context, kind string, body map[string]any) error {
	got, _, err := c.request(ctx, kind, body)
	if err != nil {
		return err
	}
	if got != "Ok" {
		return &Error{Code: ErrorMessage, Message: fmt.Sprintf("%s: expected Ok, got %s", kind, got)}
	}
	return nil
}

// request sends one message and waits for the reply with the same Id. A
// server Error reply is returned as *Error.
func (c *Client) request(ctx context.Context, kind string, body map[string]any) (string, json.RawMessage, error) {
	id := c.nextID.Add(1)
	if id == 0 {
		id = c.nextID.Add(1)
	}
	body["Id"] = id

	data, err := encodeFrame(kind, body)
	if err != nil {
		return "", nil, &Error{Code: ErrorMessage, Message: "encoding " + kind, Err: err}
	}

	replies := make(chan reply, 1)
	c.mu.Lock()
	cn := c.conn
	if cn == nil {
		c.mu.Unlock()
		return "", nil, ErrNotConnected
	}
	c.pending[id] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	cn.writeMu.Lock()
	cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = cn.ws.WriteMessage(websocket.TextMessage, data)
	cn.writeMu.Unlock()
	if err != nil {
		return "", nil, &Error{Code: ErrorMessage, Message: "sending " + kind, Err: err}
	}

	timeout := time.NewTimer(c.Timeout)
	defer timeout.Stop()

	select {
	case r := <-replies:
		if r.kind == "Error" {
			return "", nil, decodeServerError(r.body)
		}
		return r.kind, r.body, nil
	case <-cn.done:
		return "", nil, ErrNotConnected
	case <-timeout.C:
		return "", nil, &Error{Code: ErrorMessage, Message: fmt.Sprintf("%s timed out after %s", kind, c.Timeout)}
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func decodeServerError(body json.RawMessage) error {
	var se serverError
	if err := json.Unmarshal(body, &se); err != nil {
		return &Error{Code: ErrorUnknown, Message: "malformed Error message", Err: err}
	}
	return &Error{Code: ErrorCode(se.ErrorCode), Message: se.ErrorMessage}
}

func (c *Client) readLoop(cn *conn) {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			c.drop(cn, err)
			return
		}
		envelopes, err := decodeFrame(data)
		if err != nil {
			logging.Warn("Dropping malformed Buttplug frame", zap.Error(err))
			continue
		}
		for _, e := range envelopes {
			c.handle(e)
		}
	}
}

func (c *Client) handle(e envelope) {
	if id := messageID(e.body); id != 0 {
		c.mu.Lock()
		replies, ok := c.pending[id]
		c.mu.Unlock()
		if ok {
			select {
			case replies <- reply{kind: e.kind, body: e.body}:
			default:
				logging.Debug("Dropping duplicate reply", zap.Uint32("id", id))
			}
		}
		return
	}

	switch e.kind {
	case "DeviceAdded":
		var w wireDevice
		if err := json.Unmarshal(e.body, &w); err != nil {
			logging.Warn("Malformed DeviceAdded", zap.Error(err))
			return
		}
		d := w.device(c)
		c.mu.Lock()
		c.devices[d.Index] = d
		c.mu.Unlock()
		logging.Info("Device added", zap.Int("index", d.Index), zap.String("name", d.Name))
		c.emit(DeviceAdded{Device: d})

	case "DeviceRemoved":
		var removed deviceRemoved
		if err := json.Unmarshal(e.body, &removed); err != nil {
			logging.Warn("Malformed DeviceRemoved", zap.Error(err))
			return
		}
		c.mu.Lock()
		d, ok := c.devices[removed.DeviceIndex]
		delete(c.devices, removed.DeviceIndex)
		c.mu.Unlock()
		event := DeviceRemoved{Index: removed.DeviceIndex}
		if ok {
			event.Device = &d
		}
		logging.Info("Device removed", zap.Int("index", removed.DeviceIndex))
		c.emit(event)

	case "ScanningFinished":
		c.emit(ScanningFinished{})

	case "Error":
		logging.Warn("Buttplug server error", zap.Error(decodeServerError(e.body)))

	default:
		logging.Debug("Ignoring Buttplug message", zap.String("type", e.kind))
	}
}

// drop forgets cn if it is still current. A non-nil cause means the
// connection was lost rather than closed on purpose.
func (c *Client) drop(cn *conn, cause error) {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.serverName = ""
	c.devices = make(map[int]Device)
	c.mu.Unlock()

	close(cn.done)
	cn.ws.Close()

	if cause != nil && !cn.closing.Load() {
		logging.Warn("Buttplug connection lost", zap.Error(cause))
		c.emit(Disconnected{Err: cause})
	}
}

func (c *Client) pingLoop(cn *conn, maxPing time.Duration) {
	ticker := time.NewTicker(maxPing / 2)
	defer ticker.Stop()
	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), maxPing)
			err := c.Ping(ctx)
			cancel()
			if err != nil {
				logging.Warn("Buttplug ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) emit(e Event) {
	c.queueMu.Lock()
	c.queue = append(c.queue, e)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events to the Events channel so the read loop never
// blocks on a slow consumer.
func (c *Client) pump() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}
		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			e := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			select {
			case c.events <- e:
			case <-c.stop:
				return
			}
		}
	}
}

func sortDevices(devices []Device) {
	slices.SortFunc(devices, func(a, b Device) int {
		return cmp.Compare(a.Index, b.Index)
	})
}
