package intiface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/buttplug"
	"github.com/muurk/rtc2/internal/device"
	"github.com/muurk/rtc2/internal/logging"
)

// ConnectionFailed is the Disconnected.Err text after a failed Connect.
const ConnectionFailed = "Connection failed!"

// ConnectionLost is the Disconnected.Err text after the server went away.
const ConnectionLost = "Connection lost"

var (
	// ErrNotDisconnected is returned by Connect unless disconnected.
	ErrNotDisconnected = errors.New("tried to connect while already connected")

	// ErrNotConnected is returned by Disconnect unless connected.
	ErrNotConnected = errors.New("tried to disconnect while not connected")
)

// Client is the part of a Buttplug client the controller uses.
type Client interface {
	Connect(ctx context.Context, url string) error
	Disconnect(ctx context.Context) error
	StartScanning(ctx context.Context) error
	Connected() bool
	Devices() []buttplug.Device
	Vibrate(ctx context.Context, index int, speeds []float64) error
	Events() <-chan buttplug.Event
}

// Controller owns the link between a Buttplug client and the local
// registry.
type Controller struct {
	client   Client
	registry *device.Registry

	mu    sync.Mutex
	state State
	// generation changes on every state reset so a Connect that resumes
	// after one can tell its result is stale.
	generation uint64

	changes chan struct{}
}

// NewController creates a disconnected controller.
func NewController(client Client, registry *device.Registry) *Controller {
	return &Controller{
		client:   client,
		registry: registry,
		state:    Disconnected{},
		changes:  make(chan struct{}, 1),
	}
}

// State returns the connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Changes is signalled after the connection state changes.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

// Devices returns the local registry snapshot.
func (c *Controller) Devices() device.Devices {
	return c.registry.Snapshot()
}

// Watch returns a watcher on the local registry. The caller closes it.
func (c *Controller) Watch() *device.Watcher {
	return c.registry.Watch()
}

// Dispatch applies action to the local registry.
func (c *Controller) Dispatch(ctx context.Context, action device.Action) error {
	return c.registry.Dispatch(ctx, action)
}

// Connect connects to the server at url and starts scanning. On failure the
// state becomes Disconnected{ConnectionFailed}. Devices the server already
// knows are added once connected.
func (c *Controller) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if _, ok := c.state.(Disconnected); !ok {
		c.mu.Unlock()
		return ErrNotDisconnected
	}
	c.generation++
	gen := c.generation
	c.setStateLocked(Connecting{})
	c.mu.Unlock()

	err := c.client.Connect(ctx, url)
	if err == nil {
		err = c.client.StartScanning(ctx)
	}
	if err != nil {
		logging.Warn("Failed to connect to Intiface", zap.String("url", url), zap.Error(err))
		c.transition(gen, Disconnected{Err: ConnectionFailed})
		return fmt.Errorf("connecting to %s: %w", url, err)
	}

	if !c.transition(gen, Connected{}) {
		logging.Debug("Connect finished after a reset, ignoring result")
		return nil
	}
	logging.Info("Connected to Intiface", zap.String("url", url))

	for _, d := range c.client.Devices() {
		c.deviceAdded(ctx, d)
	}
	return nil
}

// Disconnect clears the registry and closes the server connection. Client
// failures are logged, not returned.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if _, ok := c.state.(Connected); !ok {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.generation++
	c.setStateLocked(Disconnected{})
	c.mu.Unlock()

	c.clear(ctx)
	if err := c.client.Disconnect(ctx); err != nil {
		logging.Warn("An error occurred while disconnecting from Intiface", zap.Error(err))
	}
	return nil
}

// Run handles client events and pushes registry speeds to devices until
// ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	watcher := c.registry.Watch()
	defer watcher.Close()

	events := c.client.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ctx, e)
		case devices := <-watcher.C():
			c.push(ctx, devices)
		}
	}
}

func (c *Controller) handle(ctx context.Context, e buttplug.Event) {
	switch e := e.(type) {
	case buttplug.DeviceAdded:
		if _, ok := c.State().(Disconnected); ok {
			logging.Debug("Ignoring device added while disconnected", zap.Int("index", e.Device.Index))
			return
		}
		c.deviceAdded(ctx, e.Device)
	case buttplug.DeviceRemoved:
		if e.Device == nil {
			return
		}
		if err := c.registry.Dispatch(ctx, device.RemoveDevice{Index: e.Device.Index}); err != nil {
			logging.Warn("Removing device failed", zap.Int("index", e.Device.Index), zap.Error(err))
		}
	case buttplug.Disconnected:
		c.mu.Lock()
		if _, ok := c.state.(Connected); !ok {
			c.mu.Unlock()
			return
		}
		c.generation++
		c.setStateLocked(Disconnected{Err: ConnectionLost})
		c.mu.Unlock()
		c.clear(ctx)
	case buttplug.ScanningFinished:
		logging.Debug("Intiface scan finished")
	}
}

func (c *Controller) deviceAdded(ctx context.Context, d buttplug.Device) {
	info := device.NewInfo(d.Index, d.Name, d.DisplayName, Attributes(d.Messages), len(d.VibrateAttributes()))
	if err := c.registry.Dispatch(ctx, device.AddDevice{Index: d.Index, Info: info}); err != nil {
		logging.Warn("Adding device failed", zap.Int("index", d.Index), zap.Error(err))
	}
}

func (c *Controller) clear(ctx context.Context) {
	if err := c.registry.Dispatch(ctx, device.ClearDevices{}); err != nil {
		logging.Warn("Clearing devices failed", zap.Error(err))
	}
}

// push sends each attached device the registry's speeds on every change,
// so a device the server stopped on its own is restored by the next one.
// Devices missing from either side are skipped.
func (c *Controller) push(ctx context.Context, devices device.Devices) {
	if !c.client.Connected() {
		return
	}

	for _, d := range c.client.Devices() {
		info, ok := devices.Get(d.Index)
		if !ok || len(info.VibrationSpeeds) == 0 {
			continue
		}
		if err := c.client.Vibrate(ctx, d.Index, info.VibrationSpeeds); err != nil {
			if buttplug.IsDeviceError(err) {
				logging.Debug("Vibrate skipped, device gone", zap.Int("index", d.Index), zap.Error(err))
			} else {
				logging.Warn("Vibrate failed", zap.Int("index", d.Index), zap.Error(err))
			}
		}
	}
}

// transition sets state unless a reset happened since gen was taken.
func (c *Controller) transition(gen uint64, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.setStateLocked(state)
	return true
}

func (c *Controller) setStateLocked(state State) {
	c.state = state
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Attributes converts a device's message attributes to registry form.
func Attributes(messages buttplug.DeviceMessages) device.Attributes {
	return device.Attributes{
		Scalar:     convert(messages.ScalarCmd),
		Linear:     convert(messages.LinearCmd),
		Rotational: convert(messages.RotateCmd),
	}
}

func convert(in []buttplug.Attribute) []device.Attribute {
	out := make([]device.Attribute, len(in))
	for i, attr := range in {
		actuator := device.ActuatorType(attr.ActuatorType)
		if !actuator.Valid() {
			actuator = device.ActuatorUnknown
		}
		out[i] = device.Attribute{
			FeatureDescriptor: attr.FeatureDescriptor,
			ActuatorType:      actuator,
			StepCount:         attr.StepCount,
			Index:             attr.Index,
		}
	}
	return out
}
