package protocol

import (
	"errors"

	"github.com/muurk/rtc2/internal/device"
)

// Message type tags.
const (
	TypeDevices  = "devices"
	TypeDispatch = "dispatch"
)

// ErrMalformed is returned for any inbound payload that does not match the
// message schema.
var ErrMalformed = errors.New("malformed message")

// Message is a data channel message. The set of implementations is closed.
type Message interface {
	messageType() string
}

// DevicesMessage is a full snapshot of the sender's controllable devices.
type DevicesMessage struct {
	Devices []device.Entry
}

// DispatchMessage carries one action for the receiver's local registry.
type DispatchMessage struct {
	Action device.PublicAction
}

func (DevicesMessage) messageType() string  { return TypeDevices }
func (DispatchMessage) messageType() string { return TypeDispatch }

// TypeOf returns the wire tag of m.
func TypeOf(m Message) string {
	return m.messageType()
}

// Snapshot builds the devices message for a local registry: controllable
// entries only, ordered by index.
func Snapshot(devices device.Devices) DevicesMessage {
	return DevicesMessage{Devices: devices.Controllable()}
}

// Mirror converts a received snapshot into the replacement mirror. Entries
// the sender marked not controllable are left out.
func (m DevicesMessage) Mirror() device.Devices {
	shown := make([]device.Entry, 0, len(m.Devices))
	for _, entry := range m.Devices {
		if entry.Info.Controllable {
			shown = append(shown, entry)
		}
	}
	return device.FromEntries(shown)
}
