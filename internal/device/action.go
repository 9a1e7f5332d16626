package device

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownDevice is returned when an action targets an index that is
	// not in the registry.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrUnknownMotor is returned when a vibration channel is out of range.
	ErrUnknownMotor = errors.New("unknown motor")

	// ErrRegistryClosed is returned by Dispatch after Close.
	ErrRegistryClosed = errors.New("registry closed")
)

// Action is a registry mutation. The set of implementations is closed.
type Action interface {
	actionType() string
}

// PublicAction is an action a remote peer may ask the local registry to
// apply.
type PublicAction interface {
	Action
	public()
}

// AddDevice inserts or overwrites the entry at Index.
type AddDevice struct {
	Index int
	Info  Info
}

// RemoveDevice deletes the entry at Index if present.
type RemoveDevice struct {
	Index int
}

// ClearDevices empties the registry.
type ClearDevices struct{}

// SetControllable toggles whether a local device is exposed to the remote
// peer. No-op when the index is absent.
type SetControllable struct {
	Index        int
	Controllable bool
}

// SetVibration sets one channel of one device. The device must exist.
type SetVibration struct {
	Index      int
	MotorIndex int
	Speed      float64
}

// StopAll sets every channel of every device to zero. With ControllableOnly
// devices not shared with the remote peer keep their speeds; a stop-all
// received from the peer is applied that way.
type StopAll struct {
	ControllableOnly bool
}

// Action type tags, shared with the wire format.
const (
	TypeAddDevice       = "add-device"
	TypeRemoveDevice    = "remove-device"
	TypeClearDevices    = "clear-devices"
	TypeSetControllable = "set-controllable"
	TypeSetVibration    = "set-vibration"
	TypeStopAll         = "stop-all"
)

func (AddDevice) actionType() string       { return TypeAddDevice }
func (RemoveDevice) actionType() string    { return TypeRemoveDevice }
func (ClearDevices) actionType() string    { return TypeClearDevices }
func (SetControllable) actionType() string { return TypeSetControllable }
func (SetVibration) actionType() string    { return TypeSetVibration }
func (StopAll) actionType() string         { return TypeStopAll }

func (SetVibration) public() {}
func (StopAll) public()      {}

// TypeOf returns the wire tag of an action.
func TypeOf(action Action) string {
	return action.actionType()
}

// Reduce applies action to devices and returns the resulting snapshot. The
// input is never modified; unchanged entries are shared with the result.
//
// Only SetVibration can fail, and only on a precondition violation: the
// caller must confirm membership before issuing it.
func Reduce(devices Devices, action Action) (Devices, error) {
	switch a := action.(type) {
	case AddDevice:
		next := copyDevices(devices, 1)
		next[a.Index] = a.Info.Clone()
		return next, nil

	case RemoveDevice:
		if _, ok := devices[a.Index]; !ok {
			return devices, nil
		}
		next := copyDevices(devices, 0)
		delete(next, a.Index)
		return next, nil

	case ClearDevices:
		return Devices{}, nil

	case SetControllable:
		info, ok := devices[a.Index]
		if !ok {
			return devices, nil
		}
		next := copyDevices(devices, 0)
		info.Controllable = a.Controllable
		next[a.Index] = info
		return next, nil

	case SetVibration:
		info, ok := devices[a.Index]
		if !ok {
			return devices, fmt.Errorf("set vibration on device %d: %w", a.Index, ErrUnknownDevice)
		}
		if a.MotorIndex < 0 || a.MotorIndex >= len(info.VibrationSpeeds) {
			return devices, fmt.Errorf("set vibration on device %d motor %d: %w", a.Index, a.MotorIndex, ErrUnknownMotor)
		}
		next := copyDevices(devices, 0)
		speeds := append([]float64(nil), info.VibrationSpeeds...)
		speeds[a.MotorIndex] = a.Speed
		info.VibrationSpeeds = speeds
		next[a.Index] = info
		return next, nil

	case StopAll:
		next := make(Devices, len(devices))
		for index, info := range devices {
			if !a.ControllableOnly || info.Controllable {
				info.VibrationSpeeds = make([]float64, len(info.VibrationSpeeds))
			}
			next[index] = info
		}
		return next, nil

	default:
		return devices, fmt.Errorf("unsupported action %T", action)
	}
}

// CanApply reports whether a remote-origin action would be accepted against
// devices: the target must exist, be controllable and have the channel.
func CanApply(devices Devices, action PublicAction) error {
	switch a := action.(type) {
	case SetVibration:
		info, ok := devices[a.Index]
		if !ok || !info.Controllable {
			return fmt.Errorf("device %d: %w", a.Index, ErrUnknownDevice)
		}
		if a.MotorIndex < 0 || a.MotorIndex >= len(info.VibrationSpeeds) {
			return fmt.Errorf("device %d motor %d: %w", a.Index, a.MotorIndex, ErrUnknownMotor)
		}
		return nil
	case StopAll:
		return nil
	default:
		return fmt.Errorf("unsupported action %T", action)
	}
}

func copyDevices(devices Devices, extra int) Devices {
	next := make(Devices, len(devices)+extra)
	for index, info := range devices {
		next[index] = info
	}
	return next
}
