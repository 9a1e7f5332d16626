package device

import (
	"sort"
)

// ActuatorType names the kind of actuator behind a scalar/linear/rotate
// attribute, as reported by the actuator server.
type ActuatorType string

const (
	ActuatorUnknown   ActuatorType = "Unknown"
	ActuatorVibrate   ActuatorType = "Vibrate"
	ActuatorRotate    ActuatorType = "Rotate"
	ActuatorOscillate ActuatorType = "Oscillate"
	ActuatorConstrict ActuatorType = "Constrict"
	ActuatorInflate   ActuatorType = "Inflate"
	ActuatorPosition  ActuatorType = "Position"
)

// Valid reports whether t is one of the known actuator types.
func (t ActuatorType) Valid() bool {
	switch t {
	case ActuatorUnknown, ActuatorVibrate, ActuatorRotate, ActuatorOscillate,
		ActuatorConstrict, ActuatorInflate, ActuatorPosition:
		return true
	}
	return false
}

// Attribute describes one actuator feature of a device.
type Attribute struct {
	FeatureDescriptor string       `json:"FeatureDescriptor" cbor:"FeatureDescriptor"`
	ActuatorType      ActuatorType `json:"ActuatorType" cbor:"ActuatorType"`
	StepCount         int          `json:"StepCount" cbor:"StepCount"`
	// Index is the attribute's position within its command list.
	Index int `json:"Index" cbor:"Index"`
}

// Label returns the feature descriptor, or the actuator type when the device
// does not name the feature.
func (a Attribute) Label() string {
	if a.FeatureDescriptor != "" {
		return a.FeatureDescriptor
	}
	return string(a.ActuatorType)
}

// Attributes is the immutable capability descriptor of a device.
type Attributes struct {
	Scalar     []Attribute `json:"scalar" cbor:"scalar"`
	Linear     []Attribute `json:"linear" cbor:"linear"`
	Rotational []Attribute `json:"rotational" cbor:"rotational"`
}

// Info is the state of one device.
type Info struct {
	Index       int        `json:"index" cbor:"index"`
	Name        string     `json:"name" cbor:"name"`
	DisplayName string     `json:"displayName" cbor:"displayName"`
	Attributes  Attributes `json:"attributes" cbor:"attributes"`
	// VibrationSpeeds holds one speed in [0,1] per scalar vibrate actuator.
	VibrationSpeeds []float64 `json:"vibrationSpeeds" cbor:"vibrationSpeeds"`
	// Controllable gates exposure to the remote peer. Only meaningful in a
	// local registry; mirrored copies ignore it.
	Controllable bool `json:"controllable" cbor:"controllable"`
}

// Title returns the display name when set, otherwise the hardware name.
func (i Info) Title() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Name
}

// Clone returns a deep copy of i.
func (i Info) Clone() Info {
	out := i
	out.Attributes = Attributes{
		Scalar:     cloneAttributes(i.Attributes.Scalar),
		Linear:     cloneAttributes(i.Attributes.Linear),
		Rotational: cloneAttributes(i.Attributes.Rotational),
	}
	if i.VibrationSpeeds != nil {
		out.VibrationSpeeds = make([]float64, len(i.VibrationSpeeds))
		copy(out.VibrationSpeeds, i.VibrationSpeeds)
	}
	return out
}

func cloneAttributes(in []Attribute) []Attribute {
	if in == nil {
		return nil
	}
	out := make([]Attribute, len(in))
	copy(out, in)
	return out
}

// Entry pairs an index with its device, in the order snapshots are sent.
type Entry struct {
	Index int
	Info  Info
}

// Devices is an immutable snapshot of a registry. Never mutate a Devices
// value obtained from a Registry; use Reduce to derive a new one.
type Devices map[int]Info

// Get returns the device at index.
func (d Devices) Get(index int) (Info, bool) {
	info, ok := d[index]
	return info, ok
}

// Indices returns the registry keys in ascending order.
func (d Devices) Indices() []int {
	indices := make([]int, 0, len(d))
	for index := range d {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// Entries returns every entry ordered by index.
func (d Devices) Entries() []Entry {
	entries := make([]Entry, 0, len(d))
	for _, index := range d.Indices() {
		entries = append(entries, Entry{Index: index, Info: d[index]})
	}
	return entries
}

// Controllable returns the entries with Controllable set, ordered by index.
func (d Devices) Controllable() []Entry {
	entries := make([]Entry, 0, len(d))
	for _, index := range d.Indices() {
		if info := d[index]; info.Controllable {
			entries = append(entries, Entry{Index: index, Info: info})
		}
	}
	return entries
}

// FromEntries builds a snapshot from entries. Later duplicates win.
func FromEntries(entries []Entry) Devices {
	devices := make(Devices, len(entries))
	for _, entry := range entries {
		devices[entry.Index] = entry.Info.Clone()
	}
	return devices
}

// NewInfo returns a freshly attached device: controllable, every vibrate
// channel at zero.
func NewInfo(index int, name string, displayName string, attributes Attributes, vibrateCount int) Info {
	return Info{
		Index:           index,
		Name:            name,
		DisplayName:     displayName,
		Attributes:      attributes,
		VibrationSpeeds: make([]float64, vibrateCount),
		Controllable:    true,
	}
}
