package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/muurk/rtc2/internal/device"
)

// wireMessage is the envelope shared by every codec. Pointer fields let
// validation tell a missing field from a zero value.
type wireMessage struct {
	Type    string      `json:"type" cbor:"type"`
	Devices *[]wireEntry `json:"devices,omitempty" cbor:"devices,omitempty"`
	Action  *wireAction `json:"action,omitempty" cbor:"action,omitempty"`
}

type wireEntry struct {
	_     struct{} `cbor:",toarray"`
	Index *int
	Info  *wireInfo
}

type wireInfo struct {
	Index           *int            `json:"index" cbor:"index"`
	Name            *string         `json:"name" cbor:"name"`
	DisplayName     *string         `json:"displayName" cbor:"displayName"`
	Attributes      *wireAttributes `json:"attributes" cbor:"attributes"`
	VibrationSpeeds []float64       `json:"vibrationSpeeds" cbor:"vibrationSpeeds"`
	Controllable    *bool           `json:"controllable,omitempty" cbor:"controllable,omitempty"`
}

type wireAttributes struct {
	Scalar     []wireAttribute `json:"scalar" cbor:"scalar"`
	Linear     []wireAttribute `json:"linear" cbor:"linear"`
	Rotational []wireAttribute `json:"rotational" cbor:"rotational"`
}

type wireAttribute struct {
	FeatureDescriptor *string `json:"FeatureDescriptor" cbor:"FeatureDescriptor"`
	ActuatorType      *string `json:"ActuatorType" cbor:"ActuatorType"`
	StepCount         *int    `json:"StepCount" cbor:"StepCount"`
	Index             *int    `json:"Index" cbor:"Index"`
}

type wireAction struct {
	Type       string   `json:"type" cbor:"type"`
	Index      *int     `json:"index,omitempty" cbor:"index,omitempty"`
	MotorIndex *int     `json:"motorIndex,omitempty" cbor:"motorIndex,omitempty"`
	Speed      *float64 `json:"speed,omitempty" cbor:"speed,omitempty"`
}

// MarshalJSON encodes an entry as a two-element [index, info] array.
func (e wireEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Index, e.Info})
}

// UnmarshalJSON decodes a two-element [index, info] array.
func (e *wireEntry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("device entry has %d elements, want 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.Index); err != nil {
		return fmt.Errorf("device entry index: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.Info); err != nil {
		return fmt.Errorf("device entry info: %w", err)
	}
	return nil
}

func toWire(m Message) (wireMessage, error) {
	switch msg := m.(type) {
	case DevicesMessage:
		entries := make([]wireEntry, 0, len(msg.Devices))
		for _, entry := range msg.Devices {
			entries = append(entries, wireEntry{Index: intPtr(entry.Index), Info: infoToWire(entry.Info)})
		}
		return wireMessage{Type: TypeDevices, Devices: &entries}, nil

	case DispatchMessage:
		action, err := actionToWire(msg.Action)
		if err != nil {
			return wireMessage{}, err
		}
		return wireMessage{Type: TypeDispatch, Action: action}, nil

	default:
		return wireMessage{}, fmt.Errorf("unsupported message %T", m)
	}
}

func infoToWire(info device.Info) *wireInfo {
	var displayName *string
	if info.DisplayName != "" {
		displayName = &info.DisplayName
	}
	speeds := info.VibrationSpeeds
	if speeds == nil {
		speeds = []float64{}
	}
	return &wireInfo{
		Index:       intPtr(info.Index),
		Name:        &info.Name,
		DisplayName: displayName,
		Attributes: &wireAttributes{
			Scalar:     attributesToWire(info.Attributes.Scalar),
			Linear:     attributesToWire(info.Attributes.Linear),
			Rotational: attributesToWire(info.Attributes.Rotational),
		},
		VibrationSpeeds: speeds,
		Controllable:    &info.Controllable,
	}
}

func attributesToWire(attributes []device.Attribute) []wireAttribute {
	out := make([]wireAttribute, 0, len(attributes))
	for _, a := range attributes {
		actuator := string(a.ActuatorType)
		out = append(out, wireAttribute{
			FeatureDescriptor: &a.FeatureDescriptor,
			ActuatorType:      &actuator,
			StepCount:         intPtr(a.StepCount),
			Index:             intPtr(a.Index),
		})
	}
	return out
}

func actionToWire(action device.PublicAction) (*wireAction, error) {
	switch a := action.(type) {
	case device.SetVibration:
		return &wireAction{
			Type:       device.TypeSetVibration,
			Index:      intPtr(a.Index),
			MotorIndex: intPtr(a.MotorIndex),
			Speed:      &a.Speed,
		}, nil
	case device.StopAll:
		return &wireAction{Type: device.TypeStopAll}, nil
	default:
		return nil, fmt.Errorf("unsupported action %T", action)
	}
}

// fromWire validates w and builds the typed message. Every error wraps
// ErrMalformed.
func fromWire(w wireMessage) (Message, error) {
	switch w.Type {
	case TypeDevices:
		if w.Devices == nil {
			return nil, malformed("devices: missing")
		}
		entries := make([]device.Entry, 0, len(*w.Devices))
		for i, entry := range *w.Devices {
			if entry.Index == nil || *entry.Index < 0 {
				return nil, malformed("devices[%d]: invalid index", i)
			}
			info, err := infoFromWire(entry.Info)
			if err != nil {
				return nil, malformed("devices[%d]: %v", i, err)
			}
			entries = append(entries, device.Entry{Index: *entry.Index, Info: info})
		}
		return DevicesMessage{Devices: entries}, nil

	case TypeDispatch:
		if w.Action == nil {
			return nil, malformed("dispatch: missing action")
		}
		action, err := actionFromWire(*w.Action)
		if err != nil {
			return nil, malformed("dispatch: %v", err)
		}
		return DispatchMessage{Action: action}, nil

	default:
		return nil, malformed("unknown type %q", w.Type)
	}
}

func infoFromWire(w *wireInfo) (device.Info, error) {
	if w == nil {
		return device.Info{}, fmt.Errorf("missing device info")
	}
	if w.Index == nil || *w.Index < 0 {
		return device.Info{}, fmt.Errorf("invalid index")
	}
	if w.Name == nil {
		return device.Info{}, fmt.Errorf("missing name")
	}
	if w.Attributes == nil {
		return device.Info{}, fmt.Errorf("missing attributes")
	}
	if w.VibrationSpeeds == nil {
		return device.Info{}, fmt.Errorf("missing vibrationSpeeds")
	}
	for i, speed := range w.VibrationSpeeds {
		if !validSpeed(speed) {
			return device.Info{}, fmt.Errorf("vibrationSpeeds[%d]: %v out of range", i, speed)
		}
	}

	scalar, err := attributesFromWire("scalar", w.Attributes.Scalar)
	if err != nil {
		return device.Info{}, err
	}
	linear, err := attributesFromWire("linear", w.Attributes.Linear)
	if err != nil {
		return device.Info{}, err
	}
	rotational, err := attributesFromWire("rotational", w.Attributes.Rotational)
	if err != nil {
		return device.Info{}, err
	}

	info := device.Info{
		Index:           *w.Index,
		Name:            *w.Name,
		Attributes:      device.Attributes{Scalar: scalar, Linear: linear, Rotational: rotational},
		VibrationSpeeds: w.VibrationSpeeds,
	}
	if w.DisplayName != nil {
		info.DisplayName = *w.DisplayName
	}
	if w.Controllable != nil {
		info.Controllable = *w.Controllable
	}
	return info, nil
}

func attributesFromWire(kind string, in []wireAttribute) ([]device.Attribute, error) {
	if in == nil {
		return nil, fmt.Errorf("attributes.%s: missing", kind)
	}
	out := make([]device.Attribute, 0, len(in))
	for i, a := range in {
		if a.FeatureDescriptor == nil || a.ActuatorType == nil || a.StepCount == nil || a.Index == nil {
			return nil, fmt.Errorf("attributes.%s[%d]: missing field", kind, i)
		}
		actuator := device.ActuatorType(*a.ActuatorType)
		if !actuator.Valid() {
			return nil, fmt.Errorf("attributes.%s[%d]: unknown actuator type %q", kind, i, *a.ActuatorType)
		}
		if *a.StepCount < 0 || *a.Index < 0 {
			return nil, fmt.Errorf("attributes.%s[%d]: negative value", kind, i)
		}
		out = append(out, device.Attribute{
			FeatureDescriptor: *a.FeatureDescriptor,
			ActuatorType:      actuator,
			StepCount:         *a.StepCount,
			Index:             *a.Index,
		})
	}
	return out, nil
}

func actionFromWire(w wireAction) (device.PublicAction, error) {
	switch w.Type {
	case device.TypeSetVibration:
		if w.Index == nil || w.MotorIndex == nil || w.Speed == nil {
			return nil, fmt.Errorf("set-vibration: missing field")
		}
		if *w.Index < 0 || *w.MotorIndex < 0 {
			return nil, fmt.Errorf("set-vibration: negative index")
		}
		if !validSpeed(*w.Speed) {
			return nil, fmt.Errorf("set-vibration: speed %v out of range", *w.Speed)
		}
		return device.SetVibration{Index: *w.Index, MotorIndex: *w.MotorIndex, Speed: *w.Speed}, nil
	case device.TypeStopAll:
		return device.StopAll{}, nil
	default:
		return nil, fmt.Errorf("action type %q is not dispatchable", w.Type)
	}
}

func validSpeed(speed float64) bool {
	return !math.IsNaN(speed) && !math.IsInf(speed, 0) && speed >= 0 && speed <= 1
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func intPtr(v int) *int {
	return &v
}
