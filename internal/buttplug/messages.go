package buttplug

import "encoding/json"

// MessageVersion is the protocol version requested in the handshake.
const MessageVersion = 3

// ActuatorVibrate is the ScalarCmd actuator type driven by Vibrate.
const ActuatorVibrate = "Vibrate"

// Attribute describes one actuator of a device command.
type Attribute struct {
	FeatureDescriptor string `json:"FeatureDescriptor"`
	ActuatorType      string `json:"ActuatorType"`
	StepCount         int    `json:"StepCount"`

	// Index is the attribute's position within its command list. It is
	// assigned by the client and is what ScalarCmd addresses.
	Index int `json:"-"`
}

// DeviceMessages lists the commands a device accepts.
type DeviceMessages struct {
	ScalarCmd     []Attribute `json:"ScalarCmd,omitempty"`
	LinearCmd     []Attribute `json:"LinearCmd,omitempty"`
	RotateCmd     []Attribute `json:"RotateCmd,omitempty"`
	StopDeviceCmd *struct{}   `json:"StopDeviceCmd,omitempty"`
}

func (m *DeviceMessages) index() {
	for i := range m.ScalarCmd {
		m.ScalarCmd[i].Index = i
	}
	for i := range m.LinearCmd {
		m.LinearCmd[i].Index = i
	}
	for i := range m.RotateCmd {
		m.RotateCmd[i].Index = i
	}
}

// wireDevice is a device as announced in DeviceAdded and DeviceList.
type wireDevice struct {
	DeviceName             string         `json:"DeviceName"`
	DeviceIndex            int            `json:"DeviceIndex"`
	DeviceDisplayName      string         `json:"DeviceDisplayName,omitempty"`
	DeviceMessageTimingGap int            `json:"DeviceMessageTimingGap,omitempty"`
	DeviceMessages         DeviceMessages `json:"DeviceMessages"`
}

type serverInfo struct {
	ID             uint32 `json:"Id"`
	ServerName     string `json:"ServerName"`
	MessageVersion int    `json:"MessageVersion"`
	MaxPingTime    int    `json:"MaxPingTime"`
}

type deviceList struct {
	ID      uint32       `json:"Id"`
	Devices []wireDevice `json:"Devices"`
}

type deviceRemoved struct {
	ID          uint32 `json:"Id"`
	DeviceIndex int    `json:"DeviceIndex"`
}

type serverError struct {
	ID           uint32 `json:"Id"`
	ErrorMessage string `json:"ErrorMessage"`
	ErrorCode    int    `json:"ErrorCode"`
}

type scalar struct {
	Index        int     `json:"Index"`
	Scalar       float64 `json:"Scalar"`
	ActuatorType string  `json:"ActuatorType"`
}

// envelope is one decoded message: its type name and raw body.
type envelope struct {
	kind string
	body json.RawMessage
}

func decodeFrame(data []byte) ([]envelope, error) {
	var frame []map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	envelopes := make([]envelope, 0, len(frame))
	for _, msg := range frame {
		for kind, body := range msg {
			envelopes = append(envelopes, envelope{kind: kind, body: body})
		}
	}
	return envelopes, nil
}

func encodeFrame(kind string, body map[string]any) ([]byte, error) {
	return json.Marshal([]map[string]any{{kind: body}})
}

func messageID(body json.RawMessage) uint32 {
	var head struct {
		ID uint32 `json:"Id"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return 0
	}
	return head.ID
}
