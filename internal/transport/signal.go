package transport

// SignalType identifies a message exchanged with the signaling relay.
type SignalType string

const (
	// Relay to client.
	SignalOpen    SignalType = "OPEN"
	SignalIDTaken SignalType = "ID-TAKEN"
	SignalError   SignalType = "ERROR"
	SignalExpire  SignalType = "EXPIRE"

	// Client to relay, forwarded to Dst.
	SignalOffer     SignalType = "OFFER"
	SignalAnswer    SignalType = "ANSWER"
	SignalLeave     SignalType = "LEAVE"
	SignalHeartbeat SignalType = "HEARTBEAT"
)

// SignalMessage is the relay's wire envelope. The relay stamps Src on
// forwarded messages; OPEN carries the assigned id in Dst.
type SignalMessage struct {
	Type    SignalType     `json:"type"`
	Src     string         `json:"src,omitempty"`
	Dst     string         `json:"dst,omitempty"`
	Payload *SignalPayload `json:"payload,omitempty"`
}

// SignalPayload carries session descriptions and relay error text.
type SignalPayload struct {
	SDP          string `json:"sdp,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Message      string `json:"msg,omitempty"`
}

// Forwarded reports whether the relay routes t to another client.
func (t SignalType) Forwarded() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalLeave:
		return true
	default:
		return false
	}
}
