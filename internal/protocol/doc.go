// Package protocol implements the peer-to-peer device synchronization
// messages exchanged over the data channel.
//
// # Message Types
//
// Exactly two messages exist, modelled as the sealed [Message] interface:
//
//   - [DevicesMessage]: a full replacement snapshot of the sender's
//     controllable devices. Sent by the device owner on every registry change
//     and once when the link opens. The receiver replaces its whole mirror.
//   - [DispatchMessage]: one [device.PublicAction] issued by the remote peer
//     and applied to the owner's registry.
//
// # Wire Format
//
// The JSON encoding is the default and matches the browser client:
//
//	{"type":"devices","devices":[[0,{"index":0,"name":"Hush","displayName":null,
//	  "attributes":{"scalar":[...],"linear":[],"rotational":[]},
//	  "vibrationSpeeds":[0],"controllable":true}]]}
//
//	{"type":"dispatch","action":{"type":"set-vibration","index":0,"motorIndex":0,"speed":0.5}}
//	{"type":"dispatch","action":{"type":"stop-all"}}
//
// [CBORCodec] carries the same structure in CBOR, with device entries encoded
// as two-element arrays.
//
// # Validation
//
// Decoding validates the complete schema before any typed value is built.
// Every failure, whether an unknown tag, a missing field, a wrong type or a
// speed outside [0,1], is reported as [ErrMalformed]. "set-controllable" is
// not a dispatchable action and is rejected the same way.
package protocol
