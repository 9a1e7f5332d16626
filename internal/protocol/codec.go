package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec names accepted by NewCodec.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec encodes and decodes data channel messages.
type Codec interface {
	Name() string
	Encode(Message) ([]byte, error)
	// Decode validates data and returns the typed message. Any schema
	// violation is reported as an error wrapping ErrMalformed.
	Decode(data []byte) (Message, error)
}

// NewCodec returns the codec registered under name. An empty name selects
// JSON.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec is the default codec, compatible with the browser client.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	w, err := toWire(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed("%v", err)
	}
	return fromWire(w)
}

// CBORCodec carries the JSON structure in CBOR. Device entries are encoded
// as two-element arrays, like the JSON tuples.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a codec using core deterministic encoding.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("creating CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("creating CBOR decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return CodecCBOR }

func (c *CBORCodec) Encode(m Message) ([]byte, error) {
	w, err := toWire(m)
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(w)
}

func (c *CBORCodec) Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return nil, malformed("%v", err)
	}
	return fromWire(w)
}
