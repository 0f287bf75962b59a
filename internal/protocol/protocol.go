// Package protocol defines the control-plane wire framing and the typed
// message catalog exchanged over it.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// MaxControlMessage is the maximum control message payload length (1 MiB).
	MaxControlMessage = 1 << 20

	// MaxOpusFrameSize bounds a single 20ms/48kHz mono Opus frame.
	MaxOpusFrameSize = 1275
)

// Envelope is the wire shape of every control message: a type tag selecting
// the handler and a lazily-deserialized payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals v as the payload of a typed envelope.
func Encode(msgType string, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the envelope's payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// WriteMessage writes a length-prefixed JSON envelope: a 4-byte
// big-endian length followed by the JSON object. Oversize payloads are
// rejected before anything is written.
func WriteMessage(w io.Writer, msgType string, payload any) error {
	env, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(data) > MaxControlMessage {
		return fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON envelope from r. A length
// exceeding MaxControlMessage is a protocol error the caller should treat
// as connection-closing.
func ReadMessage(r io.Reader) (Envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Envelope{}, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxControlMessage {
		return Envelope{}, fmt.Errorf("protocol: message too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, fmt.Errorf("protocol: read payload: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	return env, nil
}
