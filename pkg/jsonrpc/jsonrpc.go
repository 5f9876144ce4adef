// Package jsonrpc implements the cluster wire protocol: length-framed
// JSON-RPC style messages exchanged between peers over a byte stream.
package jsonrpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the protocol version marker carried on every response.
const Version = "2.0"

// MaxFrameSize bounds a single message on the wire. Anything larger is a
// protocol violation and fatal for the connection.
const MaxFrameSize = 16 << 20

// Message is one wire message: a JSON object with well-known fields
// (method, params, id, ts, originZone, jsonrpc, result, error) plus
// anything else a handler chooses to carry.
type Message map[string]interface{}

// Method returns the method field, or "" when absent.
func (m Message) Method() string {
	s, _ := m["method"].(string)
	return s
}

// Params returns the params field, or nil when absent or malformed.
func (m Message) Params() map[string]interface{} {
	p, _ := m["params"].(map[string]interface{})
	return p
}

// ID returns the correlation id and whether one was present.
func (m Message) ID() (interface{}, bool) {
	id, ok := m["id"]
	return id, ok
}

// Timestamp returns the ts field and whether one was present.
// JSON numbers decode as float64.
func (m Message) Timestamp() (float64, bool) {
	ts, ok := m["ts"].(float64)
	return ts, ok
}

// OriginZone returns the originZone field, or "" when absent.
func (m Message) OriginZone() string {
	s, _ := m["originZone"].(string)
	return s
}

// WriteMessage frames and writes a single message:
// a 4-byte big-endian payload length followed by the JSON payload.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("message too large: %d bytes", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads exactly one framed message. io.EOF before the first
// length byte means the stream ended cleanly between messages; any other
// short read or oversized frame is an error.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
