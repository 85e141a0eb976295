// Package wire implements the length/sentinel-delimited JSON framing used
// on every socket in ringhashd: client-to-router, router-to-backend, and
// router-to-admin-caller all speak the same wire format.
//
// A frame is a JSON object followed by a single sentinel byte, ';' (0x3B).
// Values are always wrapped as {"data": <payload>} on the wire; Decode
// strips that envelope so callers operate on the application payload
// directly, and Encode adds it back.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Sentinel terminates every frame.
const Sentinel = ';'

// maxChunk bounds each individual read from the stream.
const maxChunk = 1024

// ProtocolError wraps a frame that could not be parsed as JSON.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrPeerClosed signals a clean disconnect: a zero-length read arrived
// before any byte of a frame was seen. Callers should terminate the connection
// loop without treating this as a failure.
var ErrPeerClosed = errors.New("wire: peer closed connection")

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Decode reads one frame from r, strips the sentinel and the {"data": ...}
// envelope, and unmarshals the inner payload into a generic command map.
func Decode(r io.Reader) (map[string]any, error) {
	raw, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Err: err}
	}

	var payload map[string]any
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	return payload, nil
}

// readFrame accumulates chunks until the trailing sentinel is observed,
// and returns the bytes preceding it.
func readFrame(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, maxChunk)

	for {
		n, err := r.Read(chunk)
		if n == 0 {
			// A zero-length read with nothing buffered yet is a
			// clean disconnect, not a protocol violation, regardless
			// of the underlying error value. Once part of a frame has
			// arrived, a zero-length read with an error is a
			// ProtocolError and one without is retried.
			if buf.Len() == 0 {
				return nil, ErrPeerClosed
			}
			if err != nil {
				return nil, &ProtocolError{Err: err}
			}
			continue
		}

		buf.Write(chunk[:n])
		if buf.Bytes()[buf.Len()-1] == Sentinel {
			return buf.Bytes()[:buf.Len()-1], nil
		}
		if err != nil {
			if err == io.EOF {
				return nil, &ProtocolError{Err: fmt.Errorf("stream ended mid-frame")}
			}
			return nil, &ProtocolError{Err: err}
		}
	}
}

// Encode wraps payload as {"data": payload}, serializes it as JSON, and
// appends the sentinel, writing the result to w.
func Encode(w io.Writer, payload any) error {
	env := envelope{}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	env.Data = raw

	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	out = append(out, Sentinel)

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}
