// Package codec implements the Task Payload Codec: a symmetric,
// gob-backed serializer for the attribute maps and operator-invocation
// payloads shipped between the submitter and the worker.
package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/taskmesh/fleetexec/internal/protocol"
)

func init() {
	gob.Register(&protocol.Attributes{})
	gob.Register(&protocol.DelegateContext{})
	gob.Register(&protocol.OperatorInvocation{})
}

// Error wraps a (de)serialization failure. It is fatal for the affected
// task: the caller has no recourse but to fail the task.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Codec serializes and deserializes values shipped on the wire.
type Codec interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}

// Gob is the codec used throughout: compact binary output that
// round-trips the workflow-domain values (paths, maps, byte slices) used
// by Attributes and DelegateContext. Pointers are flattened, so a value
// referenced twice is encoded and decoded as two separate copies, and
// values containing cycles cannot be encoded.
type Gob struct{}

func NewGob() Gob { return Gob{} }

func (Gob) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, &Error{Op: "serialize", Err: err}
	}
	return buf.Bytes(), nil
}

func (Gob) Deserialize(data []byte, v any) error {
	if len(data) == 0 {
		return &Error{Op: "deserialize", Err: fmt.Errorf("truncated input")}
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return &Error{Op: "deserialize", Err: err}
	}
	return nil
}

// EncodeAttributes serializes the wire attribute set for an envelope.
func EncodeAttributes(c Codec, attrs *protocol.Attributes) ([]byte, error) {
	return c.Serialize(attrs)
}

// DecodeAttributes deserializes the wire attribute set on first access by
// the worker.
func DecodeAttributes(c Codec, data []byte) (*protocol.Attributes, error) {
	var attrs protocol.Attributes
	if err := c.Deserialize(data, &attrs); err != nil {
		return nil, err
	}
	return &attrs, nil
}
