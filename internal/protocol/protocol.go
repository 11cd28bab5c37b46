// Package protocol defines the versioned wire contract spoken between the
// control plane, the coordinator, and the worker runtime. Every message is a
// length-prefixed JSON frame carrying a schema version tag and a message
// type tag; unknown versions are rejected outright rather than parsed
// best-effort.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the schema version tag carried by every message.
const Version = "v1"

// MaxMessageSize is the maximum allowed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// VersionError reports a message whose schema version tag is unrecognized.
type VersionError struct {
	Got string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %q (want %q)", e.Got, Version)
}

// UnknownTypeError reports a message whose type tag is not part of the
// closed message set.
type UnknownTypeError struct {
	Got string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Got)
}

// Message is implemented by every wire message.
type Message interface {
	MessageType() string
}

// header is the discriminating portion of every message.
type header struct {
	Version string `json:"version"`
	Type    string `json:"type"`
}

// Encode writes m as a length-prefixed JSON frame with the version and type
// tags flattened into the payload object.
func Encode(w io.Writer, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("flatten message: %w", err)
	}
	fields["version"], _ = json.Marshal(Version)
	fields["type"], _ = json.Marshal(m.MessageType())

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return writeFrame(w, data)
}

// Decode reads one frame from r and decodes it into the concrete message
// named by its type tag. A version tag other than Version is rejected with
// a VersionError before any payload parsing is attempted.
func Decode(r io.Reader) (Message, error) {
	data, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return nil, &VersionError{Got: h.Version}
	}

	m, err := newMessage(h.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	return m, nil
}

// newMessage allocates the concrete message for a type tag. The switch is
// the closed message set: adding a message means adding a case here.
func newMessage(typ string) (Message, error) {
	switch typ {
	case TypeCreateWorker:
		return &CreateWorker{}, nil
	case TypeReadyForExecution:
		return &ReadyForExecution{}, nil
	case TypeTaskRunCompleted:
		return &TaskRunCompleted{}, nil
	case TypeTaskHeartbeat:
		return &TaskHeartbeat{}, nil
	case TypeCheckpointCreated:
		return &CheckpointCreated{}, nil
	case TypeResume:
		return &Resume{}, nil
	case TypeIndexTasks:
		return &IndexTasks{}, nil
	case TypeExecuteTaskRun:
		return &ExecuteTaskRun{}, nil
	case TypeWaitForDuration:
		return &WaitForDuration{}, nil
	case TypeWaitForTask:
		return &WaitForTask{}, nil
	case TypeWaitForBatch:
		return &WaitForBatch{}, nil
	default:
		return nil, &UnknownTypeError{Got: typ}
	}
}

// writeFrame writes a 4-byte big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// callbackEnvelope is the discriminated reply shape for request/response
// pairs: success=false carries no payload, success=true carries the
// operation's result fields flattened alongside it.
type callbackEnvelope struct {
	Success bool `json:"success"`
}

// EncodeCallback writes a callback reply. payload must be nil when success
// is false.
func EncodeCallback(w io.Writer, success bool, payload any) error {
	if !success || payload == nil {
		data, _ := json.Marshal(callbackEnvelope{Success: success})
		return writeFrame(w, data)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("flatten callback payload: %w", err)
	}
	fields["success"], _ = json.Marshal(true)

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	return writeFrame(w, data)
}

// DecodeCallback reads a callback reply. When the reply is successful and
// payload is non-nil, the result fields are decoded into payload.
func DecodeCallback(r io.Reader, payload any) (bool, error) {
	data, err := readFrame(r)
	if err != nil {
		return false, err
	}

	var env callbackEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("decode callback: %w", err)
	}
	if !env.Success {
		return false, nil
	}
	if payload != nil {
		if err := json.Unmarshal(data, payload); err != nil {
			return false, fmt.Errorf("decode callback payload: %w", err)
		}
	}
	return true, nil
}
