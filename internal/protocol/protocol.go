// Package protocol defines the control-plane message envelope, the
// well-known message tags, and the payload schemas exchanged between the
// coordinator and its workers. Encoding is UTF-8 JSON, one message per
// transport frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the semver protocol version exchanged at register time.
// A mismatch is reported back at handshake time but is not fatal.
const Version = "1.0.0"

// Message tags.
const (
	TypeWorkerRegister     = "worker:register"
	TypeWorkerRegisterAck  = "worker:register_ack"
	TypeWorkerHeartbeat    = "worker:heartbeat"
	TypeWorkerHeartbeatAck = "worker:heartbeat_ack"

	TypeTaskAssign             = "task:assign"
	TypeTaskStream             = "task:stream"
	TypeTaskComplete           = "task:complete"
	TypeTaskError              = "task:error"
	TypeTaskCancel             = "task:cancel"
	TypeTaskQuestion           = "task:question"
	TypeTaskAnswer             = "task:answer"
	TypeTaskPermission         = "task:permission"
	TypeTaskPermissionResponse = "task:permission_response"

	TypeFileTransfer    = "file:transfer"
	TypeFileTransferAck = "file:transfer_ack"

	TypeTeamUpdate = "team:update"
)

// Error codes carried in task:error payloads and logs.
const (
	CodeAuthFailure         = "AUTH_FAILURE"
	CodeQueueFull           = "QUEUE_FULL"
	CodeTimeout             = "TIMEOUT"
	CodeSpawnError          = "SPAWN_ERROR"
	CodeDirectoryNotAllowed = "DIRECTORY_NOT_ALLOWED"
	CodeWorkerDisconnect    = "WORKER_DISCONNECT"
	CodeTransferFailure     = "TRANSFER_FAILURE"
	CodeProtocol            = "PROTOCOL"
)

// ExitCode returns the error code for a child exiting with code n.
func ExitCode(n int) string {
	return fmt.Sprintf("EXIT_%d", n)
}

// ExitSignal returns the error code for a child killed by a signal.
func ExitSignal(sig string) string {
	return "EXIT_" + sig
}

// ErrMalformed is returned when an envelope is missing a required key.
var ErrMalformed = errors.New("malformed envelope")

// Message is the uniform envelope wrapping every control-plane message.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	TaskID    string          `json:"taskId,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
}

// New builds a Message of the given type with the payload marshalled and the
// timestamp set to the current time in milliseconds since epoch.
func New(msgType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Encode serialises the message to its wire form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame into a Message. Envelopes missing the type,
// payload, or timestamp key are rejected; a payload of JSON null is accepted
// (only the absent key is an error).
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type      *string         `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp *int64          `json:"timestamp"`
		TaskID    string          `json:"taskId"`
		WorkerID  string          `json:"workerId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	if probe.Type == nil {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if probe.Payload == nil {
		return Message{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if probe.Timestamp == nil {
		return Message{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	return Message{
		Type:      *probe.Type,
		Payload:   probe.Payload,
		Timestamp: *probe.Timestamp,
		TaskID:    probe.TaskID,
		WorkerID:  probe.WorkerID,
	}, nil
}

// DecodePayload unmarshals the message payload into v.
func DecodePayload(m Message, v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", m.Type, err)
	}
	return nil
}
