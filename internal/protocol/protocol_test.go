package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewSetsTimestamp(t *testing.T) {
	msg, err := New(TypeWorkerHeartbeat, HeartbeatPayload{Status: "online"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if msg.Type != TypeWorkerHeartbeat {
		t.Fatalf("expected type %s, got %s", TypeWorkerHeartbeat, msg.Type)
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected non-zero timestamp")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := New(TypeTaskCancel, CancelPayload{Reason: "timeout"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msg.TaskID = "task-1"
	msg.WorkerID = "w1"

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != msg.Type || got.Timestamp != msg.Timestamp ||
		got.TaskID != msg.TaskID || got.WorkerID != msg.WorkerID {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, msg)
	}

	// A second encode of the decoded message is byte-stable.
	again, err := got.Encode()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(again) != string(data) {
		t.Fatalf("re-encode not stable:\n%s\n%s", data, again)
	}
}

func TestDecodeRejectsMissingKeys(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"missing type", `{"payload":{},"timestamp":1}`},
		{"missing payload", `{"type":"task:stream","timestamp":1}`},
		{"missing timestamp", `{"type":"task:stream","payload":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.in))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeAcceptsNullPayload(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"worker:heartbeat_ack","payload":null,"timestamp":5}`))
	if err != nil {
		t.Fatalf("expected null payload to be accepted, got %v", err)
	}
	if string(msg.Payload) != "null" {
		t.Fatalf("expected raw null payload, got %q", msg.Payload)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDecodePayload(t *testing.T) {
	msg, err := New(TypeTaskError, ErrorPayload{Code: CodeTimeout, Message: "too slow"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var p ErrorPayload
	if err := DecodePayload(msg, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Code != CodeTimeout || p.Message != "too slow" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestExitCodes(t *testing.T) {
	if got := ExitCode(3); got != "EXIT_3" {
		t.Fatalf("expected EXIT_3, got %s", got)
	}
	if got := ExitSignal("SIGTERM"); got != "EXIT_SIGTERM" {
		t.Fatalf("expected EXIT_SIGTERM, got %s", got)
	}
}

func TestEnvelopeWireKeys(t *testing.T) {
	msg := Message{Type: "task:stream", Payload: json.RawMessage(`{}`), Timestamp: 9, TaskID: "task-2"}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "payload", "timestamp", "taskId"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("missing wire key %q in %s", key, data)
		}
	}
	if _, ok := raw["workerId"]; ok {
		t.Fatal("empty workerId should be omitted")
	}
}
