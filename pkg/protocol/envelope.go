// Package protocol defines the wire envelope, runner event types, persistent
// row shapes, the SQLite schema, and the error taxonomy shared by every
// drydock component. The envelope is a tagged union: kind selects which
// payload pointer is populated, and dispatch on kind is exhaustive.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Version is the only wire protocol version in existence.
const Version = 1

// Kind discriminates envelope payloads.
type Kind string

// Envelope kinds.
const (
	KindEvent     Kind = "event"     // agent → gateway: claude message or runner event
	KindCommand   Kind = "command"   // client → agent: user_message, stop, abort
	KindAck       Kind = "ack"       // protocol-level acknowledgement, never logged
	KindError     Kind = "error"     // protocol-level rejection, never logged
	KindSubscribe Kind = "subscribe" // client joins a session channel
	KindSnapshot  Kind = "snapshot"  // gateway reply to subscribe
)

// Valid reports whether k is a known envelope kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEvent, KindCommand, KindAck, KindError, KindSubscribe, KindSnapshot:
		return true
	}
	return false
}

// Envelope is the wire frame {v, kind, sessionId, ts, seq, payload}.
// Exactly one payload pointer matching Kind is non-nil.
type Envelope struct {
	V         int    `json:"v"`
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	TS        string `json:"ts"`
	Seq       int64  `json:"seq,omitempty"`

	Event     *EventPayload     `json:"-"`
	Command   *CommandPayload   `json:"-"`
	Ack       *AckPayload       `json:"-"`
	Err       *ErrorPayload     `json:"-"`
	Subscribe *SubscribePayload `json:"-"`
	Snapshot  *SnapshotPayload  `json:"-"`
}

// EventPayload carries an opaque claude message, a typed runner event, or a
// control-plane lifecycle record; exactly one field is set. Agents may send
// only the first two; lifecycle records are gateway fan-out of ledger rows
// appended by the orchestrator.
type EventPayload struct {
	ClaudeMessage json.RawMessage `json:"claudeMessage,omitempty"`
	RunnerEvent   *RunnerEvent    `json:"runnerEvent,omitempty"`
	Lifecycle     *LifecycleEvent `json:"lifecycle,omitempty"`
}

// LifecycleEvent mirrors a manager-sourced ledger record (session.started,
// session.stopped, session.error) on the wire.
type LifecycleEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandKind discriminates client commands.
type CommandKind string

// Command kinds.
const (
	CommandUserMessage CommandKind = "user_message"
	CommandStop        CommandKind = "stop"
	CommandAbort       CommandKind = "abort"
)

// Valid reports whether c is a known command kind.
func (c CommandKind) Valid() bool {
	return c == CommandUserMessage || c == CommandStop || c == CommandAbort
}

// CommandPayload is client → agent traffic.
type CommandPayload struct {
	Kind    CommandKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

// AckPayload acknowledges a command or subscribe at the protocol level.
type AckPayload struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ErrorPayload rejects a frame at the protocol level.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubscribePayload requests a snapshot plus live fan-out.
type SubscribePayload struct {
	SinceSeq int64 `json:"sinceSeq"`
}

// SnapshotPayload answers a subscribe: current status plus every ledger
// event with seq > sinceSeq. Live frames continue from LastSeq+1.
type SnapshotPayload struct {
	Status  string  `json:"status"`
	Events  []Event `json:"events"`
	LastSeq int64   `json:"lastSeq"`
}

// wireEnvelope is the raw frame used by the custom JSON codecs.
type wireEnvelope struct {
	V         int             `json:"v"`
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	TS        string          `json:"ts"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the payload field matching Kind.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{V: e.V, Kind: e.Kind, SessionID: e.SessionID, TS: e.TS, Seq: e.Seq}

	var payload any
	switch e.Kind {
	case KindEvent:
		payload = e.Event
	case KindCommand:
		payload = e.Command
	case KindAck:
		payload = e.Ack
	case KindError:
		payload = e.Err
	case KindSubscribe:
		payload = e.Subscribe
	case KindSnapshot:
		payload = e.Snapshot
	default:
		return nil, &ProtocolError{Code: ErrCodeUnknownKind, Reason: fmt.Sprintf("kind %q", e.Kind)}
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Payload = data
	} else {
		w.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the payload field according to Kind. Unknown kinds
// are a ProtocolError so the gateway can answer with a typed error frame.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return &ProtocolError{Code: ErrCodeMalformed, Reason: err.Error()}
	}
	*e = Envelope{V: w.V, Kind: w.Kind, SessionID: w.SessionID, TS: w.TS, Seq: w.Seq}

	var target any
	switch w.Kind {
	case KindEvent:
		e.Event = &EventPayload{}
		target = e.Event
	case KindCommand:
		e.Command = &CommandPayload{}
		target = e.Command
	case KindAck:
		e.Ack = &AckPayload{}
		target = e.Ack
	case KindError:
		e.Err = &ErrorPayload{}
		target = e.Err
	case KindSubscribe:
		e.Subscribe = &SubscribePayload{}
		target = e.Subscribe
	case KindSnapshot:
		e.Snapshot = &SnapshotPayload{}
		target = e.Snapshot
	default:
		return &ProtocolError{Code: ErrCodeUnknownKind, Reason: fmt.Sprintf("kind %q", w.Kind)}
	}

	if len(w.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(w.Payload, target); err != nil {
		return &ProtocolError{Code: ErrCodeMalformed, Reason: fmt.Sprintf("payload for kind %s: %v", w.Kind, err)}
	}
	return nil
}

// tsLayout renders millisecond-precision UTC, the only timestamp shape the
// protocol accepts.
const tsLayout = "2006-01-02T15:04:05.000Z"

var tsPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// Timestamp formats t as a protocol timestamp.
func Timestamp(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// ValidTimestamp reports whether ts has the exact protocol shape.
func ValidTimestamp(ts string) bool {
	return tsPattern.MatchString(ts)
}

// Validate checks the envelope header. Payload semantics are the caller's
// business; Validate only guards the frame contract.
func (e *Envelope) Validate() error {
	if e.V != Version {
		return &ProtocolError{Code: ErrCodeBadVersion, Reason: fmt.Sprintf("version %d", e.V)}
	}
	if !e.Kind.Valid() {
		return &ProtocolError{Code: ErrCodeUnknownKind, Reason: fmt.Sprintf("kind %q", e.Kind)}
	}
	if !ValidTimestamp(e.TS) {
		return &ProtocolError{Code: ErrCodeMalformed, Reason: fmt.Sprintf("timestamp %q", e.TS)}
	}
	if e.Seq < 0 {
		return &ProtocolError{Code: ErrCodeMalformed, Reason: fmt.Sprintf("negative seq %d", e.Seq)}
	}
	return nil
}

// shell is the optional outer transport wrapper {type, data}.
type shell struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnwrapShell strips the outer {type, data} wrapper when present. Frames
// that are not wrapped (or not JSON at all) pass through untouched; the
// envelope decoder produces the diagnostics.
func UnwrapShell(raw []byte) []byte {
	var s shell
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	if s.Type == "" || len(s.Data) == 0 {
		return raw
	}
	return s.Data
}
