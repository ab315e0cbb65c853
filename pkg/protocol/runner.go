package protocol

import (
	"encoding/json"
	"fmt"
)

// RunnerEventType tags events emitted by the in-container agent runner.
type RunnerEventType string

// Runner event types.
const (
	RunnerProcessStarted RunnerEventType = "process.started"
	RunnerProcessExited  RunnerEventType = "process.exited"
	RunnerProcessStdout  RunnerEventType = "process.stdout"
	RunnerProcessStderr  RunnerEventType = "process.stderr"
	RunnerProcessError   RunnerEventType = "process.error"
	RunnerSessionIdle    RunnerEventType = "session.idle"
	RunnerTurnComplete   RunnerEventType = "session.turn_complete"
	RunnerSessionResult  RunnerEventType = "session.result"
	RunnerHeartbeat      RunnerEventType = "heartbeat"
)

// Valid reports whether t is a known runner event type.
func (t RunnerEventType) Valid() bool {
	switch t {
	case RunnerProcessStarted, RunnerProcessExited, RunnerProcessStdout,
		RunnerProcessStderr, RunnerProcessError, RunnerSessionIdle,
		RunnerTurnComplete, RunnerSessionResult, RunnerHeartbeat:
		return true
	}
	return false
}

// RunnerEvent is a typed runner notification with a type-specific data
// object. Heartbeats carry no data.
type RunnerEvent struct {
	Type RunnerEventType `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ProcessStartedData accompanies process.started.
type ProcessStartedData struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Model     string `json:"model"`
	StartedAt string `json:"startedAt"`
}

// ProcessExitedData accompanies process.exited.
type ProcessExitedData struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// TurnCompleteData accompanies session.turn_complete.
type TurnCompleteData struct {
	StopReason string `json:"stopReason"`
	Timestamp  string `json:"timestamp"`
}

// SessionResultData accompanies session.result.
type SessionResultData struct {
	Summary string `json:"summary,omitempty"`
	PRURL   string `json:"prUrl,omitempty"`
}

// decodeData rejects decoding an event as a different type rather than
// returning zero values.
func decodeData[T any](e RunnerEvent, want RunnerEventType) (*T, error) {
	if e.Type != want {
		return nil, fmt.Errorf("runner event is %s, not %s", e.Type, want)
	}
	var out T
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", want, err)
	}
	return &out, nil
}

// ProcessStarted decodes the process.started data object.
func (e RunnerEvent) ProcessStarted() (*ProcessStartedData, error) {
	return decodeData[ProcessStartedData](e, RunnerProcessStarted)
}

// ProcessExited decodes the process.exited data object.
func (e RunnerEvent) ProcessExited() (*ProcessExitedData, error) {
	return decodeData[ProcessExitedData](e, RunnerProcessExited)
}

// TurnComplete decodes the session.turn_complete data object.
func (e RunnerEvent) TurnComplete() (*TurnCompleteData, error) {
	return decodeData[TurnCompleteData](e, RunnerTurnComplete)
}

// SessionResult decodes the session.result data object.
func (e RunnerEvent) SessionResult() (*SessionResultData, error) {
	return decodeData[SessionResultData](e, RunnerSessionResult)
}
