// Package session owns session lifecycle state: a pure transition machine
// and the SQLite-backed store that is the sole writer of Session rows.
// Every status change goes through compare-and-set semantics so concurrent
// writers (gateway event handling vs. orchestrator lifecycle calls) can
// never blindly overwrite each other.
package session

import (
	"fmt"

	"drydock/pkg/protocol"
)

// Trigger is an input to the session state machine.
type Trigger string

// Transition triggers.
const (
	TriggerProcessStarted Trigger = "process_started" // container reports process.started
	TriggerIdle           Trigger = "idle"            // agent reports session.idle
	TriggerResume         Trigger = "resume"          // command received / agent resumes
	TriggerResult         Trigger = "result"          // agent reports session.result (clean)
	TriggerFailure        Trigger = "failure"         // provisioning failure, process.error, unexpected exit, heartbeat timeout
	TriggerStop           Trigger = "stop"            // explicit stop/abort honored
)

// TransitionError reports a rejected transition. Transitions out of a
// terminal state are always rejected, never silently ignored.
type TransitionError struct {
	From    protocol.Status
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("session is terminal in %s; %s rejected", e.From, e.Trigger)
	}
	return fmt.Sprintf("no transition from %s on %s", e.From, e.Trigger)
}

// StaleStateError reports a compare-and-set that lost to a concurrent
// writer; the caller must re-read current state and retry.
type StaleStateError struct {
	SessionID string
	Expected  protocol.Status
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("session %s no longer in %s", e.SessionID, e.Expected)
}

// Next computes the target status for a trigger applied to the current
// status. It is pure: it performs no I/O and mutates nothing.
func Next(current protocol.Status, trigger Trigger) (protocol.Status, error) {
	if current.Terminal() {
		return "", &TransitionError{From: current, Trigger: trigger}
	}

	switch trigger {
	case TriggerProcessStarted:
		if current == protocol.StatusStarting {
			return protocol.StatusRunning, nil
		}
	case TriggerIdle:
		if current == protocol.StatusRunning {
			return protocol.StatusWaiting, nil
		}
	case TriggerResume:
		if current == protocol.StatusWaiting {
			return protocol.StatusRunning, nil
		}
	case TriggerResult:
		if current == protocol.StatusRunning || current == protocol.StatusWaiting {
			return protocol.StatusFinished, nil
		}
	case TriggerFailure:
		return protocol.StatusError, nil
	case TriggerStop:
		return protocol.StatusStopped, nil
	}
	return "", &TransitionError{From: current, Trigger: trigger}
}
