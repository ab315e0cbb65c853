package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"drydock/pkg/protocol"
	"drydock/pkg/session"

	"github.com/gorilla/websocket"
)

// parseFrame unwraps, decodes, and validates a frame. On failure it returns
// an error-kind reply for the offending connection; session state is never
// touched by a bad frame.
func (g *Gateway) parseFrame(sessionID string, raw []byte) (*protocol.Envelope, []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(protocol.UnwrapShell(raw), &env); err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			return nil, g.errorEnvelope(sessionID, perr.Code, perr.Reason)
		}
		return nil, g.errorEnvelope(sessionID, protocol.ErrCodeMalformed, err.Error())
	}
	if err := env.Validate(); err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			return nil, g.errorEnvelope(sessionID, perr.Code, perr.Reason)
		}
		return nil, g.errorEnvelope(sessionID, protocol.ErrCodeMalformed, err.Error())
	}
	if env.SessionID != "" && env.SessionID != sessionID {
		return nil, g.errorEnvelope(sessionID, protocol.ErrCodeUnknownSession,
			"envelope sessionId does not match connection")
	}
	return &env, nil
}

// HandleAgentFrame processes one frame from the agent connection and returns
// a reply frame, or nil when no reply is due. Every accepted event is
// appended to the ledger, fanned out with its ledger seq, and fed to the
// state machine.
func (g *Gateway) HandleAgentFrame(ctx context.Context, sessionID string, raw []byte) []byte {
	env, reply := g.parseFrame(sessionID, raw)
	if reply != nil {
		return reply
	}
	if env.Kind != protocol.KindEvent {
		return g.errorEnvelope(sessionID, protocol.ErrCodeMalformed,
			"agents send event frames only")
	}
	if env.Event == nil || (env.Event.ClaudeMessage == nil && env.Event.RunnerEvent == nil) {
		return g.errorEnvelope(sessionID, protocol.ErrCodeMalformed, "empty event payload")
	}
	if env.Event.Lifecycle != nil {
		return g.errorEnvelope(sessionID, protocol.ErrCodeMalformed,
			"lifecycle events originate from the control plane")
	}

	g.markBeat(sessionID)

	eventType := protocol.EventAgentMessage
	if re := env.Event.RunnerEvent; re != nil {
		if !re.Type.Valid() {
			return g.errorEnvelope(sessionID, protocol.ErrCodeMalformed,
				"unknown runner event type "+string(re.Type))
		}
		eventType = string(re.Type)
	}

	payload, err := json.Marshal(env.Event)
	if err != nil {
		return g.errorEnvelope(sessionID, protocol.ErrCodeMalformed, err.Error())
	}

	ev, err := g.log.Append(ctx, sessionID, protocol.SourceAgent, eventType, string(payload))
	if err != nil {
		g.logger.Warn("append agent event failed", "session", sessionID, "type", eventType, "err", err)
		return g.errorEnvelope(sessionID, protocol.ErrCodeInternal, "event not recorded")
	}

	out := *env
	out.Seq = ev.Seq
	out.TS = ev.CreatedAt
	out.SessionID = sessionID
	ch := g.channelFor(sessionID)
	ch.mu.Lock()
	g.fanoutLocked(ch, &out)
	ch.mu.Unlock()

	g.applyRunnerTrigger(ctx, sessionID, env.Event)
	return nil
}

// applyRunnerTrigger maps an accepted agent event onto a state machine
// trigger. Mis-sequenced runtime events are rejected by the machine and
// logged; the ledger record stands either way.
func (g *Gateway) applyRunnerTrigger(ctx context.Context, sessionID string, ev *protocol.EventPayload) {
	var trigger session.Trigger

	switch {
	case ev.RunnerEvent == nil:
		// Claude activity resumes a waiting session; anything else is a no-op.
		trigger = session.TriggerResume
	default:
		switch ev.RunnerEvent.Type {
		case protocol.RunnerProcessStarted:
			trigger = session.TriggerProcessStarted
		case protocol.RunnerSessionIdle:
			trigger = session.TriggerIdle
		case protocol.RunnerSessionResult:
			if data, err := ev.RunnerEvent.SessionResult(); err == nil && data.PRURL != "" {
				if err := g.store.SetPRURL(ctx, sessionID, data.PRURL); err != nil {
					g.logger.Warn("record pr url failed", "session", sessionID, "err", err)
				}
			}
			trigger = session.TriggerResult
		case protocol.RunnerProcessError:
			trigger = session.TriggerFailure
		case protocol.RunnerProcessExited:
			data, err := ev.RunnerEvent.ProcessExited()
			if err != nil || data.ExitCode != 0 {
				trigger = session.TriggerFailure
			} else {
				// Clean exit; session.result already settled the status.
				return
			}
		default:
			// stdout/stderr/turn_complete/heartbeat carry no lifecycle meaning.
			return
		}
	}

	status, err := g.store.Transition(ctx, sessionID, trigger)
	if err != nil {
		var te *session.TransitionError
		if errors.As(err, &te) {
			g.logger.Debug("trigger not applicable", "session", sessionID, "trigger", trigger, "from", te.From)
			return
		}
		g.logger.Warn("transition failed", "session", sessionID, "trigger", trigger, "err", err)
		return
	}
	if status.Terminal() {
		g.log.Evict(sessionID)
	}
}

// HandleClientFrame processes one frame from a client connection. Replies
// and errors go to that client only, through its send channel so ordering
// with fan-out frames is preserved.
func (g *Gateway) HandleClientFrame(ctx context.Context, sessionID string, c *client, raw []byte) {
	env, reply := g.parseFrame(sessionID, raw)
	if reply != nil {
		c.enqueue(reply)
		return
	}

	switch env.Kind {
	case protocol.KindSubscribe:
		sinceSeq := int64(0)
		if env.Subscribe != nil {
			sinceSeq = env.Subscribe.SinceSeq
		}
		g.handleSubscribe(ctx, sessionID, c, sinceSeq)
	case protocol.KindCommand:
		g.handleCommand(ctx, sessionID, c, env)
	default:
		c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeMalformed,
			"clients send subscribe and command frames only"))
	}
}

// handleSubscribe builds the snapshot under the channel's fanout lock, so
// no event can be fanned out between the ledger read and the snapshot
// delivery: the live stream continues from lastSeq+1 with no gap.
func (g *Gateway) handleSubscribe(ctx context.Context, sessionID string, c *client, sinceSeq int64) {
	ch := g.channelFor(sessionID)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	sess, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeUnknownSession, err.Error()))
		return
	}
	events, err := g.log.Query(ctx, sessionID, sinceSeq)
	if err != nil {
		g.logger.Warn("snapshot query failed", "session", sessionID, "err", err)
		c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeInternal, "snapshot unavailable"))
		return
	}
	lastSeq, err := g.log.LastSeq(ctx, sessionID)
	if err != nil {
		g.logger.Warn("snapshot lastseq failed", "session", sessionID, "err", err)
		c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeInternal, "snapshot unavailable"))
		return
	}

	// The snapshot covers everything up to lastSeq; fan-out skips those.
	if lastSeq > c.lastSeq {
		c.lastSeq = lastSeq
	}

	snap := &protocol.Envelope{
		V:         protocol.Version,
		Kind:      protocol.KindSnapshot,
		SessionID: sessionID,
		TS:        protocol.Timestamp(g.nowFunc()),
		Snapshot: &protocol.SnapshotPayload{
			Status:  string(sess.Status),
			Events:  events,
			LastSeq: lastSeq,
		},
	}
	frame, err := json.Marshal(snap)
	if err != nil {
		g.logger.Warn("snapshot marshal failed", "session", sessionID, "err", err)
		return
	}
	c.enqueue(frame)
}

// handleCommand logs the command, routes user messages to the agent
// connection, and drives stop/abort through the orchestrator. All commands
// are ledger events with source=user; acks and errors are not.
func (g *Gateway) handleCommand(ctx context.Context, sessionID string, c *client, env *protocol.Envelope) {
	if env.Command == nil || !env.Command.Kind.Valid() {
		c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeMalformed, "unknown command kind"))
		return
	}

	payload, err := json.Marshal(env.Command)
	if err != nil {
		c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeMalformed, err.Error()))
		return
	}
	ev, err := g.log.Append(ctx, sessionID, protocol.SourceUser, protocol.EventCommand, string(payload))
	if err != nil {
		g.logger.Warn("append command failed", "session", sessionID, "err", err)
		c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeInternal, "command not recorded"))
		return
	}

	out := *env
	out.Seq = ev.Seq
	out.TS = ev.CreatedAt
	out.SessionID = sessionID

	ch := g.channelFor(sessionID)
	ch.mu.Lock()
	g.fanoutLocked(ch, &out)
	agent := ch.agent
	ch.mu.Unlock()

	switch env.Command.Kind {
	case protocol.CommandUserMessage:
		if agent == nil {
			c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeNoAgent, "no agent connected"))
			return
		}
		frame, err := json.Marshal(&out)
		if err == nil {
			err = agent.WriteMessage(websocket.TextMessage, frame)
		}
		if err != nil {
			g.logger.Warn("route command to agent failed", "session", sessionID, "err", err)
			c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeNoAgent, "agent unreachable"))
			return
		}
		// User input wakes a waiting session.
		if _, err := g.store.Transition(ctx, sessionID, session.TriggerResume); err != nil {
			var te *session.TransitionError
			if !errors.As(err, &te) {
				g.logger.Warn("resume transition failed", "session", sessionID, "err", err)
			}
		}
		c.enqueue(g.ackEnvelope(sessionID, "delivered"))
	case protocol.CommandStop:
		if err := g.lifecycle.StopSession(ctx, sessionID); err != nil {
			c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeInternal, err.Error()))
			return
		}
		c.enqueue(g.ackEnvelope(sessionID, "stopping"))
	case protocol.CommandAbort:
		if err := g.lifecycle.AbortSession(ctx, sessionID); err != nil {
			c.enqueue(g.errorEnvelope(sessionID, protocol.ErrCodeInternal, err.Error()))
			return
		}
		c.enqueue(g.ackEnvelope(sessionID, "aborted"))
	}
}
