// Package gateway is the realtime envelope fan-out layer: one channel per
// active session carrying a single agent connection and any number of client
// connections. Agent events are appended to the ledger before fan-out, so
// every frame a client sees carries its ledger-assigned sequence number.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"drydock/pkg/eventlog"
	"drydock/pkg/protocol"
	"drydock/pkg/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultHeartbeatInterval is the expected gap between agent heartbeats.
const DefaultHeartbeatInterval = 10 * time.Second

// missedIntervalsLimit is how many consecutive heartbeat intervals may
// elapse before the agent is declared dead.
const missedIntervalsLimit = 3

// defaultClientBuffer is the per-client send channel capacity. A client
// that cannot drain its buffer loses frames; the agent and other clients
// are never blocked on it.
const defaultClientBuffer = 64

// Lifecycle is the slice of the orchestrator the gateway drives: stop and
// abort commands, plus forcing sessions to error on liveness failure.
type Lifecycle interface {
	StopSession(ctx context.Context, id string) error
	AbortSession(ctx context.Context, id string) error
	FailSession(ctx context.Context, id, phase string, cause error)
}

// agentConn is the write side of an agent connection. *SafeConn in
// production; a recorder in tests.
type agentConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client is one attached client connection: a buffered send channel drained
// by a write pump, so a slow client never blocks fan-out.
type client struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once

	// lastSeq is the highest seq already covered by a snapshot or delivered
	// frame. Guarded by the channel mu; fan-out suppresses anything at or
	// below it so an append racing a subscribe cannot duplicate.
	lastSeq int64
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue drops the frame if the client's buffer is full.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// channel is the per-session fan-out state. mu is the fanout lock: snapshot
// assembly and live fan-out are serialized on it so a subscriber never
// observes a gap between its snapshot and the live stream.
type channel struct {
	sessionID string

	mu      sync.Mutex
	agent   agentConn
	clients map[string]*client
}

// Config tunes gateway behavior.
type Config struct {
	HeartbeatInterval time.Duration // expected agent heartbeat gap (default 10s)
	ClientBuffer      int           // per-client send buffer (default 64)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.ClientBuffer == 0 {
		out.ClientBuffer = defaultClientBuffer
	}
	return out
}

// Gateway owns all session channels.
type Gateway struct {
	cfg       Config
	store     *session.Store
	log       *eventlog.Log
	lifecycle Lifecycle
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel

	// beats is the last-frame time per session, not per connection: a
	// session whose agent disconnected keeps its record until the session
	// is terminal, so the liveness sweep still catches it.
	beats map[string]time.Time

	// nowFunc allows tests to control the liveness clock.
	nowFunc func() time.Time
}

// New constructs a Gateway.
func New(cfg Config, store *session.Store, log *eventlog.Log, lifecycle Lifecycle, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg.withDefaults(),
		store:     store,
		log:       log,
		lifecycle: lifecycle,
		logger:    logger,
		channels:  make(map[string]*channel),
		beats:     make(map[string]time.Time),
		nowFunc:   time.Now,
	}
}

// markBeat records agent activity for the session.
func (g *Gateway) markBeat(sessionID string) {
	g.mu.Lock()
	g.beats[sessionID] = g.nowFunc()
	g.mu.Unlock()
}

// dropBeat retires the session's liveness record.
func (g *Gateway) dropBeat(sessionID string) {
	g.mu.Lock()
	delete(g.beats, sessionID)
	g.mu.Unlock()
}

func (g *Gateway) channelFor(sessionID string) *channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[sessionID]
	if !ok {
		ch = &channel{
			sessionID: sessionID,
			clients:   make(map[string]*client),
		}
		g.channels[sessionID] = ch
	}
	return ch
}

// lookup returns the channel if one exists, without creating it.
func (g *Gateway) lookup(sessionID string) (*channel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[sessionID]
	return ch, ok
}

// reap drops the channel once it carries no connections.
func (g *Gateway) reap(ch *channel) {
	ch.mu.Lock()
	empty := ch.agent == nil && len(ch.clients) == 0
	ch.mu.Unlock()
	if !empty {
		return
	}
	g.mu.Lock()
	if cur, ok := g.channels[ch.sessionID]; ok && cur == ch {
		delete(g.channels, ch.sessionID)
	}
	g.mu.Unlock()
}

// attachAgent binds conn as the session's agent connection. A reconnecting
// agent replaces the previous connection, which is closed.
func (g *Gateway) attachAgent(ctx context.Context, sessionID string, conn agentConn) error {
	sess, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return &protocol.ProtocolError{Code: protocol.ErrCodeUnknownSession, Reason: "session is terminal"}
	}

	ch := g.channelFor(sessionID)
	ch.mu.Lock()
	old := ch.agent
	ch.agent = conn
	ch.mu.Unlock()
	g.markBeat(sessionID)

	if old != nil {
		g.logger.Info("agent reconnected, closing previous connection", "session", sessionID)
		_ = old.Close()
	}
	return nil
}

func (g *Gateway) detachAgent(sessionID string, conn agentConn) {
	ch, ok := g.lookup(sessionID)
	if !ok {
		return
	}
	ch.mu.Lock()
	if ch.agent == conn {
		ch.agent = nil
	}
	ch.mu.Unlock()
	g.reap(ch)
}

// attachClient registers a client connection on the session channel.
// Clients may attach to terminal sessions to replay history.
func (g *Gateway) attachClient(ctx context.Context, sessionID string) (*client, error) {
	if _, err := g.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	c := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, g.cfg.ClientBuffer),
		done: make(chan struct{}),
	}
	ch := g.channelFor(sessionID)
	ch.mu.Lock()
	ch.clients[c.id] = c
	ch.mu.Unlock()
	return c, nil
}

func (g *Gateway) detachClient(sessionID string, c *client) {
	ch, ok := g.lookup(sessionID)
	if !ok {
		c.close()
		return
	}
	ch.mu.Lock()
	delete(ch.clients, c.id)
	ch.mu.Unlock()
	c.close()
	g.reap(ch)
}

// fanout marshals env and enqueues it on every client. Callers must hold
// ch.mu. Sequenced frames a client already holds through its snapshot are
// suppressed; the live stream always continues from the snapshot's lastSeq+1.
func (g *Gateway) fanoutLocked(ch *channel, env *protocol.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		g.logger.Warn("fanout marshal failed", "session", ch.sessionID, "err", err)
		return
	}
	for _, c := range ch.clients {
		if env.Seq != 0 {
			if env.Seq <= c.lastSeq {
				continue
			}
			c.lastSeq = env.Seq
		}
		c.enqueue(frame)
	}
}

// PublishEvent fans out a ledger record that was appended outside the
// gateway, so subscribed clients see control-plane lifecycle events live
// under their assigned seq instead of discovering them on the next snapshot.
func (g *Gateway) PublishEvent(ev *protocol.Event) {
	if ev == nil {
		return
	}
	ch, ok := g.lookup(ev.SessionID)
	if !ok {
		return
	}
	env := &protocol.Envelope{
		V:         protocol.Version,
		Kind:      protocol.KindEvent,
		SessionID: ev.SessionID,
		TS:        ev.CreatedAt,
		Seq:       ev.Seq,
		Event: &protocol.EventPayload{Lifecycle: &protocol.LifecycleEvent{
			Type: ev.Type,
			Data: json.RawMessage(ev.Payload),
		}},
	}
	ch.mu.Lock()
	g.fanoutLocked(ch, env)
	ch.mu.Unlock()
}

// errorEnvelope builds an error-kind reply frame.
func (g *Gateway) errorEnvelope(sessionID, code, message string) []byte {
	env := &protocol.Envelope{
		V:         protocol.Version,
		Kind:      protocol.KindError,
		SessionID: sessionID,
		TS:        protocol.Timestamp(g.nowFunc()),
		Err:       &protocol.ErrorPayload{Code: code, Message: message},
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return frame
}

func (g *Gateway) ackEnvelope(sessionID, detail string) []byte {
	env := &protocol.Envelope{
		V:         protocol.Version,
		Kind:      protocol.KindAck,
		SessionID: sessionID,
		TS:        protocol.Timestamp(g.nowFunc()),
		Ack:       &protocol.AckPayload{OK: true, Detail: detail},
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return frame
}

// ServeAgent runs the read loop for an agent websocket until the connection
// drops or ctx is cancelled. Every inbound frame is an envelope inside the
// {type,data} shell.
func (g *Gateway) ServeAgent(ctx context.Context, sessionID string, wsConn *websocket.Conn) error {
	conn := NewSafeConn(wsConn)
	if err := g.attachAgent(ctx, sessionID, conn); err != nil {
		if frame := g.errorEnvelope(sessionID, protocol.ErrCodeUnknownSession, err.Error()); frame != nil {
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
		_ = conn.Close()
		return err
	}
	defer g.detachAgent(sessionID, conn)
	defer func() { _ = conn.Close() }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if reply := g.HandleAgentFrame(ctx, sessionID, raw); reply != nil {
			_ = conn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

// ServeClient runs the read/write loops for a client websocket until the
// connection drops or ctx is cancelled. Client disconnects never disturb
// the agent connection.
func (g *Gateway) ServeClient(ctx context.Context, sessionID string, wsConn *websocket.Conn) error {
	conn := NewSafeConn(wsConn)
	c, err := g.attachClient(ctx, sessionID)
	if err != nil {
		if frame := g.errorEnvelope(sessionID, protocol.ErrCodeUnknownSession, err.Error()); frame != nil {
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
		_ = conn.Close()
		return err
	}
	defer g.detachClient(sessionID, c)
	defer func() { _ = conn.Close() }()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case frame := <-c.send:
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.close()
					return
				}
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-c.done:
			return nil
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		g.HandleClientFrame(ctx, sessionID, c, raw)
	}
}
