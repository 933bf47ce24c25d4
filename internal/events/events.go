// Package events is the typed notification stream spec §9 describes:
// "the core exposes a typed event stream (on_event_recorded,
// on_task_completed, on_consolidation_finished) that external
// orchestration code may subscribe to; it is not consulted on the
// critical path of writes." Hub is a fire-and-forget broadcaster —
// Publish* calls never block on a slow or absent subscriber, and a nil
// *Hub is always safe to publish to (every Manager/Engine wiring point
// treats a hook stream as optional).
//
// Grounded on the teacher's pkg/events ConnectionManager (websocket
// connection registry + per-channel subscriber set + broadcast), with
// its PostgreSQL LISTEN/NOTIFY fanout and catchup-on-reconnect replay
// dropped: Athena's three hooks are in-process notifications about
// writes the caller just made, not a distributed event log a
// reconnecting client needs to replay.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/types"
)

// Stream names the three hooks spec §9 promises; a websocket client
// subscribes to one by name.
type Stream string

const (
	StreamEventRecorded         Stream = "on_event_recorded"
	StreamTaskCompleted         Stream = "on_task_completed"
	StreamConsolidationFinished Stream = "on_consolidation_finished"
)

// EventRecorded fires after Manager.RecordEvent durably persists an
// episodic event.
type EventRecorded struct {
	ID           types.ID           `json:"id"`
	ProjectScope types.ProjectScope `json:"project_scope"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// TaskCompleted fires after Manager.UpdateTaskStatus transitions a
// task into a terminal status: TaskCompleted, TaskFailed or
// TaskCancelled.
type TaskCompleted struct {
	ID           types.ID           `json:"id"`
	ProjectScope types.ProjectScope `json:"project_scope"`
	Status       types.TaskStatus   `json:"status"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// ConsolidationFinished fires after a consolidation.Engine.Run call
// completes, whether or not its result was accepted.
type ConsolidationFinished struct {
	RunID        types.ID           `json:"run_id"`
	ProjectScope types.ProjectScope `json:"project_scope"`
	Accepted     bool               `json:"accepted"`
	FactsEmitted int                `json:"facts_emitted"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// message is the wire envelope sent to websocket subscribers: a
// stream tag alongside the typed payload, so one connection can
// multiplex all three streams it is subscribed to.
type message struct {
	Type    Stream `json:"type"`
	Payload any    `json:"payload"`
}

// clientMessage is what a websocket subscriber sends to (un)subscribe.
type clientMessage struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Stream Stream `json:"stream"`
}

// conn is a single websocket subscriber. subscriptions is only ever
// touched from HandleConnection's own read-loop goroutine, matching
// the teacher's single-owner-goroutine convention for Connection.
type conn struct {
	id            string
	ws            *websocket.Conn
	subscriptions map[Stream]bool
}

// Hub fans published events out to every websocket subscriber of the
// matching stream, and (independently) to any in-process Go channel
// subscriber registered via Subscribe — used by tests and by
// in-process callers that don't need the wire format.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	subs  map[Stream]map[string]bool // stream -> connection IDs

	localMu   sync.RWMutex
	localSubs map[Stream][]chan []byte

	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewHub constructs an empty Hub. writeTimeout bounds how long a
// single websocket send may block; a slow subscriber never stalls
// Publish for the rest.
func NewHub(writeTimeout time.Duration, logger *zap.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:        make(map[string]*conn),
		subs:         make(map[Stream]map[string]bool),
		localSubs:    make(map[Stream][]chan []byte),
		writeTimeout: writeTimeout,
		logger:       logger.With(zap.String("component", "events_hub")),
	}
}

// HandleConnection manages one websocket subscriber's lifecycle.
// Blocks until the connection closes; call from an HTTP upgrade
// handler in its own goroutine.
func (h *Hub) HandleConnection(ctx context.Context, ws *websocket.Conn) {
	c := &conn{id: uuid.New().String(), ws: ws, subscriptions: make(map[Stream]bool)}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	defer h.unregister(c)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid subscriber message", zap.String("connection_id", c.id), zap.Error(err))
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.subscribe(c, msg.Stream)
		case "unsubscribe":
			h.unsubscribe(c, msg.Stream)
		}
	}
}

func (h *Hub) subscribe(c *conn, s Stream) {
	h.mu.Lock()
	if h.subs[s] == nil {
		h.subs[s] = make(map[string]bool)
	}
	h.subs[s][c.id] = true
	h.mu.Unlock()
	c.subscriptions[s] = true
}

func (h *Hub) unsubscribe(c *conn, s Stream) {
	h.mu.Lock()
	delete(h.subs[s], c.id)
	h.mu.Unlock()
	delete(c.subscriptions, s)
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	for s := range c.subscriptions {
		delete(h.subs[s], c.id)
	}
	delete(h.conns, c.id)
	h.mu.Unlock()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// Subscribe registers an in-process channel subscriber for s. The
// returned func unsubscribes. The channel is buffered (cap 16) so a
// slow consumer drops events rather than blocking Publish — spec §9's
// "not consulted on the critical path of writes" extends to
// in-process subscribers too.
func (h *Hub) Subscribe(s Stream) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	h.localMu.Lock()
	h.localSubs[s] = append(h.localSubs[s], ch)
	h.localMu.Unlock()
	cancel := func() {
		h.localMu.Lock()
		defer h.localMu.Unlock()
		subs := h.localSubs[s]
		for i, other := range subs {
			if other == ch {
				h.localSubs[s] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// PublishEventRecorded broadcasts e on StreamEventRecorded. Safe to
// call on a nil Hub.
func (h *Hub) PublishEventRecorded(e EventRecorded) {
	h.publish(StreamEventRecorded, e)
}

// PublishTaskCompleted broadcasts e on StreamTaskCompleted. Safe to
// call on a nil Hub.
func (h *Hub) PublishTaskCompleted(e TaskCompleted) {
	h.publish(StreamTaskCompleted, e)
}

// PublishConsolidationFinished broadcasts e on
// StreamConsolidationFinished. Safe to call on a nil Hub.
func (h *Hub) PublishConsolidationFinished(e ConsolidationFinished) {
	h.publish(StreamConsolidationFinished, e)
}

func (h *Hub) publish(s Stream, payload any) {
	if h == nil {
		return
	}
	data, err := json.Marshal(message{Type: s, Payload: payload})
	if err != nil {
		h.logger.Warn("marshal event failed", zap.Error(err))
		return
	}

	h.localMu.RLock()
	localSubs := append([]chan []byte(nil), h.localSubs[s]...)
	h.localMu.RUnlock()
	for _, ch := range localSubs {
		select {
		case ch <- data:
		default:
			h.logger.Warn("local subscriber slow, dropping event", zap.String("stream", string(s)))
		}
	}

	h.mu.RLock()
	ids := make([]string, 0, len(h.subs[s]))
	for id := range h.subs[s] {
		ids = append(ids, id)
	}
	conns := make([]*conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		err := c.ws.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Warn("publish to subscriber failed", zap.String("connection_id", c.id), zap.Error(err))
		}
	}
}
