// Package link owns the single control channel between the gateway and the
// in-browser agent. It accepts at most one WebSocket connection at a time,
// routes inbound agent events to per-request queues, and rides out transient
// disconnects with a reconnect grace window before failing in-flight work.
package link

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/StudioProxyAPI/internal/wire"
)

// ErrNoConnection is returned by Send when no agent is attached.
var ErrNoConnection = errors.New("link: no live agent connection")

// DefaultReconnectGrace is how long in-flight queues survive a disconnect.
const DefaultReconnectGrace = 5 * time.Second

// AgentLink bridges the single browser agent to many in-flight requests.
type AgentLink struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	queues     map[string]*Queue
	graceTimer *time.Timer
	grace      time.Duration

	// writeMu serializes outbound frames so Send never interleaves.
	writeMu sync.Mutex

	lostMu       sync.Mutex
	lostHandlers []func()
}

// NewAgentLink creates a link with the given reconnect grace window.
// A non-positive grace selects DefaultReconnectGrace.
func NewAgentLink(grace time.Duration) *AgentLink {
	if grace <= 0 {
		grace = DefaultReconnectGrace
	}
	return &AgentLink{
		queues: make(map[string]*Queue),
		grace:  grace,
	}
}

// Accept registers a freshly upgraded agent connection. A pending reconnect
// grace timer is cancelled, and any previous connection is displaced.
func (l *AgentLink) Accept(conn *websocket.Conn, peer string) {
	l.mu.Lock()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
		log.Infof("agent reconnected from %s within grace window, %d queue(s) preserved", peer, len(l.queues))
	} else {
		log.Infof("agent connected from %s", peer)
	}
	previous := l.conn
	l.conn = conn
	l.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	go l.readPump(conn)
}

// readPump consumes agent events from one connection until it fails.
func (l *AgentLink) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			l.handleDisconnect(conn, err)
			return
		}
		l.route(payload)
	}
}

// route parses one inbound message and forwards it to the owning queue.
// Events for unknown request ids are logged and dropped.
func (l *AgentLink) route(payload []byte) {
	var event wire.AgentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Warnf("discarding malformed agent event: %v", err)
		return
	}

	l.mu.Lock()
	queue, ok := l.queues[event.RequestID]
	l.mu.Unlock()
	if !ok {
		log.Debugf("dropping %s event for unknown request %s", event.EventType, event.RequestID)
		return
	}

	var frame Frame
	switch event.EventType {
	case wire.EventResponseHeaders:
		frame = Frame{Kind: FrameResponseHeaders, Status: event.Status, Headers: event.Headers}
	case wire.EventChunk:
		frame = Frame{Kind: FrameChunk, Data: event.Data}
	case wire.EventError:
		frame = Frame{Kind: FrameError, Status: event.Status, Message: event.Message}
	case wire.EventStreamClose:
		frame = Frame{Kind: FrameStreamEnd}
	default:
		log.Warnf("dropping event with unknown type %q for request %s", event.EventType, event.RequestID)
		return
	}

	if err := queue.Enqueue(frame); err != nil {
		log.Debugf("queue for request %s already closed, frame dropped", event.RequestID)
	}
}

// handleDisconnect arms the reconnect grace timer when the active connection
// drops. Stale connections displaced by a newer Accept are ignored.
func (l *AgentLink) handleDisconnect(conn *websocket.Conn, cause error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	log.Warnf("agent connection lost (%v), holding %d queue(s) for %s", cause, len(l.queues), l.grace)
	l.graceTimer = time.AfterFunc(l.grace, l.onGraceExpired)
	l.mu.Unlock()
}

// onGraceExpired fails every in-flight queue and notifies the registered
// connection-lost observers.
func (l *AgentLink) onGraceExpired() {
	l.mu.Lock()
	l.graceTimer = nil
	queues := make([]*Queue, 0, len(l.queues))
	for _, queue := range l.queues {
		queues = append(queues, queue)
	}
	count := len(queues)
	l.mu.Unlock()

	for _, queue := range queues {
		queue.Close()
	}
	log.Errorf("agent reconnect grace expired, closed %d in-flight queue(s)", count)

	l.lostMu.Lock()
	handlers := make([]func(), len(l.lostHandlers))
	copy(handlers, l.lostHandlers)
	l.lostMu.Unlock()
	for _, handler := range handlers {
		handler()
	}
}

// OnConnectionLost registers an observer invoked after the grace window
// expires without a reconnect.
func (l *AgentLink) OnConnectionLost(handler func()) {
	l.lostMu.Lock()
	l.lostHandlers = append(l.lostHandlers, handler)
	l.lostMu.Unlock()
}

// HasLiveConnection reports whether an agent is currently attached.
func (l *AgentLink) HasLiveConnection() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Send serializes one request envelope on the live connection.
func (l *AgentLink) Send(envelope wire.RequestEnvelope) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteJSON(envelope)
}

// SendCancel asks the agent to abort the fetch for a request id.
func (l *AgentLink) SendCancel(requestID string) error {
	return l.Send(wire.RequestEnvelope{
		RequestID: requestID,
		EventType: wire.EventCancelRequest,
	})
}

// OpenQueue creates and registers the queue for a request id.
func (l *AgentLink) OpenQueue(requestID string) *Queue {
	queue := NewQueue()
	l.mu.Lock()
	l.queues[requestID] = queue
	l.mu.Unlock()
	return queue
}

// CloseQueue removes and closes the queue for a request id.
func (l *AgentLink) CloseQueue(requestID string) {
	l.mu.Lock()
	queue, ok := l.queues[requestID]
	delete(l.queues, requestID)
	l.mu.Unlock()
	if ok {
		queue.Close()
	}
}
