package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/coaching"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/session"
)

// Event is the envelope for every message delivered to a manager socket
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// CallStateProvider supplies the history replayed to a manager joining a
// call mid-flight
type CallStateProvider interface {
	CallHistory(callUUID string) ([]session.Utterance, []*coaching.Result, error)
}

// outbound is one event routed by the hub loop. Exactly one of orgID or
// callUUID is set.
type outbound struct {
	orgID    string
	callUUID string
	data     []byte
}

// Hub fans events out to manager-facing WebSocket connections. Managers
// register on their organization's channel; a manager may additionally
// listen in on one specific call, receiving its full history on subscribe
// followed by live events in order.
type Hub struct {
	logger   *logrus.Logger
	provider CallStateProvider

	clients       map[*Client]bool
	orgClients    map[string]map[*Client]bool
	callListeners map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan outbound
	done       chan struct{}

	pingInterval time.Duration
	mutex        sync.RWMutex
}

// NewHub creates a hub. The provider may be nil, in which case listen-in
// subscribers start from live events only.
func NewHub(logger *logrus.Logger, provider CallStateProvider, pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		logger:        logger,
		provider:      provider,
		clients:       make(map[*Client]bool),
		orgClients:    make(map[string]map[*Client]bool),
		callListeners: make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		events:        make(chan outbound, 256),
		done:          make(chan struct{}),
		pingInterval:  pingInterval,
	}
}

// Run drives the hub until the context is cancelled
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting realtime hub")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down realtime hub")
			h.closeAll()
			close(h.done)
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.events:
			h.dispatch(event)
		}
	}
}

// addClient registers a connection and, for listen-in clients, replays the
// call's history before any live event can reach them
func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	h.clients[client] = true
	if h.orgClients[client.orgID] == nil {
		h.orgClients[client.orgID] = make(map[*Client]bool)
	}
	h.orgClients[client.orgID][client] = true

	if client.callUUID != "" {
		h.replayHistory(client)
		if h.callListeners[client.callUUID] == nil {
			h.callListeners[client.callUUID] = make(map[*Client]bool)
		}
		h.callListeners[client.callUUID][client] = true
		metrics.RecordListenInSubscription()
	}
	h.mutex.Unlock()

	metrics.RecordManagerConnected()
	h.logger.WithFields(logrus.Fields{
		"org_id":    client.orgID,
		"call_uuid": client.callUUID,
	}).Info("Manager connected")
}

// replayHistory queues the call's transcript and coaching history onto a
// freshly subscribed client. Runs in the hub loop, so live events for the
// same call cannot interleave with the replay.
func (h *Hub) replayHistory(client *Client) {
	if h.provider == nil {
		return
	}
	transcript, history, err := h.provider.CallHistory(client.callUUID)
	if err != nil {
		h.logger.WithError(err).WithField("call_uuid", client.callUUID).Warn("No history to replay for listen-in")
		return
	}
	client.enqueue(marshalEvent("transcript_history", transcript))
	client.enqueue(marshalEvent("coaching_history", history))
}

// enroll hands a connection to the hub loop. Returns false once the hub has
// shut down, where no loop is left to receive it.
func (h *Hub) enroll(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// drop asks the hub loop to unregister a client. After shutdown this is a
// no-op: closeAll has already released every connection.
func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// removeClient is idempotent; the second unregister of a client is a no-op
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.removeLocked(client)
	h.logger.WithField("org_id", client.orgID).Info("Manager disconnected")
}

// removeLocked drops a client from every hub map and closes its queue.
// Callers hold the hub mutex and have verified membership.
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	close(client.send)

	if org, ok := h.orgClients[client.orgID]; ok {
		delete(org, client)
		if len(org) == 0 {
			delete(h.orgClients, client.orgID)
		}
	}
	if client.callUUID != "" {
		if listeners, ok := h.callListeners[client.callUUID]; ok {
			delete(listeners, client)
			if len(listeners) == 0 {
				delete(h.callListeners, client.callUUID)
			}
		}
		metrics.RecordListenInEnded()
	}
	metrics.RecordManagerDisconnected()
}

func (h *Hub) dispatch(event outbound) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var targets map[*Client]bool
	if event.callUUID != "" {
		targets = h.callListeners[event.callUUID]
	} else {
		targets = h.orgClients[event.orgID]
	}

	var dead []*Client
	for client := range targets {
		if !client.enqueue(event.data) {
			dead = append(dead, client)
		}
	}
	// Slow consumers lose the connection rather than stalling the stream
	for _, client := range dead {
		h.removeLocked(client)
		h.logger.WithField("org_id", client.orgID).Warn("Dropping slow manager connection")
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.orgClients = make(map[string]map[*Client]bool)
	h.callListeners = make(map[string]map[*Client]bool)
}

// BroadcastToOrg delivers an event to every manager registered for an
// organization. Never blocks the caller: the hub queue is buffered and
// overflow drops the event with a log line.
func (h *Hub) BroadcastToOrg(orgID, eventType string, payload interface{}) {
	h.send(outbound{orgID: orgID, data: marshalEvent(eventType, payload)})
}

// BroadcastToCall delivers an event to the managers listening in on one call
func (h *Hub) BroadcastToCall(callUUID, eventType string, payload interface{}) {
	h.send(outbound{callUUID: callUUID, data: marshalEvent(eventType, payload)})
}

func (h *Hub) send(event outbound) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("Realtime event queue full, dropping event")
	}
}

func marshalEvent(eventType string, payload interface{}) []byte {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
