package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thereceipt/order-print-agent/internal/agent"
	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/queue"
)

// WebSocket event types
const (
	EventPrint          = "print"
	EventPrintCompleted = "print_completed"
	EventPrintFailed    = "print_failed"
	EventJobEnqueued    = "job_enqueued"
	EventPrinterAdded   = "printer_added"
	EventPrinterRemoved = "printer_removed"
	EventResponse       = "response"
	EventError          = "error"
)

const clientBuffer = 256

// WSMessage represents a WebSocket message
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newMessage(event string, data any) WSMessage {
	raw, _ := json.Marshal(data)
	return WSMessage{Event: event, Data: raw}
}

// Hub fans agent events out to connected /ws clients. It is the Reporter
// that turns print completions into print_completed / print_failed events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.With("component", "ws_hub"),
	}
}

// Broadcast queues a message for every client. Clients with a full buffer
// miss the message.
func (h *Hub) Broadcast(event string, data any) {
	msg := newMessage(event, data)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("client buffer full, event dropped", "event", event)
		}
	}
}

// Report implements agent.Reporter
func (h *Hub) Report(c agent.Completion) {
	event := EventPrintCompleted
	if !c.Success {
		event = EventPrintFailed
	}
	h.Broadcast(event, c)
}

func (h *Hub) PrinterAdded(d printer.Descriptor) {
	h.Broadcast(EventPrinterAdded, d)
}

func (h *Hub) PrinterRemoved(d printer.Descriptor) {
	h.Broadcast(EventPrinterRemoved, map[string]any{"id": d.ID, "description": d.Description})
}

func (h *Hub) JobEnqueued(job *queue.Job) {
	h.Broadcast(EventJobEnqueued, map[string]any{"id": job.ID, "type": job.Type, "timestamp": job.Timestamp})
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// remove unregisters the client and closes its send channel. Holding the
// write lock guarantees no Broadcast is sending on it.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// wsClient represents a connected WebSocket client
type wsClient struct {
	conn   *websocket.Conn
	send   chan WSMessage
	server *Server
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan WSMessage, clientBuffer),
		server: s,
	}
	s.hub.add(client)
	s.hub.logger.Info("websocket client connected", "remote", conn.RemoteAddr().String())

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.server.hub.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.remove(c)
		c.conn.Close()
		c.server.hub.logger.Info("websocket client disconnected")
	}()

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.hub.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		c.handleMessage(msg)
	}
}

func (c *wsClient) handleMessage(msg WSMessage) {
	switch msg.Event {
	case EventPrint:
		c.handlePrintEvent(msg.Data)
	default:
		c.reply(EventError, gin.H{"error": "unknown event: " + msg.Event})
	}
}

// handlePrintEvent accepts the same body as POST /print
func (c *wsClient) handlePrintEvent(data json.RawMessage) {
	var req agent.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(EventError, gin.H{"error": "invalid print request"})
		return
	}
	if req.PrintText == "" {
		c.reply(EventError, gin.H{"error": "printText is required"})
		return
	}

	payload, err := req.Payload()
	if err != nil {
		c.reply(EventError, gin.H{"error": err.Error()})
		return
	}

	result, err := c.server.handler.HandleIncomingJob(c.server.baseCtx, payload, agent.SourceWebsocket)
	if err != nil {
		c.reply(EventError, gin.H{"error": err.Error(), "order_id": payload.ID})
		return
	}

	c.reply(EventResponse, gin.H{
		"success":  true,
		"order_id": payload.ID,
		"method":   result.Method,
		"detail":   result.Detail,
	})
}

// reply is only called from readPump, which owns closing send
func (c *wsClient) reply(event string, data any) {
	select {
	case c.send <- newMessage(event, data):
	default:
	}
}
