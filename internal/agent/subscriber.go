package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/thereceipt/order-print-agent/internal/order"
)

type MessageType string

const (
	MessageTypeRegister    MessageType = "register"
	MessageTypeRegistered  MessageType = "registered"
	MessageTypeUnregister  MessageType = "unregister"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypePrintOrder  MessageType = "print_order"
	MessageTypePrinted     MessageType = "printed"
	MessageTypePrintFailed MessageType = "print_failed"
)

// Message is one upstream websocket frame
type Message struct {
	Type     MessageType     `json:"type"`
	AgentKey string          `json:"agent_key,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Order    json.RawMessage `json:"order,omitempty"`
	Method   string          `json:"method,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SubscriberConfig configures the upstream websocket connection
type SubscriberConfig struct {
	URL            string
	APIKey         string
	AgentKey       string
	ReconnectDelay time.Duration
}

// Subscriber receives pushed print orders over a websocket
type Subscriber struct {
	cfg     SubscriberConfig
	handler *Handler
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewSubscriber creates a subscriber
func NewSubscriber(cfg SubscriberConfig, handler *Handler, logger *slog.Logger) *Subscriber {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Subscriber{
		cfg:     cfg,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		logger:  logger.With("component", "ws_subscriber"),
	}
}

// Run keeps a connection open until ctx is cancelled, reconnecting after
// every failure
func (s *Subscriber) Run(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Add("X-Api-Key", s.cfg.APIKey)
	}

	for {
		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("websocket connection failed, retrying", "url", s.cfg.URL, "delay", s.cfg.ReconnectDelay, "error", err)
		} else {
			s.logger.Info("websocket connected", "url", s.cfg.URL)
			if err := s.serve(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("websocket disconnected", "error", err)
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// serve handles one connection until it closes or the server unregisters us
func (s *Subscriber) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(Message{Type: MessageTypeRegister, AgentKey: s.cfg.AgentKey}); err != nil {
		return errors.Wrap(err, "send register")
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return errors.Wrap(err, "read message")
		}

		switch msg.Type {
		case MessageTypeRegistered:
			s.logger.Info("registered with upstream")

		case MessageTypePing:
			if err := conn.WriteJSON(Message{Type: MessageTypePong, AgentKey: s.cfg.AgentKey}); err != nil {
				return errors.Wrap(err, "send pong")
			}

		case MessageTypePrintOrder:
			if err := conn.WriteJSON(s.printOrder(ctx, msg)); err != nil {
				return errors.Wrap(err, "send print result")
			}

		case MessageTypeUnregister:
			s.logger.Info("upstream requested unregister")
			return nil

		default:
			s.logger.Debug("unknown message type", "type", msg.Type)
		}
	}
}

func (s *Subscriber) printOrder(ctx context.Context, msg Message) Message {
	reply := Message{Type: MessageTypePrinted, AgentKey: s.cfg.AgentKey, OrderID: msg.OrderID}

	var payload order.Payload
	if err := json.Unmarshal(msg.Order, &payload); err != nil {
		reply.Type = MessageTypePrintFailed
		reply.Error = errors.Wrap(err, "decode order").Error()
		return reply
	}
	if payload.ID == "" {
		payload.ID = msg.OrderID
	}
	reply.OrderID = payload.ID

	result, err := s.handler.HandleIncomingJob(ctx, &payload, SourceWebsocket)
	if err != nil {
		reply.Type = MessageTypePrintFailed
		reply.Error = err.Error()
		return reply
	}

	reply.Method = result.Method
	return reply
}
