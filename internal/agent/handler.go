// Package agent receives print jobs from every source (local HTTP, remote
// queue polling, upstream websocket) and runs them through one dispatch path.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/thereceipt/order-print-agent/internal/dispatch"
	"github.com/thereceipt/order-print-agent/internal/order"
)

// Job sources, used in logs and completion reports
const (
	SourceHTTP      = "http"
	SourceQueue     = "queue"
	SourceWebsocket = "websocket"
	SourceCommand   = "command"
)

// Printer prints an order
type Printer interface {
	PrintOrder(ctx context.Context, o *order.Payload) (dispatch.Result, error)
}

// Reporter receives the outcome of every job
type Reporter interface {
	Report(c Completion)
}

// Completion is the outcome of one print job
type Completion struct {
	OrderID   string    `json:"order_id"`
	Source    string    `json:"source,omitempty"`
	Success   bool      `json:"success"`
	Method    string    `json:"method,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	PrintedAt time.Time `json:"printed_at"`
}

// Request is the body accepted by POST /print
type Request struct {
	OrderData json.RawMessage `json:"orderData,omitempty"`
	PrintText string          `json:"printText"`
	OrderID   string          `json:"orderId,omitempty"`
}

// Payload builds the order to print. Without orderData the print text
// becomes the description of a minimal order.
func (r Request) Payload() (*order.Payload, error) {
	data := bytes.TrimSpace(r.OrderData)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &order.Payload{ID: r.OrderID, Description: r.PrintText}, nil
	}

	var p order.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode orderData")
	}
	if p.ID == "" {
		p.ID = r.OrderID
	}
	if p.Description == "" {
		p.Description = r.PrintText
	}
	return &p, nil
}

// Handler is the single entry point for incoming print jobs
type Handler struct {
	printer   Printer
	reporters []Reporter
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler creates a handler. Every reporter sees every completion.
func NewHandler(printer Printer, logger *slog.Logger, reporters ...Reporter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		printer:   printer,
		reporters: reporters,
		logger:    logger.With("component", "job_handler"),
		now:       time.Now,
	}
}

// HandleIncomingJob prints an order and reports the outcome. Reporting is
// best effort and never changes the returned result.
func (h *Handler) HandleIncomingJob(ctx context.Context, o *order.Payload, source string) (dispatch.Result, error) {
	if o == nil {
		return dispatch.Result{}, errors.New("order is required")
	}

	h.logger.Info("print job received", "order_id", o.ID, "source", source)

	result, err := h.printer.PrintOrder(ctx, o)

	completion := Completion{
		OrderID:   o.ID,
		Source:    source,
		Success:   err == nil,
		Method:    result.Method,
		Detail:    result.Detail,
		PrintedAt: h.now().UTC(),
	}
	if err != nil {
		completion.Error = err.Error()
	}

	for _, r := range h.reporters {
		r.Report(completion)
	}

	return result, err
}
