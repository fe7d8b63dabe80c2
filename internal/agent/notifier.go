package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// NotifierConfig configures upstream completion reports
type NotifierConfig struct {
	URL        string
	APIKey     string
	MaxRetries int
	Timeout    time.Duration
	RetryDelay time.Duration
	Buffer     int
}

// Notifier posts completions to the upstream status endpoint from a
// background worker. Failed reports are retried, then logged and dropped.
type Notifier struct {
	cfg    NotifierConfig
	client *http.Client
	logger *slog.Logger

	reports chan Completion
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier and starts its worker
func NewNotifier(cfg NotifierConfig, logger *slog.Logger) *Notifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Notifier{
		cfg:     cfg,
		client:  &http.Client{},
		logger:  logger.With("component", "notifier"),
		reports: make(chan Completion, cfg.Buffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	n.wg.Add(1)
	go n.worker()

	return n
}

// Enabled reports whether an upstream URL is configured
func (n *Notifier) Enabled() bool {
	return n.cfg.URL != ""
}

// Report queues a completion without blocking the print path. Orders
// without an ID have nothing to confirm upstream and are skipped.
func (n *Notifier) Report(c Completion) {
	if !n.Enabled() || c.OrderID == "" {
		return
	}

	select {
	case n.reports <- c:
	default:
		n.logger.Warn("completion report dropped, queue full", "order_id", c.OrderID)
	}
}

// Stop stops the worker. Reports still queued are dropped.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case c := <-n.reports:
			n.deliver(c)
		}
	}
}

func (n *Notifier) deliver(c Completion) {
	var err error
	for attempt := 1; attempt <= n.cfg.MaxRetries; attempt++ {
		if err = n.post(c); err == nil {
			n.logger.Debug("completion reported", "order_id", c.OrderID)
			return
		}

		if attempt < n.cfg.MaxRetries {
			n.logger.Warn("completion report failed, retrying",
				"order_id", c.OrderID, "attempt", attempt, "max", n.cfg.MaxRetries, "error", err)

			select {
			case <-n.ctx.Done():
				return
			case <-time.After(n.cfg.RetryDelay):
			}
		}
	}

	n.logger.Error("completion report failed", "order_id", c.OrderID, "attempts", n.cfg.MaxRetries, "error", err)
}

func (n *Notifier) post(c Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode completion")
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", n.cfg.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post completion")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return errors.Newf("upstream status endpoint returned %d", resp.StatusCode)
	}
	return nil
}
