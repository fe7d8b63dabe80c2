package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/thereceipt/order-print-agent/internal/order"
	"github.com/thereceipt/order-print-agent/internal/queue"
)

// QueueClient is the remote queue as the poller sees it
type QueueClient interface {
	List(ctx context.Context) ([]queue.Entry, error)
	Fetch(ctx context.Context, id int64) (*queue.Job, error)
	Ack(ctx context.Context, id int64, success bool) error
}

// Poller picks up jobs from a remote print queue
type Poller struct {
	client   QueueClient
	handler  *Handler
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[int64]bool
}

// NewPoller creates a poller
func NewPoller(client QueueClient, handler *Handler, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		client:   client,
		handler:  handler,
		interval: interval,
		logger:   logger.With("component", "queue_poller"),
		seen:     make(map[int64]bool),
	}
}

// Run polls until ctx is cancelled. Poll failures are retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("queue poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce handles every job not seen before and returns how many were printed
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	entries, err := p.client.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list remote jobs")
	}

	p.forgetMissing(entries)

	printed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return printed, ctx.Err()
		}
		if p.isSeen(entry.ID) {
			continue
		}

		ok, err := p.handle(ctx, entry.ID)
		if err != nil {
			p.logger.Warn("remote job not handled", "job_id", entry.ID, "error", err)
			continue
		}
		if ok {
			printed++
		}
	}

	return printed, nil
}

// handle returns an error only when the job should be retried next poll
func (p *Poller) handle(ctx context.Context, id int64) (bool, error) {
	job, err := p.client.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			p.markSeen(id)
			return false, nil
		}
		return false, err
	}
	p.markSeen(id)

	var payload order.Payload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		p.logger.Error("remote job has invalid order data", "job_id", id, "error", err)
		p.ack(ctx, id, false)
		return false, nil
	}

	_, printErr := p.handler.HandleIncomingJob(ctx, &payload, SourceQueue)
	p.ack(ctx, id, printErr == nil)

	return printErr == nil, nil
}

func (p *Poller) ack(ctx context.Context, id int64, success bool) {
	if err := p.client.Ack(ctx, id, success); err != nil {
		p.logger.Warn("remote job ack failed", "job_id", id, "success", success, "error", err)
	}
}

func (p *Poller) isSeen(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[id]
}

func (p *Poller) markSeen(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[id] = true
}

// forgetMissing drops ids the queue no longer lists
func (p *Poller) forgetMissing(entries []queue.Entry) {
	listed := make(map[int64]bool, len(entries))
	for _, e := range entries {
		listed[e.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.seen {
		if !listed[id] {
			delete(p.seen, id)
		}
	}
}
