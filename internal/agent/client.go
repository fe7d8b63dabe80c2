package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/thereceipt/order-print-agent/internal/queue"
)

// DefaultPollTimeout is short because the queue is polled repeatedly
const DefaultPollTimeout = 3 * time.Second

// Client talks to a remote print queue over HTTP
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a queue client for baseURL (scheme://host:port)
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves one job. A 404 is reported as queue.ErrJobNotFound.
func (c *Client) Fetch(ctx context.Context, id int64) (*queue.Job, error) {
	var job queue.Job
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/print-queue/jobs/%d", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns the jobs currently queued
func (c *Client) List(ctx context.Context) ([]queue.Entry, error) {
	var body struct {
		Jobs []queue.Entry `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/print-queue/jobs", nil, &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

// Ack reports whether a fetched job printed
func (c *Client) Ack(ctx context.Context, id int64, success bool) error {
	body := map[string]bool{"success": success}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/print-queue/jobs/%d/ack", id), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Mark(errors.Newf("%s %s: not found", method, path), queue.ErrJobNotFound)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s response", path)
}
