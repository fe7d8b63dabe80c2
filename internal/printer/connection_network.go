package printer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// NetworkTransport dials raw TCP printers (port 9100)
type NetworkTransport struct {
	DialTimeout time.Duration
}

func (t NetworkTransport) Open(ctx context.Context, d Descriptor) (Conn, error) {
	return ConnectNetwork(ctx, d.Address, t.DialTimeout)
}

// NetworkConnection represents a network printer connection
type NetworkConnection struct {
	conn net.Conn
	mu   sync.Mutex
}

// ConnectNetwork connects to a network printer. A missing port defaults to 9100.
func ConnectNetwork(ctx context.Context, address string, timeout time.Duration) (*NetworkConnection, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "9100")
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to network printer %s", address)
	}

	return &NetworkConnection{conn: conn}, nil
}

// Write sends data to the network printer
func (c *NetworkConnection) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.Mark(errors.New("network connection closed"), ErrHandleClosed)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "set write deadline")
	}

	if _, err := c.conn.Write(data); err != nil {
		return errors.Wrap(err, "write to network printer")
	}
	return nil
}

// Close closes the network connection
func (c *NetworkConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
