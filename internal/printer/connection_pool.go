package printer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Conn is an open channel to a hardware printer
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Transport opens connections for one printer kind
type Transport interface {
	Open(ctx context.Context, d Descriptor) (Conn, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, d Descriptor) (Conn, error)

func (f TransportFunc) Open(ctx context.Context, d Descriptor) (Conn, error) { return f(ctx, d) }

// PoolConfig configures the connection pool
type PoolConfig struct {
	// SendTimeout bounds a single Send
	SendTimeout time.Duration
	SerialBaud  int
	DialTimeout time.Duration
}

// ConnectionPool manages connections to printers. A printer is leased to one
// caller at a time; idle connections are kept for the next lease.
type ConnectionPool struct {
	transports map[Kind]Transport
	timeout    time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	idle   map[string]Conn
	leased map[string]bool
	closed bool
}

// NewConnectionPool creates a pool with the USB, serial and network transports
func NewConnectionPool(cfg PoolConfig, logger *slog.Logger) *ConnectionPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	p := &ConnectionPool{
		transports: make(map[Kind]Transport),
		timeout:    cfg.SendTimeout,
		logger:     logger.With("component", "connection_pool"),
		idle:       make(map[string]Conn),
		leased:     make(map[string]bool),
	}

	p.RegisterTransport(KindUSB, USBTransport{})
	p.RegisterTransport(KindSerial, SerialTransport{Baud: cfg.SerialBaud})
	p.RegisterTransport(KindNetwork, NetworkTransport{DialTimeout: cfg.DialTimeout})

	return p
}

// RegisterTransport sets the transport used for a printer kind
func (p *ConnectionPool) RegisterTransport(kind Kind, t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transports[kind] = t
}

// Acquire leases a connection to a printer. It fails immediately with
// ErrDeviceBusy if the printer is already leased.
func (p *ConnectionPool) Acquire(ctx context.Context, d Descriptor) (*Lease, error) {
	key := d.key()

	p.mu.Lock()
	if p.leased[key] {
		p.mu.Unlock()
		return nil, &ConnectError{
			Printer: d.DisplayName(),
			Cause:   errors.Mark(errors.Newf("%s already has an active print", d.DisplayName()), ErrDeviceBusy),
		}
	}
	transport, ok := p.transports[d.Kind]
	if !ok {
		p.mu.Unlock()
		return nil, &ConnectError{Printer: d.DisplayName(), Cause: errors.Newf("unsupported printer type: %s", d.Kind)}
	}
	p.leased[key] = true
	conn := p.idle[key]
	delete(p.idle, key)
	p.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = transport.Open(ctx, d)
		if err != nil {
			p.release(key, nil)
			return nil, &ConnectError{Printer: d.DisplayName(), Cause: err}
		}
		p.logger.Debug("printer connected", "printer", d.ID, "kind", d.Kind)
	}

	return &Lease{pool: p, key: key, desc: d, conn: conn}, nil
}

// Disconnect closes an idle connection
func (p *ConnectionPool) Disconnect(printerID string) error {
	p.mu.Lock()
	conn, exists := p.idle[printerID]
	delete(p.idle, printerID)
	p.mu.Unlock()

	if !exists {
		return nil
	}
	return conn.Close()
}

// DisconnectAll closes all connections. Leases still held are closed when
// they are released.
func (p *ConnectionPool) DisconnectAll() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = make(map[string]Conn)
	p.mu.Unlock()

	for id, conn := range idle {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close printer connection", "printer", id, "error", err)
		}
	}
}

// IsConnected reports whether a printer has an open connection
func (p *ConnectionPool) IsConnected(printerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, idle := p.idle[printerID]
	return idle || p.leased[printerID]
}

func (p *ConnectionPool) release(key string, conn Conn) {
	p.mu.Lock()
	delete(p.leased, key)
	if conn != nil && !p.closed {
		p.idle[key] = conn
		conn = nil
	}
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Lease is exclusive use of one printer connection
type Lease struct {
	pool *ConnectionPool
	key  string
	desc Descriptor

	mu       sync.Mutex
	conn     Conn
	released bool
}

// Descriptor returns the leased printer
func (l *Lease) Descriptor() Descriptor { return l.desc }

// Send writes data within the pool's send timeout. A failed write drops the
// connection; later sends on this lease fail with ErrHandleClosed.
func (l *Lease) Send(ctx context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released || l.conn == nil {
		return &TransferError{
			Printer: l.desc.DisplayName(),
			Cause:   errors.Mark(errors.New("connection already released"), ErrHandleClosed),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.pool.timeout)
	defer cancel()

	if err := l.conn.Write(ctx, data); err != nil {
		if closeErr := l.conn.Close(); closeErr != nil {
			l.pool.logger.Debug("close after failed write", "printer", l.desc.ID, "error", closeErr)
		}
		l.conn = nil
		return &TransferError{Printer: l.desc.DisplayName(), Cause: err}
	}

	return nil
}

// Release returns the connection to the pool. Calling it again is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	l.pool.release(l.key, conn)
}
