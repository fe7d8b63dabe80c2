package printer

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tarm/serial"
)

// SerialTransport opens serial printers at a fixed baud rate
type SerialTransport struct {
	Baud int
}

func (t SerialTransport) Open(_ context.Context, d Descriptor) (Conn, error) {
	return ConnectSerial(d.Device, t.Baud)
}

// SerialConnection represents a serial printer connection
type SerialConnection struct {
	port *serial.Port
	mu   sync.Mutex
}

// ConnectSerial connects to a serial printer
func ConnectSerial(device string, baud int) (*SerialConnection, error) {
	if baud == 0 {
		baud = 9600 // Default baud rate for most thermal printers
	}

	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", device)
	}

	return &SerialConnection{port: port}, nil
}

// Write sends data to the serial printer. tarm/serial has no write deadline,
// so a write that outlives ctx closes the port to unblock it.
func (c *SerialConnection) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return errors.Mark(errors.New("serial connection closed"), ErrHandleClosed)
	}

	port := c.port
	done := make(chan error, 1)
	go func() {
		_, err := port.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		return errors.Wrap(err, "write to serial printer")
	case <-ctx.Done():
		port.Close()
		c.port = nil
		<-done
		return errors.Wrap(ctx.Err(), "write to serial printer")
	}
}

// Close closes the serial connection
func (c *SerialConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}
