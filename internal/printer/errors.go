package printer

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDeviceBusy marks connect failures caused by an outstanding lease
	ErrDeviceBusy = errors.New("printer is busy")
	// ErrHandleClosed marks sends on a released or dropped connection
	ErrHandleClosed = errors.New("printer connection is closed")
)

// DetectionError is returned when the device listing itself fails
type DetectionError struct {
	Cause error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("printer detection failed: %v", e.Cause)
}

func (e *DetectionError) Unwrap() error { return e.Cause }

// ConnectError is returned when a connection to a printer cannot be opened
type ConnectError struct {
	Printer string
	Cause   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to printer %s: %v", e.Printer, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// TransferError is returned when bytes could not be delivered to a printer
type TransferError struct {
	Printer string
	Cause   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("send to printer %s: %v", e.Printer, e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }
