// Package dispatch prints an order through the first output path that works:
// a hardware receipt printer, then the OS spooler, then the browser.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/thereceipt/order-print-agent/internal/order"
	"github.com/thereceipt/order-print-agent/internal/platform"
	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/receipt"
)

const (
	MethodHardware = "hardware"
	MethodFallback = "fallback"
)

var errNoHardware = errors.New("no hardware printer detected")

// Result describes how an order was printed
type Result struct {
	Method string `json:"method"`
	Detail string `json:"detail"`
	Device string `json:"device,omitempty"`
}

// Detector lists available printers
type Detector interface {
	Detect(ctx context.Context) ([]printer.Descriptor, error)
}

// Connector leases printer connections
type Connector interface {
	Acquire(ctx context.Context, d printer.Descriptor) (*printer.Lease, error)
}

// Renderer formats an order
type Renderer interface {
	Render(o *order.Payload) *receipt.Document
}

// Fallback is a non-hardware print path
type Fallback interface {
	Name() string
	Print(ctx context.Context, doc *receipt.Document) error
}

// Dispatcher runs the print fallback chain. Attempts are strictly sequential.
type Dispatcher struct {
	caps      platform.Capabilities
	detector  Detector
	pool      Connector
	renderer  Renderer
	fallbacks []Fallback
	logger    *slog.Logger
}

// New creates a dispatcher. Fallbacks are tried in the order given.
func New(caps platform.Capabilities, detector Detector, pool Connector, renderer Renderer, fallbacks []Fallback, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		caps:      caps,
		detector:  detector,
		pool:      pool,
		renderer:  renderer,
		fallbacks: fallbacks,
		logger:    logger.With("component", "dispatcher"),
	}
}

// PrintOrder prints an order. Detection and connection failures only move
// the order to the next path; a DispatchError is returned once all paths
// have failed.
func (d *Dispatcher) PrintOrder(ctx context.Context, o *order.Payload) (Result, error) {
	if o == nil {
		return Result{}, errors.New("order is required")
	}

	logger := d.logger.With("order_id", o.ID)
	doc := d.renderer.Render(o)

	var lastErr error

	if d.caps.Hardware() {
		result, err := d.printHardware(ctx, doc)
		if err == nil {
			logger.Info("order printed", "method", result.Method, "device", result.Device)
			return result, nil
		}

		if errors.Is(err, errNoHardware) {
			logger.Debug("no hardware printer, using fallback")
		} else {
			logger.Warn("hardware print failed, using fallback", "error", err)
		}
		lastErr = err
	}

	for _, fb := range d.fallbacks {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		if err := fb.Print(ctx, doc); err != nil {
			logger.Warn("fallback print failed", "path", fb.Name(), "error", err)
			lastErr = err
			continue
		}

		logger.Info("order printed", "method", MethodFallback, "path", fb.Name())
		return Result{Method: MethodFallback, Detail: fb.Name()}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no print path available")
	}
	logger.Error("order could not be printed", "error", lastErr)

	return Result{}, &DispatchError{
		Cause: errors.WithHint(lastErr, ManualPrintHint),
		Hint:  ManualPrintHint,
	}
}

// printHardware tries the preferred hardware printer once
func (d *Dispatcher) printHardware(ctx context.Context, doc *receipt.Document) (Result, error) {
	printers, err := d.detector.Detect(ctx)
	if err != nil {
		return Result{}, err
	}

	target, ok := pickHardware(printers)
	if !ok {
		return Result{}, errNoHardware
	}

	lease, err := d.pool.Acquire(ctx, target)
	if err != nil {
		return Result{}, err
	}
	defer lease.Release()

	if err := lease.Send(ctx, doc.ControlStream); err != nil {
		return Result{}, err
	}

	return Result{
		Method: MethodHardware,
		Detail: string(target.Kind),
		Device: target.DisplayName(),
	}, nil
}

// pickHardware prefers the default-flagged hardware printer, then the first
func pickHardware(printers []printer.Descriptor) (printer.Descriptor, bool) {
	var first *printer.Descriptor
	for i := range printers {
		p := &printers[i]
		if !p.Kind.IsHardware() {
			continue
		}
		if p.Default {
			return *p, true
		}
		if first == nil {
			first = p
		}
	}

	if first == nil {
		return printer.Descriptor{}, false
	}
	return *first, true
}
