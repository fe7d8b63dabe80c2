package printer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor continuously monitors for printer changes
type Monitor struct {
	detector *Detector
	interval time.Duration
	logger   *slog.Logger

	mu               sync.Mutex
	previous         map[string]Descriptor
	onPrinterAdded   func(Descriptor)
	onPrinterRemoved func(Descriptor)
}

// NewMonitor creates a new printer monitor
func NewMonitor(detector *Detector, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Monitor{
		detector: detector,
		interval: interval,
		logger:   logger.With("component", "printer_monitor"),
		previous: make(map[string]Descriptor),
	}
}

// OnPrinterAdded sets a callback for when a printer appears
func (m *Monitor) OnPrinterAdded(callback func(Descriptor)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPrinterAdded = callback
}

// OnPrinterRemoved sets a callback for when a printer disappears
func (m *Monitor) OnPrinterRemoved(callback func(Descriptor)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPrinterRemoved = callback
}

// Run polls until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one detection and reports the difference to the previous one
func (m *Monitor) Check(ctx context.Context) {
	current, err := m.detector.Detect(ctx)
	if err != nil {
		m.logger.Warn("printer detection failed", "error", err)
		return
	}

	currentMap := make(map[string]Descriptor, len(current))
	for _, p := range current {
		currentMap[p.ID] = p
	}

	m.mu.Lock()
	var added, removed []Descriptor
	for id, p := range currentMap {
		if _, exists := m.previous[id]; !exists {
			added = append(added, p)
		}
	}
	for id, p := range m.previous {
		if _, exists := currentMap[id]; !exists {
			removed = append(removed, p)
		}
	}
	m.previous = currentMap
	onAdded, onRemoved := m.onPrinterAdded, m.onPrinterRemoved
	m.mu.Unlock()

	for _, p := range added {
		m.logger.Info("printer added", "printer", p.ID, "description", p.Description, "kind", p.Kind)
		if onAdded != nil {
			onAdded(p)
		}
	}
	for _, p := range removed {
		m.logger.Info("printer removed", "printer", p.ID, "description", p.Description, "kind", p.Kind)
		if onRemoved != nil {
			onRemoved(p)
		}
	}
}
