package printer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tarm/serial"

	"github.com/thereceipt/order-print-agent/internal/platform"
	"github.com/thereceipt/order-print-agent/internal/registry"
)

// DefaultVendorIDs are USB vendors that ship ESC/POS receipt printers
var DefaultVendorIDs = []uint16{
	0x04B8, // Epson
	0x0519, // Star Micronics
	0x0DD4, // Custom Engineering
	0x0FE6, // ICS Advent (generic POS-58/80)
	0x1504, // Bixolon
	0x154F, // SNBC
	0x0416, // Winbond (rebadged thermal printers)
	0x28E9, // GD32 based POS printers
}

// DetectorConfig selects what detection looks at
type DetectorConfig struct {
	VendorIDs      []uint16
	SerialDevice   string
	SerialBaud     int
	ScanSerial     bool
	NetworkAddress string
	// DefaultPrinter is a printer ID or name to flag as the default
	DefaultPrinter string
}

// SerialProber checks whether a serial device can be opened
type SerialProber func(device string, baud int) error

// Detector enumerates printers on every call
type Detector struct {
	caps     platform.Capabilities
	cfg      DetectorConfig
	registry *registry.Registry
	vendors  map[uint16]bool
	logger   *slog.Logger

	usb    USBEnumerator
	runner CommandRunner
	probe  SerialProber

	mu   sync.RWMutex
	last []Descriptor
}

// DetectorOption replaces an enumeration backend
type DetectorOption func(*Detector)

func WithUSBEnumerator(e USBEnumerator) DetectorOption {
	return func(d *Detector) { d.usb = e }
}

func WithCommandRunner(r CommandRunner) DetectorOption {
	return func(d *Detector) { d.runner = r }
}

func WithSerialProber(p SerialProber) DetectorOption {
	return func(d *Detector) { d.probe = p }
}

// NewDetector creates a detector
func NewDetector(caps platform.Capabilities, reg *registry.Registry, cfg DetectorConfig, logger *slog.Logger, opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.VendorIDs) == 0 {
		cfg.VendorIDs = DefaultVendorIDs
	}
	if cfg.SerialBaud == 0 {
		cfg.SerialBaud = 9600
	}

	d := &Detector{
		caps:     caps,
		cfg:      cfg,
		registry: reg,
		vendors:  make(map[uint16]bool, len(cfg.VendorIDs)),
		logger:   logger.With("component", "detector"),
		usb:      LibUSBEnumerator{},
		runner:   ExecRunner{},
		probe:    probeSerial,
	}
	for _, v := range cfg.VendorIDs {
		d.vendors[v] = true
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Detect scans for all available printers. Hardware descriptors come first;
// the list always ends with the OS default print path.
func (d *Detector) Detect(ctx context.Context) ([]Descriptor, error) {
	var printers []Descriptor

	if d.caps.USB {
		usbPrinters, err := d.detectUSB(ctx)
		if err != nil {
			return nil, &DetectionError{Cause: err}
		}
		printers = append(printers, usbPrinters...)
	}

	printers = append(printers, d.detectSerial()...)

	if addr := d.cfg.NetworkAddress; addr != "" {
		printers = append(printers, d.describe(Descriptor{
			Kind:        KindNetwork,
			Address:     addr,
			Description: fmt.Sprintf("Network: %s", addr),
		}))
	}

	printers = append(printers, d.systemDefault(ctx))
	d.flagDefault(printers)

	d.mu.Lock()
	d.last = printers
	d.mu.Unlock()

	return printers, nil
}

// Last returns the result of the most recent successful detection
func (d *Detector) Last() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]Descriptor, len(d.last))
	copy(result, d.last)
	return result
}

// Lookup finds a printer from the most recent detection by ID
func (d *Detector) Lookup(id string) (Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, p := range d.last {
		if p.ID == id {
			return p, true
		}
	}
	return Descriptor{}, false
}

// SetName sets a custom name for a printer
func (d *Detector) SetName(id, name string) bool {
	if d.registry == nil || !d.registry.SetName(id, name) {
		return false
	}

	d.mu.Lock()
	for i := range d.last {
		if d.last[i].ID == id {
			d.last[i].Name = name
		}
	}
	d.mu.Unlock()

	return true
}

// Queues lists OS print queues and the system default queue
func (d *Detector) Queues(ctx context.Context) ([]string, string, error) {
	if len(d.caps.QueueCommand) == 0 {
		return nil, "", nil
	}

	out, err := d.runner.Run(ctx, d.caps.QueueCommand[0], d.caps.QueueCommand[1:]...)
	if err != nil {
		return nil, "", errors.Wrap(err, "list print queues")
	}

	queues, def := parseQueues(string(out))
	return queues, def, nil
}

func (d *Detector) detectUSB(ctx context.Context) ([]Descriptor, error) {
	devices, err := d.usb.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	var printers []Descriptor
	for _, dev := range devices {
		if !d.isPrinter(dev) {
			continue
		}

		description := fmt.Sprintf("USB: %04X:%04X", dev.VendorID, dev.ProductID)
		if dev.Manufacturer != "" || dev.Product != "" {
			description = fmt.Sprintf("USB: %s (%04X:%04X)",
				strings.TrimSpace(dev.Manufacturer+" "+dev.Product), dev.VendorID, dev.ProductID)
		}

		printers = append(printers, d.describe(Descriptor{
			Kind:        KindUSB,
			VendorID:    dev.VendorID,
			ProductID:   dev.ProductID,
			Description: description,
		}))
	}

	return printers, nil
}

// isPrinter keeps allow-listed vendors, printer-class devices, and anything
// that calls itself a printer
func (d *Detector) isPrinter(dev USBDevice) bool {
	if d.vendors[dev.VendorID] || dev.PrinterClass {
		return true
	}
	name := strings.ToLower(dev.Manufacturer + " " + dev.Product)
	return strings.Contains(name, "printer")
}

func (d *Detector) detectSerial() []Descriptor {
	ports := serialPorts(runtime.GOOS)
	if !d.cfg.ScanSerial {
		ports = nil
	}
	if d.cfg.SerialDevice != "" {
		ports = append([]string{d.cfg.SerialDevice}, ports...)
	}

	var printers []Descriptor
	seen := make(map[string]bool)
	for _, port := range ports {
		if seen[port] {
			continue
		}
		seen[port] = true

		if err := d.probe(port, d.cfg.SerialBaud); err != nil {
			if port == d.cfg.SerialDevice {
				d.logger.Warn("configured serial printer unavailable", "device", port, "error", err)
			}
			continue
		}

		printers = append(printers, d.describe(Descriptor{
			Kind:        KindSerial,
			Device:      port,
			Description: fmt.Sprintf("Serial: %s", filepath.Base(port)),
		}))
	}

	return printers
}

// systemDefault is the synthetic descriptor for the OS default print path
func (d *Detector) systemDefault(ctx context.Context) Descriptor {
	description := "System default printer"

	_, def, err := d.Queues(ctx)
	if err != nil {
		d.logger.Debug("could not read default print queue", "error", err)
	} else if def != "" {
		description = def
	}

	desc := d.describe(Descriptor{Kind: KindSpooler, Description: description})
	desc.Default = true
	return desc
}

// flagDefault moves the default flag to a configured hardware printer
func (d *Detector) flagDefault(printers []Descriptor) {
	want := d.cfg.DefaultPrinter
	if want == "" {
		return
	}

	for i := range printers {
		p := &printers[i]
		if p.Kind.IsHardware() && (p.ID == want || p.Name == want) {
			p.Default = true
			printers[len(printers)-1].Default = false
			return
		}
	}
}

func (d *Detector) describe(desc Descriptor) Descriptor {
	if d.registry == nil {
		return desc
	}
	desc.ID = d.registry.ID(desc.identity())
	desc.Name = d.registry.Name(desc.ID)
	return desc
}

func probeSerial(device string, baud int) error {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return err
	}
	return port.Close()
}

// serialPorts lists candidate serial devices for a scan
func serialPorts(goos string) []string {
	var ports []string

	switch goos {
	case "darwin":
		skipPatterns := []string{"Bluetooth", "Modem", "SPP", "DialIn", "Callout", "KeySerial", "debug-console"}

		candidates, _ := filepath.Glob("/dev/cu.*")
		for _, port := range candidates {
			skip := false
			for _, pattern := range skipPatterns {
				if strings.Contains(port, pattern) {
					skip = true
					break
				}
			}
			if !skip {
				ports = append(ports, port)
			}
		}

	case "linux":
		usbPorts, _ := filepath.Glob("/dev/ttyUSB*")
		acmPorts, _ := filepath.Glob("/dev/ttyACM*")
		ports = append(ports, usbPorts...)
		ports = append(ports, acmPorts...)

	case "windows":
		for i := 1; i <= 16; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
	}

	return ports
}

// parseQueues understands `lpstat -p -d` output and plain one-name-per-line
// listings
func parseQueues(out string) ([]string, string) {
	var queues []string
	var def string

	lpstat := strings.Contains(out, "default destination") || strings.HasPrefix(strings.TrimSpace(out), "printer ")

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "printer "):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				queues = append(queues, fields[1])
			}
		case strings.HasPrefix(line, "system default destination:"):
			def = strings.TrimSpace(strings.TrimPrefix(line, "system default destination:"))
		case strings.HasPrefix(line, "no system default destination"):
		default:
			if !lpstat {
				queues = append(queues, line)
			}
		}
	}

	return queues, def
}
