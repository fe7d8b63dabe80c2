package printer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipt/order-print-agent/internal/platform"
	"github.com/thereceipt/order-print-agent/internal/registry"
)

type fakeEnumerator struct {
	devices []USBDevice
	err     error
}

func (e fakeEnumerator) Enumerate(context.Context) ([]USBDevice, error) {
	return e.devices, e.err
}

type fakeRunner struct {
	out   string
	err   error
	calls [][]string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return []byte(r.out), r.err
}

func newTestDetector(t *testing.T, caps platform.Capabilities, cfg DetectorConfig, opts ...DetectorOption) *Detector {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.json"), nil)
	require.NoError(t, err)

	opts = append([]DetectorOption{
		WithSerialProber(func(string, int) error { return errors.New("no such port") }),
		WithCommandRunner(&fakeRunner{}),
	}, opts...)
	return NewDetector(caps, reg, cfg, nil, opts...)
}

func TestDetect_NoHardwareYieldsSystemDefault(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{USB: true}, DetectorConfig{},
		WithUSBEnumerator(fakeEnumerator{devices: []USBDevice{
			{VendorID: 0x046D, ProductID: 0xC52B, Product: "USB Receiver"},
		}}))

	printers, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, printers, 1)
	assert.Equal(t, KindSpooler, printers[0].Kind)
	assert.True(t, printers[0].Default)
	assert.NotEmpty(t, printers[0].ID)
}

func TestDetect_FiltersUSBDevices(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{USB: true}, DetectorConfig{},
		WithUSBEnumerator(fakeEnumerator{devices: []USBDevice{
			{VendorID: 0x04B8, ProductID: 0x0E15, Manufacturer: "EPSON", Product: "TM-T20II"},
			{VendorID: 0x046D, ProductID: 0xC52B, Product: "USB Receiver"},
			{VendorID: 0x1234, ProductID: 0x0001, PrinterClass: true},
			{VendorID: 0x9999, ProductID: 0x0002, Product: "POS Thermal Printer"},
		}}))

	printers, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, printers, 4)

	assert.Equal(t, uint16(0x04B8), printers[0].VendorID)
	assert.Equal(t, "USB: EPSON TM-T20II (04B8:0E15)", printers[0].Description)
	assert.Equal(t, uint16(0x1234), printers[1].VendorID)
	assert.Equal(t, uint16(0x9999), printers[2].VendorID)
	assert.Equal(t, KindSpooler, printers[3].Kind, "system default comes last")
}

func TestDetect_USBSkippedWithoutCapability(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{}, DetectorConfig{},
		WithUSBEnumerator(fakeEnumerator{err: errors.New("must not be called")}))

	printers, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, printers, 1)
}

func TestDetect_EnumerationFailure(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{USB: true}, DetectorConfig{},
		WithUSBEnumerator(fakeEnumerator{err: errors.New("libusb: access denied")}))

	_, err := d.Detect(context.Background())
	var detectionErr *DetectionError
	require.ErrorAs(t, err, &detectionErr)
	assert.Contains(t, err.Error(), "access denied")
}

func TestDetect_StableIDs(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{USB: true}, DetectorConfig{},
		WithUSBEnumerator(fakeEnumerator{devices: []USBDevice{{VendorID: 0x0519, ProductID: 0x0003}}}))

	first, err := d.Detect(context.Background())
	require.NoError(t, err)
	second, err := d.Detect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[1].ID, second[1].ID)
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestDetect_SerialAndNetwork(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{}, DetectorConfig{
		SerialDevice:   "/dev/ttyUSB0",
		NetworkAddress: "192.168.0.50:9100",
	}, WithSerialProber(func(device string, _ int) error {
		if device == "/dev/ttyUSB0" {
			return nil
		}
		return errors.New("missing")
	}))

	printers, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, printers, 3)
	assert.Equal(t, KindSerial, printers[0].Kind)
	assert.Equal(t, "/dev/ttyUSB0", printers[0].Device)
	assert.Equal(t, KindNetwork, printers[1].Kind)
	assert.Equal(t, KindSpooler, printers[2].Kind)
}

func TestDetect_DefaultPrinterFlag(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{}, DetectorConfig{NetworkAddress: "10.0.0.9:9100"})

	printers, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.True(t, d.SetName(printers[0].ID, "Kitchen"))

	d.cfg.DefaultPrinter = "Kitchen"
	printers, err = d.Detect(context.Background())
	require.NoError(t, err)

	assert.True(t, printers[0].Default)
	assert.False(t, printers[1].Default)
	assert.Equal(t, "Kitchen", printers[0].DisplayName())
}

func TestDetect_SystemDefaultNamedFromQueues(t *testing.T) {
	runner := &fakeRunner{out: "printer Kitchen is idle.  enabled since Mon 01 Jan 2024\nsystem default destination: Kitchen\n"}
	d := newTestDetector(t, platform.Capabilities{QueueCommand: []string{"lpstat", "-p", "-d"}}, DetectorConfig{},
		WithCommandRunner(runner))

	printers, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, printers, 1)
	assert.Equal(t, "Kitchen", printers[0].Description)
}

func TestLookupAndLast(t *testing.T) {
	d := newTestDetector(t, platform.Capabilities{}, DetectorConfig{NetworkAddress: "10.0.0.9"})

	printers, err := d.Detect(context.Background())
	require.NoError(t, err)

	got, ok := d.Lookup(printers[0].ID)
	require.True(t, ok)
	assert.Equal(t, printers[0], got)

	_, ok = d.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, printers, d.Last())
}

func TestParseQueues(t *testing.T) {
	queues, def := parseQueues("printer Kitchen is idle.  enabled since x\n\tReady\nprinter Bar disabled since y\nsystem default destination: Bar\n")
	assert.Equal(t, []string{"Kitchen", "Bar"}, queues)
	assert.Equal(t, "Bar", def)

	queues, def = parseQueues("Microsoft Print to PDF\r\nEPSON TM-T20\r\n")
	assert.Equal(t, []string{"Microsoft Print to PDF", "EPSON TM-T20"}, queues)
	assert.Empty(t, def)

	queues, def = parseQueues("no system default destination\n")
	assert.Empty(t, queues)
	assert.Empty(t, def)
}
