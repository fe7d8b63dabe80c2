package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipt/order-print-agent/internal/order"
	"github.com/thereceipt/order-print-agent/internal/platform"
	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/receipt"
)

type fakeDetector struct {
	printers []printer.Descriptor
	err      error
	calls    int
}

func (d *fakeDetector) Detect(context.Context) ([]printer.Descriptor, error) {
	d.calls++
	return d.printers, d.err
}

type fakeConn struct {
	mu       sync.Mutex
	written  []byte
	writeErr error
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data...)
	return nil
}

func (c *fakeConn) Close() error { return nil }

type countingTransport struct {
	opens   int
	openErr error
	conn    *fakeConn
}

func (t *countingTransport) Open(context.Context, printer.Descriptor) (printer.Conn, error) {
	t.opens++
	if t.openErr != nil {
		return nil, t.openErr
	}
	return t.conn, nil
}

type fakeFallback struct {
	name  string
	err   error
	calls int
	docs  []*receipt.Document
}

func (f *fakeFallback) Name() string { return f.name }

func (f *fakeFallback) Print(_ context.Context, doc *receipt.Document) error {
	f.calls++
	f.docs = append(f.docs, doc)
	return f.err
}

type fixture struct {
	detector  *fakeDetector
	transport *countingTransport
	pool      *printer.ConnectionPool
	spooler   *fakeFallback
	browser   *fakeFallback
}

func (f *fixture) dispatcher(t *testing.T, caps platform.Capabilities) *Dispatcher {
	t.Helper()
	formatter, err := receipt.New(receipt.Config{StoreName: "Napoli"})
	require.NoError(t, err)
	return New(caps, f.detector, f.pool, formatter, []Fallback{f.spooler, f.browser}, nil)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	transport := &countingTransport{conn: &fakeConn{}}
	pool := printer.NewConnectionPool(printer.PoolConfig{SendTimeout: time.Second}, nil)
	pool.RegisterTransport(printer.KindUSB, transport)
	t.Cleanup(pool.DisconnectAll)

	return &fixture{
		detector:  &fakeDetector{},
		transport: transport,
		pool:      pool,
		spooler:   &fakeFallback{name: "spooler"},
		browser:   &fakeFallback{name: "browser"},
	}
}

var (
	usbCaps    = platform.Capabilities{USB: true}
	thermalUSB = printer.Descriptor{ID: "usb-1", Kind: printer.KindUSB, VendorID: 0x04B8, ProductID: 0x0E15, Description: "Epson"}
	sysDefault = printer.Descriptor{ID: "spool-1", Kind: printer.KindSpooler, Description: "System default printer", Default: true}
)

func testOrder() *order.Payload {
	return &order.Payload{ID: "1042", Description: "1x Soup", Total: decimal.RequireFromString("12.5")}
}

func TestPrintOrder_Hardware(t *testing.T) {
	f := newFixture(t)
	f.detector.printers = []printer.Descriptor{thermalUSB, sysDefault}

	result, err := f.dispatcher(t, usbCaps).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, MethodHardware, result.Method)
	assert.Equal(t, "Epson", result.Device)
	assert.Zero(t, f.spooler.calls)
	assert.True(t, strings.HasPrefix(string(f.transport.conn.written), "\x1b@"))
	assert.False(t, f.pool.IsConnected("missing"))
}

func TestPrintOrder_NoHardwareUsesFallbackWithoutConnecting(t *testing.T) {
	f := newFixture(t)
	f.detector.printers = []printer.Descriptor{sysDefault}

	result, err := f.dispatcher(t, usbCaps).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, MethodFallback, result.Method)
	assert.Equal(t, "spooler", result.Detail)
	assert.Zero(t, f.transport.opens)
	assert.Equal(t, 1, f.spooler.calls)
	assert.Zero(t, f.browser.calls)
}

func TestPrintOrder_NoHardwareCapabilitySkipsDetection(t *testing.T) {
	f := newFixture(t)

	result, err := f.dispatcher(t, platform.Capabilities{}).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, MethodFallback, result.Method)
	assert.Zero(t, f.detector.calls)
}

func TestPrintOrder_ScannedSerialWithoutUSB(t *testing.T) {
	f := newFixture(t)
	serialTransport := &countingTransport{conn: &fakeConn{}}
	f.pool.RegisterTransport(printer.KindSerial, serialTransport)
	f.detector.printers = []printer.Descriptor{
		{ID: "serial-1", Kind: printer.KindSerial, Device: "/dev/ttyUSB0", Description: "Serial printer"},
		sysDefault,
	}

	caps := platform.Capabilities{USB: false, ScanSerial: true}
	result, err := f.dispatcher(t, caps).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, MethodHardware, result.Method)
	assert.Equal(t, 1, f.detector.calls)
	assert.Equal(t, 1, serialTransport.opens)
	assert.Zero(t, f.spooler.calls)
	assert.True(t, strings.HasPrefix(string(serialTransport.conn.written), "\x1b@"))
}

func TestPrintOrder_SendFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.detector.printers = []printer.Descriptor{thermalUSB, sysDefault}
	f.transport.conn.writeErr = errors.New("LIBUSB_ERROR_PIPE")

	result, err := f.dispatcher(t, usbCaps).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, MethodFallback, result.Method)

	// the lease was released, so the printer is not left busy
	lease, err := f.pool.Acquire(context.Background(), thermalUSB)
	require.NoError(t, err)
	lease.Release()
}

func TestPrintOrder_ConnectFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.detector.printers = []printer.Descriptor{thermalUSB}
	f.transport.openErr = errors.New("LIBUSB_ERROR_ACCESS")

	result, err := f.dispatcher(t, usbCaps).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, MethodFallback, result.Method)
}

func TestPrintOrder_BusyPrinterFallsBack(t *testing.T) {
	f := newFixture(t)
	f.detector.printers = []printer.Descriptor{thermalUSB}

	held, err := f.pool.Acquire(context.Background(), thermalUSB)
	require.NoError(t, err)
	defer held.Release()

	result, err := f.dispatcher(t, usbCaps).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, MethodFallback, result.Method)
	assert.Equal(t, 1, f.transport.opens)
}

func TestPrintOrder_DetectionFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.detector.err = &printer.DetectionError{Cause: errors.New("permission denied")}

	result, err := f.dispatcher(t, usbCaps).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, MethodFallback, result.Method)
}

func TestPrintOrder_SpoolerFailureUsesBrowser(t *testing.T) {
	f := newFixture(t)
	f.spooler.err = errors.New("lp: no destinations")

	result, err := f.dispatcher(t, platform.Capabilities{}).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, "browser", result.Detail)
	assert.Equal(t, 1, f.spooler.calls)
	assert.Equal(t, 1, f.browser.calls)
}

func TestPrintOrder_AllPathsFail(t *testing.T) {
	f := newFixture(t)
	f.detector.printers = []printer.Descriptor{thermalUSB}
	f.transport.conn.writeErr = errors.New("LIBUSB_ERROR_PIPE")
	f.spooler.err = errors.New("lp: no destinations")
	f.browser.err = errors.New("xdg-open: no method available")

	_, err := f.dispatcher(t, usbCaps).PrintOrder(context.Background(), testOrder())

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, ManualPrintHint, dispatchErr.Hint)
	assert.Contains(t, errors.GetAllHints(err), ManualPrintHint)
	assert.Contains(t, err.Error(), "xdg-open")

	var transferErr *printer.TransferError
	assert.False(t, errors.As(err, &transferErr), "hardware errors are not surfaced raw")
}

func TestPrintOrder_NoPaths(t *testing.T) {
	formatter, err := receipt.New(receipt.Config{})
	require.NoError(t, err)
	d := New(platform.Capabilities{}, &fakeDetector{}, nil, formatter, nil, nil)

	_, err = d.PrintOrder(context.Background(), testOrder())
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
}

func TestPrintOrder_SameDocumentForEveryPath(t *testing.T) {
	f := newFixture(t)
	f.spooler.err = errors.New("failed")

	_, err := f.dispatcher(t, platform.Capabilities{}).PrintOrder(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Same(t, f.spooler.docs[0], f.browser.docs[0])
}

func TestPickHardware(t *testing.T) {
	serial := printer.Descriptor{ID: "s", Kind: printer.KindSerial}
	network := printer.Descriptor{ID: "n", Kind: printer.KindNetwork, Default: true}

	got, ok := pickHardware([]printer.Descriptor{serial, network, sysDefault})
	require.True(t, ok)
	assert.Equal(t, "n", got.ID)

	got, ok = pickHardware([]printer.Descriptor{serial, sysDefault})
	require.True(t, ok)
	assert.Equal(t, "s", got.ID)

	_, ok = pickHardware([]printer.Descriptor{sysDefault})
	assert.False(t, ok)
}

type fakeRunner struct {
	name string
	args []string
	err  error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.name, r.args = name, args
	return nil, r.err
}

func TestBrowserFallback_WritesPreview(t *testing.T) {
	runner := &fakeRunner{}
	fb := &BrowserFallback{Dir: t.TempDir(), Command: []string{"xdg-open"}, Runner: runner}

	err := fb.Print(context.Background(), &receipt.Document{OrderID: "../1042", Markup: "<html>receipt</html>"})
	require.NoError(t, err)

	require.Len(t, runner.args, 1)
	assert.Equal(t, "xdg-open", runner.name)
	assert.Equal(t, fb.Dir, filepath.Dir(runner.args[0]))

	data, err := os.ReadFile(runner.args[0])
	require.NoError(t, err)
	assert.Equal(t, "<html>receipt</html>", string(data))
}

func TestBrowserFallback_NoOpener(t *testing.T) {
	fb := &BrowserFallback{Dir: t.TempDir()}
	assert.Error(t, fb.Print(context.Background(), &receipt.Document{OrderID: "1"}))
}

type fakePDF struct {
	err error
}

func (p fakePDF) RenderPDF(context.Context, string) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []byte("%PDF-1.4"), nil
}

type captureRunner struct {
	paths []string
	data  [][]byte
}

func (r *captureRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	path := args[len(args)-1]
	data, _ := os.ReadFile(path)
	r.paths = append(r.paths, path)
	r.data = append(r.data, data)
	return nil, nil
}

func TestSpoolerFallback_PDFThenText(t *testing.T) {
	runner := &captureRunner{}
	spooler := printer.NewSpooler([]string{"lp"}, runner, time.Second, nil)
	doc := &receipt.Document{OrderID: "1", Text: "plain receipt", PrintMarkup: "<html></html>"}

	withPDF := &SpoolerFallback{Spooler: spooler, PDF: fakePDF{}}
	require.NoError(t, withPDF.Print(context.Background(), doc))
	assert.Equal(t, ".pdf", filepath.Ext(runner.paths[0]))
	assert.Equal(t, "%PDF-1.4", string(runner.data[0]))

	brokenPDF := &SpoolerFallback{Spooler: spooler, PDF: fakePDF{err: errors.New("chrome missing")}}
	require.NoError(t, brokenPDF.Print(context.Background(), doc))
	assert.Equal(t, ".txt", filepath.Ext(runner.paths[1]))
	assert.Equal(t, "plain receipt", string(runner.data[1]))
}
