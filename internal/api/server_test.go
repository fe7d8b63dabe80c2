package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipt/order-print-agent/internal/agent"
	"github.com/thereceipt/order-print-agent/internal/clock"
	"github.com/thereceipt/order-print-agent/internal/config"
	"github.com/thereceipt/order-print-agent/internal/dispatch"
	"github.com/thereceipt/order-print-agent/internal/order"
	"github.com/thereceipt/order-print-agent/internal/platform"
	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/queue"
)

type fakeHandler struct {
	mu      sync.Mutex
	orders  []*order.Payload
	sources []string
	err     error
}

func (h *fakeHandler) HandleIncomingJob(_ context.Context, o *order.Payload, source string) (dispatch.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orders = append(h.orders, o)
	h.sources = append(h.sources, source)
	if h.err != nil {
		return dispatch.Result{}, h.err
	}
	return dispatch.Result{Method: dispatch.MethodHardware, Detail: "EPSON TM-T20"}, nil
}

func (h *fakeHandler) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sources...)
}

type fakePrinters struct {
	printers  []printer.Descriptor
	detectErr error
	queues    []string
}

func (p *fakePrinters) Detect(context.Context) ([]printer.Descriptor, error) {
	if p.detectErr != nil {
		return nil, p.detectErr
	}
	return p.printers, nil
}

func (p *fakePrinters) Last() []printer.Descriptor { return p.printers }

func (p *fakePrinters) SetName(id, name string) bool {
	for i := range p.printers {
		if p.printers[i].ID == id {
			p.printers[i].Name = name
			return true
		}
	}
	return false
}

func (p *fakePrinters) Queues(context.Context) ([]string, string, error) {
	if len(p.queues) == 0 {
		return nil, "", errors.New("lpstat not found")
	}
	return p.queues, p.queues[0], nil
}

type testServer struct {
	srv      *Server
	handler  *fakeHandler
	printers *fakePrinters
	clock    *clock.MockClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC))
	store, err := queue.NewStore(queue.Config{Dir: t.TempDir(), GracePeriod: 30 * time.Second}, clk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &fakeHandler{}
	p := &fakePrinters{
		printers: []printer.Descriptor{
			{ID: "usb-1", Kind: printer.KindUSB, Description: "EPSON TM-T20", Default: true},
			{ID: "spooler", Kind: printer.KindSpooler, Description: "System default printer"},
		},
		queues: []string{"Kitchen"},
	}

	cfg := config.NewTestConfig(t.TempDir())
	cfg.CORS = config.CORSConfig{AllowOrigins: []string{"*"}}

	srv := NewServer(Deps{
		Config:   cfg,
		Caps:     platform.Capabilities{OS: "linux", USB: true, SpoolCommand: []string{"lp"}},
		Handler:  h,
		Printers: p,
		Queue:    store,
	})

	return &testServer{srv: srv, handler: h, printers: p, clock: clk}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestQueue_EnqueueThenFetchUntilGraceElapses(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/print-queue/jobs", `{"type":"x","data":{"a":1}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created struct {
		Success     bool   `json:"success"`
		JobID       int64  `json:"jobId"`
		DownloadURL string `json:"downloadUrl"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Success)
	assert.Equal(t, "http://example.com/print-queue/jobs/1714586400000", created.DownloadURL)

	path := "/print-queue/jobs/1714586400000"
	w = ts.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)

	var job queue.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.JSONEq(t, `{"a":1}`, string(job.Data))
	assert.Equal(t, "x", job.Type)

	ts.clock.Add(31 * time.Second)

	w = ts.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/print-queue/jobs", `{"type":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/print-queue/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueue_ListAndAck(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/print-queue/jobs", `{"data":{"id":"1"}}`)
	ts.clock.Add(time.Millisecond)
	ts.do(t, http.MethodPost, "/print-queue/jobs", `{"data":{"id":"2"}}`)

	w := ts.do(t, http.MethodGet, "/print-queue/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var listed struct {
		Jobs []queue.Entry `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	files := make([]string, 0, len(listed.Jobs))
	for _, j := range listed.Jobs {
		files = append(files, j.File)
	}
	if diff := cmp.Diff([]string{"1714586400000.json", "1714586400001.json"}, files); diff != "" {
		t.Errorf("listed files mismatch (-want +got):\n%s", diff)
	}

	w = ts.do(t, http.MethodPost, "/print-queue/jobs/1714586400000/ack", `{"success":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/print-queue/jobs/1714586400000", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/print-queue/jobs/42/ack", `{"success":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueue_GetInvalidID(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/print-queue/jobs/abc", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrint_RequiresPrintText(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/print", `{"orderData":{"id":"1"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])

	w = ts.do(t, http.MethodPost, "/print", `{"printText":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, ts.handler.orders)
}

func TestPrint_Success(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/print", `{"orderData":{"description":"1x Soup","total":"8.00"},"printText":"1x Soup","orderId":"A-9"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, dispatch.MethodHardware, body["method"])

	require.Len(t, ts.handler.orders, 1)
	assert.Equal(t, "A-9", ts.handler.orders[0].ID)
	assert.Equal(t, agent.SourceHTTP, ts.handler.sources[0])
}

func TestPrint_AllPathsFailed(t *testing.T) {
	ts := newTestServer(t)
	ts.handler.err = &dispatch.DispatchError{
		Cause: errors.WithHint(errors.New("spooler exited 1"), dispatch.ManualPrintHint),
		Hint:  dispatch.ManualPrintHint,
	}

	w := ts.do(t, http.MethodPost, "/print", `{"printText":"hello"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, dispatch.ManualPrintHint, body["hint"])
}

type blockingHandler struct {
	started chan struct{}
}

func (h *blockingHandler) HandleIncomingJob(ctx context.Context, _ *order.Payload, _ string) (dispatch.Result, error) {
	close(h.started)
	<-ctx.Done()
	return dispatch.Result{}, ctx.Err()
}

func TestPrint_SurvivesClientHangupUntilClose(t *testing.T) {
	h := &blockingHandler{started: make(chan struct{})}
	srv := NewServer(Deps{
		Config:   config.NewTestConfig(t.TempDir()),
		Handler:  h,
		Printers: &fakePrinters{},
	})

	reqCtx, hangUp := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/print", strings.NewReader(`{"printText":"hello"}`)).WithContext(reqCtx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(w, req)
	}()

	<-h.started
	hangUp()

	select {
	case <-done:
		t.Fatal("print was cancelled by the client hanging up")
	case <-time.After(50 * time.Millisecond):
	}

	srv.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("print was not cancelled by Close")
	}
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "context canceled")
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Platform string         `json:"platform"`
		Printers printerSummary `json:"printers"`
		Queues   []string       `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "linux", status.Platform)
	assert.Equal(t, printerSummary{Status: "ok", DetectedCount: 2, HardwareCount: 1, DefaultName: "EPSON TM-T20"}, status.Printers)
	assert.Equal(t, []string{"Kitchen"}, status.Queues)
}

func TestStatus_DegradedOnDetectionFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.printers.detectErr = &printer.DetectionError{Cause: errors.New("libusb: access denied")}
	ts.printers.queues = nil

	w := ts.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "degraded", body["printers"].(map[string]any)["status"])
	assert.Contains(t, body["error"], "access denied")
	assert.Equal(t, []any{}, body["queues"])
}

func TestPrinters_ListAndRename(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/printers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["printers"], 2)

	w = ts.do(t, http.MethodPost, "/printers/usb-1/name", `{"name":"Kitchen"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Kitchen", ts.printers.printers[0].Name)

	w = ts.do(t, http.MethodPost, "/printers/nope/name", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/printers/usb-1/name", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommand(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/command", `{"command":"print --text hi --id 5"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, agent.SourceCommand, ts.handler.sources[0])

	w = ts.do(t, http.MethodPost, "/command", `{"command":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/print", nil)
	req.Header.Set("Origin", "https://orders.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := ts.do(t, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func dialWS(t *testing.T, ts *testServer) (*websocket.Conn, func()) {
	t.Helper()
	httpSrv := httptest.NewServer(ts.srv.Handler())

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ts.srv.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	return conn, func() {
		conn.Close()
		httpSrv.Close()
	}
}

func TestWebSocket_BroadcastsCompletions(t *testing.T) {
	ts := newTestServer(t)
	conn, closeAll := dialWS(t, ts)
	defer closeAll()

	ts.srv.Hub().Report(agent.Completion{OrderID: "7", Success: false, Error: "paper out"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventPrintFailed, msg.Event)

	var c agent.Completion
	require.NoError(t, json.Unmarshal(msg.Data, &c))
	assert.Equal(t, "7", c.OrderID)
	assert.Equal(t, "paper out", c.Error)
}

func TestWebSocket_JobEnqueuedEvent(t *testing.T) {
	ts := newTestServer(t)
	conn, closeAll := dialWS(t, ts)
	defer closeAll()

	ts.do(t, http.MethodPost, "/print-queue/jobs", `{"data":{}}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventJobEnqueued, msg.Event)
}

func TestWebSocket_PrintEvent(t *testing.T) {
	ts := newTestServer(t)
	conn, closeAll := dialWS(t, ts)
	defer closeAll()

	require.NoError(t, conn.WriteJSON(newMessage(EventPrint, map[string]any{"printText": "2x Tea", "orderId": "ws-1"})))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventResponse, msg.Event)
	assert.Equal(t, []string{agent.SourceWebsocket}, ts.handler.calls())

	require.NoError(t, conn.WriteJSON(WSMessage{Event: "dance"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventError, msg.Event)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	ts := newTestServer(t)
	conn, closeAll := dialWS(t, ts)
	defer closeAll()

	conn.Close()
	require.Eventually(t, func() bool { return ts.srv.Hub().Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() { ts.srv.Hub().Broadcast(EventPrinterAdded, printer.Descriptor{ID: "x"}) })
}
