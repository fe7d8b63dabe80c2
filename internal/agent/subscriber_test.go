package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipt/order-print-agent/internal/dispatch"
)

// upstream plays the server side: it expects a register frame, pushes one
// order and records the reply
func upstream(t *testing.T, order string, replies chan<- Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "upstream-key", r.Header.Get("X-Api-Key"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var reg Message
		if err := conn.ReadJSON(&reg); err != nil {
			return
		}
		assert.Equal(t, MessageTypeRegister, reg.Type)
		conn.WriteJSON(Message{Type: MessageTypeRegistered})

		conn.WriteJSON(Message{Type: MessageTypePrintOrder, OrderID: "fallback-id", Order: json.RawMessage(order)})

		var reply Message
		if err := conn.ReadJSON(&reply); err != nil {
			return
		}
		replies <- reply

		conn.WriteJSON(Message{Type: MessageTypeUnregister})
	}))
}

func runSubscriber(t *testing.T, srv *httptest.Server, printer *fakePrinter) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	sub := NewSubscriber(SubscriberConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:         "upstream-key",
		AgentKey:       "agent-1",
		ReconnectDelay: time.Hour,
	}, NewHandler(printer, nil), nil)

	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

func TestSubscriber_PrintedReply(t *testing.T) {
	replies := make(chan Message, 1)
	srv := upstream(t, `{"id":"W1","description":"2x Pastel"}`, replies)
	defer srv.Close()

	printer := &fakePrinter{result: dispatch.Result{Method: dispatch.MethodHardware}}
	stop := runSubscriber(t, srv, printer)
	defer stop()

	select {
	case reply := <-replies:
		assert.Equal(t, MessageTypePrinted, reply.Type)
		assert.Equal(t, "W1", reply.OrderID)
		assert.Equal(t, "agent-1", reply.AgentKey)
		assert.Equal(t, dispatch.MethodHardware, reply.Method)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply from subscriber")
	}

	require.Len(t, printer.printed(), 1)
	assert.Equal(t, "2x Pastel", printer.printed()[0].Description)
}

func TestSubscriber_PrintFailedReply(t *testing.T) {
	replies := make(chan Message, 1)
	srv := upstream(t, `{"description":"x"}`, replies)
	defer srv.Close()

	printer := &fakePrinter{err: errors.New("all print paths failed")}
	stop := runSubscriber(t, srv, printer)
	defer stop()

	select {
	case reply := <-replies:
		assert.Equal(t, MessageTypePrintFailed, reply.Type)
		assert.Equal(t, "fallback-id", reply.OrderID)
		assert.Contains(t, reply.Error, "all print paths failed")
	case <-time.After(3 * time.Second):
		t.Fatal("no reply from subscriber")
	}
}

func TestSubscriber_StopsWhileReconnecting(t *testing.T) {
	sub := NewSubscriber(SubscriberConfig{URL: "ws://127.0.0.1:1/ws", ReconnectDelay: time.Hour}, NewHandler(&fakePrinter{}, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRunAll_FirstErrorCancelsOthers(t *testing.T) {
	boom := errors.New("boom")

	err := RunAll(context.Background(),
		RunnerFunc(func(ctx context.Context) error { <-ctx.Done(); return nil }),
		RunnerFunc(func(context.Context) error { return boom }),
	)
	assert.True(t, errors.Is(err, boom))
}
