package httpbroker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/pkg/trading"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSubmitPostsOrderAndReturnsBrokerOrderID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body orderPayload
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Symbol != "AAPL" {
			t.Errorf("posted symbol = %q, want AAPL", body.Symbol)
		}
		json.NewEncoder(w).Encode(submitResponse{BrokerOrderID: "venue-123"})
	}))
	defer srv.Close()

	b := bus.New(bus.DefaultConfig(), testLogger())
	hb := New(Config{Name: "venue", BaseURL: srv.URL}, b, testLogger())

	order := trading.Order{OrderID: "o1", Symbol: "AAPL", Side: trading.BUY, OrderType: trading.MARKET, Quantity: mustDecimal("10")}
	brokerOrderID, err := hb.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if brokerOrderID != "venue-123" {
		t.Fatalf("brokerOrderID = %q, want venue-123", brokerOrderID)
	}
}

func TestCancelReturnsErrorOnNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := bus.New(bus.DefaultConfig(), testLogger())
	hb := New(Config{Name: "venue", BaseURL: srv.URL, RequestTimeout: time.Second}, b, testLogger())

	err := hb.Cancel(context.Background(), "venue-123")
	if err == nil {
		t.Fatal("expected error from a 500 response")
	}
}

func TestAccountInfoParsesResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(accountResponse{Cash: "5000.50", BuyingPower: "10000"})
	}))
	defer srv.Close()

	b := bus.New(bus.DefaultConfig(), testLogger())
	hb := New(Config{Name: "venue", BaseURL: srv.URL}, b, testLogger())

	info, err := hb.AccountInfo(context.Background())
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if !info.Cash.Equal(mustDecimal("5000.50")) {
		t.Errorf("Cash = %s, want 5000.50", info.Cash)
	}
	if info.BrokerName != "venue" {
		t.Errorf("BrokerName = %q, want venue", info.BrokerName)
	}
}

func TestUpdateStreamPublishesFillAndOrderStatus(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	msgCh := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		<-msgCh
		_ = conn.WriteJSON(wsUpdate{Type: "fill", OrderID: "o1", FillID: "f1", Symbol: "AAPL", Side: "BUY", Quantity: "10", Price: "100", TimestampUTC: time.Now()})

		<-msgCh
		_ = conn.WriteJSON(wsUpdate{Type: "order_status", OrderID: "o1", Status: "SUBMITTED", TimestampUTC: time.Now()})

		<-msgCh
	}))
	defer ts.Close()
	wsURL := "ws" + ts.URL[len("http"):]

	b := bus.New(bus.DefaultConfig(), testLogger())
	hb := New(Config{Name: "venue", BaseURL: ts.URL, WSURL: wsURL}, b, testLogger())
	if err := hb.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer hb.Disconnect(context.Background())

	var gotFill trading.Fill
	var gotStatus trading.OrderStatusPayload
	if _, err := b.Subscribe(trading.TopicFill, func(evt *trading.Event) {
		gotFill = evt.Payload.(trading.FillPayload).Fill
	}); err != nil {
		t.Fatalf("Subscribe fill: %v", err)
	}
	if _, err := b.Subscribe(trading.TopicOrderStatus, func(evt *trading.Event) {
		gotStatus = evt.Payload.(trading.OrderStatusPayload)
	}); err != nil {
		t.Fatalf("Subscribe order_status: %v", err)
	}

	msgCh <- struct{}{}
	waitFor(t, time.Second, func() bool { return gotFill.FillID == "f1" })

	msgCh <- struct{}{}
	waitFor(t, time.Second, func() bool { return gotStatus.OrderID == "o1" })

	if !gotFill.Quantity.Equal(mustDecimal("10")) {
		t.Errorf("fill quantity = %s, want 10", gotFill.Quantity)
	}
	if gotStatus.NewStatus != trading.OrderSubmitted {
		t.Errorf("order status = %s, want SUBMITTED", gotStatus.NewStatus)
	}

	close(msgCh)
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
