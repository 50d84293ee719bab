// Package httpbroker is a reference Broker (C8) adapter for a generic
// REST+WebSocket venue. Grounded on the teacher's exchange.Client (resty
// REST wrapper with retry) for Submit/Cancel/AccountInfo/Positions, and on
// exchange.WSFeed (reconnecting WebSocket with exponential backoff) for
// the asynchronous order_status/fill update stream required by §4.8.
//
// Authentication and wire-format signing are venue-specific and
// deliberately out of scope (§1: "Third-party broker SDK adapters... only
// the Broker port is specified"); this adapter assumes a bearer token and
// a JSON wire format it defines itself, good enough to exercise the
// broker manager's selection/failover/health logic against something
// that behaves like a real HTTP venue.
package httpbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	brokerpkg "github.com/aristath/tradingcore/internal/broker"
	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/pkg/trading"
)

const (
	minReconnectWait = time.Second
	maxReconnectWait = 30 * time.Second
	readTimeout      = 90 * time.Second
)

// Config configures one REST+WS venue connection.
type Config struct {
	Name       string
	BaseURL    string
	WSURL      string // empty disables the update stream (submit/cancel still work)
	BearerToken string
	RequestTimeout time.Duration
}

// orderPayload is this adapter's own wire representation for order
// submission; a real venue integration would replace this with its
// documented schema.
type orderPayload struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Quantity   string `json:"quantity"`
	LimitPrice string `json:"limitPrice,omitempty"`
	StopPrice  string `json:"stopPrice,omitempty"`
	ClientID   string `json:"clientOrderId"`
}

type submitResponse struct {
	BrokerOrderID string `json:"brokerOrderId"`
}

type accountResponse struct {
	Cash        string `json:"cash"`
	BuyingPower string `json:"buyingPower"`
}

type positionResponse struct {
	Symbol   string `json:"symbol"`
	Quantity string `json:"quantity"`
}

// wsUpdate is the adapter's own update-stream wire message; field Type is
// "order_status" or "fill".
type wsUpdate struct {
	Type           string `json:"type"`
	OrderID        string `json:"orderId"`
	FillID         string `json:"fillId"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	Commission     string `json:"commission"`
	TimestampUTC   time.Time `json:"timestampUtc"`
}

// Broker is a REST+WebSocket Broker (C8) adapter. It implements
// internal/broker.Broker.
type Broker struct {
	cfg    Config
	http   *resty.Client
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopCh   chan struct{}
	wg       sync.WaitGroup
	statuses map[string]trading.OrderStatus // orderID -> last known status, for regression checks
}

// New constructs an adapter for cfg. b is where the asynchronous update
// stream re-publishes order_status/fill events (§4.8).
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Broker {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if cfg.BearerToken != "" {
		httpClient = httpClient.SetAuthToken(cfg.BearerToken)
	}
	return &Broker{
		cfg:      cfg,
		http:     httpClient,
		bus:      b,
		logger:   logger.With("component", "httpbroker", "broker", cfg.Name),
		statuses: make(map[string]trading.OrderStatus),
	}
}

func (b *Broker) Name() string { return b.cfg.Name }

// Connect opens the update-stream WebSocket (if configured) and starts
// the reconnect-with-backoff read loop.
func (b *Broker) Connect(ctx context.Context) error {
	if b.cfg.WSURL == "" {
		return nil
	}
	b.mu.Lock()
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("httpbroker: dial %s: %w", b.cfg.WSURL, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.wg.Add(1)
	go b.readLoop()
	return nil
}

// Disconnect stops the read loop and closes the WebSocket.
func (b *Broker) Disconnect(context.Context) error {
	b.mu.Lock()
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	b.wg.Wait()
	return nil
}

// readLoop reads update messages and reconnects with exponential backoff
// on error, mirroring the teacher's WSFeed reconnection shape.
func (b *Broker) readLoop() {
	defer b.wg.Done()
	backoff := minReconnectWait

	for {
		b.mu.Lock()
		conn := b.conn
		stopCh := b.stopCh
		b.mu.Unlock()
		if conn == nil || stopCh == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			b.logger.Warn("update stream read failed, reconnecting", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}
			if err := b.reconnect(); err != nil {
				b.logger.Warn("reconnect failed", "error", err)
			}
			continue
		}
		backoff = minReconnectWait
		b.handleMessage(msg)
	}
}

func (b *Broker) reconnect() error {
	conn, _, err := websocket.DefaultDialer.Dial(b.cfg.WSURL, nil)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

func (b *Broker) handleMessage(raw []byte) {
	var upd wsUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		b.logger.Warn("malformed update stream message", "error", err)
		return
	}

	switch upd.Type {
	case "fill":
		b.publishFill(upd)
	case "order_status":
		b.publishStatus(upd)
	default:
		b.logger.Warn("unknown update stream message type", "type", upd.Type)
	}
}

func (b *Broker) publishFill(upd wsUpdate) {
	qty, err1 := decimal.NewFromString(upd.Quantity)
	price, err2 := decimal.NewFromString(upd.Price)
	if err1 != nil || err2 != nil {
		b.logger.Warn("malformed fill update", "order_id", upd.OrderID)
		return
	}
	commission := decimal.Zero
	if upd.Commission != "" {
		if c, err := decimal.NewFromString(upd.Commission); err == nil {
			commission = c
		}
	}
	fill := trading.Fill{
		FillID:       upd.FillID,
		OrderID:      upd.OrderID,
		Symbol:       trading.Symbol(upd.Symbol),
		Side:         trading.Side(upd.Side),
		Quantity:     qty,
		Price:        price,
		Commission:   commission,
		Venue:        b.cfg.Name,
		TimestampUTC: upd.TimestampUTC,
	}
	if _, err := b.bus.Publish(context.Background(), trading.TopicFill, trading.FillPayload{Fill: fill}); err != nil {
		b.logger.Warn("publish fill failed", "order_id", upd.OrderID, "error", err)
	}
}

// publishStatus re-publishes an order_status update, dropping it if it
// would regress against the last status this adapter itself observed
// (§4.9: "out-of-order status messages from a broker are reordered by
// comparing against the current recorded status and dropped if they
// would regress").
func (b *Broker) publishStatus(upd wsUpdate) {
	newStatus := trading.OrderStatus(upd.Status)

	b.mu.Lock()
	last, seen := b.statuses[upd.OrderID]
	if seen && !trading.CanTransition(last, newStatus) {
		b.mu.Unlock()
		b.logger.Warn("dropping out-of-order status update", "order_id", upd.OrderID, "from", last, "to", newStatus)
		return
	}
	b.statuses[upd.OrderID] = newStatus
	b.mu.Unlock()

	if _, err := b.bus.Publish(context.Background(), trading.TopicOrderStatus, trading.OrderStatusPayload{
		OrderID:        upd.OrderID,
		PreviousStatus: last,
		NewStatus:      newStatus,
		TimestampUTC:   upd.TimestampUTC,
	}); err != nil {
		b.logger.Warn("publish order_status failed", "order_id", upd.OrderID, "error", err)
	}
}

// Submit posts order to the venue's REST endpoint.
func (b *Broker) Submit(ctx context.Context, order trading.Order) (string, error) {
	payload := orderPayload{
		Symbol:   string(order.Symbol),
		Side:     string(order.Side),
		Type:     string(order.OrderType),
		Quantity: order.Quantity.String(),
		ClientID: order.OrderID,
	}
	if order.LimitPrice != nil {
		payload.LimitPrice = order.LimitPrice.String()
	}
	if order.StopPrice != nil {
		payload.StopPrice = order.StopPrice.String()
	}

	var result submitResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", fmt.Errorf("httpbroker: submit: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("httpbroker: submit: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.BrokerOrderID, nil
}

// Cancel cancels brokerOrderID via the venue's REST endpoint.
func (b *Broker) Cancel(ctx context.Context, brokerOrderID string) error {
	resp, err := b.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/orders/%s", brokerOrderID))
	if err != nil {
		return fmt.Errorf("httpbroker: cancel: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("httpbroker: cancel: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// AccountInfo fetches account cash/buying power. Also used by the broker
// manager's background health prober as a cheap liveness probe (§4.7).
func (b *Broker) AccountInfo(ctx context.Context) (brokerpkg.AccountInfo, error) {
	var result accountResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/account")
	if err != nil {
		return brokerpkg.AccountInfo{}, fmt.Errorf("httpbroker: account info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return brokerpkg.AccountInfo{}, fmt.Errorf("httpbroker: account info: status %d: %s", resp.StatusCode(), resp.String())
	}
	cash, _ := decimal.NewFromString(result.Cash)
	bp, _ := decimal.NewFromString(result.BuyingPower)
	return brokerpkg.AccountInfo{BrokerName: b.cfg.Name, Cash: cash, BuyingPower: bp, AsOfUTC: time.Now()}, nil
}

// Positions fetches open positions from the venue.
func (b *Broker) Positions(ctx context.Context) (map[trading.Symbol]trading.Position, error) {
	var results []positionResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&results).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("httpbroker: positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("httpbroker: positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	out := make(map[trading.Symbol]trading.Position, len(results))
	for _, r := range results {
		qty, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			continue
		}
		sym := trading.Symbol(r.Symbol)
		out[sym] = trading.Position{Symbol: sym, Quantity: qty, LastUpdatedUTC: time.Now()}
	}
	return out, nil
}
