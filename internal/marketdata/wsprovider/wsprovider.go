// Package wsprovider is a reference marketdata.Provider adapter over a
// JSON websocket feed, adapted from the teacher's exchange.WSFeed (dial,
// subscribe-by-ID, typed read loop). Unlike WSFeed it does not
// auto-reconnect internally with its own backoff: per spec.md §4.2
// reconnection/failover is the ingress's responsibility, so a broken
// connection here simply closes the bar channel and lets
// marketdata.Ingress fail over to the next provider and, later, Ping this
// one back to health.
package wsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/pkg/trading"
)

const (
	readBufferSize = 256
	readTimeout    = 90 * time.Second
	writeTimeout   = 10 * time.Second
)

// wireBar is the provider's own field naming; normalize maps it to the
// canonical trading.MarketBar.
type wireBar struct {
	Symbol      string `json:"symbol"`
	TimestampMs int64  `json:"ts_ms"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Close       string `json:"c"`
	Volume      string `json:"v"`
}

type subscribeMsg struct {
	Operation string   `json:"operation"`
	Symbols   []string `json:"symbols"`
}

// Feed is a reference Provider implementation over a JSON websocket feed.
type Feed struct {
	name     string
	priority int
	url      string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	barCh  chan trading.MarketBar
	cancel context.CancelFunc
}

// New constructs a Feed. priority is the failover ordering (lower wins).
func New(name string, priority int, url string, logger *slog.Logger) *Feed {
	return &Feed{
		name:     name,
		priority: priority,
		url:      url,
		logger:   logger.With("component", "wsprovider", "provider", name),
	}
}

func (f *Feed) Name() string  { return f.name }
func (f *Feed) Priority() int { return f.priority }

// Connect dials the feed and starts the background read loop.
func (f *Feed) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("wsprovider %s: dial: %w", f.name, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.barCh = make(chan trading.MarketBar, readBufferSize)
	f.mu.Unlock()

	readCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.readLoop(readCtx, conn)
	return nil
}

// Disconnect closes the connection and stops the read loop.
func (f *Feed) Disconnect() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

// Subscribe requests bars for symbols.
func (f *Feed) Subscribe(_ context.Context, symbols []trading.Symbol) error {
	return f.writeJSON(subscribeMsg{Operation: "subscribe", Symbols: symbolStrings(symbols)})
}

// Unsubscribe removes symbols from the subscription.
func (f *Feed) Unsubscribe(_ context.Context, symbols []trading.Symbol) error {
	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Symbols: symbolStrings(symbols)})
}

// Stream returns the channel of normalized bars. It is closed when the
// connection drops.
func (f *Feed) Stream() <-chan trading.MarketBar {
	return f.barCh
}

// Ping tests reachability without disturbing the active stream, by
// dialing and immediately closing a throwaway connection.
func (f *Feed) Ping(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (f *Feed) writeJSON(v any) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsprovider %s: not connected", f.name)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		f.mu.Lock()
		if f.barCh != nil {
			close(f.barCh)
			f.barCh = nil
		}
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			f.logger.Warn("read failed, closing stream", "error", err)
			return
		}

		var wire wireBar
		if err := json.Unmarshal(raw, &wire); err != nil {
			f.logger.Warn("malformed bar message, skipping", "error", err)
			continue
		}

		bar, err := normalize(wire)
		if err != nil {
			f.logger.Warn("bar normalization failed, skipping", "error", err)
			continue
		}

		select {
		case f.barCh <- bar:
		case <-ctx.Done():
			return
		}
	}
}

func normalize(w wireBar) (trading.MarketBar, error) {
	open, err := decimal.NewFromString(w.Open)
	if err != nil {
		return trading.MarketBar{}, fmt.Errorf("open: %w", err)
	}
	high, err := decimal.NewFromString(w.High)
	if err != nil {
		return trading.MarketBar{}, fmt.Errorf("high: %w", err)
	}
	low, err := decimal.NewFromString(w.Low)
	if err != nil {
		return trading.MarketBar{}, fmt.Errorf("low: %w", err)
	}
	closePrice, err := decimal.NewFromString(w.Close)
	if err != nil {
		return trading.MarketBar{}, fmt.Errorf("close: %w", err)
	}
	volume, err := decimal.NewFromString(w.Volume)
	if err != nil {
		return trading.MarketBar{}, fmt.Errorf("volume: %w", err)
	}

	return trading.MarketBar{
		Symbol:       trading.Symbol(w.Symbol),
		TimestampUTC: time.UnixMilli(w.TimestampMs).UTC(),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
	}, nil
}

func symbolStrings(symbols []trading.Symbol) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = string(s)
	}
	return out
}
