// Package bybit implements the feed adapter for Bybit spot depth.
// Bybit attaches a single update id per message; consecutive ids are
// contiguous, so a batch spans exactly one id.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/multivenue/obagg/internal/faults"
	"github.com/multivenue/obagg/internal/feed"
)

// Config holds Bybit adapter configuration.
type Config struct {
	BaseURL        string        `json:"base_url"`
	WebSocketURL   string        `json:"websocket_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
	UserAgent      string        `json:"user_agent"`
}

// Adapter speaks Bybit's public v5 spot endpoints.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	userAgent  string
}

// New creates a Bybit adapter with production defaults for any zero
// config fields.
func New(config Config) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.bybit.com"
	}
	if config.WebSocketURL == "" {
		config.WebSocketURL = "wss://stream.bybit.com/v5/public/spot"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "obagg/1.0"
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		baseURL:    config.BaseURL,
		wsURL:      config.WebSocketURL,
		userAgent:  config.UserAgent,
	}
}

// SequenceRule reports Bybit's numbering: one id per message, each
// one past the last.
func (a *Adapter) SequenceRule() feed.SequenceRule { return feed.RuleContiguous }

type orderbookResult struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID uint64     `json:"u"`
	Ts       int64      `json:"ts"`
}

type orderbookResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  orderbookResult `json:"result"`
}

// FetchSnapshot pulls a REST depth snapshot for symbol.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*feed.Snapshot, error) {
	url := fmt.Sprintf("%s/v5/market/orderbook?category=spot&symbol=%s&limit=%d", a.baseURL, symbol, depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot fetch: %v", faults.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: snapshot HTTP %d: %s", faults.ErrNetworkTransient, resp.StatusCode, body)
	}

	var or orderbookResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("%w: snapshot decode: %v", faults.ErrSnapshotInvalid, err)
	}
	if or.RetCode != 0 {
		return nil, fmt.Errorf("%w: snapshot rejected: retCode=%d retMsg=%s", faults.ErrSnapshotInvalid, or.RetCode, or.RetMsg)
	}

	return &feed.Snapshot{
		LastUpdateID: or.Result.UpdateID,
		Bids:         bybitPairs(or.Result.Bids),
		Asks:         bybitPairs(or.Result.Asks),
	}, nil
}

func bybitPairs(raw [][]string) []feed.PriceSize {
	out := make([]feed.PriceSize, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		out = append(out, feed.PriceSize{Price: entry[0], Size: entry[1]})
	}
	return out
}

type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  orderbookResult `json:"data"`
	Op    string          `json:"op"`
}

// ConnectWS subscribes to the orderbook.50 topic for symbol and
// starts buffering updates immediately.
func (a *Adapter) ConnectWS(ctx context.Context, symbol string) (feed.Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.wsURL, http.Header{"User-Agent": {a.userAgent}})
	if err != nil {
		return nil, fmt.Errorf("%w: bybit ws dial: %v", faults.ErrNetworkTransient, err)
	}

	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{fmt.Sprintf("orderbook.50.%s", symbol)},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: bybit subscribe: %v", faults.ErrNetworkTransient, err)
	}
	log.Debug().Str("venue", "BybitSpot").Str("symbol", symbol).Msg("orderbook topic subscribed")

	s := &stream{
		conn:    conn,
		batches: make(chan *feed.DeltaBatch, 1024),
		errs:    make(chan error, 16),
	}
	go s.readLoop()
	return s, nil
}

type stream struct {
	conn    *websocket.Conn
	batches chan *feed.DeltaBatch
	errs    chan error
}

func (s *stream) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *stream) readLoop() {
	defer close(s.batches)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.pushErr(fmt.Errorf("%w: bybit ws read: %v", faults.ErrNetworkTransient, err))
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.pushErr(fmt.Errorf("%w: bybit orderbook message: %v", faults.ErrParseError, err))
			continue
		}
		if msg.Topic == "" {
			// Subscribe acks and pong frames.
			continue
		}
		batch := &feed.DeltaBatch{
			FirstUpdateID: msg.Data.UpdateID,
			LastUpdateID:  msg.Data.UpdateID,
			Bids:          bybitPairs(msg.Data.Bids),
			Asks:          bybitPairs(msg.Data.Asks),
			Received:      time.Now(),
		}
		select {
		case s.batches <- batch:
		default:
			s.pushErr(fmt.Errorf("%w: bybit delta buffer overflow", faults.ErrNetworkTransient))
			return
		}
	}
}

func (s *stream) Next(ctx context.Context) (*feed.DeltaBatch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.errs:
		return nil, err
	case batch, ok := <-s.batches:
		if !ok {
			return nil, fmt.Errorf("%w: bybit stream closed", faults.ErrNetworkTransient)
		}
		return batch, nil
	}
}

func (s *stream) Close() error {
	return s.conn.Close()
}
