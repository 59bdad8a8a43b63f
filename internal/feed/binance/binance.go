// Package binance implements the feed adapter for Binance spot depth
// streams. Deltas arrive on the @depth channel with explicit
// first/last update ids; snapshots come from the REST depth endpoint.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/multivenue/obagg/internal/faults"
	"github.com/multivenue/obagg/internal/feed"
)

// Config holds Binance adapter configuration.
type Config struct {
	BaseURL        string        `json:"base_url"`
	WebSocketURL   string        `json:"websocket_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
	UserAgent      string        `json:"user_agent"`
}

// Adapter speaks Binance's public spot depth endpoints.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	userAgent  string
}

// New creates a Binance adapter. Zero-value config fields fall back
// to the public production endpoints.
func New(config Config) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.binance.com"
	}
	if config.WebSocketURL == "" {
		config.WebSocketURL = "wss://stream.binance.com:9443"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "obagg/1.0"
	}

	return &Adapter{
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL:   config.BaseURL,
		wsURL:     config.WebSocketURL,
		userAgent: config.UserAgent,
	}
}

// SequenceRule reports Binance's batch numbering: batches carry a
// [first, last] id range and may overlap the applied range around the
// snapshot boundary.
func (a *Adapter) SequenceRule() feed.SequenceRule { return feed.RuleOverlap }

type depthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// FetchSnapshot pulls a REST depth snapshot for symbol.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*feed.Snapshot, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", a.baseURL, strings.ToUpper(symbol), depth)
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
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: snapshot HTTP %d: %s", faults.ErrNetworkFatal, resp.StatusCode, body)
		}
		return nil, fmt.Errorf("%w: snapshot HTTP %d: %s", faults.ErrNetworkTransient, resp.StatusCode, body)
	}

	var dr depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("%w: snapshot decode: %v", faults.ErrSnapshotInvalid, err)
	}

	return &feed.Snapshot{
		LastUpdateID: dr.LastUpdateID,
		Bids:         toPairs(dr.Bids),
		Asks:         toPairs(dr.Asks),
	}, nil
}

func toPairs(raw [][]string) []feed.PriceSize {
	out := make([]feed.PriceSize, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		out = append(out, feed.PriceSize{Price: entry[0], Size: entry[1]})
	}
	return out
}

type depthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	LastUpdateID  uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// ConnectWS opens the @depth@100ms stream for symbol. Batches are
// buffered internally from the moment the dial returns, so callers
// can fetch the snapshot afterwards without losing deltas.
func (a *Adapter) ConnectWS(ctx context.Context, symbol string) (feed.Stream, error) {
	url := fmt.Sprintf("%s/ws/%s@depth@100ms", a.wsURL, strings.ToLower(symbol))

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{"User-Agent": {a.userAgent}})
	if err != nil {
		return nil, fmt.Errorf("%w: binance ws dial: %v", faults.ErrNetworkTransient, err)
	}
	log.Debug().Str("venue", "BinanceSpot").Str("url", url).Msg("depth stream connected")

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

// pushErr never blocks the read loop; if the consumer is not
// draining errors and the buffer is full, the new one is simply
// dropped.
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
			s.pushErr(fmt.Errorf("%w: binance ws read: %v", faults.ErrNetworkTransient, err))
			return
		}
		var ev depthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.pushErr(fmt.Errorf("%w: binance depth event: %v", faults.ErrParseError, err))
			continue
		}
		if ev.EventType != "depthUpdate" {
			continue
		}
		batch := &feed.DeltaBatch{
			FirstUpdateID: ev.FirstUpdateID,
			LastUpdateID:  ev.LastUpdateID,
			Bids:          toPairs(ev.Bids),
			Asks:          toPairs(ev.Asks),
			Received:      time.Now(),
		}
		select {
		case s.batches <- batch:
		default:
			// Buffer full means the consumer stalled far beyond any
			// replay window; surface it as a transient failure so the
			// pipeline rebuilds instead of silently dropping deltas.
			s.pushErr(fmt.Errorf("%w: binance delta buffer overflow", faults.ErrNetworkTransient))
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
			return nil, fmt.Errorf("%w: binance stream closed", faults.ErrNetworkTransient)
		}
		return batch, nil
	}
}

func (s *stream) Close() error {
	return s.conn.Close()
}

type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

// SubscribeTicker streams mid prices from the @bookTicker channel.
// The USDT rate provider points this at a stablecoin pair.
func (a *Adapter) SubscribeTicker(ctx context.Context, symbol string) (<-chan float64, error) {
	url := fmt.Sprintf("%s/ws/%s@bookTicker", a.wsURL, strings.ToLower(symbol))

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{"User-Agent": {a.userAgent}})
	if err != nil {
		return nil, fmt.Errorf("%w: binance ticker dial: %v", faults.ErrNetworkTransient, err)
	}

	out := make(chan float64, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev bookTickerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			bid, _, bidErr := feed.ParseLevel(feed.PriceSize{Price: ev.BidPrice, Size: "0"})
			ask, _, askErr := feed.ParseLevel(feed.PriceSize{Price: ev.AskPrice, Size: "0"})
			if bidErr != nil || askErr != nil || bid <= 0 || ask <= 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- (bid + ask) / 2:
			default:
			}
		}
	}()
	return out, nil
}
