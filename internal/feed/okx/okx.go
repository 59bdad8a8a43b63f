// Package okx implements the feed adapter for OKX spot depth. The
// books channel numbers updates with seqId/prevSeqId pairs, which map
// directly onto contiguous delta batches.
package okx

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

// Config holds OKX adapter configuration.
type Config struct {
	BaseURL        string        `json:"base_url"`
	WebSocketURL   string        `json:"websocket_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
	UserAgent      string        `json:"user_agent"`
}

// Adapter speaks OKX's public v5 market endpoints.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	userAgent  string
}

// New creates an OKX adapter with production defaults for any zero
// config fields.
func New(config Config) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = "https://www.okx.com"
	}
	if config.WebSocketURL == "" {
		config.WebSocketURL = "wss://ws.okx.com:8443/ws/v5/public"
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

// SequenceRule reports OKX's numbering: each update's prevSeqId
// equals the previous update's seqId, i.e. strictly contiguous.
func (a *Adapter) SequenceRule() feed.SequenceRule { return feed.RuleContiguous }

type booksData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	SeqID     uint64     `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type booksResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data []booksData `json:"data"`
}

// FetchSnapshot pulls a REST depth snapshot for instID.
func (a *Adapter) FetchSnapshot(ctx context.Context, instID string, depth int) (*feed.Snapshot, error) {
	url := fmt.Sprintf("%s/api/v5/market/books?instId=%s&sz=%d", a.baseURL, instID, depth)
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

	var br booksResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("%w: snapshot decode: %v", faults.ErrSnapshotInvalid, err)
	}
	if br.Code != "0" || len(br.Data) == 0 {
		return nil, fmt.Errorf("%w: snapshot rejected: code=%s msg=%s", faults.ErrSnapshotInvalid, br.Code, br.Msg)
	}

	d := br.Data[0]
	return &feed.Snapshot{
		LastUpdateID: d.SeqID,
		Bids:         okxPairs(d.Bids),
		Asks:         okxPairs(d.Asks),
	}, nil
}

// okxPairs drops the order-count and liquidation columns OKX appends
// after price and size.
func okxPairs(raw [][]string) []feed.PriceSize {
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
	Event  string `json:"event"`
	Action string `json:"action"`
	Arg    struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []booksData `json:"data"`
}

// ConnectWS opens the books channel for instID and starts buffering
// updates immediately.
func (a *Adapter) ConnectWS(ctx context.Context, instID string) (feed.Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.wsURL, http.Header{"User-Agent": {a.userAgent}})
	if err != nil {
		return nil, fmt.Errorf("%w: okx ws dial: %v", faults.ErrNetworkTransient, err)
	}

	sub := map[string]interface{}{
		"op": "subscribe",
		"args": []map[string]string{
			{"channel": "books", "instId": instID},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: okx subscribe: %v", faults.ErrNetworkTransient, err)
	}
	log.Debug().Str("venue", "OKX").Str("instId", instID).Msg("books channel subscribed")

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
			s.pushErr(fmt.Errorf("%w: okx ws read: %v", faults.ErrNetworkTransient, err))
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.pushErr(fmt.Errorf("%w: okx books message: %v", faults.ErrParseError, err))
			continue
		}
		if msg.Event == "error" {
			s.pushErr(fmt.Errorf("%w: okx channel error", faults.ErrNetworkTransient))
			return
		}
		if len(msg.Data) == 0 {
			// Subscribe acks and pings carry no data.
			continue
		}
		for _, d := range msg.Data {
			first := d.SeqID
			if msg.Action == "update" && d.PrevSeqID >= 0 {
				first = uint64(d.PrevSeqID) + 1
			}
			batch := &feed.DeltaBatch{
				FirstUpdateID: first,
				LastUpdateID:  d.SeqID,
				Bids:          okxPairs(d.Bids),
				Asks:          okxPairs(d.Asks),
				Received:      time.Now(),
			}
			select {
			case s.batches <- batch:
			default:
				s.pushErr(fmt.Errorf("%w: okx delta buffer overflow", faults.ErrNetworkTransient))
				return
			}
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
			return nil, fmt.Errorf("%w: okx stream closed", faults.ErrNetworkTransient)
		}
		return batch, nil
	}
}

func (s *stream) Close() error {
	return s.conn.Close()
}
