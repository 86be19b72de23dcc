package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadTimeout    = 90 * time.Second
	wsWriteTimeout   = 10 * time.Second
	wsInitialBackoff = time.Second
	wsDefaultMaxWait = 30 * time.Second
)

// WSSource is a venue market data feed over a WebSocket connection. It
// reconnects with exponential backoff and reports each recovery as a
// Reconnect event so the gateway can mark the feed gap.
type WSSource struct {
	name    string
	url     string
	symbols []string
	maxWait time.Duration
	logger  *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// WSSourceConfig configures a WSSource.
type WSSourceConfig struct {
	// Name identifies the venue.
	Name string

	// URL is the websocket endpoint.
	URL string

	// Symbols are subscribed on every (re)connect.
	Symbols []string

	// MaxReconnectWait caps the exponential backoff.
	MaxReconnectWait time.Duration
}

// NewWSSource creates a websocket venue source.
func NewWSSource(cfg WSSourceConfig, logger *zap.Logger) *WSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxWait := cfg.MaxReconnectWait
	if maxWait <= 0 {
		maxWait = wsDefaultMaxWait
	}
	return &WSSource{
		name:    cfg.Name,
		url:     cfg.URL,
		symbols: cfg.Symbols,
		maxWait: maxWait,
		logger:  logger.With(zap.String("venue", cfg.Name)),
	}
}

// Name returns the venue name.
func (s *WSSource) Name() string { return s.name }

// wsFrame is the venue wire format: one frame per message, discriminated
// by channel.
type wsFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Start connects and begins delivering events to out.
func (s *WSSource) Start(ctx context.Context, out chan<- VenueEvent) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(runCtx, out)
	}()
	return nil
}

// run maintains the connection with exponential backoff: 1s, 2s, ... maxWait.
func (s *WSSource) run(ctx context.Context, out chan<- VenueEvent) {
	backoff := wsInitialBackoff
	attempts := 0
	var downSince time.Time

	for {
		connected, err := s.connectAndRead(ctx, out, attempts, downSince)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = wsInitialBackoff
			attempts = 0
			downSince = time.Time{}
		}
		if downSince.IsZero() {
			downSince = time.Now()
		}
		attempts++

		s.logger.Warn("Venue feed disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.maxWait {
			backoff = s.maxWait
		}
	}
}

// connectAndRead dials, subscribes, and pumps frames until the connection
// breaks or the context is cancelled. A successful dial after a downtime
// reports the recovered gap interval before any market data flows.
func (s *WSSource) connectAndRead(ctx context.Context, out chan<- VenueEvent, attempts int, downSince time.Time) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer conn.Close()

	if err := s.subscribe(conn); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	if attempts > 0 {
		select {
		case out <- VenueEvent{Reconnect: &Reconnect{
			Venue:    s.name,
			DownFrom: downSince.UnixNano(),
			DownTo:   time.Now().UnixNano(),
			Attempts: attempts,
		}}:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("Unparseable venue frame", zap.Error(err))
			continue
		}

		ev, ok := s.decode(frame)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (s *WSSource) decode(frame wsFrame) (VenueEvent, bool) {
	switch frame.Channel {
	case "ticker", "kline":
		var tick VenueTick
		if err := json.Unmarshal(frame.Data, &tick); err != nil {
			return VenueEvent{}, false
		}
		return VenueEvent{Tick: &tick}, true
	case "trade":
		var trade VenueTrade
		if err := json.Unmarshal(frame.Data, &trade); err != nil {
			return VenueEvent{}, false
		}
		return VenueEvent{Trade: &trade}, true
	case "depth", "book":
		var book VenueBook
		if err := json.Unmarshal(frame.Data, &book); err != nil {
			return VenueEvent{}, false
		}
		return VenueEvent{Book: &book}, true
	}
	return VenueEvent{}, false
}

func (s *WSSource) subscribe(conn *websocket.Conn) error {
	sub := map[string]any{
		"op":       "subscribe",
		"channels": []string{"ticker", "trade", "depth"},
		"symbols":  s.symbols,
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(sub)
}

// Stop closes the connection and ends the reconnect loop.
func (s *WSSource) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
