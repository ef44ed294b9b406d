package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tokenmarket/internal/model"
)

// ClientConfig holds subscription configuration.
type ClientConfig struct {
	URL              string        // ws:// or wss:// address of /ws/trades
	TokenID          string        // Token whose fills to stream
	HandshakeTimeout time.Duration // Dial timeout (default: 10s)
	PingTimeout      time.Duration // Max time without a server ping (default: 90s)
	BufferSize       int           // Fills channel buffer (default: 256)
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      90 * time.Second,
		BufferSize:       256,
	}
}

// Subscription is a live stream of fills for one token.
type Subscription struct {
	cfg    ClientConfig
	logger *slog.Logger
	conn   *websocket.Conn

	fills  chan model.Fill
	errors chan error
	done   chan struct{}

	mu         sync.Mutex
	closed     bool
	lastPingAt time.Time
}

// Subscribe dials the feed and starts streaming fills for cfg.TokenID.
func Subscribe(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", cfg.TokenID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("Accept", "application/json")

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		fills:      make(chan model.Fill, cfg.BufferSize),
		errors:     make(chan error, 1),
		done:       make(chan struct{}),
		lastPingAt: time.Now(),
	}

	// Server pings keep the stream alive; answer with a pong.
	conn.SetPingHandler(func(data string) error {
		s.mu.Lock()
		s.lastPingAt = time.Now()
		s.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go s.readLoop()
	go s.heartbeatLoop()

	logger.Debug("feed subscribed", "url", u.String(), "token_id", cfg.TokenID)
	return s, nil
}

// Fills returns the fill stream. It is closed when the connection ends.
func (s *Subscription) Fills() <-chan model.Fill {
	return s.fills
}

// Errors returns terminal connection errors.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close gracefully closes the connection.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

func (s *Subscription) fail(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

func (s *Subscription) readLoop() {
	defer close(s.fills)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.fail(err)
				}
			}
			return
		}

		var f model.Fill
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("discarding malformed fill", "error", err)
			continue
		}

		select {
		case s.fills <- f:
		case <-s.done:
			return
		default:
			s.logger.Warn("fill buffer full, dropping fill", "fill_id", f.ID)
		}
	}
}

// heartbeatLoop closes the subscription when the server stops pinging.
func (s *Subscription) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			lastPing := s.lastPingAt
			s.mu.Unlock()

			if time.Since(lastPing) > s.cfg.PingTimeout {
				s.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", s.cfg.PingTimeout,
				)
				s.fail(ErrStaleConnection)
				s.Close()
				return
			}
		}
	}
}
