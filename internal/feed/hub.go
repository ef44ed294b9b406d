package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/router"
)

var (
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrMissingToken    = errors.New("token query parameter is required")
)

// Config holds hub configuration.
type Config struct {
	PingInterval time.Duration // How often the hub pings each subscriber (default: 30s)
	WriteTimeout time.Duration // Deadline for a single frame write (default: 5s)
	SendBuffer   int           // Per-subscriber queued frames before eviction (default: 64)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   64,
	}
}

// Stats contains hub statistics.
type Stats struct {
	Subscribers int
	Delivered   int64
	Evicted     int64
}

// Hub fans fills out to websocket subscribers, keyed by token.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	fills    *router.GrowableBuffer[model.Fill]
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	delivered atomic.Int64
	evicted   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub reading from fills. m may be nil.
func New(cfg Config, fills *router.GrowableBuffer[model.Fill], m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	h := &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		fills:   fills,
		subs:    make(map[string]map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// Holder identity is not needed to read public trades.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	// Until Start, connections are accepted but nothing is dispatched.
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Start begins dispatching fills to subscribers.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.dispatchLoop()

	h.logger.Info("trade feed started",
		"ping_interval", h.cfg.PingInterval,
		"send_buffer", h.cfg.SendBuffer,
	)
	return nil
}

// Stop disconnects every subscriber and waits for dispatch to finish.
func (h *Hub) Stop(ctx context.Context) error {
	h.logger.Info("stopping trade feed")
	h.cancel()

	h.mu.Lock()
	for token, set := range h.subs {
		for s := range set {
			s.close()
		}
		delete(h.subs, token)
	}
	h.mu.Unlock()
	h.metrics.FeedClients(0)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("trade feed stopped")
	case <-ctx.Done():
		h.logger.Warn("trade feed stop timed out")
	}
	return nil
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	h.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Delivered:   h.delivered.Load(),
		Evicted:     h.evicted.Load(),
	}
}

// ServeHTTP upgrades the request and streams fills for ?token=<id> until the
// peer disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusBadRequest)
		return
	}

	if h.ctx.Err() != nil {
		http.Error(w, "feed is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{
		conn:  conn,
		token: token,
		send:  make(chan []byte, h.cfg.SendBuffer),
		done:  make(chan struct{}),
	}
	h.add(s)
	defer h.remove(s)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writeLoop(h.cfg, h.logger)
	}()
	s.readLoop(h.cfg)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	set, ok := h.subs[s.token]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[s.token] = set
	}
	set[s] = struct{}{}
	n := h.countLocked()
	h.mu.Unlock()

	h.metrics.FeedClients(n)
	h.logger.Debug("feed subscriber connected", "token_id", s.token, "remote", s.conn.RemoteAddr().String())
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[s.token]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.token)
		}
	}
	n := h.countLocked()
	h.mu.Unlock()

	s.close()
	h.metrics.FeedClients(n)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// dispatchLoop drains the fill buffer until it is closed or the hub stops.
func (h *Hub) dispatchLoop() {
	defer h.wg.Done()

	for {
		f, ok := h.fills.ReceiveContext(h.ctx)
		if !ok {
			return
		}
		h.broadcast(f)
	}
}

func (h *Hub) broadcast(f model.Fill) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal fill", "fill_id", f.ID, "error", err)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for s := range h.subs[f.TokenID] {
		select {
		case s.send <- data:
			h.delivered.Add(1)
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.evicted.Add(1)
		h.logger.Warn("evicting slow feed subscriber", "token_id", s.token)
		h.remove(s)
	}
}

// subscriber is one websocket connection. The write side is owned by
// writeLoop; readLoop only consumes control frames.
type subscriber struct {
	conn      *websocket.Conn
	token     string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *subscriber) writeLoop(cfg Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("feed write failed", "token_id", s.token, "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				logger.Debug("failed to send ping", "token_id", s.token, "error", err)
				s.close()
				return
			}
		}
	}
}

// readLoop discards client frames and returns once the peer goes away or
// stops answering pings.
func (s *subscriber) readLoop(cfg Config) {
	timeout := 2 * cfg.PingInterval
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		select {
		case <-s.done:
			return
		default:
		}
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
