package liveserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	feedActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wholesale_feed_active_connections",
		Help: "Current number of connected live feed clients",
	}, []string{"endpoint"})

	feedRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wholesale_feed_rejected_total",
		Help: "Live feed connections rejected before upgrade",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(feedActiveConnections)
	prometheus.MustRegister(feedRejectedTotal)
}

// Config bounds the feed endpoint. Zero values fall back to safe defaults.
type Config struct {
	AllowedOrigins []string
	MaxConnections int
	RatePerSecond  float64
	RateBurst      int
	Production     bool
}

// Server exposes the hub over a websocket endpoint with origin checks,
// per-IP connection rate limits and a global connection cap.
type Server struct {
	hub      *Hub
	srv      *http.Server
	logger   Logger
	upgrader websocket.Upgrader
	cfg      Config
	mu       sync.Mutex

	connSemaphore chan struct{}
	ipLimiters    sync.Map // map[string]*rate.Limiter
}

func NewServer(hub *Hub, logger Logger, cfg Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 500
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	s := &Server{
		hub:           hub,
		logger:        logger,
		cfg:           cfg,
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the whitelist. Wildcard is
// honored outside production only.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("feed connection without Origin header", "remote_addr", r.RemoteAddr)
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("feed connection with malformed Origin", "origin", origin)
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			if s.cfg.Production {
				feedRejectedTotal.WithLabelValues("invalid_origin").Inc()
				s.logger.Warn("wildcard origin rejected in production", "origin", origin)
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	feedRejectedTotal.WithLabelValues("invalid_origin").Inc()
	s.logger.Warn("feed connection from unlisted origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	s.logger.Info("starting live feed server", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping live feed server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		feedRejectedTotal.WithLabelValues("rate_limit").Inc()
		s.logger.Warn("feed connection rate limited", "ip", ip)
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		feedActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			feedActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		feedRejectedTotal.WithLabelValues("connection_limit").Inc()
		s.logger.Warn("feed connection cap reached")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("feed upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.New().String())
	s.hub.Register(client)
	s.logger.Info("feed client joined", "client_id", client.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

// writePump drains the client's send channel to the socket and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("feed write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients never send data.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("feed read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
