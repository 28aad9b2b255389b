// Package server exposes the versioned REST API: order intake, upload
// polling, the WhatsApp webhook pair, and the ops surface (recovery
// dashboard, queue stats, dead letter admin).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/infrastructure/health"
	"wholesale_backend/internal/jobs"
	"wholesale_backend/internal/orders"
	"wholesale_backend/internal/recovery"
	"wholesale_backend/internal/store"
	"wholesale_backend/internal/webhook"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Deps carries the services the API fronts.
type Deps struct {
	Orders   *orders.Service
	Recovery *recovery.Worker
	Fabric   *jobs.Fabric
	Webhooks *webhook.Processor
	Health   *health.Manager
	Store    *store.Store
}

type Server struct {
	deps       Deps
	cfg        config.ServerConfig
	wa         config.WhatsAppConfig
	production bool
	logger     core.ILogger
	srv        *http.Server

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

func New(deps Deps, cfg config.ServerConfig, wa config.WhatsAppConfig, production bool, logger core.ILogger) *Server {
	s := &Server{
		deps:       deps,
		cfg:        cfg,
		wa:         wa,
		production: production,
		logger:     logger.WithField("component", "api"),
	}
	// window/max from config become a refill rate with the window as burst
	if cfg.RateLimitWindowMS > 0 && cfg.RateLimitMaxRequests > 0 {
		perSecond := float64(cfg.RateLimitMaxRequests) / (float64(cfg.RateLimitWindowMS) / 1000.0)
		s.rateLimit = rate.Limit(perSecond)
		s.rateBurst = cfg.RateLimitMaxRequests
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/orders", s.handlePlaceOrder)
	mux.HandleFunc("POST /api/v1/orders/upload-image", s.handleUploadImage)
	mux.HandleFunc("GET /api/v1/orders/upload-image/{id}", s.handleUploadStatus)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/status", s.handleOrderTransition)
	mux.HandleFunc("POST /api/v1/sessions/{id}/confirm", s.handleConfirmSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/clarify", s.handleClarify)

	mux.HandleFunc("GET /whatsapp/webhook", s.handleWebhookHandshake)
	mux.HandleFunc("POST /whatsapp/webhook", s.handleWebhookEvent)

	mux.HandleFunc("GET /api/v1/recovery/dashboard", s.handleRecoveryDashboard)
	mux.HandleFunc("POST /api/v1/recovery/trigger", s.handleRecoveryTrigger)
	mux.HandleFunc("POST /api/v1/self-healing/run-cycle", s.handleRecoveryTrigger)
	mux.HandleFunc("GET /api/v1/queues/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/v1/queues/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("POST /api/v1/queues/dead-letters/{id}/retry", s.handleDeadLetterRetry)

	if s.deps.Health != nil {
		mux.Handle("GET /health", s.deps.Health.Handler())
	}

	return s.rateLimited(mux)
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.routes(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server", "port", s.cfg.Port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info("stopping api server")
		return s.srv.Shutdown(context.Background())
	}
}

// rateLimited enforces the per-IP request budget before any handler runs.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimit > 0 {
			if !s.ipLimiter(remoteIP(r)).Allow() {
				s.writeError(w, r, apperrors.ErrRateLimited)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- response envelope ---

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	ErrorID string      `json:"errorId,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func (s *Server) writeOK(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeError maps the error taxonomy onto stable HTTP codes. In production a
// 5xx body carries only an errorId; the text stays in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := s.classify(err)

	if status >= 500 {
		body.ErrorID = uuid.NewString()
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"error_id", body.ErrorID, "error", err)
		if s.production {
			body.Message = ""
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   body,
	})
}

func (s *Server) classify(err error) (int, errorBody) {
	if rej, ok := apperrors.AsCreditRejection(err); ok {
		return http.StatusUnprocessableEntity, errorBody{
			Code:    "CREDIT_REJECTED",
			Message: "order was declined by credit validation",
			Details: rej,
		}
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest, errorBody{Code: "VALIDATION", Message: err.Error()}
	case errors.Is(err, apperrors.ErrAuthorization):
		return http.StatusUnauthorized, errorBody{Code: "AUTHORIZATION", Message: err.Error()}
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, apperrors.ErrIllegalTransition):
		return http.StatusConflict, errorBody{Code: "ILLEGAL_TRANSITION", Message: err.Error()}
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, errorBody{Code: "CONFLICT", Message: err.Error()}
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Code: "RATE_LIMITED", Message: "too many requests"}
	case errors.Is(err, apperrors.ErrVendorUnavailable):
		return http.StatusServiceUnavailable, errorBody{Code: "VENDOR_UNAVAILABLE", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: err.Error()}
	}
}

func decodeBody(r *http.Request, into interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", apperrors.ErrValidation, err)
	}
	return nil
}
