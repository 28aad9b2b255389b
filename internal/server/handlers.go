package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/orders"
	"wholesale_backend/internal/parser"
	"wholesale_backend/internal/webhook"
	apperrors "wholesale_backend/pkg/errors"
)

const maxWebhookBody = 1 << 20

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RetailerID string `json:"retailer_id"`
		Source     string `json:"source"`
		RawInput   string `json:"raw_input"`
		Actor      string `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Source == "" {
		body.Source = "text"
	}

	res, err := s.deps.Orders.Place(r.Context(), orders.PlaceRequest{
		RetailerID:     body.RetailerID,
		Source:         body.Source,
		RawInput:       body.RawInput,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Actor:          body.Actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if len(res.Orders) == 0 {
		// parse needs clarification, nothing was created yet
		status = http.StatusOK
	}
	s.writeOK(w, status, res)
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RetailerID string `json:"retailer_id"`
		ImageURL   string `json:"image_url"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	u, err := s.deps.Orders.UploadImage(r.Context(), body.RetailerID, body.ImageURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusAccepted, map[string]string{
		"uploaded_order_id": u.ID,
		"status":            u.Status,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Orders.UploadStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, u)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Store.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, order)
}

func (s *Server) handleOrderTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Status == "" {
		s.writeError(w, r, fmt.Errorf("%w: status is required", apperrors.ErrValidation))
		return
	}
	if body.Actor == "" {
		body.Actor = "operator"
	}

	order, err := s.deps.Orders.Transition(r.Context(), r.PathValue("id"),
		core.OrderStatus(body.Status), body.Actor, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, order)
}

func (s *Server) handleConfirmSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if body.Actor == "" {
		body.Actor = "retailer"
	}

	res, err := s.deps.Orders.ConfirmSession(r.Context(), r.PathValue("id"),
		r.Header.Get("Idempotency-Key"), body.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusCreated, res)
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answers []parser.Answer `json:"answers"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Orders.Clarify(r.Context(), r.PathValue("id"), body.Answers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

// handleWebhookHandshake answers the provider's subscription probe.
func (s *Server) handleWebhookHandshake(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := webhook.VerifyHandshake(s.wa.VerifyToken,
		q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		s.logger.Warn("webhook handshake rejected", "error", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, challenge)
}

// handleWebhookEvent verifies the signature, persists the raw payload, and
// ACKs. All processing happens later off the queue.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: unreadable body", apperrors.ErrValidation))
		return
	}

	if err := webhook.VerifySignature(s.wa.AppSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		s.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		s.writeError(w, r, fmt.Errorf("%w: signature mismatch", apperrors.ErrAuthorization))
		return
	}

	id, err := s.deps.Webhooks.Receive(r.Context(), "whatsapp", body, map[string]string{
		"X-Hub-Signature-256": r.Header.Get("X-Hub-Signature-256"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]string{"webhook_id": id})
}

func (s *Server) handleRecoveryDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.deps.Recovery.Dashboard(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, dash)
}

func (s *Server) handleRecoveryTrigger(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Recovery.RunCycle(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, report)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Fabric.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be 1..1000", apperrors.ErrValidation))
			return
		}
		limit = n
	}

	dead, err := s.deps.Store.ListDeadLetterJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, dead)
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Fabric.RetryDeadLetter(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]string{"job_id": r.PathValue("id"), "status": "requeued"})
}
