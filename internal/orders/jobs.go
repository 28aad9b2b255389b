package orders

import (
	"context"
	"encoding/json"
	"fmt"

	"wholesale_backend/internal/analytics"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/jobs"
	"wholesale_backend/internal/notify"
	apperrors "wholesale_backend/pkg/errors"
)

// Job types, one handler each. The queue a type runs on is fixed at the
// enqueue site.
const (
	JobFulfillOrder     = "order.fulfill"
	JobSendMessage      = "whatsapp.send"
	JobExtractImage     = "image.extract"
	JobRescoreRetailer  = "credit.rescore"
	JobRerouteOrder     = "order.reroute"
	JobPaymentReminder  = "payment.reminder"
	JobRecomputeReports = "reports.recompute"
)

// RegisterHandlers binds every job type to its worker. Must run before the
// fabric starts consuming.
func (s *Service) RegisterHandlers(fab *jobs.Fabric, an *analytics.Service) {
	fab.Register(JobFulfillOrder, func(ctx context.Context, job *core.Job) error {
		var p struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Permanent(fmt.Errorf("bad fulfillment payload: %w", err))
		}
		return s.startOrResumeFulfillment(ctx, p.OrderID)
	})

	fab.Register(JobSendMessage, func(ctx context.Context, job *core.Job) error {
		var p struct {
			Phone string `json:"phone"`
			Body  string `json:"body"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Permanent(fmt.Errorf("bad message payload: %w", err))
		}
		if s.sender == nil {
			return nil
		}
		_, err := s.sender.SendText(ctx, p.Phone, p.Body)
		return err
	})

	fab.Register(JobExtractImage, func(ctx context.Context, job *core.Job) error {
		var p struct {
			UploadID string `json:"upload_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Permanent(fmt.Errorf("bad extraction payload: %w", err))
		}
		return s.processUpload(ctx, p.UploadID)
	})

	fab.Register(JobRescoreRetailer, func(ctx context.Context, job *core.Job) error {
		var p struct {
			RetailerID string `json:"retailer_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Permanent(fmt.Errorf("bad rescore payload: %w", err))
		}
		_, err := an.RecomputeRetailerRisk(ctx, p.RetailerID)
		return err
	})

	fab.Register(JobRerouteOrder, func(ctx context.Context, job *core.Job) error {
		var p struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Permanent(fmt.Errorf("bad reroute payload: %w", err))
		}
		_, err := s.routing.Reroute(ctx, p.OrderID, "manual reroute")
		return err
	})

	fab.Register(JobPaymentReminder, func(ctx context.Context, job *core.Job) error {
		var p struct {
			RetailerID string `json:"retailer_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperrors.Permanent(fmt.Errorf("bad reminder payload: %w", err))
		}
		return s.sendPaymentReminders(ctx, p.RetailerID)
	})

	fab.Register(JobRecomputeReports, func(ctx context.Context, job *core.Job) error {
		if err := an.RecomputeAllVendors(ctx); err != nil {
			return err
		}
		return an.RecomputeAllRetailers(ctx)
	})
}

// processUpload drives one image upload through extraction and parsing. A
// transient extraction failure leaves the upload in processing so the retry
// picks it up; only a dead end marks it failed.
func (s *Service) processUpload(ctx context.Context, uploadID string) error {
	u, err := s.store.GetUploadedOrder(ctx, uploadID)
	if err != nil {
		return apperrors.Permanent(err)
	}
	if u.Status != "processing" {
		return nil
	}

	now := s.clock.Now().UTC()
	text, tier, err := s.extractor.Extract(ctx, "ocr", u.ImageURL)
	if err != nil {
		if apperrors.IsTransient(err) {
			return err
		}
		_ = s.store.UpdateUploadedOrder(ctx, u.ID, "failed", "", "image text extraction failed", now)
		return apperrors.Permanent(err)
	}

	res, err := s.parser.Parse(ctx, "ocr", text, u.RetailerID)
	if err != nil {
		return err
	}

	status := "needs_review"
	errMsg := ""
	switch res.Decision {
	case "accepted":
		status = "parsed"
	case "rejected":
		status = "failed"
		errMsg = "order text could not be read with enough confidence"
	}
	if err := s.store.UpdateUploadedOrder(ctx, u.ID, status, res.SessionID, errMsg, now); err != nil {
		return err
	}

	s.logger.Info("order image processed",
		"upload_id", u.ID, "tier", tier, "status", status,
		"confidence", res.OverallConfidence)
	s.publish("upload.processed", map[string]interface{}{
		"upload_id": u.ID, "status": status, "session_id": res.SessionID,
	})
	return nil
}

// sendPaymentReminders messages the retailer once per vendor with an open
// balance, naming the amount and how long it has been outstanding.
func (s *Service) sendPaymentReminders(ctx context.Context, retailerID string) error {
	r, err := s.store.GetRetailer(ctx, retailerID)
	if err != nil {
		return apperrors.Permanent(err)
	}
	if r.Phone == "" || s.sender == nil {
		return nil
	}

	vendors, err := s.store.LedgerVendorsForRetailer(ctx, retailerID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	for _, vendorID := range vendors {
		entries, err := s.store.LedgerEntries(ctx, retailerID, vendorID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		if !last.RunningBalance.IsPositive() {
			continue
		}

		// oldest credit still open under FIFO settlement
		oldest := oldestOpenCredit(entries)
		days := 0
		if oldest != nil {
			days = int(now.Sub(oldest.CreatedAt).Hours() / 24)
		}

		v, err := s.store.GetVendor(ctx, vendorID)
		if err != nil {
			return err
		}
		if _, err := s.sender.SendText(ctx, r.Phone,
			notify.PaymentReminderMessage(v.Name, last.RunningBalance, days)); err != nil {
			return err
		}
	}
	return nil
}

func oldestOpenCredit(entries []*core.CreditLedgerEntry) *core.CreditLedgerEntry {
	var open []*core.CreditLedgerEntry
	for _, e := range entries {
		switch e.TransactionType {
		case core.TxOrderCredit:
			if !e.IsReversed {
				open = append(open, e)
			}
		case core.TxPaymentDebit:
			if len(open) > 0 {
				open = open[1:]
			}
		}
	}
	if len(open) == 0 {
		return nil
	}
	return open[0]
}
