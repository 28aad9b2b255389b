package jobs

import (
	"time"

	"golang.org/x/time/rate"
)

// Queue names used across the system.
const (
	QueueOrderProcessing  = "order-processing"
	QueueWhatsAppMessages = "whatsapp-messages"
	QueueImageProcessing  = "image-processing"
	QueueCreditScore      = "credit-score"
	QueueOrderRouting     = "order-routing"
	QueuePaymentReminders = "payment-reminders"
	QueueReportGeneration = "report-generation"
)

// QueueConfig fixes one queue's concurrency, retry and rate behavior.
type QueueConfig struct {
	Name        string
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	RateLimit   rate.Limit // 0 means uncapped
	Timeout     time.Duration
}

// Queues is the full queue table. Workers are independent per queue so one
// saturated queue never starves another.
var Queues = []QueueConfig{
	{Name: QueueOrderProcessing, Concurrency: 5, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, RateLimit: rate.Limit(100.0 / 60.0), Timeout: 120 * time.Second},
	{Name: QueueWhatsAppMessages, Concurrency: 10, MaxAttempts: 5, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, RateLimit: 50, Timeout: 30 * time.Second},
	{Name: QueueImageProcessing, Concurrency: 2, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, Timeout: 5 * time.Minute},
	{Name: QueueCreditScore, Concurrency: 3, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, Timeout: 90 * time.Second},
	{Name: QueueOrderRouting, Concurrency: 3, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, Timeout: 60 * time.Second},
	{Name: QueuePaymentReminders, Concurrency: 5, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, Timeout: 30 * time.Second},
	{Name: QueueReportGeneration, Concurrency: 1, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute, Timeout: 10 * time.Minute},
}

func queueTable() map[string]QueueConfig {
	m := make(map[string]QueueConfig, len(Queues))
	for _, q := range Queues {
		m[q.Name] = q
	}
	return m
}
