package liveserver

import "time"

// Message is the envelope every feed event ships in.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`
}

// Event types pushed to dashboard clients.
const (
	TypeOrderCreated    = "order.created"
	TypeOrderRejected   = "order.rejected"
	TypeOrderStatus     = "order.status"
	TypeUploadProcessed = "upload.processed"
	TypeRecoveryAction  = "recovery.action"
	TypeQueueStats      = "queue.stats"
	TypePriceAlert      = "price.alert"
)
