// Package core defines the domain types and interfaces shared by every
// subsystem of the wholesale backend.
package core

import (
	"context"
	"time"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Job is a unit of asynchronous work handed to the fabric.
type Job struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Type       string            `json:"type"`
	Payload    []byte            `json:"payload"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// IJobFabric is the submit side of the asynchronous job layer. Request
// handlers only ever enqueue; they never run long work inline.
type IJobFabric interface {
	Enqueue(ctx context.Context, queue, jobType string, payload []byte) (string, error)
	EnqueueDelayed(ctx context.Context, queue, jobType string, payload []byte, delay time.Duration) (string, error)
	Mode() string // "redis" or "sync"
}

// IExtractor turns a raw input (text or image reference) into plain text.
// Implementations record which tier produced the result.
type IExtractor interface {
	Extract(ctx context.Context, source string, input string) (text string, tier string, err error)
}

// IMessageSender sends outbound WhatsApp messages through the provider API.
type IMessageSender interface {
	SendTemplate(ctx context.Context, phone, template string, vars map[string]string) (providerMsgID string, err error)
	SendText(ctx context.Context, phone, body string) (providerMsgID string, err error)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IClock abstracts time for deadline-heavy code paths so sweeps and
// threshold checks are testable.
type IClock interface {
	Now() time.Time
}

// SystemClock is the production IClock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
