// Package metrics exports Prometheus instruments on a dedicated port and
// samples queue depths into the gauge set.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/jobs"
	"wholesale_backend/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const sampleInterval = 15 * time.Second

// Server serves /metrics and periodically samples job queue depths.
type Server struct {
	port   int
	fabric *jobs.Fabric
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port int, fabric *jobs.Fabric, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		fabric: fabric,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Run serves until the context ends. Satisfies the bootstrap Runner shape.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go s.sampleQueues(ctx)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}

// sampleQueues polls the fabric and feeds the queue depth gauges.
func (s *Server) sampleQueues(ctx context.Context) {
	if s.fabric == nil {
		return
	}
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	holder := telemetry.GetGlobalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.fabric.Stats(ctx)
			if err != nil {
				s.logger.Warn("queue depth sample failed", "error", err)
				continue
			}
			queues, _ := stats["queues"].([]jobs.QueueStats)
			for _, q := range queues {
				holder.SetQueueDepth(q.Queue, q.Ready+q.Delayed)
			}
		}
	}
}
