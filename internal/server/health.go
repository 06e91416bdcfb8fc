// Package server implements health check handlers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// BufferStats reports disk buffer usage. *diskbuffer.Buffer implements it.
type BufferStats interface {
	BufferSize() uint64
	TotalRecords() uint64
}

// WriterHealth reports the terminal error of the buffer writer, if any.
type WriterHealth interface {
	Err() error
}

// BufferChecker derives liveness and readiness from the disk buffer and
// the state of the ingest and drain loops.
type BufferChecker struct {
	buffer        BufferStats
	writer        WriterHealth
	maxBytes      uint64
	highWatermark float64

	consuming atomic.Bool
	draining  atomic.Bool
}

// NewBufferChecker creates a checker. The process stops being ready once
// buffer usage exceeds highWatermark (a fraction of maxBytes); zero
// disables the check.
func NewBufferChecker(buffer BufferStats, writer WriterHealth, maxBytes uint64, highWatermark float64) *BufferChecker {
	return &BufferChecker{
		buffer:        buffer,
		writer:        writer,
		maxBytes:      maxBytes,
		highWatermark: highWatermark,
	}
}

// SetConsuming records whether the Kafka ingest loop is running.
func (c *BufferChecker) SetConsuming(v bool) { c.consuming.Store(v) }

// SetDraining records whether the drain loop is running.
func (c *BufferChecker) SetDraining(v bool) { c.draining.Store(v) }

// Liveness fails once the buffer writer has failed; it never recovers
// without a restart.
func (c *BufferChecker) Liveness() bool {
	return c.writer.Err() == nil
}

// Readiness reports whether events flow from Kafka to storage.
func (c *BufferChecker) Readiness(_ context.Context) bool {
	if !c.Liveness() || !c.consuming.Load() || !c.draining.Load() {
		return false
	}
	return c.highWatermark <= 0 || c.usage() < c.highWatermark
}

// Status returns the individual checks behind readiness.
func (c *BufferChecker) Status() map[string]string {
	checks := map[string]string{
		"buffer_bytes":   strconv.FormatUint(c.buffer.BufferSize(), 10),
		"buffer_records": strconv.FormatUint(c.buffer.TotalRecords(), 10),
		"writer":         "ok",
		"consumer":       running(c.consuming.Load()),
		"drain":          running(c.draining.Load()),
	}
	if c.maxBytes > 0 {
		checks["buffer_usage"] = fmt.Sprintf("%.1f%%", c.usage()*100)
	}
	if err := c.writer.Err(); err != nil {
		checks["writer"] = err.Error()
	}
	return checks
}

func (c *BufferChecker) usage() float64 {
	if c.maxBytes == 0 {
		return 0
	}
	return float64(c.buffer.BufferSize()) / float64(c.maxBytes)
}

func running(v bool) string {
	if v {
		return "running"
	}
	return "stopped"
}

// LivenessHandler returns a handler for Kubernetes liveness probes.
// Liveness probes should only fail if the process needs to be restarted.
func LivenessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "alive"
		statusCode := http.StatusOK

		if !checker.Liveness() {
			status = "not alive"
			statusCode = http.StatusServiceUnavailable
		}

		writeHealth(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}, logger)
	}
}

// ReadinessHandler returns a handler for Kubernetes readiness probes.
// Readiness probes indicate if the application can handle traffic.
func ReadinessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ready"
		statusCode := http.StatusOK

		if !checker.Readiness(r.Context()) {
			status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}

		writeHealth(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checker.Status(),
		}, logger)
	}
}

func writeHealth(w http.ResponseWriter, statusCode int, response HealthResponse, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode health response", "error", err)
	}
}
