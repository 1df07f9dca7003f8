package store

import (
	"context"
	"time"
)

// HealthStatus reports store connectivity and connection pool statistics,
// served by the observation API's health endpoint.
type HealthStatus struct {
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Healthy reports whether the last check succeeded.
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

func (s *sqlStore) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return HealthStatus{
			Status:       "unhealthy",
			Error:        err.Error(),
			ResponseTime: time.Since(start).Milliseconds(),
		}
	}
	stats := s.db.Stats()
	return HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}
}
