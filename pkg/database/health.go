package database

import (
	"context"
	"time"
)

// PoolHealth is one connectivity probe plus a snapshot of the connection
// pool, reported through the API health endpoint. Wire names follow the
// dashboard's camelCase convention.
type PoolHealth struct {
	Reachable bool  `json:"reachable"`
	PingMs    int64 `json:"pingMs"`
	Open      int   `json:"open"`
	InUse     int   `json:"inUse"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"waitCount"`
	MaxOpen   int   `json:"maxOpen"`
}

// Health pings the database and snapshots the pool counters. On a failed
// ping the snapshot still carries the observed latency.
func (c *Client) Health(ctx context.Context) (*PoolHealth, error) {
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return &PoolHealth{PingMs: time.Since(start).Milliseconds()}, err
	}

	stats := c.db.Stats()
	return &PoolHealth{
		Reachable: true,
		PingMs:    time.Since(start).Milliseconds(),
		Open:      stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		WaitCount: stats.WaitCount,
		MaxOpen:   stats.MaxOpenConnections,
	}, nil
}
