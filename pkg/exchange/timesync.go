package exchange

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync tracks the drift between local clocks and a venue's server time.
// Signed requests use the adjusted timestamp so HMAC timestamps stay inside
// the venue's recvWindow.
type TimeSync struct {
	fetch    func(ctx context.Context) (int64, error)
	mu       sync.RWMutex
	offset   int64 // milliseconds, server minus local
	lastSync time.Time
	interval time.Duration
}

// NewTimeSync wraps a server-time fetcher. fetch returns epoch milliseconds.
func NewTimeSync(fetch func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{fetch: fetch, interval: 30 * time.Minute}
}

// Start performs an initial sync and keeps resyncing until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Printf("[timesync] initial sync failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(ts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Printf("[timesync] resync failed: %v", err)
				}
			}
		}
	}()
}

// Sync measures the offset once, halving the round trip as latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.fetch(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// Now returns the current epoch milliseconds adjusted for server drift.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the last measured drift in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
