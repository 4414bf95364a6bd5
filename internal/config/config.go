// Package config holds the tunables shared across the Offline Queue,
// Sync Manager, and Cross-Tab Coordinator: one explicit options struct
// shared by all three rather than package-level globals.
package config

import "time"

// Options collects every tunable the core recognizes. Zero-value
// Options is never used directly; callers start from DefaultOptions and
// override individual fields.
type Options struct {
	// QueueMaxSize caps the offline queue's pending-entry count; enqueue
	// beyond this fails with QueueFull.
	QueueMaxSize int
	// QueueMaxRetries is the retry count at which a queued operation
	// moves to the dead-letter (failed) queue.
	QueueMaxRetries int
	// RetryDelay is the base backoff duration before the first retry.
	RetryDelay time.Duration
	// RetryBackoff is the multiplier applied to RetryDelay per
	// successive retry.
	RetryBackoff float64

	// HeartbeatInterval is the cross-tab coordinator leader's ping
	// period.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a follower waits for a leader
	// heartbeat before declaring the leader lost.
	HeartbeatTimeout time.Duration
	// ElectionSettleTimeout is how long a tab waits, unaware of any
	// leader, before elevating itself.
	ElectionSettleTimeout time.Duration

	// AckTimeout is the per-push ACK wait.
	AckTimeout time.Duration
	// SyncResponseTimeout is the subscribe/sync-request wait.
	SyncResponseTimeout time.Duration
}

// DefaultOptions returns the defaults named in the configuration table:
// 10 000 entry queue, 5 retries, 1s/2x backoff, 2s/5s coordinator
// heartbeat cadence, 100ms election settle, 5s ACK wait, 10s
// subscribe/sync-request wait.
func DefaultOptions() Options {
	return Options{
		QueueMaxSize:          10000,
		QueueMaxRetries:       5,
		RetryDelay:            time.Second,
		RetryBackoff:          2.0,
		HeartbeatInterval:     2 * time.Second,
		HeartbeatTimeout:      5 * time.Second,
		ElectionSettleTimeout: 100 * time.Millisecond,
		AckTimeout:            5 * time.Second,
		SyncResponseTimeout:   10 * time.Second,
	}
}
