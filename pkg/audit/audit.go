// Package audit publishes terminal delivery failures to an external audit
// trail. Terminal failures are never retried by the engine, so the audit
// entry is the only durable trace operators get for manual remediation.
package audit

import (
	"context"
	"time"
)

// Entry is one terminal-failure audit record.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	EnvelopeID     string    `json:"envelope_id"`
	Source         string    `json:"source"`
	RecordType     string    `json:"record_type"`
	Classification string    `json:"classification"`
	AttemptCount   int       `json:"attempt_count"`
	Reason         string    `json:"reason"`
	Error          string    `json:"error"`
}

// Publisher records terminal-failure entries. Publish failures must never
// block or fail delivery accounting; callers log and continue.
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
	Close() error
}

// Noop is a Publisher that discards entries. Used when no audit transport
// is configured.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(ctx context.Context, entry Entry) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }
