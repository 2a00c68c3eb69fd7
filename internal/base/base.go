// Package base defines foundational types and constants used in the omniq
// package.
package base

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/not-empty/omniq-go/internal/errors"
)

// Version of the omniq-go library.
const Version = "1.0.0"

// Job option defaults applied by publish when a field is unset.
const (
	DefaultMaxAttempts = 3
	DefaultTimeoutMs   = 30_000
	DefaultBackoffMs   = 5_000
)

// MaxBatchSize is the maximum number of job ids accepted by the batch
// operations (retry_failed_batch, remove_jobs_batch).
const MaxBatchSize = 100

// MaxChildKeyLen is the maximum length of a child-counter key.
const MaxChildKeyLen = 128

// Lane names accepted by remove_jobs_batch. The scripts own the keys
// backing each lane; the client only ever names them.
const (
	LaneReady   = "ready"
	LaneDelayed = "delayed"
	LaneActive  = "active"
	LaneFailed  = "failed"
)

// QueueBase returns the hash-tagged root for all keys of the given queue.
// A name that already carries its own hash tag is used verbatim so that
// callers can force co-location of several queues on one cluster slot.
func QueueBase(qname string) string {
	if strings.Contains(qname, "{") && strings.Contains(qname, "}") {
		return qname
	}
	return "{" + qname + "}"
}

// QueueAnchor returns the single declared key passed to every queue
// script. The scripts derive all other keys by concatenation under the
// same hash tag.
func QueueAnchor(qname string) string {
	return QueueBase(qname) + ":meta"
}

// PausedKey returns the redis key holding the pause flag for the queue.
func PausedKey(qname string) string {
	return QueueBase(qname) + ":paused"
}

// JobKey returns the redis key of the job hash for the given job id.
// The timeout_ms field of the hash is readable by the client.
func JobKey(qname, id string) string {
	return QueueBase(qname) + ":job:" + id
}

// ValidateQueueName rejects queue names that are empty or all
// whitespace before any key is derived from them.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return errors.E(errors.InvalidArgument, "queue name must contain one or more characters")
	}
	return nil
}

// ValidateChildKey validates a user-supplied child-counter key.
func ValidateChildKey(key string) error {
	if key == "" {
		return errors.E(errors.Config, "child counter key must not be empty")
	}
	if len(key) > MaxChildKeyLen {
		return errors.E(errors.Config, fmt.Sprintf("child counter key must be at most %d characters", MaxChildKeyLen))
	}
	if strings.ContainsAny(key, "{}") {
		return errors.E(errors.Config, "child counter key must not contain braces")
	}
	return nil
}

// ChildsAnchor returns the single declared key passed to the child-counter
// scripts for the given key. The key is validated first.
func ChildsAnchor(key string) (string, error) {
	if err := ValidateChildKey(key); err != nil {
		return "", err
	}
	return "{cc:" + key + "}:meta", nil
}

// EncodePayload marshals the given payload value to compact JSON text and
// verifies that the result is a JSON object or array. Strings, numbers,
// booleans and null are rejected; callers must wrap them.
func EncodePayload(payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.E(errors.InvalidArgument, fmt.Sprintf("cannot encode payload: %v", err))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", errors.E(errors.InvalidArgument, fmt.Sprintf("cannot compact payload: %v", err))
	}
	text := buf.String()
	if !IsObjectOrArray(text) {
		return "", errors.E(errors.InvalidArgument, "payload must be a JSON object or array")
	}
	return text, nil
}

// IsObjectOrArray reports whether the given JSON text is an object or an
// array.
func IsObjectOrArray(text string) bool {
	s := strings.TrimSpace(text)
	return len(s) > 0 && (s[0] == '{' || s[0] == '[')
}

// JobOptions carries the publish-time knobs of a job. Zero values mean
// "use the default" for the numeric fields and "ungrouped" for the group
// fields.
type JobOptions struct {
	// MaxAttempts is the number of leases the job may consume before it is
	// dead-lettered. Must be at least 1 once defaults are applied.
	MaxAttempts int

	// TimeoutMs is the lease duration stamped by reserve.
	TimeoutMs int64

	// BackoffMs is the base retry delay used by ack_fail.
	BackoffMs int64

	// DueMs is the absolute due time of the job; zero means now.
	DueMs int64

	// GID is the optional group id; empty string means ungrouped.
	GID string

	// GroupLimit is the per-group concurrency cap; zero means unlimited.
	GroupLimit int
}

// ApplyDefaults fills the unset numeric fields with the publish defaults.
func (o *JobOptions) ApplyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = DefaultTimeoutMs
	}
	if o.BackoffMs <= 0 {
		o.BackoffMs = DefaultBackoffMs
	}
	if o.DueMs < 0 {
		o.DueMs = 0
	}
	if o.GroupLimit < 0 {
		o.GroupLimit = 0
	}
}
