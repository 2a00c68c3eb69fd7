// Package omniq provides a distributed job-queue client library backed by
// a Redis-compatible key-value store.
//
// Producers publish JSON jobs onto named queues; consumers reserve jobs
// under a time-bounded lease, heartbeat while processing, and acknowledge
// success or failure. Every state transition executes as a server-side
// atomic script against the store; this package is a thin, typed driver
// plus a consumer runloop.
package omniq

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/not-empty/omniq-go/internal/base"
	"github.com/oklog/ulid/v2"
)

// Version of the omniq-go library.
const Version = base.Version

// PayloadT is the handler-facing payload value: the parsed JSON document,
// or the raw string when parsing fails.
type PayloadT any

// JobCtx describes a reserved job as handed to a handler.
type JobCtx struct {
	// Queue is the name of the queue the job was reserved from.
	Queue string

	// JobID is the ULID identifying the job.
	JobID string

	// PayloadRaw is the original JSON text of the payload.
	PayloadRaw string

	// Payload is the parsed payload value, or PayloadRaw itself when the
	// text does not parse.
	Payload PayloadT

	// Attempt is the number of completed leases before this one.
	Attempt int

	// LockUntilMs is the absolute lease expiry in milliseconds.
	LockUntilMs int64

	// LeaseToken is the opaque token stamped by reserve. Mutating
	// operations on the job must present it.
	LeaseToken string

	// GID is the group id of the job; empty for ungrouped jobs.
	GID string

	// Exec re-exposes a safe subset of the client to the handler.
	Exec *Exec
}

// Handler processes one reserved job. A nil return acknowledges success;
// a non-nil return records a failure and either reschedules the job or
// dead-letters it once attempts are exhausted.
type Handler func(ctx context.Context, job *JobCtx) error

// ReserveResult is a discriminated union of reserve outcomes.
//
// A nil ReserveResult means the queue was empty. Otherwise the value is
// either a ReserveJob or a ReservePaused marker.
type ReserveResult interface {
	isReserveResult()
}

// ReservePaused marks a reserve refused because the queue is paused.
type ReservePaused struct{}

func (ReservePaused) isReserveResult() {}

// ReserveJob carries a successfully reserved job.
type ReserveJob struct {
	JobID       string
	Payload     string
	LockUntilMs int64
	Attempt     int
	GID         string
	LeaseToken  string
}

func (ReserveJob) isReserveResult() {}

// AckFailStatus is the outcome discriminant of AckFail.
type AckFailStatus string

const (
	// AckRetry indicates the job was rescheduled onto the delayed lane.
	AckRetry AckFailStatus = "RETRY"

	// AckFailed indicates the job was moved to the failed set.
	AckFailed AckFailStatus = "FAILED"
)

// AckFailResult is the outcome of AckFail.
type AckFailResult struct {
	Status AckFailStatus

	// NextRunAtMs is the absolute due time of the rescheduled job.
	// Nil when Status is AckFailed.
	NextRunAtMs *int64
}

// BatchResult is the per-job outcome of a batch operation.
type BatchResult struct {
	JobID  string
	Status string // "OK" or "ERR"
	Reason string // set when Status is "ERR", e.g. "NOT_FOUND"
}

// PublishOpts carries the arguments of one publish call.
// Zero values for the numeric fields select the defaults
// (max_attempts=3, timeout_ms=30000, backoff_ms=5000, due_ms=now).
type PublishOpts struct {
	// Queue is the name of the queue to publish onto.
	Queue string

	// Payload is the job payload. It must marshal to a JSON object or
	// array; strings and primitives are rejected and must be wrapped.
	Payload any

	// JobID overrides the generated ULID. Leave empty in normal use.
	JobID string

	// MaxAttempts is the number of leases the job may consume before it
	// is dead-lettered.
	MaxAttempts int

	// TimeoutMs is the lease duration stamped by reserve.
	TimeoutMs int64

	// BackoffMs is the base retry delay used after a failure.
	BackoffMs int64

	// DueMs is the absolute due time; zero means now.
	DueMs int64

	// GID assigns the job to a group lane; empty means ungrouped.
	GID string

	// GroupLimit caps concurrent leases per group; zero means unlimited.
	GroupLimit int

	// NowMsOverride pins the server's notion of "now" for deterministic
	// testing. Zero means the local wall clock.
	NowMsOverride int64
}

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// Consume tunables and their defaults.
const (
	defaultPollInterval    = 50 * time.Millisecond
	defaultPromoteInterval = time.Second
	defaultPromoteBatch    = 1000
	defaultReapInterval    = time.Second
	defaultReapBatch       = 1000
)

// ConsumeOpts configures one call to Consume.
type ConsumeOpts struct {
	// Queue is the name of the queue to consume from.
	Queue string

	// Handler is invoked for every reserved job.
	Handler Handler

	// PollInterval is the sleep between empty reserves. Default 50ms.
	PollInterval time.Duration

	// PromoteInterval is the cadence of promote_delayed. Default 1s.
	PromoteInterval time.Duration

	// PromoteBatch caps jobs promoted per call. Default 1000.
	PromoteBatch int

	// ReapInterval is the cadence of reap_expired. Default 1s.
	ReapInterval time.Duration

	// ReapBatch caps jobs reaped per call. Default 1000.
	ReapBatch int

	// HeartbeatInterval overrides the derived lease heartbeat cadence.
	// Zero derives it from the job's timeout_ms, clamped to [1s, 10s].
	HeartbeatInterval time.Duration

	// Verbose enables debug logging of the loop's decisions.
	Verbose bool

	// Logger overrides the default stderr logger.
	Logger Logger

	// NoDrain makes a stop request return without finishing the job in
	// flight. The default is to drain: finish and ack, then return.
	NoDrain bool

	// NoSignalHandlers disables the scoped SIGINT/SIGTERM handling.
	// Cancel the context passed to Consume to stop instead.
	NoSignalHandlers bool
}

func (o *ConsumeOpts) withDefaults() ConsumeOpts {
	opts := *o
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = defaultPromoteInterval
	}
	if opts.PromoteBatch <= 0 {
		opts.PromoteBatch = defaultPromoteBatch
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if opts.ReapBatch <= 0 {
		opts.ReapBatch = defaultReapBatch
	}
	return opts
}

// ulidMu guards the monotonic entropy source so that ids generated within
// one millisecond still sort in generation order.
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewJobID returns a fresh ULID string. Ids are lexicographically ordered
// by generation time.
func NewJobID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Now(), ulidEntropy).String()
}
