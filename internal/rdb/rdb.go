// Package rdb encapsulates the interactions with redis.
//
// Every state transition is executed by a named server-side script from
// the loaded bundle. Each operation declares exactly one key (the queue or
// child-counter anchor); the scripts derive every other key under the same
// hash tag so that atomic execution stays legal in cluster mode.
package rdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/not-empty/omniq-go/internal/base"
	"github.com/not-empty/omniq-go/internal/errors"
	"github.com/not-empty/omniq-go/internal/scripts"
	"github.com/not-empty/omniq-go/internal/timeutil"
	"github.com/spf13/cast"
)

// DefaultJobTimeoutMs is the fallback lease duration used when a job hash
// is missing or carries a non-positive timeout_ms.
const DefaultJobTimeoutMs = 60_000

// evalRecoveryMu serializes recovery EVALs after a NOSCRIPT reply.
// It is process wide, not per client: its only contract is "at most one
// recovery EVAL in flight" after a store restart flushes the script cache.
// The normal-path EVALSHA never takes it.
var evalRecoveryMu sync.Mutex

// RDB is a client interface to query and mutate job queues.
type RDB struct {
	client redis.UniversalClient
	bundle *scripts.Bundle
	clock  timeutil.Clock
}

// NewRDB wraps the given connection and registered bundle into an ops
// layer driven by the wall clock.
func NewRDB(client redis.UniversalClient, bundle *scripts.Bundle) *RDB {
	return &RDB{
		client: client,
		bundle: bundle,
		clock:  timeutil.NewRealClock(),
	}
}

// Close releases the underlying store connection. The script SHAs stay
// valid on the server; a fresh RDB over a new connection reuses them.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client exposes the shared store connection.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock replaces the source of now_ms for every subsequent operation.
// Tests pin a timeutil.SimulatedClock here to make due times and lease
// expiry deterministic.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping round-trips the store connection without touching any queue.
func (r *RDB) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RDB) nowMs() int64 { return r.clock.NowMs() }

// nowArg returns the now_ms argument for a script call, honoring a
// non-zero override pinned by the caller for deterministic testing.
func (r *RDB) nowArg(overrideMs int64) int64 {
	if overrideMs > 0 {
		return overrideMs
	}
	return r.nowMs()
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "noscript")
}

// invoke runs the named script against the given anchor key with the
// given positional arguments. It attempts EVALSHA first; when the store
// replies NOSCRIPT (its script cache was flushed, typically by a restart)
// it re-registers by running EVAL on the source exactly once under the
// process-wide recovery mutex.
func (r *RDB) invoke(ctx context.Context, op errors.Op, name, key string, args ...interface{}) (interface{}, error) {
	sc := r.bundle.Get(name)
	res, err := r.client.EvalSha(ctx, sc.SHA, []string{key}, args...).Result()
	if isNoScript(err) {
		evalRecoveryMu.Lock()
		res, err = r.client.Eval(ctx, sc.Src, []string{key}, args...).Result()
		evalRecoveryMu.Unlock()
	}
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	return res, nil
}

// invokeSlice is invoke for scripts whose reply is an ordered sequence.
func (r *RDB) invokeSlice(ctx context.Context, op errors.Op, name, key string, args ...interface{}) ([]interface{}, error) {
	res, err := r.invoke(ctx, op, name, key, args...)
	if err != nil {
		return nil, err
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from script: %v", res))
	}
	return reply, nil
}

// scriptErr converts an ["ERR", reason, ...] reply into the contract
// error for the operation.
func scriptErr(op errors.Op, reply []interface{}) error {
	reason := "unknown"
	if len(reply) > 1 {
		if s, err := cast.ToStringE(reply[1]); err == nil {
			reason = s
		}
	}
	return errors.ScriptError(op, reason)
}

func i64str(n int64) string { return strconv.FormatInt(n, 10) }

// EnqueueParams carries the arguments of one enqueue call. Defaults are
// applied by the caller (see base.JobOptions.ApplyDefaults).
type EnqueueParams struct {
	Queue   string
	JobID   string
	Payload string // compact JSON text, object or array
	Opts    base.JobOptions

	// NowMsOverride pins the server's notion of "now"; zero means the
	// local wall clock.
	NowMsOverride int64
}

// Enqueue writes the job hash and pushes the job onto its lane.
// Returns the job id echoed by the script.
func (r *RDB) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	var op errors.Op = "rdb.Enqueue"
	if err := base.ValidateQueueName(p.Queue); err != nil {
		return "", err
	}
	if !base.IsObjectOrArray(p.Payload) {
		return "", errors.E(op, errors.InvalidArgument, "payload must be a JSON object or array")
	}
	reply, err := r.invokeSlice(ctx, op, "enqueue", base.QueueAnchor(p.Queue),
		p.JobID,
		p.Payload,
		i64str(int64(p.Opts.MaxAttempts)),
		i64str(p.Opts.TimeoutMs),
		i64str(p.Opts.BackoffMs),
		i64str(p.Opts.DueMs),
		p.Opts.GID,
		i64str(int64(p.Opts.GroupLimit)),
		i64str(r.nowArg(p.NowMsOverride)),
	)
	if err != nil {
		return "", err
	}
	status, _ := cast.ToStringE(reply[0])
	if status != "OK" || len(reply) < 2 {
		return "", errors.E(op, errors.Internal, fmt.Sprintf("unexpected enqueue reply: %v", reply))
	}
	id, err := cast.ToStringE(reply[1])
	if err != nil {
		return "", errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected job id in reply: %v", reply[1]))
	}
	return id, nil
}

// ReservedJob is the projection of a job returned by a successful reserve.
type ReservedJob struct {
	ID          string
	Payload     string
	LockUntilMs int64
	Attempt     int
	GID         string
	LeaseToken  string
}

// Reserve pops the next ready job onto the active set, stamps a lease
// deadline and token, and returns the job record.
//
// The lease-token candidate is generated client side and stamped by the
// script atomically with the lane move, keeping it unique per reservation.
//
// Returns errors.ErrQueueEmpty when no job is processable and
// errors.ErrQueuePaused when the queue is paused.
func (r *RDB) Reserve(ctx context.Context, qname string) (*ReservedJob, error) {
	var op errors.Op = "rdb.Reserve"
	token := uuid.New().String()
	reply, err := r.invokeSlice(ctx, op, "reserve", base.QueueAnchor(qname),
		i64str(r.nowMs()),
		token,
	)
	if err != nil {
		return nil, err
	}
	status, _ := cast.ToStringE(reply[0])
	switch status {
	case "EMPTY":
		return nil, errors.E(op, errors.NotFound, errors.ErrQueueEmpty)
	case "PAUSED":
		return nil, errors.E(op, errors.FailedPrecondition, errors.ErrQueuePaused)
	case "JOB":
		if len(reply) < 7 {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("malformed reserve reply: %v", reply))
		}
		job := &ReservedJob{}
		if job.ID, err = cast.ToStringE(reply[1]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: job id: %v", reply[1]))
		}
		if job.Payload, err = cast.ToStringE(reply[2]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: payload: %v", reply[2]))
		}
		if job.LockUntilMs, err = cast.ToInt64E(reply[3]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: lock_until_ms: %v", reply[3]))
		}
		if job.Attempt, err = cast.ToIntE(reply[4]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: attempt: %v", reply[4]))
		}
		if job.GID, err = cast.ToStringE(reply[5]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: gid: %v", reply[5]))
		}
		if job.LeaseToken, err = cast.ToStringE(reply[6]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: lease_token: %v", reply[6]))
		}
		return job, nil
	}
	return nil, errors.E(op, errors.Internal, fmt.Sprintf("malformed reserve reply: %v", reply))
}

// Heartbeat extends the lease of an active job. The presented token must
// match the one stamped by reserve. Returns the new lock_until_ms.
func (r *RDB) Heartbeat(ctx context.Context, qname, jobID, leaseToken string) (int64, error) {
	var op errors.Op = "rdb.Heartbeat"
	reply, err := r.invokeSlice(ctx, op, "heartbeat", base.QueueAnchor(qname),
		jobID,
		leaseToken,
		i64str(r.nowMs()),
	)
	if err != nil {
		return 0, err
	}
	status, _ := cast.ToStringE(reply[0])
	if status == "ERR" {
		return 0, scriptErr(op, reply)
	}
	if status != "OK" || len(reply) < 2 {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("malformed heartbeat reply: %v", reply))
	}
	lockUntil, err := cast.ToInt64E(reply[1])
	if err != nil {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("cast error: lock_until_ms: %v", reply[1]))
	}
	return lockUntil, nil
}

// AckSuccess removes the job from the active set and deletes its record.
func (r *RDB) AckSuccess(ctx context.Context, qname, jobID, leaseToken string) error {
	var op errors.Op = "rdb.AckSuccess"
	reply, err := r.invokeSlice(ctx, op, "ack_success", base.QueueAnchor(qname),
		jobID,
		leaseToken,
	)
	if err != nil {
		return err
	}
	status, _ := cast.ToStringE(reply[0])
	if status == "ERR" {
		return scriptErr(op, reply)
	}
	if status != "OK" {
		return errors.E(op, errors.Internal, fmt.Sprintf("malformed ack_success reply: %v", reply))
	}
	return nil
}

// AckFailStatus is the outcome discriminant of ack_fail.
type AckFailStatus string

const (
	AckRetry  AckFailStatus = "RETRY"
	AckFailed AckFailStatus = "FAILED"
)

// AckFailResult is the outcome of ack_fail: either a reschedule onto the
// delayed lane with a due time, or a terminal move to the failed set.
type AckFailResult struct {
	Status AckFailStatus
	DueMs  int64 // set when Status == AckRetry
}

// AckFail records a handler failure. The job is rescheduled while
// attempts remain, else dead-lettered. errMsg is recorded on the job
// record when non-empty.
func (r *RDB) AckFail(ctx context.Context, qname, jobID, leaseToken, errMsg string) (*AckFailResult, error) {
	var op errors.Op = "rdb.AckFail"
	args := []interface{}{
		jobID,
		leaseToken,
		i64str(r.nowMs()),
	}
	if errMsg != "" {
		args = append(args, errMsg)
	}
	reply, err := r.invokeSlice(ctx, op, "ack_fail", base.QueueAnchor(qname), args...)
	if err != nil {
		return nil, err
	}
	status, _ := cast.ToStringE(reply[0])
	switch status {
	case "RETRY":
		if len(reply) < 2 {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("malformed ack_fail reply: %v", reply))
		}
		due, err := cast.ToInt64E(reply[1])
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: due_ms: %v", reply[1]))
		}
		return &AckFailResult{Status: AckRetry, DueMs: due}, nil
	case "FAILED":
		return &AckFailResult{Status: AckFailed}, nil
	case "ERR":
		return nil, scriptErr(op, reply)
	}
	return nil, errors.E(op, errors.Internal, fmt.Sprintf("malformed ack_fail reply: %v", reply))
}

// PromoteDelayed moves jobs whose due time has passed from the delayed
// lane back to their ready lane, up to batch jobs per call. Returns the
// number of jobs promoted.
func (r *RDB) PromoteDelayed(ctx context.Context, qname string, batch int) (int, error) {
	var op errors.Op = "rdb.PromoteDelayed"
	reply, err := r.invokeSlice(ctx, op, "promote_delayed", base.QueueAnchor(qname),
		i64str(r.nowMs()),
		i64str(int64(batch)),
	)
	if err != nil {
		return 0, err
	}
	return countReply(op, reply)
}

// ReapExpired returns jobs whose lease expired to their ready lane (or to
// the failed set once attempts are exhausted), up to batch jobs per call.
// Returns the number of jobs reaped.
func (r *RDB) ReapExpired(ctx context.Context, qname string, batch int) (int, error) {
	var op errors.Op = "rdb.ReapExpired"
	reply, err := r.invokeSlice(ctx, op, "reap_expired", base.QueueAnchor(qname),
		i64str(r.nowMs()),
		i64str(int64(batch)),
	)
	if err != nil {
		return 0, err
	}
	return countReply(op, reply)
}

func countReply(op errors.Op, reply []interface{}) (int, error) {
	status, _ := cast.ToStringE(reply[0])
	if status != "OK" || len(reply) < 2 {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("malformed reply: %v", reply))
	}
	n, err := cast.ToIntE(reply[1])
	if err != nil {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("cast error: count: %v", reply[1]))
	}
	return n, nil
}

// Pause sets the pause flag of the queue. Reserve returns a paused marker
// while the flag is set; running jobs are unaffected.
func (r *RDB) Pause(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.Pause"
	// The pause script replies with a single status string; the payload
	// carries no other datum and is discarded.
	_, err := r.invoke(ctx, op, "pause", base.QueueAnchor(qname))
	return err
}

// Resume clears the pause flag of the queue.
func (r *RDB) Resume(ctx context.Context, qname string) error {
	var op errors.Op = "rdb.Resume"
	// The resume script replies with the DEL count; discarded likewise.
	_, err := r.invoke(ctx, op, "resume", base.QueueAnchor(qname))
	return err
}

// IsPaused reports whether the pause flag of the queue is set.
func (r *RDB) IsPaused(ctx context.Context, qname string) (bool, error) {
	var op errors.Op = "rdb.IsPaused"
	n, err := r.client.Exists(ctx, base.PausedKey(qname)).Result()
	if err != nil {
		return false, errors.E(op, errors.Unknown, fmt.Sprintf("redis exists error: %v", err))
	}
	return n > 0, nil
}

// RetryFailed moves a dead-lettered job back to the ready lane with a
// fresh attempt budget.
func (r *RDB) RetryFailed(ctx context.Context, qname, jobID string) error {
	var op errors.Op = "rdb.RetryFailed"
	reply, err := r.invokeSlice(ctx, op, "retry_failed", base.QueueAnchor(qname),
		jobID,
		i64str(r.nowMs()),
	)
	if err != nil {
		return err
	}
	status, _ := cast.ToStringE(reply[0])
	if status == "ERR" {
		return scriptErr(op, reply)
	}
	if status != "OK" {
		return errors.E(op, errors.Internal, fmt.Sprintf("malformed retry_failed reply: %v", reply))
	}
	return nil
}

// BatchResult is the per-job outcome of a batch operation.
type BatchResult struct {
	JobID  string
	Status string // "OK" or "ERR"
	Reason string // set when Status == "ERR", e.g. "NOT_FOUND"
}

// parseBatchReply decodes the flat [job_id, status, reason?]×N sequence
// shared by the batch scripts. A leading "ERR" element is a whole-call
// failure.
func parseBatchReply(op errors.Op, reply []interface{}) ([]BatchResult, error) {
	if s, err := cast.ToStringE(reply[0]); err == nil && s == "ERR" {
		return nil, scriptErr(op, reply)
	}
	if len(reply)%3 != 0 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("malformed batch reply: %v", reply))
	}
	results := make([]BatchResult, 0, len(reply)/3)
	for i := 0; i < len(reply); i += 3 {
		var res BatchResult
		var err error
		if res.JobID, err = cast.ToStringE(reply[i]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: job id: %v", reply[i]))
		}
		if res.Status, err = cast.ToStringE(reply[i+1]); err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: status: %v", reply[i+1]))
		}
		if reply[i+2] != nil {
			if res.Reason, err = cast.ToStringE(reply[i+2]); err != nil {
				return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: reason: %v", reply[i+2]))
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func validateBatch(op errors.Op, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return errors.E(op, errors.InvalidArgument, "job id list must not be empty")
	}
	if len(jobIDs) > base.MaxBatchSize {
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("at most %d job ids per call", base.MaxBatchSize))
	}
	return nil
}

// RetryFailedBatch applies retry_failed to up to 100 job ids in one
// script call and returns the per-job outcomes.
func (r *RDB) RetryFailedBatch(ctx context.Context, qname string, jobIDs []string) ([]BatchResult, error) {
	var op errors.Op = "rdb.RetryFailedBatch"
	if err := validateBatch(op, jobIDs); err != nil {
		return nil, err
	}
	args := make([]interface{}, 0, len(jobIDs)+1)
	args = append(args, i64str(r.nowMs()))
	for _, id := range jobIDs {
		args = append(args, id)
	}
	reply, err := r.invokeSlice(ctx, op, "retry_failed_batch", base.QueueAnchor(qname), args...)
	if err != nil {
		return nil, err
	}
	return parseBatchReply(op, reply)
}

// RemoveJob deletes a job from whichever lane currently holds it.
// The script replies "OK" on success; the payload carries no other datum
// and the API contract is "returns on success, errors on failure".
func (r *RDB) RemoveJob(ctx context.Context, qname, jobID string) error {
	var op errors.Op = "rdb.RemoveJob"
	reply, err := r.invokeSlice(ctx, op, "remove_job", base.QueueAnchor(qname), jobID)
	if err != nil {
		return err
	}
	status, _ := cast.ToStringE(reply[0])
	if status == "ERR" {
		return scriptErr(op, reply)
	}
	if status != "OK" {
		return errors.E(op, errors.Internal, fmt.Sprintf("malformed remove_job reply: %v", reply))
	}
	return nil
}

// RemoveJobsBatch deletes up to 100 jobs from the named lane in one
// script call and returns the per-job outcomes.
func (r *RDB) RemoveJobsBatch(ctx context.Context, qname, lane string, jobIDs []string) ([]BatchResult, error) {
	var op errors.Op = "rdb.RemoveJobsBatch"
	if err := validateBatch(op, jobIDs); err != nil {
		return nil, err
	}
	switch lane {
	case base.LaneReady, base.LaneDelayed, base.LaneActive, base.LaneFailed:
	default:
		return nil, errors.E(op, errors.InvalidArgument, fmt.Sprintf("unknown lane %q", lane))
	}
	args := make([]interface{}, 0, len(jobIDs)+1)
	args = append(args, lane)
	for _, id := range jobIDs {
		args = append(args, id)
	}
	reply, err := r.invokeSlice(ctx, op, "remove_jobs_batch", base.QueueAnchor(qname), args...)
	if err != nil {
		return nil, err
	}
	return parseBatchReply(op, reply)
}

// ChildsInit creates a child counter under the given key with the
// expected number of children.
func (r *RDB) ChildsInit(ctx context.Context, key string, expected int) error {
	var op errors.Op = "rdb.ChildsInit"
	anchor, err := base.ChildsAnchor(key)
	if err != nil {
		return err
	}
	if expected <= 0 {
		return errors.E(op, errors.InvalidArgument, "expected child count must be positive")
	}
	reply, err := r.invokeSlice(ctx, op, "childs_init", anchor,
		i64str(int64(expected)),
		i64str(r.nowMs()),
	)
	if err != nil {
		return err
	}
	status, _ := cast.ToStringE(reply[0])
	if status == "ERR" {
		return scriptErr(op, reply)
	}
	if status != "OK" {
		return errors.E(op, errors.Internal, fmt.Sprintf("malformed childs_init reply: %v", reply))
	}
	return nil
}

// ChildAck decrements the child counter under the given key and returns
// the remaining count. Any anomaly — missing counter, post-zero
// decrement, transport failure, malformed reply — yields −1 so that
// handler-side retries stay idempotent.
func (r *RDB) ChildAck(ctx context.Context, key, childID string) int {
	var op errors.Op = "rdb.ChildAck"
	anchor, err := base.ChildsAnchor(key)
	if err != nil {
		return -1
	}
	if childID == "" {
		return -1
	}
	reply, err := r.invokeSlice(ctx, op, "child_ack", anchor, childID)
	if err != nil {
		return -1
	}
	status, _ := cast.ToStringE(reply[0])
	if status != "OK" || len(reply) < 2 {
		return -1
	}
	remaining, err := cast.ToIntE(reply[1])
	if err != nil {
		return -1
	}
	return remaining
}

// JobTimeoutMs reads the timeout_ms field from the job hash, falling back
// to defaultMs when the field is absent or non-positive.
func (r *RDB) JobTimeoutMs(ctx context.Context, qname, jobID string, defaultMs int64) int64 {
	if defaultMs <= 0 {
		defaultMs = DefaultJobTimeoutMs
	}
	val, err := r.client.HGet(ctx, base.JobKey(qname, jobID), "timeout_ms").Result()
	if err != nil {
		return defaultMs
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil || n <= 0 {
		return defaultMs
	}
	return n
}

// PausedBackoff returns how long the consumer sleeps after a PAUSED
// reserve, derived from the poll interval with a floor of 250ms.
func PausedBackoff(poll time.Duration) time.Duration {
	d := poll * 10
	if d < 250*time.Millisecond {
		return 250 * time.Millisecond
	}
	return d
}

// DeriveHeartbeatInterval maps a lease duration to a heartbeat cadence:
// half the lease, clamped to [1s, 10s].
func DeriveHeartbeatInterval(timeoutMs int64) time.Duration {
	d := time.Duration(timeoutMs/2) * time.Millisecond
	if d < time.Second {
		return time.Second
	}
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}
