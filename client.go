package omniq

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/not-empty/omniq-go/internal/base"
	"github.com/not-empty/omniq-go/internal/errors"
	"github.com/not-empty/omniq-go/internal/log"
	"github.com/not-empty/omniq-go/internal/rdb"
	"github.com/not-empty/omniq-go/internal/scripts"
)

// A Client is the assembled facade over the store connection, the script
// bundle and the ops layer.
//
// Clients are safe for concurrent use by multiple goroutines; concurrent
// Consume calls share the connection and the script SHA cache.
type Client struct {
	redis     redis.UniversalClient
	ownsRedis bool
	bundle    *scripts.Bundle
	rdb       *rdb.RDB
	logger    *log.Logger
}

// NewClient builds or adopts a store client, resolves the scripts
// directory, loads and registers the script bundle, and constructs the
// ops layer. A missing scripts directory or script file is a
// configuration error.
func NewClient(ctx context.Context, opts ClientOpts) (*Client, error) {
	conn, owned, err := makeRedisClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	dir, err := scripts.ResolveDir()
	if err != nil {
		if owned {
			conn.Close()
		}
		return nil, err
	}
	bundle, err := scripts.Load(ctx, conn, dir)
	if err != nil {
		if owned {
			conn.Close()
		}
		return nil, err
	}
	return &Client{
		redis:     conn,
		ownsRedis: owned,
		bundle:    bundle,
		rdb:       rdb.NewRDB(conn, bundle),
		logger:    log.NewLogger(nil),
	}, nil
}

// Close quits the store connection when the client owns it.
func (c *Client) Close() error {
	if !c.ownsRedis {
		return nil
	}
	return c.redis.Close()
}

// Ping checks the connection with the store.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx)
}

// Publish enqueues a job and returns its id.
//
// The payload must marshal to a JSON object or array; other values are
// rejected with a validation error before the store is contacted. The job
// id defaults to a fresh ULID.
func (c *Client) Publish(ctx context.Context, opts PublishOpts) (string, error) {
	if err := base.ValidateQueueName(opts.Queue); err != nil {
		return "", err
	}
	payload, err := base.EncodePayload(opts.Payload)
	if err != nil {
		return "", err
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = NewJobID()
	}
	jobOpts := base.JobOptions{
		MaxAttempts: opts.MaxAttempts,
		TimeoutMs:   opts.TimeoutMs,
		BackoffMs:   opts.BackoffMs,
		DueMs:       opts.DueMs,
		GID:         opts.GID,
		GroupLimit:  opts.GroupLimit,
	}
	jobOpts.ApplyDefaults()
	return c.rdb.Enqueue(ctx, rdb.EnqueueParams{
		Queue:         opts.Queue,
		JobID:         jobID,
		Payload:       payload,
		Opts:          jobOpts,
		NowMsOverride: opts.NowMsOverride,
	})
}

// Reserve pops the next ready job under a fresh lease.
//
// A nil result means the queue is empty; a ReservePaused result means the
// queue is paused.
func (c *Client) Reserve(ctx context.Context, queue string) (ReserveResult, error) {
	job, err := c.rdb.Reserve(ctx, queue)
	switch {
	case err == nil:
		return ReserveJob{
			JobID:       job.ID,
			Payload:     job.Payload,
			LockUntilMs: job.LockUntilMs,
			Attempt:     job.Attempt,
			GID:         job.GID,
			LeaseToken:  job.LeaseToken,
		}, nil
	case errors.Is(err, errors.ErrQueueEmpty):
		return nil, nil
	case errors.Is(err, errors.ErrQueuePaused):
		return ReservePaused{}, nil
	}
	return nil, err
}

// Heartbeat extends the lease of an active job and returns the new
// absolute expiry.
func (c *Client) Heartbeat(ctx context.Context, queue, jobID, leaseToken string) (int64, error) {
	return c.rdb.Heartbeat(ctx, queue, jobID, leaseToken)
}

// AckSuccess acknowledges a reserved job as done; the job record is
// deleted.
func (c *Client) AckSuccess(ctx context.Context, queue, jobID, leaseToken string) error {
	return c.rdb.AckSuccess(ctx, queue, jobID, leaseToken)
}

// AckFail records a handler failure: the job is rescheduled while
// attempts remain, else dead-lettered.
func (c *Client) AckFail(ctx context.Context, queue, jobID, leaseToken, errMsg string) (*AckFailResult, error) {
	res, err := c.rdb.AckFail(ctx, queue, jobID, leaseToken, errMsg)
	if err != nil {
		return nil, err
	}
	out := &AckFailResult{Status: AckFailStatus(res.Status)}
	if res.Status == rdb.AckRetry {
		due := res.DueMs
		out.NextRunAtMs = &due
	}
	return out, nil
}

// PromoteDelayed moves due delayed jobs back to their ready lane, up to
// batch jobs per call, and returns the number promoted.
func (c *Client) PromoteDelayed(ctx context.Context, queue string, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultPromoteBatch
	}
	return c.rdb.PromoteDelayed(ctx, queue, batch)
}

// ReapExpired returns lease-expired jobs to their ready lane (or the
// failed set once attempts are exhausted), up to batch jobs per call, and
// returns the number reaped.
func (c *Client) ReapExpired(ctx context.Context, queue string, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultReapBatch
	}
	return c.rdb.ReapExpired(ctx, queue, batch)
}

// Pause sets the pause flag of the queue. Pausing never moves jobs and
// never aborts a leased job.
func (c *Client) Pause(ctx context.Context, queue string) error {
	return c.rdb.Pause(ctx, queue)
}

// Resume clears the pause flag of the queue.
func (c *Client) Resume(ctx context.Context, queue string) error {
	return c.rdb.Resume(ctx, queue)
}

// IsPaused reports whether the pause flag of the queue is set.
func (c *Client) IsPaused(ctx context.Context, queue string) (bool, error) {
	return c.rdb.IsPaused(ctx, queue)
}

// RetryFailed restores a dead-lettered job to the ready lane.
func (c *Client) RetryFailed(ctx context.Context, queue, jobID string) error {
	return c.rdb.RetryFailed(ctx, queue, jobID)
}

// RetryFailedBatch restores up to 100 dead-lettered jobs in one call and
// returns the per-job outcomes.
func (c *Client) RetryFailedBatch(ctx context.Context, queue string, jobIDs []string) ([]BatchResult, error) {
	res, err := c.rdb.RetryFailedBatch(ctx, queue, jobIDs)
	if err != nil {
		return nil, err
	}
	return batchResults(res), nil
}

// RemoveJob deletes a job from whichever lane currently holds it.
func (c *Client) RemoveJob(ctx context.Context, queue, jobID string) error {
	return c.rdb.RemoveJob(ctx, queue, jobID)
}

// RemoveJobsBatch deletes up to 100 jobs from the named lane
// ("ready", "delayed", "active" or "failed") and returns the per-job
// outcomes.
func (c *Client) RemoveJobsBatch(ctx context.Context, queue, lane string, jobIDs []string) ([]BatchResult, error) {
	res, err := c.rdb.RemoveJobsBatch(ctx, queue, lane, jobIDs)
	if err != nil {
		return nil, err
	}
	return batchResults(res), nil
}

func batchResults(in []rdb.BatchResult) []BatchResult {
	out := make([]BatchResult, len(in))
	for i, r := range in {
		out[i] = BatchResult{JobID: r.JobID, Status: r.Status, Reason: r.Reason}
	}
	return out
}

// ChildsInit creates a child counter under the given key with the
// expected number of children.
func (c *Client) ChildsInit(ctx context.Context, key string, expected int) error {
	return c.rdb.ChildsInit(ctx, key, expected)
}

// ChildAck decrements the child counter under the given key and returns
// the remaining count. Any anomaly yields −1 so that retries stay
// idempotent.
func (c *Client) ChildAck(ctx context.Context, key, childID string) int {
	return c.rdb.ChildAck(ctx, key, childID)
}

// JobTimeoutMs reads the timeout_ms field of the job hash, falling back
// to defaultMs (or 60000 when defaultMs is non-positive).
func (c *Client) JobTimeoutMs(ctx context.Context, queue, jobID string, defaultMs int64) int64 {
	return c.rdb.JobTimeoutMs(ctx, queue, jobID, defaultMs)
}
