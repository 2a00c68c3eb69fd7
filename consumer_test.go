package omniq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/not-empty/omniq-go/internal/log"
	"github.com/not-empty/omniq-go/internal/timeutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// runConsume runs Consume in the background and returns a channel that
// receives its return value.
func runConsume(c *Client, ctx context.Context, opts ConsumeOpts) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, opts) }()
	return done
}

func waitConsume(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return")
	}
}

func TestConsumeHappyPath(t *testing.T) {
	_, c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := c.Publish(ctx, PublishOpts{
		Queue:     "demo",
		Payload:   map[string]string{"hello": "world"},
		TimeoutMs: 30_000,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []*JobCtx
	done := runConsume(c, ctx, ConsumeOpts{
		Queue:            "demo",
		NoSignalHandlers: true,
		Handler: func(ctx context.Context, job *JobCtx) error {
			mu.Lock()
			seen = append(seen, job)
			mu.Unlock()
			cancel() // drain: the job still acks before Consume returns
			return nil
		},
	})
	waitConsume(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	job := seen[0]
	require.Equal(t, "demo", job.Queue)
	require.Equal(t, id, job.JobID)
	require.Equal(t, `{"hello":"world"}`, job.PayloadRaw)
	require.Equal(t, map[string]interface{}{"hello": "world"}, job.Payload)
	require.Equal(t, 0, job.Attempt)
	require.NotEmpty(t, job.LeaseToken)
	require.NotNil(t, job.Exec)
	require.Equal(t, id, job.Exec.DefaultChildID())

	// Drain let the handler finish and ack: the queue is empty.
	res, err := c.Reserve(context.Background(), "demo")
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestConsumeStopWithoutJob(t *testing.T) {
	_, c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := runConsume(c, ctx, ConsumeOpts{
		Queue:            "demo",
		NoSignalHandlers: true,
		Handler: func(ctx context.Context, job *JobCtx) error {
			t.Error("handler must not run on an empty queue")
			return nil
		},
	})
	time.Sleep(150 * time.Millisecond)
	cancel()
	waitConsume(t, done)
}

func TestConsumeHandlerFailureReschedules(t *testing.T) {
	_, c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := c.Publish(ctx, PublishOpts{
		Queue:       "demo",
		Payload:     map[string]int{"n": 1},
		MaxAttempts: 2,
		BackoffMs:   60_000, // keep the retry out of this test's window
	})
	require.NoError(t, err)

	done := runConsume(c, ctx, ConsumeOpts{
		Queue:            "demo",
		NoSignalHandlers: true,
		Handler: func(ctx context.Context, job *JobCtx) error {
			cancel()
			return fmt.Errorf("boom")
		},
	})
	waitConsume(t, done)

	// The job was rescheduled onto the delayed lane, not dead-lettered.
	conn := c.redis
	score, err := conn.ZScore(context.Background(), "{demo}:delayed", id).Result()
	require.NoError(t, err)
	require.Greater(t, score, float64(0))
}

func TestConsumeHandlerPanicIsAFailure(t *testing.T) {
	_, c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := c.Publish(ctx, PublishOpts{
		Queue:       "demo",
		Payload:     map[string]int{"n": 1},
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	done := runConsume(c, ctx, ConsumeOpts{
		Queue:            "demo",
		NoSignalHandlers: true,
		Handler: func(ctx context.Context, job *JobCtx) error {
			cancel()
			panic("kaboom")
		},
	})
	waitConsume(t, done)

	score, err := c.redis.ZScore(context.Background(), "{demo}:failed", id).Result()
	require.NoError(t, err)
	require.Greater(t, score, float64(0))
}

func TestConsumeRawPayloadOnParseFailure(t *testing.T) {
	_, c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A payload that is valid at publish time cannot fail to parse, so
	// corrupt the stored hash the way a foreign writer could.
	_, err := c.Publish(ctx, PublishOpts{Queue: "demo", Payload: map[string]int{"n": 1}, JobID: "job1"})
	require.NoError(t, err)
	require.NoError(t, c.redis.HSet(ctx, "{demo}:job:job1", "payload", "{broken").Err())

	var got *JobCtx
	done := runConsume(c, ctx, ConsumeOpts{
		Queue:            "demo",
		NoSignalHandlers: true,
		Handler: func(ctx context.Context, job *JobCtx) error {
			got = job
			cancel()
			return nil
		},
	})
	waitConsume(t, done)

	require.Equal(t, "{broken", got.PayloadRaw)
	require.Equal(t, "{broken", got.Payload)
}

func TestWorkerSkipsAckAfterLeaseLoss(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Publish(ctx, PublishOpts{Queue: "demo", Payload: map[string]int{"n": 1}, JobID: "job1"})
	require.NoError(t, err)

	job, err := c.rdb.Reserve(ctx, "demo")
	require.NoError(t, err)

	opts := ConsumeOpts{
		Queue:             "demo",
		HeartbeatInterval: 10 * time.Millisecond,
		Handler: func(ctx context.Context, job *JobCtx) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}
	w := &worker{
		client:        c,
		rdb:           c.rdb,
		logger:        log.NewLogger(nil),
		clock:         timeutil.NewRealClock(),
		opts:          opts.withDefaults(),
		stop:          newStopSignal(),
		errLogLimiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
	}

	// Hand the worker a stale token: the heartbeater observes
	// TOKEN_MISMATCH, flags the lease lost, and the worker must skip
	// ack_success.
	stale := *job
	stale.LeaseToken = "stale-token"
	w.process(ctx, &stale)

	// The job is still active under its real lease.
	score, err := c.redis.ZScore(ctx, "{demo}:active", "job1").Result()
	require.NoError(t, err)
	require.Greater(t, score, float64(0))
}

func TestHeartbeaterExtendsLease(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Publish(ctx, PublishOpts{Queue: "demo", Payload: map[string]int{"n": 1}, JobID: "job1", TimeoutMs: 5000})
	require.NoError(t, err)
	job, err := c.rdb.Reserve(ctx, "demo")
	require.NoError(t, err)

	h := startHeartbeater(c.rdb, log.NewLogger(nil), "demo", job.ID, job.LeaseToken, time.Hour)
	time.Sleep(50 * time.Millisecond) // the immediate first beat
	h.stop()
	h.settle()

	require.False(t, h.lostLease())
	select {
	case <-h.done:
	default:
		t.Fatal("heartbeater did not signal completion")
	}
}

func TestHeartbeaterFlagsLostLease(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Publish(ctx, PublishOpts{Queue: "demo", Payload: map[string]int{"n": 1}, JobID: "job1"})
	require.NoError(t, err)
	_, err = c.rdb.Reserve(ctx, "demo")
	require.NoError(t, err)

	h := startHeartbeater(c.rdb, log.NewLogger(nil), "demo", "job1", "wrong-token", time.Hour)
	h.settle()

	require.True(t, h.lostLease())
	h.stop() // idempotent after the terminal beat
}

func TestConsumeValidation(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	err := c.Consume(ctx, ConsumeOpts{Handler: func(context.Context, *JobCtx) error { return nil }})
	require.Error(t, err)

	err = c.Consume(ctx, ConsumeOpts{Queue: "demo"})
	require.Error(t, err)
}

func TestConsumeOptsDefaults(t *testing.T) {
	opts := (&ConsumeOpts{}).withDefaults()
	require.Equal(t, defaultPollInterval, opts.PollInterval)
	require.Equal(t, defaultPromoteInterval, opts.PromoteInterval)
	require.Equal(t, defaultPromoteBatch, opts.PromoteBatch)
	require.Equal(t, defaultReapInterval, opts.ReapInterval)
	require.Equal(t, defaultReapBatch, opts.ReapBatch)
	require.False(t, opts.NoDrain)
	require.False(t, opts.NoSignalHandlers)
}
