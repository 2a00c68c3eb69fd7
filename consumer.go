package omniq

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/not-empty/omniq-go/internal/errors"
	"github.com/not-empty/omniq-go/internal/log"
	"github.com/not-empty/omniq-go/internal/rdb"
	"github.com/not-empty/omniq-go/internal/timeutil"
	"golang.org/x/time/rate"
)

// transportBackoff is the sleep after a reserve transport error or a
// defensive reject of a tokenless JOB reply.
const transportBackoff = 200 * time.Millisecond

// stopSignal is the monotonic stop request shared between the runloop,
// the signal handler and the context watcher.
type stopSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

func (s *stopSignal) request() {
	s.once.Do(func() { close(s.ch) })
}

func (s *stopSignal) requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Consume runs the consumer runloop against the given queue until a stop
// is requested, interleaving polling, delayed-job promotion, expired-
// lease reaping, lease heartbeating and handler execution.
//
// The loop is single-threaded and cooperative; besides the per-job
// heartbeater, only the goroutines that turn ctx cancellation and signals
// into a stop request run separately. Multiple Consume calls on one
// client run concurrently and share only the connection and the script
// SHA cache.
//
// Cancelling ctx is equivalent to a stop request. Unless
// NoSignalHandlers is set, SIGTERM and SIGINT also request a stop for the
// lifetime of the call; under drain a second SIGINT exits the process
// with status 130.
func (c *Client) Consume(ctx context.Context, opts ConsumeOpts) error {
	if opts.Queue == "" {
		return errors.E(errors.InvalidArgument, "consume requires a queue name")
	}
	if opts.Handler == nil {
		return errors.E(errors.InvalidArgument, "consume requires a handler")
	}
	opts = opts.withDefaults()

	logger := log.NewLogger(nil)
	if opts.Logger != nil {
		logger = log.NewLogger(opts.Logger)
	}
	if !opts.Verbose {
		logger.SetLevel(log.InfoLevel)
	}

	stop := newStopSignal()
	if !opts.NoSignalHandlers {
		remove := installSignalHandlers(stop, !opts.NoDrain)
		defer remove()
	}
	go func() {
		select {
		case <-ctx.Done():
			stop.request()
		case <-stop.ch:
		}
	}()

	w := &worker{
		client: c,
		rdb:    c.rdb,
		logger: logger,
		clock:  timeutil.NewRealClock(),
		opts:   opts,
		stop:   stop,
		// Throttle reserve-error logging so a store outage does not
		// flood the log at poll frequency.
		errLogLimiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
	}
	return w.run(ctx)
}

type worker struct {
	client *Client
	rdb    *rdb.RDB
	logger *log.Logger
	clock  timeutil.Clock
	opts   ConsumeOpts
	stop   *stopSignal

	errLogLimiter *rate.Limiter

	lastPromote time.Time
	lastReap    time.Time
}

func (w *worker) run(ctx context.Context) error {
	w.logger.Debugf("consuming queue %q", w.opts.Queue)
	for {
		if w.stop.requested() {
			w.logger.Debug("stop requested; consumer idle, returning")
			return nil
		}
		w.maintain(ctx)

		job, err := w.rdb.Reserve(ctx, w.opts.Queue)
		switch {
		case errors.Is(err, errors.ErrQueueEmpty):
			w.sleep(w.opts.PollInterval)
			continue
		case errors.Is(err, errors.ErrQueuePaused):
			w.logger.Debugf("queue %q is paused", w.opts.Queue)
			w.sleep(rdb.PausedBackoff(w.opts.PollInterval))
			continue
		case err != nil:
			if w.opts.Verbose && w.errLogLimiter.Allow() {
				w.logger.Errorf("reserve error: %v", err)
			}
			w.sleep(transportBackoff)
			continue
		}
		if job.LeaseToken == "" {
			w.logger.Warnf("rejecting job id=%s: reserve reply carried no lease token", job.ID)
			w.sleep(transportBackoff)
			continue
		}
		if w.stop.requested() && w.opts.NoDrain {
			w.logger.Debugf("stop requested; leaving job id=%s to the reaper", job.ID)
			return nil
		}

		w.process(ctx, job)

		if w.stop.requested() {
			return nil
		}
	}
}

// maintain runs promote_delayed and reap_expired on their cadence.
// Their errors are swallowed; both operations are retried on the next
// tick and correctness does not depend on any single call.
func (w *worker) maintain(ctx context.Context) {
	now := w.clock.Now()
	if now.Sub(w.lastPromote) >= w.opts.PromoteInterval {
		w.lastPromote = now
		if n, err := w.rdb.PromoteDelayed(ctx, w.opts.Queue, w.opts.PromoteBatch); err != nil {
			w.logger.Debugf("promote_delayed error: %v", err)
		} else if n > 0 {
			w.logger.Debugf("promoted %d delayed job(s)", n)
		}
	}
	if now.Sub(w.lastReap) >= w.opts.ReapInterval {
		w.lastReap = now
		if n, err := w.rdb.ReapExpired(ctx, w.opts.Queue, w.opts.ReapBatch); err != nil {
			w.logger.Debugf("reap_expired error: %v", err)
		} else if n > 0 {
			w.logger.Debugf("reaped %d expired lease(s)", n)
		}
	}
}

// process runs the handler for one reserved job with a live heartbeater,
// then acknowledges the outcome unless the lease was lost meanwhile.
func (w *worker) process(ctx context.Context, job *rdb.ReservedJob) {
	var payload PayloadT
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		payload = job.Payload
	}
	jc := &JobCtx{
		Queue:       w.opts.Queue,
		JobID:       job.ID,
		PayloadRaw:  job.Payload,
		Payload:     payload,
		Attempt:     job.Attempt,
		LockUntilMs: job.LockUntilMs,
		LeaseToken:  job.LeaseToken,
		GID:         job.GID,
		Exec:        newExec(w.client, job.ID),
	}

	interval := w.opts.HeartbeatInterval
	if interval <= 0 {
		timeoutMs := w.rdb.JobTimeoutMs(ctx, w.opts.Queue, job.ID, 0)
		interval = rdb.DeriveHeartbeatInterval(timeoutMs)
	}
	hb := startHeartbeater(w.rdb, w.logger, w.opts.Queue, job.ID, job.LeaseToken, interval)
	defer hb.settle()

	handlerErr := w.perform(ctx, jc)
	hb.stop()

	if hb.lostLease() {
		w.logger.Warnf("skipping ack for job id=%s: lease lost", job.ID)
		return
	}
	// The ack outlives a cancelled ctx: under drain a stop request still
	// acknowledges the job that was in flight.
	ackCtx := context.WithoutCancel(ctx)
	if handlerErr == nil {
		if err := w.rdb.AckSuccess(ackCtx, w.opts.Queue, job.ID, job.LeaseToken); err != nil {
			w.logger.Errorf("ack_success failed for job id=%s: %v", job.ID, err)
		}
		return
	}
	msg := fmt.Sprintf("%T: %v", handlerErr, handlerErr)
	res, err := w.rdb.AckFail(ackCtx, w.opts.Queue, job.ID, job.LeaseToken, msg)
	if err != nil {
		w.logger.Errorf("ack_fail failed for job id=%s: %v", job.ID, err)
		return
	}
	switch res.Status {
	case rdb.AckRetry:
		w.logger.Infof("job id=%s failed, retry due at %d: %v", job.ID, res.DueMs, handlerErr)
	case rdb.AckFailed:
		w.logger.Warnf("job id=%s failed permanently: %v", job.ID, handlerErr)
	}
}

// perform runs the handler, converting a panic into an ordinary handler
// failure so the job still goes through the ack_fail path instead of
// tearing down the runloop.
func (w *worker) perform(ctx context.Context, jc *JobCtx) (err error) {
	defer func() {
		if x := recover(); x != nil {
			w.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", x)
		}
	}()
	return w.opts.Handler(ctx, jc)
}

// sleep pauses the loop for d, waking early on a stop request.
func (w *worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stop.ch:
	}
}
