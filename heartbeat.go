package omniq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/not-empty/omniq-go/internal/errors"
	"github.com/not-empty/omniq-go/internal/log"
	"github.com/not-empty/omniq-go/internal/rdb"
)

// settleWait bounds how long the runloop waits for an in-flight heartbeat
// tick after stopping the heartbeater.
const settleWait = 100 * time.Millisecond

// A heartbeater extends the lease of one reserved job on a timer while
// the handler runs.
//
// It shares exactly three things with the runloop: a monotonic stop
// signal, a write-once lost flag, and a done completion signal.
type heartbeater struct {
	rdb    *rdb.RDB
	logger *log.Logger

	queue      string
	jobID      string
	leaseToken string
	interval   time.Duration

	// lost is set once when the store reports the lease gone
	// (NOT_ACTIVE or TOKEN_MISMATCH); the runloop must then skip both
	// ack calls.
	lost atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// startHeartbeater spawns the heartbeat goroutine. It performs one
// immediate beat, then repeats at the given interval until stopped or
// until the lease is lost.
func startHeartbeater(r *rdb.RDB, logger *log.Logger, queue, jobID, leaseToken string, interval time.Duration) *heartbeater {
	h := &heartbeater{
		rdb:        r,
		logger:     logger,
		queue:      queue,
		jobID:      jobID,
		leaseToken: leaseToken,
		interval:   interval,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *heartbeater) run() {
	defer close(h.done)
	if h.beat() {
		return
	}
	timer := time.NewTimer(h.interval)
	defer timer.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-timer.C:
			if h.beat() {
				return
			}
			timer.Reset(h.interval)
		}
	}
}

// beat extends the lease once. It reports true when the lease is lost and
// the timer must stop. Every other error is swallowed; the lease's own
// expiry is the backstop.
func (h *heartbeater) beat() bool {
	lockUntil, err := h.rdb.Heartbeat(context.Background(), h.queue, h.jobID, h.leaseToken)
	if err == nil {
		h.logger.Debugf("heartbeat extended lease for job id=%s until=%d", h.jobID, lockUntil)
		return false
	}
	if errors.IsLeaseLoss(err) {
		h.lost.Store(true)
		h.logger.Warnf("lease lost for job id=%s: %v", h.jobID, err)
		return true
	}
	h.logger.Debugf("heartbeat error for job id=%s: %v", h.jobID, err)
	return false
}

// stop cancels the timer. It is idempotent and does not wait; use settle
// to bound the wait for an in-flight tick.
func (h *heartbeater) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// lostLease reports whether the store declared the lease gone.
func (h *heartbeater) lostLease() bool { return h.lost.Load() }

// settle waits up to settleWait for the heartbeat goroutine to finish.
func (h *heartbeater) settle() {
	select {
	case <-h.done:
	case <-time.After(settleWait):
	}
}
