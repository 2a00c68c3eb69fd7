package omniq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeriodicPublisherPublishesOnSchedule(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	p := NewPeriodicPublisher(c)
	id, err := p.Register("@every 50ms", PublishOpts{
		Queue:   "ticks",
		Payload: map[string]string{"kind": "tick"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p.Start()
	defer p.Shutdown()

	require.Eventually(t, func() bool {
		n, err := c.redis.LLen(ctx, "{ticks}:ready").Result()
		return err == nil && n >= 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPeriodicPublisherRegisterValidation(t *testing.T) {
	_, c := newTestClient(t)
	p := NewPeriodicPublisher(c)

	_, err := p.Register("not a cron spec", PublishOpts{Queue: "ticks", Payload: map[string]int{}})
	require.Error(t, err)
}

func TestPeriodicPublisherUnregister(t *testing.T) {
	_, c := newTestClient(t)
	p := NewPeriodicPublisher(c)

	id, err := p.Register("@every 1h", PublishOpts{Queue: "ticks", Payload: map[string]int{}})
	require.NoError(t, err)

	require.NoError(t, p.Unregister(id))
	require.Error(t, p.Unregister(id))
	require.Error(t, p.Unregister("unknown"))
}
