package omniq

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/not-empty/omniq-go/internal/errors"
	"github.com/not-empty/omniq-go/internal/log"
	"github.com/robfig/cron/v3"
)

// PeriodicPublisher publishes a fixed job on a cron schedule.
//
// Entries can be registered and unregistered while the publisher runs.
// The publisher is entirely client side; a missed tick (process down) is
// simply not published.
type PeriodicPublisher struct {
	client *Client
	logger *log.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewPeriodicPublisher returns a publisher bound to the given client.
func NewPeriodicPublisher(client *Client) *PeriodicPublisher {
	return &PeriodicPublisher{
		client:  client,
		logger:  log.NewLogger(nil),
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds an entry that publishes opts on the given cron spec and
// returns the entry id.
func (p *PeriodicPublisher) Register(spec string, opts PublishOpts) (string, error) {
	entryID, err := p.cron.AddFunc(spec, func() {
		id, err := p.client.Publish(context.Background(), opts)
		if err != nil {
			p.logger.Errorf("periodic publish to %q failed: %v", opts.Queue, err)
			return
		}
		p.logger.Debugf("periodic publish to %q enqueued job id=%s", opts.Queue, id)
	})
	if err != nil {
		return "", errors.E(errors.InvalidArgument, err)
	}
	id := uuid.New().String()
	p.mu.Lock()
	p.entries[id] = entryID
	p.mu.Unlock()
	return id, nil
}

// Unregister removes the entry with the given id.
func (p *PeriodicPublisher) Unregister(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entryID, ok := p.entries[id]
	if !ok {
		return errors.E(errors.NotFound, "no periodic entry with the given id")
	}
	p.cron.Remove(entryID)
	delete(p.entries, id)
	return nil
}

// Start starts the scheduler in its own goroutine.
func (p *PeriodicPublisher) Start() { p.cron.Start() }

// Shutdown stops the scheduler and waits for a running publish to finish.
func (p *PeriodicPublisher) Shutdown() {
	<-p.cron.Stop().Done()
}
