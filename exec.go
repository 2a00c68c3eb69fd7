package omniq

import (
	"context"

	"github.com/not-empty/omniq-go/internal/errors"
)

// Exec is the handler-facing facade over the client.
//
// It re-exposes publishing, pause control and child-counter coordination
// and carries the reserved job's id as the default child id. Lease-token
// bearing operations are deliberately absent: the runloop owns the lease.
type Exec struct {
	client         *Client
	defaultChildID string
}

func newExec(client *Client, defaultChildID string) *Exec {
	return &Exec{client: client, defaultChildID: defaultChildID}
}

// DefaultChildID returns the id used by ChildAck when no child id is
// given; it is the id of the job being handled.
func (e *Exec) DefaultChildID() string { return e.defaultChildID }

// Publish enqueues a job. See Client.Publish.
func (e *Exec) Publish(ctx context.Context, opts PublishOpts) (string, error) {
	return e.client.Publish(ctx, opts)
}

// Pause sets the pause flag of the queue.
func (e *Exec) Pause(ctx context.Context, queue string) error {
	return e.client.Pause(ctx, queue)
}

// Resume clears the pause flag of the queue.
func (e *Exec) Resume(ctx context.Context, queue string) error {
	return e.client.Resume(ctx, queue)
}

// IsPaused reports whether the pause flag of the queue is set.
func (e *Exec) IsPaused(ctx context.Context, queue string) (bool, error) {
	return e.client.IsPaused(ctx, queue)
}

// ChildsInit creates a child counter under the given key.
func (e *Exec) ChildsInit(ctx context.Context, key string, expected int) error {
	return e.client.ChildsInit(ctx, key, expected)
}

// ChildAck decrements the child counter under the given key on behalf of
// childID, defaulting to the handled job's id when childID is empty.
// An empty child id with no default is a validation error.
func (e *Exec) ChildAck(ctx context.Context, key, childID string) (int, error) {
	if childID == "" {
		childID = e.defaultChildID
	}
	if childID == "" {
		return -1, errors.E(errors.InvalidArgument, "child id must not be empty")
	}
	return e.client.ChildAck(ctx, key, childID), nil
}
