// Package notify implements the Stream Notification primitive (spec.md
// §4.5): the cross-stream ordering mechanism that lets a caller block
// until every previously-signalled write it issued is observable at the
// peer. It is the one place a fenced completion crosses from "a stream
// detail" to "something the caller waits on", grounded on the teacher's
// queue tag-state wait/commit cycle (internal/queue/runner.go) the same
// way HybmStreamNotify reuses Synchronize under the hood.
package notify

import (
	"context"
	"fmt"
	"time"

	"bmft/internal/constants"
	"bmft/internal/driver"
	"bmft/stream"
)

// StreamNotify is bound 1:1 to a *stream.Stream at construction and never
// reassigned, matching spec.md §4.5 ("each thread using Synchronize owns
// one HybmStreamNotify bound to one stream").
type StreamNotify struct {
	stream     *stream.Stream
	hal        driver.HALDriver
	notifyID   uint64
	offset     uint64
	resolveDoorbell doorbellResolver
}

// doorbellResolver supplies the doorbell address for the notify wait SQE;
// it is the same chip/die addressing resolved once at OpenDevice and
// threaded down from the Transport.
type doorbellResolver func() uint64

// New allocates a notify id on hal and binds it to s.
func New(s *stream.Stream, hal driver.HALDriver, resolveDoorbell doorbellResolver) (*StreamNotify, error) {
	id, err := hal.NotifyIDAlloc()
	if err != nil {
		return nil, err
	}
	offset, err := hal.NotifyOffsetQuery(id)
	if err != nil {
		return nil, err
	}
	return &StreamNotify{
		stream:     s,
		hal:        hal,
		notifyID:   id,
		offset:     offset,
		resolveDoorbell: resolveDoorbell,
	}, nil
}

// ErrNotifyTimeout is returned when Wait's wait context ends before the
// bound stream drains: constants.NotifyWaitTimeout elapsed, or the caller's
// context was cancelled or reached an earlier deadline of its own.
type ErrNotifyTimeout struct{ NotifyID uint64 }

func (e ErrNotifyTimeout) Error() string {
	return fmt.Sprintf("notify: wait on notify id %d exceeded %s", e.NotifyID, constants.NotifyWaitTimeout)
}

// Wait submits a NotifyWait SQE, then drains the bound stream, giving up
// after constants.NotifyWaitTimeout (5s). The timeout is a host-side
// context deadline; the SQE itself carries no timeout. A signalled RDMA_WRITE carrying FENCE|
// SIGNALED emits exactly one CQE that releases this wait (spec.md §4.5).
func (n *StreamNotify) Wait(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, constants.NotifyWaitTimeout)
	defer cancel()

	doorbellAddr := uint64(0)
	if n.resolveDoorbell != nil {
		doorbellAddr = n.resolveDoorbell()
	}

	taskID, err := n.stream.SubmitTasks(doorbellAddr, n.offset, stream.SQETypeNotifyWait)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- n.stream.Synchronize(taskID)
	}()

	select {
	case err := <-done:
		return err
	case <-waitCtx.Done():
		return ErrNotifyTimeout{NotifyID: n.notifyID}
	}
}

// WaitTimeout is a convenience wrapper using context.Background with an
// explicit timeout, for callers outside a request-scoped context.
func (n *StreamNotify) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return n.Wait(ctx)
}

// NotifyID returns the driver-allocated id bound to this notify, useful
// for log correlation.
func (n *StreamNotify) NotifyID() uint64 { return n.notifyID }
