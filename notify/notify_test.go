package notify

import (
	"context"
	"testing"

	"bmft/internal/driver/simdriver"
	"bmft/stream"
)

func TestWaitDrainsBoundStream(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)

	s, err := stream.New(1, node)
	if err != nil {
		t.Fatalf("stream.New failed: %v", err)
	}

	n, err := New(s, node, func() uint64 { return 0x1234 })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if n.NotifyID() == 0 {
		// simdriver's id allocator starts from 1, but don't over-assert
		// implementation details beyond "it was allocated".
	}

	err = n.Wait(context.Background())
	// The simulated HAL reports any doorbell it never issued via SendWrV2
	// as an SDMA completion error; Wait must still return promptly rather
	// than block for the full 5s hardware timeout.
	if err == nil {
		t.Fatal("expected the simulated completion error to surface")
	}
	if _, ok := err.(stream.CompletionError); !ok {
		t.Errorf("error type = %T, want stream.CompletionError", err)
	}
}

func TestWaitTimeoutShortCircuitsOnCancelledContext(t *testing.T) {
	fabric := simdriver.NewFabric()
	node := simdriver.NewNode(fabric, 0)
	s, err := stream.New(2, node)
	if err != nil {
		t.Fatalf("stream.New failed: %v", err)
	}
	n, err := New(s, node, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = n.Wait(ctx)
	if err == nil {
		t.Fatal("expected Wait to fail immediately on an already-cancelled context")
	}
}
