// Package constants holds the tunables shared by every BMF-T subsystem:
// ring depths, backoff schedules, and the timing budgets named by the
// connection-manager and stream specifications.
package constants

import "time"

// Submission/completion ring sizing.
const (
	// SQCQDepth is the fixed depth of the per-stream submission/completion
	// ring. 2048 matches the hardware's native doorbell ring size.
	SQCQDepth = 2048

	// MRMaxNum bounds the number of MR slots a QP can hold per side.
	// Slot 0 is reserved; MRMaxNum-1 entries are usable.
	MRMaxNum = 64
)

// WaitQpReady budget: BASE + PER_RANK*rankCount, polled every WaitQpReadyPoll.
const (
	WaitQpReadyBase      = 30 * time.Second
	WaitQpReadyPerRank   = 100 * time.Millisecond
	WaitQpReadyPoll      = 5 * time.Millisecond
	NotifyWaitTimeout    = 5 * time.Second
	ConditionWakeCeiling = 300 * time.Millisecond
)

// FSM backoff schedule (spec.md §4.2).
const (
	BackoffWhitelistAdd  = 1 * time.Second
	BackoffBatchConnect  = 5 * time.Second
	BackoffQueryConnect  = 5 * time.Second
	BackoffQueryQpState  = 1 * time.Second
	FailureSleepInterval = 5 * time.Second
)

// BatchConnectWidth is the device-IPC batching width for socket
// batch-connect/batch-close (spec.md §9).
const BatchConnectWidth = 16

// Default rendezvous/device tunables.
const (
	DefaultRendezvousDialTimeout = 10 * time.Second
	NotifyWordSize               = 4 // one uint32 counter
)

// AutoAssignRankID mirrors the teacher's AutoAssignDeviceID: -1 means "let
// the rendezvous assign it" (reserved for future use; BMF-T ranks are always
// caller-supplied today, see spec.md §3 Open Questions).
const AutoAssignRankID = -1
