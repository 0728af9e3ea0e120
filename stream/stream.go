// Package stream implements the Submission Queue: a fixed-depth ring of
// SQEs with head/tail counters, doorbell submission and completion
// draining. It is the RDMA-NIC analogue of the teacher's
// internal/uring.Ring — same ring-index modular arithmetic, same
// "synchronize drains forward to a reported head" idiom, now sized and
// shaped for a doorbell ring instead of a block-device io_uring instance.
package stream

import (
	"sync"

	"bmft/internal/constants"
	"bmft/internal/driver"
)

// SQEType mirrors spec.md §4.6's Stars WriteValue sub-type.
type SQEType uint8

const (
	SQETypeRDMADBSend SQEType = iota
	SQETypeNotifyWait
)

// SQE is one ring slot: a doorbell write instruction plus its task id.
type SQE struct {
	TaskID        uint32
	StreamID      uint32
	Type          SQEType
	DoorbellValue uint64
	DoorbellAddr  uint64
	Valid         bool
}

// CompletionError classifies a drained CQE (spec.md §4.4 "surface CQE
// error codes").
type CompletionError struct {
	TaskID uint32
	Class  driver.CQEErrorClass
}

func (e CompletionError) Error() string {
	return "stream: task " + itoa(e.TaskID) + " completed with error class " + string(e.Class)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Stream is one goroutine's submission/completion ring. Go has no portable
// thread-local storage, so unlike the original's implicit per-thread
// instance, callers obtain one explicitly (bmft.Transport.StreamFor) and
// thread it through their call chain — the same explicit-handle idiom the
// teacher uses for per-queue *Runner instead of relying on TLS.
type Stream struct {
	mu    sync.Mutex
	id    uint32
	depth uint32
	ring  []SQE
	head  uint32
	tail  uint32

	hal  driver.HALDriver
	sqID uint64
	cqID uint64

	nextTaskID uint32
	running    int

	// synthetic holds completions for SQEs that were marked invalid
	// (fail-closed, never reached SqTaskSend) — Synchronize must resolve
	// these locally since no hardware CQE will ever arrive for them.
	synthetic map[uint32]driver.CQEErrorClass
}

// New creates a stream of HYBM_SQCQ_DEPTH depth bound to hal's submission
// and completion queues.
func New(id uint32, hal driver.HALDriver) (*Stream, error) {
	sqID, err := hal.SqCqAllocate(constants.SQCQDepth)
	if err != nil {
		return nil, err
	}
	if err := hal.BindLogicCq(sqID, sqID); err != nil {
		return nil, err
	}
	return &Stream{
		id:        id,
		depth:     constants.SQCQDepth,
		ring:      make([]SQE, constants.SQCQDepth),
		hal:       hal,
		sqID:      sqID,
		cqID:      sqID,
		synthetic: make(map[uint32]driver.CQEErrorClass),
	}, nil
}

// Close releases the stream's SQ/CQ resources. Only valid when
// RunningTaskCount() == 0 or during teardown (spec.md §4.4).
func (s *Stream) Close() error {
	return s.hal.SqCqFree(s.sqID)
}

// RunningTaskCount is tail-head, the plain difference of the free-running
// counters.
func (s *Stream) RunningTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.tail - s.head)
}

// full reports whether depth-1 tasks are already outstanding. Both head
// and tail are free-running counters (only the ring index `taskID = tail %
// depth` is ever reduced mod depth — see RunningTaskCount), so fullness is
// a plain difference, not a modulo comparison: spec.md §8's invariant is
// tail-head <= depth-1.
func (s *Stream) full() bool {
	return s.tail-s.head >= s.depth-1
}

// SubmitTasks places one SQE, forcing a Synchronize first if the ring is
// full (spec.md §4.4: "a full queue always forces a synchronize before the
// new task is admitted").
func (s *Stream) SubmitTasks(doorbellAddr, doorbellValue uint64, typ SQEType) (uint32, error) {
	s.mu.Lock()
	if s.full() {
		s.mu.Unlock()
		if err := s.Synchronize(^uint32(0)); err != nil {
			return 0, err
		}
		s.mu.Lock()
	}

	taskID := s.tail % s.depth
	slot := &s.ring[taskID]
	slot.TaskID = taskID
	slot.StreamID = s.id
	slot.Type = typ
	slot.DoorbellAddr = doorbellAddr
	slot.DoorbellValue = doorbellValue
	slot.Valid = doorbellAddr != 0

	tail := s.tail
	s.tail++
	s.running++
	if !slot.Valid {
		// Fail-closed: an unresolved doorbell address never reaches the
		// hardware (spec.md §4.6). No CQE will ever arrive for this task,
		// so synthesize its completion now rather than let Synchronize
		// wait forever on it.
		s.synthetic[taskID] = driver.CQEErrInvalid
	}
	s.mu.Unlock()

	if !slot.Valid {
		return taskID, nil
	}

	if err := s.hal.SqTaskSend(s.sqID, taskID, doorbellAddr, doorbellValue); err != nil {
		return taskID, err
	}
	_ = tail
	return taskID, nil
}

// inRange reports whether target lies in [head, tail) modulo depth, the
// wraparound-safe "task in range" check spec.md §4.4 calls for.
func inRange(head, tail, target, depth uint32) bool {
	if head == tail {
		return false
	}
	span := (tail - head + depth) % depth
	if span == 0 {
		span = depth
	}
	offset := (target - head + depth) % depth
	return offset < span
}

// Synchronize drains completions until head == tail, or until untilTask
// has retired (pass ^uint32(0) to drain the entire queue).
func (s *Stream) Synchronize(untilTask uint32) error {
	for {
		s.mu.Lock()
		head, tail := s.head, s.tail
		s.mu.Unlock()

		if head == tail {
			return nil
		}
		if untilTask != ^uint32(0) && !inRange(head, tail, untilTask, s.depth) {
			return nil
		}

		headTaskID := head % s.depth
		s.mu.Lock()
		errClass, isSynthetic := s.synthetic[headTaskID]
		if isSynthetic {
			s.head++
			if s.running > 0 {
				s.running--
			}
			delete(s.synthetic, headTaskID)
		}
		s.mu.Unlock()
		if isSynthetic {
			if errClass != driver.CQEErrNone {
				return CompletionError{TaskID: headTaskID, Class: errClass}
			}
			continue
		}

		results, err := s.hal.CqReportRecv(s.cqID)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			// No CQE available: fast-forward head to the hardware-reported
			// head register rather than busy-spin (spec.md §4.4).
			// SqCqQuery's reported head is a ring-index position (0..depth-1,
			// modulo depth, the way hardware registers report it), while
			// s.head is this Stream's free-running counter — the two are
			// never directly interchangeable. Convert the reported position
			// into how many additional slots have retired since s.head's own
			// ring position and advance the free-running counter by that
			// delta instead of overwriting it.
			reportedHead, _, err := s.hal.SqCqQuery(s.sqID)
			if err != nil {
				return err
			}
			s.mu.Lock()
			delta := (reportedHead - s.head%s.depth + s.depth) % s.depth
			for i := uint32(0); i < delta; i++ {
				delete(s.synthetic, s.head%s.depth)
				s.head++
				if s.running > 0 {
					s.running--
				}
			}
			s.mu.Unlock()
			continue
		}

		var firstErr error
		s.mu.Lock()
		for _, r := range results {
			if r.ErrClass != driver.CQEErrNone && firstErr == nil {
				firstErr = CompletionError{TaskID: r.TaskID, Class: r.ErrClass}
			}
			s.head++
			if s.running > 0 {
				s.running--
			}
		}
		s.mu.Unlock()

		if firstErr != nil {
			return firstErr
		}
	}
}
