package clock

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mydriatech/fragtale/internal/fragerr"
)

// Service issues unique_time identifiers and gates publish admission on
// NTP-bounded wall clock trust. The (last_micros, seq) pair is shared
// across every publish task and mutated under a single short
// mutex-protected critical section: no task holds it across a suspension
// point.
type Service struct {
	instanceID uint16
	logger     *slog.Logger

	mu         sync.Mutex
	lastMicros uint64
	seq        uint32

	gate *Gate
}

// NewService creates a Time Service for the given claimed instance_id.
func NewService(instanceID uint16, gate *Gate, logger *slog.Logger) *Service {
	return &Service{
		instanceID: instanceID,
		gate:       gate,
		logger:     logger,
	}
}

// Issue produces the next unique_time and the wall-clock received_at (ms)
// to stamp an event with. It returns fragerr.ErrClockOutOfTolerance if the
// publish gate is currently closed.
//
// Monotonicity: if the wall clock has stepped backward relative to the
// last issued tick, emission is pinned to the previous high-water mark
// until real time catches up. Tie-break: two issuances in
// the same microsecond on this instance are ordered by the seq counter; if
// seq saturates within a tick the call busy-waits for the next tick.
func (s *Service) Issue(ctx context.Context) (UniqueTime, int64, error) {
	if s.gate.Closed() {
		return UniqueTime{}, 0, fragerr.ErrClockOutOfTolerance
	}

	now := time.Now()
	receivedAtMs := now.UnixMilli()

	for {
		micros, seq, ok := s.tick(uint64(now.UnixMicro()))
		if ok {
			return New(micros, seq, s.instanceID), receivedAtMs, nil
		}
		// seq saturated within this tick: wait for the next microsecond
		// and retry, honoring cancellation.
		select {
		case <-ctx.Done():
			return UniqueTime{}, 0, ctx.Err()
		case <-time.After(time.Microsecond):
		}
		now = time.Now()
	}
}

// tick advances the shared (lastMicros, seq) state for the observed wall
// clock reading. ok is false if the sequence counter saturated and the
// caller should retry on the next tick.
func (s *Service) tick(observedMicros uint64) (micros uint64, seq uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case observedMicros > s.lastMicros:
		s.lastMicros = observedMicros
		s.seq = 0
	case s.seq == math.MaxUint32:
		// seq is saturated for the current high-water tick.
		return 0, 0, false
	case observedMicros < s.lastMicros:
		// Clock stepped backward: pin to the high-water mark.
		s.seq++
	default:
		s.seq++
	}

	return s.lastMicros, s.seq, true
}
