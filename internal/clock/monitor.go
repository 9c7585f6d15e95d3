package clock

import (
	"context"
	"log/slog"
	"time"

	"github.com/mydriatech/fragtale/internal/telemetry"
)

// Monitor periodically samples offset against a configured NTP source and
// opens or closes a Gate based on configured tolerance. After
// MaxConsecutiveFails failed samples in a row, the clock is marked
// untrusted defensively even without a successful out-of-tolerance
// reading.
type Monitor struct {
	host                string
	tolerance           time.Duration
	sampleInterval      time.Duration
	maxConsecutiveFails int
	gate                *Gate
	logger              *slog.Logger

	consecutiveFails int
	sample           func(host string, timeout time.Duration) (time.Duration, error)
}

// NewMonitor creates an NTP monitor that drives gate.
func NewMonitor(host string, tolerance, sampleInterval time.Duration, maxConsecutiveFails int, gate *Gate, logger *slog.Logger) *Monitor {
	return &Monitor{
		host:                host,
		tolerance:           tolerance,
		sampleInterval:      sampleInterval,
		maxConsecutiveFails: maxConsecutiveFails,
		gate:                gate,
		logger:              logger,
		sample:              sampleOffset,
	}
}

// Run samples on sampleInterval until ctx is cancelled. It is meant to run
// as a long-lived background task.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	// Sample once immediately so the gate reflects reality before the
	// first interval elapses.
	m.sampleOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	offset, err := m.sample(m.host, 3*time.Second)
	if err != nil {
		m.consecutiveFails++
		m.logger.Warn("ntp sample failed", "host", m.host, "error", err, "consecutive_fails", m.consecutiveFails)
		if m.consecutiveFails >= m.maxConsecutiveFails {
			m.gate.Close()
			telemetry.ClockUntrusted.Set(1)
		}
		return
	}
	m.consecutiveFails = 0

	telemetry.ClockOffsetSeconds.Set(offset.Seconds())

	if offset < 0 {
		offset = -offset
	}
	if offset > m.tolerance {
		m.logger.Warn("clock offset exceeds tolerance", "host", m.host, "offset", offset, "tolerance", m.tolerance)
		m.gate.Close()
		telemetry.ClockUntrusted.Set(1)
		return
	}

	m.gate.Open()
	telemetry.ClockUntrusted.Set(0)
}
