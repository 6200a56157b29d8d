package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/crosslane/internal/core/cursor"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
)

// Thresholds control when a component is reported degraded or critical.
type Thresholds struct {
	FailedDegraded int   `yaml:"failed_degraded"`
	FailedCritical int   `yaml:"failed_critical"`
	LagDegraded    int64 `yaml:"lag_degraded"`
	LagCritical    int64 `yaml:"lag_critical"`
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedDegraded: 1,
		FailedCritical: 50,
		LagDegraded:    100,
		LagCritical:    1000,
	}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	security   SecurityReader
	transfers  []TransferReader
	ingest     IngestReader
	consumer   string
	thresholds Thresholds
	cacheFor   time.Duration
	now        func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor. ingest may be nil.
func NewMonitor(
	security SecurityReader,
	transfers []TransferReader,
	ingest IngestReader,
	consumer string,
	thresholds Thresholds,
) *Monitor {
	return &Monitor{
		security:   security,
		transfers:  transfers,
		ingest:     ingest,
		consumer:   consumer,
		thresholds: thresholds,
		cacheFor:   10 * time.Second,
		now:        time.Now,
	}
}

// CheckHealth evaluates every component. Results are cached briefly so
// probes do not hammer the stores.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := HealthReport{SystemStatus: StatusHealthy}
	report.add(m.checkSecurity(ctx, &report))
	report.add(m.checkTransfers(ctx, &report))
	if m.ingest != nil {
		report.add(m.checkIngest(ctx, &report))
	}

	m.lastCheck = m.now()
	m.lastReport = &report
	return report
}

func (r *HealthReport) add(c ComponentHealth) {
	r.Components = append(r.Components, c)
	r.SystemStatus = r.SystemStatus.worse(c.Status)
}

func (m *Monitor) checkSecurity(ctx context.Context, report *HealthReport) ComponentHealth {
	c := ComponentHealth{Name: "security", Status: StatusHealthy}
	h, err := m.security.SystemHealth(ctx)
	if err != nil {
		slog.Warn("Health check failed", "component", "security", "error", err)
		c.Status = StatusDegraded
		c.Detail = err.Error()
	}
	if h.Paused {
		report.Paused = true
		c.Status = StatusCritical
		c.Detail = "paused: " + h.PauseReason
	}
	return c
}

func (m *Monitor) checkTransfers(ctx context.Context, report *HealthReport) ComponentHealth {
	c := ComponentHealth{Name: "transfers", Status: StatusHealthy}
	for _, t := range m.transfers {
		n, err := t.CountByStatus(ctx, domain.TransferFailed)
		if err != nil {
			c.Status = StatusDegraded
			c.Detail = err.Error()
			continue
		}
		report.FailedTransfers += n
	}

	switch {
	case report.FailedTransfers >= m.thresholds.FailedCritical:
		c.Status = StatusCritical
	case report.FailedTransfers >= m.thresholds.FailedDegraded:
		c.Status = c.Status.worse(StatusDegraded)
	}
	if report.FailedTransfers > 0 {
		c.Detail = fmt.Sprintf("%d failed transfers", report.FailedTransfers)
	}
	return c
}

func (m *Monitor) checkIngest(ctx context.Context, report *HealthReport) ComponentHealth {
	c := ComponentHealth{Name: "ingest", Status: StatusHealthy}
	lag, err := m.ingest.Lag(ctx)
	if err != nil {
		c.Status = StatusDegraded
		c.Detail = err.Error()
		return c
	}
	if lag < 0 {
		lag = 0
	}
	report.IngestLag = lag
	report.IngestRate = m.ingest.Throughput().EventsPerSecond
	metrics.IngestLag.WithLabelValues(m.consumer).Set(float64(lag))

	switch {
	case lag >= m.thresholds.LagCritical:
		c.Status = StatusCritical
	case lag >= m.thresholds.LagDegraded:
		c.Status = StatusDegraded
	}

	cur, err := m.ingest.Cursor(ctx)
	if err != nil {
		c.Status = c.Status.worse(StatusDegraded)
		c.Detail = err.Error()
		return c
	}
	if cur.State == cursor.StatePaused {
		c.Status = c.Status.worse(StatusDegraded)
		c.Detail = "paused"
		if reason, ok := cur.Metadata[cursor.MetaPauseReason].(string); ok && reason != "" {
			c.Detail += ": " + reason
		}
	}
	return c
}
