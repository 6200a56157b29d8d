// Package health provides system health monitoring and the read-only API.
package health

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/cursor"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/gate"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

func (s SystemStatus) worse(o SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[o] > rank[s] {
		return o
	}
	return s
}

// ComponentHealth is the health of one component.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus    SystemStatus      `json:"system_status"`
	Paused          bool              `json:"paused"`
	FailedTransfers int               `json:"failed_transfers"`
	IngestLag       int64             `json:"ingest_lag"`
	IngestRate      float64           `json:"ingest_events_per_second"`
	Components      []ComponentHealth `json:"components"`
}

// SecurityReader is the read surface of the security gate.
type SecurityReader interface {
	IsPaused() bool
	SystemHealth(ctx context.Context) (gate.Health, error)
	RecentIncidents(ctx context.Context, limit int) ([]*domain.Incident, error)
}

// TransferReader is the read surface of a receiver.
type TransferReader interface {
	Address() common.Address
	Selector() domain.Selector
	Transfer(ctx context.Context, id common.Hash) (*domain.ReceivedTransfer, error)
	Count(ctx context.Context) (int, error)
	LastReceived(ctx context.Context) (*domain.ReceivedTransfer, error)
	CountByStatus(ctx context.Context, status domain.TransferStatus) (int, error)
}

// OrderReader is the read surface of the order engine.
type OrderReader interface {
	Get(ctx context.Context, id uint64) (*domain.Order, error)
	Count(ctx context.Context) (int, error)
}

// LedgerReader is the read surface of the record ledger.
type LedgerReader interface {
	Record(ctx context.Context, id uint64) (*domain.Record, error)
	UserRecords(ctx context.Context, user common.Address, offset, limit int) ([]*domain.Record, error)
	UserRecordCount(ctx context.Context, user common.Address) (int, error)
	Profile(ctx context.Context, wallet common.Address) (*domain.Profile, error)
	TotalRecords(ctx context.Context) (int, error)
}

// IngestReader reports the ledger consumer's position and rate.
type IngestReader interface {
	Lag(ctx context.Context) (int64, error)
	Cursor(ctx context.Context) (*domain.Cursor, error)
	Throughput() cursor.Metrics
}
