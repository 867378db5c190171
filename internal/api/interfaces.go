package api

import (
	"context"
	"time"

	"failmon/internal/models"
)

// IngestProvider accepts agent batches.
type IngestProvider interface {
	IngestBatch(ctx context.Context, batch models.IngestBatch) (int, error)
}

// BlockProvider drives the block lifecycle for the manual endpoints.
type BlockProvider interface {
	CreateBlock(ctx context.Context, ip, scope string, targetHostID *string, reason string, duration time.Duration, createdBy string) (bool, error)
	Unblock(ctx context.Context, ip, clearedBy string) error
}

// QueryProvider serves the read-only projections.
type QueryProvider interface {
	GetSuspicious(ctx context.Context, threshold int) ([]models.SuspiciousIP, error)
	GetBlocked(ctx context.Context) ([]models.BlockedIPView, error)
	GetStatistics(ctx context.Context) (*models.Statistics, error)
	GetGlobalStatistics(ctx context.Context) (*models.GlobalStatistics, error)
	GetHostAttacks(ctx context.Context, hostID string) (*models.HostAttacks, error)
	UpsertHost(ctx context.Context, h models.Host) error
	ListHosts(ctx context.Context) ([]models.Host, error)
	GetHost(ctx context.Context, hostID string) (*models.Host, error)
	DeactivateHost(ctx context.Context, hostID string) (bool, error)
	CountActiveHosts(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// GeoProvider serves the optional geolocation projection.
type GeoProvider interface {
	TopAttacks(ctx context.Context, limit int) ([]models.GeoAttack, error)
}
