package service

import (
	"context"
	"fmt"
	"time"

	"failmon/internal/models"

	zlog "github.com/rs/zerolog/log"
)

type detectionStore interface {
	CountRecentByIP(ctx context.Context, ip string, since time.Time) (int64, error)
	CountRecentByIPAndHost(ctx context.Context, ip, hostID string, since time.Time) (int64, error)
	HasActiveHostBlock(ctx context.Context, ip, hostID string) (bool, error)
	GetHostPolicy(ctx context.Context, hostID string) (*models.HostPolicy, error)
}

type blocker interface {
	CreateBlock(ctx context.Context, ip, scope string, targetHostID *string, reason string, duration time.Duration, createdBy string) (bool, error)
	IsGloballyBlocked(ctx context.Context, ip string) (bool, error)
}

// DetectionService evaluates the rolling-window policies after each
// admitted event. All counts come from failed_logins; the lifetime counter
// on suspicious_ips is never a threshold input.
type DetectionService struct {
	store    detectionStore
	blocks   blocker
	settings *SettingsService
}

func NewDetectionService(store detectionStore, blocks blocker, settings *SettingsService) *DetectionService {
	return &DetectionService{store: store, blocks: blocks, settings: settings}
}

// EffectivePolicy is the per-host policy after inheriting unset fields
// from the global settings.
type EffectivePolicy struct {
	Threshold        int
	Window           time.Duration
	BlockDuration    time.Duration
	AutoBlockEnabled bool
}

func (d *DetectionService) effectivePolicy(ctx context.Context, hostID string) (EffectivePolicy, error) {
	pol := EffectivePolicy{
		Threshold:        d.settings.Threshold(ctx),
		Window:           d.settings.Window(ctx),
		BlockDuration:    d.settings.BlockDuration(ctx),
		AutoBlockEnabled: d.settings.AutoBlockEnabled(ctx),
	}
	override, err := d.store.GetHostPolicy(ctx, hostID)
	if err != nil {
		return pol, err
	}
	if override == nil {
		return pol, nil
	}
	if override.Threshold != nil {
		pol.Threshold = *override.Threshold
	}
	if override.WindowSeconds != nil {
		pol.Window = time.Duration(*override.WindowSeconds) * time.Second
	}
	if override.BlockDurationSeconds != nil {
		pol.BlockDuration = time.Duration(*override.BlockDurationSeconds) * time.Second
	}
	if override.AutoBlockEnabled != nil {
		pol.AutoBlockEnabled = *override.AutoBlockEnabled
	}
	return pol, nil
}

// Evaluate runs both policies for one admitted event. The global policy
// wins ties: when it triggers, no per-host block is considered, and an
// already-active global block suppresses per-host evaluation entirely.
func (d *DetectionService) Evaluate(ctx context.Context, ip, hostID string) error {
	blocked, err := d.blocks.IsGloballyBlocked(ctx, ip)
	if err != nil {
		return fmt.Errorf("global block lookup for %s: %w", ip, err)
	}
	if blocked {
		return nil
	}

	now := time.Now()

	if d.settings.GlobalAutoBlockEnabled(ctx) {
		window := d.settings.Window(ctx)
		threshold := d.settings.GlobalThreshold(ctx)
		count, err := d.store.CountRecentByIP(ctx, ip, now.Add(-window))
		if err != nil {
			return fmt.Errorf("global window count for %s: %w", ip, err)
		}
		if count >= int64(threshold) {
			reason := fmt.Sprintf("auto: %d failed logins within %s", count, window)
			created, err := d.blocks.CreateBlock(ctx, ip, models.ScopeGlobal, nil, reason, d.settings.BlockDuration(ctx), models.BlockedByAuto)
			if err != nil {
				return fmt.Errorf("global auto-block for %s: %w", ip, err)
			}
			if created {
				zlog.Warn().Str("ip", ip).Int64("count", count).Msg("global auto-block triggered")
			}
			// A global block covers every host; skip per-host.
			return nil
		}
	}

	pol, err := d.effectivePolicy(ctx, hostID)
	if err != nil {
		return fmt.Errorf("policy for host %s: %w", hostID, err)
	}
	if !pol.AutoBlockEnabled {
		return nil
	}

	count, err := d.store.CountRecentByIPAndHost(ctx, ip, hostID, now.Add(-pol.Window))
	if err != nil {
		return fmt.Errorf("host window count for %s on %s: %w", ip, hostID, err)
	}
	if count < int64(pol.Threshold) {
		return nil
	}

	exists, err := d.store.HasActiveHostBlock(ctx, ip, hostID)
	if err != nil {
		return fmt.Errorf("host block lookup for %s on %s: %w", ip, hostID, err)
	}
	if exists {
		return nil
	}

	reason := fmt.Sprintf("auto: %d failed logins on %s within %s", count, hostID, pol.Window)
	created, err := d.blocks.CreateBlock(ctx, ip, models.ScopePerHost, &hostID, reason, pol.BlockDuration, models.BlockedByAuto)
	if err != nil {
		return fmt.Errorf("per-host auto-block for %s on %s: %w", ip, hostID, err)
	}
	if created {
		zlog.Warn().Str("ip", ip).Str("host_id", hostID).Int64("count", count).Msg("per-host auto-block triggered")
	}
	return nil
}
