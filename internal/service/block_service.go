package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"failmon/internal/metrics"
	"failmon/internal/models"
	"failmon/internal/tasks"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

// ErrNoActiveBlock is returned by Unblock when the IP has no active block.
var ErrNoActiveBlock = errors.New("no active block for ip")

type blockStore interface {
	CreateBlock(ctx context.Context, b models.Block) (bool, error)
	DeactivateBlocks(ctx context.Context, ip, clearedBy string) ([]models.Block, error)
	HasActiveGlobalBlock(ctx context.Context, ip string) (bool, error)
	GetActiveBlocks(ctx context.Context) ([]models.Block, error)
	SetSuspiciousStatus(ctx context.Context, ip, status string) error
}

type blockCache interface {
	CacheActiveBlock(ip string, ttl time.Duration) error
	DropActiveBlock(ip string) error
	IsBlockCached(ip string) (bool, error)
}

type taskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// BlockService owns the block lifecycle. Firewall calls never run inline:
// they are enqueued as asynq tasks so a slow or failing adapter cannot
// stall a request, and transient errors get retried off the request path.
type BlockService struct {
	store    blockStore
	cache    blockCache
	enqueuer taskEnqueuer

	// Bloom over every globally blocked IP seen this process lifetime.
	// Negative answers skip the cache and database entirely.
	filter *bloom.BloomFilter
	mu     sync.RWMutex
}

func NewBlockService(store blockStore, cache blockCache, enqueuer taskEnqueuer) *BlockService {
	return &BlockService{
		store:    store,
		cache:    cache,
		enqueuer: enqueuer,
		filter:   bloom.NewWithEstimates(1_000_000, 0.01),
	}
}

// SyncActiveBlocks reloads the bloom filter and cache from the database.
// Called at startup so restarts keep the fast path warm.
func (s *BlockService) SyncActiveBlocks(ctx context.Context) error {
	blocks, err := s.store.GetActiveBlocks(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		if b.Scope != models.ScopeGlobal {
			continue
		}
		s.filter.AddString(b.SourceIP)
		if s.cache != nil {
			_ = s.cache.CacheActiveBlock(b.SourceIP, time.Until(b.ExpiresAt))
		}
	}
	zlog.Info().Int("count", len(blocks)).Msg("synchronized active blocks")
	return nil
}

// CreateBlock inserts the block row, marks the suspicious counter blocked,
// and enqueues the firewall apply. created=false means an equivalent
// active block already existed.
func (s *BlockService) CreateBlock(ctx context.Context, ip, scope string, targetHostID *string, reason string, duration time.Duration, createdBy string) (bool, error) {
	b := models.Block{
		SourceIP:     ip,
		Scope:        scope,
		TargetHostID: targetHostID,
		Reason:       reason,
		CreatedBy:    createdBy,
		ExpiresAt:    time.Now().Add(duration),
	}
	created, err := s.store.CreateBlock(ctx, b)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	if err := s.store.SetSuspiciousStatus(ctx, ip, models.SuspiciousBlocked); err != nil {
		zlog.Warn().Err(err).Str("ip", ip).Msg("failed to mark suspicious ip blocked")
	}

	if scope == models.ScopeGlobal {
		s.mu.Lock()
		s.filter.AddString(ip)
		s.mu.Unlock()
		if s.cache != nil {
			if err := s.cache.CacheActiveBlock(ip, duration); err != nil {
				zlog.Warn().Err(err).Str("ip", ip).Msg("block cache write failed")
			}
		}
	}

	target := ""
	if targetHostID != nil {
		target = *targetHostID
	}
	task, err := tasks.NewFirewallApplyTask(ip, scope, target)
	if err == nil {
		_, err = s.enqueuer.Enqueue(task)
	}
	if err != nil {
		// The block row stays active. Nothing re-enqueues the apply
		// later, so no firewall rule is applied for this block.
		zlog.Error().Err(err).Str("ip", ip).Msg("failed to enqueue firewall apply")
	}

	metrics.MetricBlocksTotal.WithLabelValues(scope, createdBy).Inc()
	zlog.Info().Str("ip", ip).Str("scope", scope).Str("created_by", createdBy).Str("reason", reason).Msg("block created")
	return true, nil
}

// Unblock clears every active block for the IP and enqueues firewall
// removals for each. Returns ErrNoActiveBlock when nothing was active.
func (s *BlockService) Unblock(ctx context.Context, ip, clearedBy string) error {
	cleared, err := s.store.DeactivateBlocks(ctx, ip, clearedBy)
	if err != nil {
		return err
	}
	if len(cleared) == 0 {
		return ErrNoActiveBlock
	}

	if s.cache != nil {
		if err := s.cache.DropActiveBlock(ip); err != nil {
			zlog.Warn().Err(err).Str("ip", ip).Msg("block cache delete failed")
		}
	}

	for _, b := range cleared {
		target := ""
		if b.TargetHostID != nil {
			target = *b.TargetHostID
		}
		task, err := tasks.NewFirewallRemoveTask(b.SourceIP, b.Scope, target)
		if err == nil {
			_, err = s.enqueuer.Enqueue(task)
		}
		if err != nil {
			zlog.Error().Err(err).Str("ip", ip).Msg("failed to enqueue firewall remove")
		}
	}

	metrics.MetricUnblocksTotal.WithLabelValues(clearedBy).Inc()
	zlog.Info().Str("ip", ip).Str("cleared_by", clearedBy).Int("blocks", len(cleared)).Msg("ip unblocked")
	return nil
}

// IsGloballyBlocked answers the detection hot path. The bloom filter gives
// a definite no; a maybe is confirmed against the cache and then the
// database. The filter is add-only, so unblocked IPs stay "maybe" until
// the authoritative lookup says no.
func (s *BlockService) IsGloballyBlocked(ctx context.Context, ip string) (bool, error) {
	s.mu.RLock()
	maybe := s.filter.TestString(ip)
	s.mu.RUnlock()
	if !maybe {
		return false, nil
	}
	if s.cache != nil {
		if cached, err := s.cache.IsBlockCached(ip); err == nil && cached {
			return true, nil
		}
	}
	return s.store.HasActiveGlobalBlock(ctx, ip)
}
