package service

import (
	"context"
	"time"

	"failmon/internal/models"
	"failmon/internal/tasks"

	zlog "github.com/rs/zerolog/log"
)

type reconcilerStore interface {
	ExpireDueBlocks(ctx context.Context) ([]models.Block, error)
}

type reconcilerLock interface {
	AcquireLock(name string, ttl time.Duration) (bool, error)
	ReleaseLock(name string) error
}

type reconcilerCache interface {
	DropActiveBlock(ip string) error
}

const (
	reconcilerLockName = "block_expiry"
	reconcilerLockTTL  = 5 * time.Second
)

// ReconcilerService expires overdue blocks and tears down their firewall
// rules. One pass per interval, single-flight across replicas via the
// Redis lock; a busy pass is skipped and retried next interval.
type ReconcilerService struct {
	store    reconcilerStore
	lock     reconcilerLock
	cache    reconcilerCache
	enqueuer taskEnqueuer
	interval time.Duration
	stop     chan struct{}
}

func NewReconcilerService(store reconcilerStore, lock reconcilerLock, cache reconcilerCache, enqueuer taskEnqueuer) *ReconcilerService {
	return &ReconcilerService{
		store:    store,
		lock:     lock,
		cache:    cache,
		enqueuer: enqueuer,
		interval: time.Minute,
		stop:     make(chan struct{}),
	}
}

func (s *ReconcilerService) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.RunOnce(context.Background())
			}
		}
	}()
}

func (s *ReconcilerService) Stop() {
	close(s.stop)
}

func (s *ReconcilerService) RunOnce(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.AcquireLock(reconcilerLockName, reconcilerLockTTL)
		if err != nil {
			zlog.Warn().Err(err).Msg("reconciler lock unavailable, skipping pass")
			return
		}
		if !acquired {
			return
		}
		defer func() { _ = s.lock.ReleaseLock(reconcilerLockName) }()
	}

	ctx, cancel := context.WithTimeout(ctx, reconcilerLockTTL)
	defer cancel()

	expired, err := s.store.ExpireDueBlocks(ctx)
	if err != nil {
		zlog.Error().Err(err).Msg("block expiry pass failed")
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, b := range expired {
		if b.Scope == models.ScopeGlobal && s.cache != nil {
			_ = s.cache.DropActiveBlock(b.SourceIP)
		}
		target := ""
		if b.TargetHostID != nil {
			target = *b.TargetHostID
		}
		task, err := tasks.NewFirewallRemoveTask(b.SourceIP, b.Scope, target)
		if err == nil {
			_, err = s.enqueuer.Enqueue(task)
		}
		if err != nil {
			zlog.Error().Err(err).Str("ip", b.SourceIP).Msg("failed to enqueue firewall remove for expired block")
		}
	}
	zlog.Info().Int("count", len(expired)).Msg("expired blocks cleared")
}
