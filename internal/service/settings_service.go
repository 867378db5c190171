package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"failmon/internal/config"

	zlog "github.com/rs/zerolog/log"
)

// Recognized settings keys.
const (
	KeyThreshold             = "THRESHOLD"
	KeyTimeWindow            = "TIME_WINDOW"
	KeyBlockDuration         = "BLOCK_DURATION"
	KeyEnableAutoBlock       = "ENABLE_AUTO_BLOCK"
	KeyGlobalThreshold       = "GLOBAL_THRESHOLD"
	KeyEnableGlobalAutoBlock = "ENABLE_GLOBAL_AUTO_BLOCK"
)

type settingsStore interface {
	GetSettings(ctx context.Context) (map[string]string, error)
}

// SettingsService is a read-through cache over the settings table. Policy
// values are read per detection pass; the short TTL keeps operator edits
// visible without hammering the table.
type SettingsService struct {
	store    settingsStore
	defaults *config.Config

	mu        sync.Mutex
	cached    map[string]string
	fetchedAt time.Time
	ttl       time.Duration
}

func NewSettingsService(store settingsStore, defaults *config.Config) *SettingsService {
	return &SettingsService{
		store:    store,
		defaults: defaults,
		ttl:      30 * time.Second,
	}
}

func (s *SettingsService) snapshot(ctx context.Context) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && time.Since(s.fetchedAt) < s.ttl {
		return s.cached
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("settings fetch failed, using last known values")
		if s.cached != nil {
			return s.cached
		}
		return map[string]string{}
	}
	s.cached = settings
	s.fetchedAt = time.Now()
	return settings
}

func (s *SettingsService) intValue(ctx context.Context, key string, fallback int) int {
	if raw, ok := s.snapshot(ctx)[key]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func (s *SettingsService) boolValue(ctx context.Context, key string, fallback bool) bool {
	if raw, ok := s.snapshot(ctx)[key]; ok {
		return raw == "true" || raw == "1"
	}
	return fallback
}

func (s *SettingsService) Threshold(ctx context.Context) int {
	return s.intValue(ctx, KeyThreshold, s.defaults.Threshold)
}

// GlobalThreshold falls back to THRESHOLD when GLOBAL_THRESHOLD is unset
// or zero.
func (s *SettingsService) GlobalThreshold(ctx context.Context) int {
	if v := s.intValue(ctx, KeyGlobalThreshold, s.defaults.GlobalThreshold); v > 0 {
		return v
	}
	return s.Threshold(ctx)
}

func (s *SettingsService) Window(ctx context.Context) time.Duration {
	return time.Duration(s.intValue(ctx, KeyTimeWindow, s.defaults.TimeWindowMinutes)) * time.Minute
}

func (s *SettingsService) BlockDuration(ctx context.Context) time.Duration {
	return time.Duration(s.intValue(ctx, KeyBlockDuration, s.defaults.BlockDurationMinutes)) * time.Minute
}

func (s *SettingsService) AutoBlockEnabled(ctx context.Context) bool {
	return s.boolValue(ctx, KeyEnableAutoBlock, s.defaults.EnableAutoBlock)
}

func (s *SettingsService) GlobalAutoBlockEnabled(ctx context.Context) bool {
	return s.boolValue(ctx, KeyEnableGlobalAutoBlock, s.defaults.EnableGlobalAutoBlock)
}
