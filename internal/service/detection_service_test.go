package service

import (
	"context"
	"testing"
	"time"

	"failmon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetectionStore struct {
	ipCount        int64
	hostCount      int64
	hasHostBlock   bool
	policy         *models.HostPolicy
	lastGlobalFrom time.Time
	lastHostFrom   time.Time
}

func (f *fakeDetectionStore) CountRecentByIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	f.lastGlobalFrom = since
	return f.ipCount, nil
}

func (f *fakeDetectionStore) CountRecentByIPAndHost(ctx context.Context, ip, hostID string, since time.Time) (int64, error) {
	f.lastHostFrom = since
	return f.hostCount, nil
}

func (f *fakeDetectionStore) HasActiveHostBlock(ctx context.Context, ip, hostID string) (bool, error) {
	return f.hasHostBlock, nil
}

func (f *fakeDetectionStore) GetHostPolicy(ctx context.Context, hostID string) (*models.HostPolicy, error) {
	return f.policy, nil
}

type createCall struct {
	ip        string
	scope     string
	hostID    *string
	duration  time.Duration
	createdBy string
}

type fakeBlocker struct {
	globallyBlocked bool
	created         []createCall
}

func (f *fakeBlocker) CreateBlock(ctx context.Context, ip, scope string, targetHostID *string, reason string, duration time.Duration, createdBy string) (bool, error) {
	f.created = append(f.created, createCall{ip: ip, scope: scope, hostID: targetHostID, duration: duration, createdBy: createdBy})
	return true, nil
}

func (f *fakeBlocker) IsGloballyBlocked(ctx context.Context, ip string) (bool, error) {
	return f.globallyBlocked, nil
}

func newDetection(store *fakeDetectionStore, blocker *fakeBlocker, settings map[string]string) *DetectionService {
	s := NewSettingsService(&fakeSettingsStore{settings: settings}, defaultsConfig())
	return NewDetectionService(store, blocker, s)
}

func TestEvaluate_GlobalThresholdTriggersGlobalBlock(t *testing.T) {
	store := &fakeDetectionStore{ipCount: 5, hostCount: 5}
	blocker := &fakeBlocker{}
	d := newDetection(store, blocker, map[string]string{
		KeyGlobalThreshold: "5",
		KeyTimeWindow:      "5",
		KeyBlockDuration:   "60",
	})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.10", "h-1"))

	// Both policies crossed: only the global block is created.
	require.Len(t, blocker.created, 1)
	c := blocker.created[0]
	assert.Equal(t, models.ScopeGlobal, c.scope)
	assert.Equal(t, "203.0.113.10", c.ip)
	assert.Nil(t, c.hostID)
	assert.Equal(t, models.BlockedByAuto, c.createdBy)
	assert.Equal(t, 60*time.Minute, c.duration)

	// The window must be the configured five minutes.
	assert.WithinDuration(t, time.Now().Add(-5*time.Minute), store.lastGlobalFrom, 2*time.Second)
}

func TestEvaluate_BelowThresholdNoBlock(t *testing.T) {
	store := &fakeDetectionStore{ipCount: 4, hostCount: 4}
	blocker := &fakeBlocker{}
	d := newDetection(store, blocker, map[string]string{KeyGlobalThreshold: "5", KeyThreshold: "5"})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.10", "h-1"))
	assert.Empty(t, blocker.created)
}

func TestEvaluate_ActiveGlobalBlockSuppressesPerHost(t *testing.T) {
	// Enough per-host failures to cross the threshold, but a global
	// block is already active for the IP: nothing new may be created.
	store := &fakeDetectionStore{ipCount: 50, hostCount: 50}
	blocker := &fakeBlocker{globallyBlocked: true}
	d := newDetection(store, blocker, map[string]string{KeyThreshold: "5"})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.11", "h-2"))
	assert.Empty(t, blocker.created)
}

func TestEvaluate_PerHostBlockWhenGlobalBelowThreshold(t *testing.T) {
	// Attack concentrated on one host: per-host threshold crossed while
	// the global threshold is set much higher.
	store := &fakeDetectionStore{ipCount: 6, hostCount: 6}
	blocker := &fakeBlocker{}
	d := newDetection(store, blocker, map[string]string{
		KeyThreshold:       "5",
		KeyGlobalThreshold: "100",
	})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.12", "h-3"))

	require.Len(t, blocker.created, 1)
	c := blocker.created[0]
	assert.Equal(t, models.ScopePerHost, c.scope)
	require.NotNil(t, c.hostID)
	assert.Equal(t, "h-3", *c.hostID)
}

func TestEvaluate_HostPolicyOverrides(t *testing.T) {
	threshold := 3
	window := 120
	duration := 600
	store := &fakeDetectionStore{
		ipCount:   3,
		hostCount: 3,
		policy: &models.HostPolicy{
			HostID:               "h-4",
			Threshold:            &threshold,
			WindowSeconds:        &window,
			BlockDurationSeconds: &duration,
		},
	}
	blocker := &fakeBlocker{}
	d := newDetection(store, blocker, map[string]string{
		KeyThreshold:       "50",
		KeyGlobalThreshold: "50",
	})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.13", "h-4"))

	require.Len(t, blocker.created, 1)
	assert.Equal(t, models.ScopePerHost, blocker.created[0].scope)
	assert.Equal(t, 10*time.Minute, blocker.created[0].duration)
	assert.WithinDuration(t, time.Now().Add(-2*time.Minute), store.lastHostFrom, 2*time.Second)
}

func TestEvaluate_AutoBlockDisabled(t *testing.T) {
	store := &fakeDetectionStore{ipCount: 50, hostCount: 50}
	blocker := &fakeBlocker{}
	d := newDetection(store, blocker, map[string]string{
		KeyEnableAutoBlock:       "false",
		KeyEnableGlobalAutoBlock: "false",
	})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.14", "h-5"))
	assert.Empty(t, blocker.created)
}

func TestEvaluate_ExistingHostBlockNotDuplicated(t *testing.T) {
	store := &fakeDetectionStore{ipCount: 6, hostCount: 6, hasHostBlock: true}
	blocker := &fakeBlocker{}
	d := newDetection(store, blocker, map[string]string{
		KeyThreshold:       "5",
		KeyGlobalThreshold: "100",
	})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.15", "h-6"))
	assert.Empty(t, blocker.created)
}

func TestEvaluate_PerHostPolicyDisabled(t *testing.T) {
	disabled := false
	store := &fakeDetectionStore{
		ipCount:   6,
		hostCount: 6,
		policy:    &models.HostPolicy{HostID: "h-7", AutoBlockEnabled: &disabled},
	}
	blocker := &fakeBlocker{}
	d := newDetection(store, blocker, map[string]string{
		KeyThreshold:       "5",
		KeyGlobalThreshold: "100",
	})

	require.NoError(t, d.Evaluate(context.Background(), "203.0.113.16", "h-7"))
	assert.Empty(t, blocker.created)
}
