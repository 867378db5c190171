package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"time"

	"failmon/internal/config"
	"failmon/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
)

// MockIngest implements IngestProvider
type MockIngest struct {
	mock.Mock
}

func (m *MockIngest) IngestBatch(ctx context.Context, batch models.IngestBatch) (int, error) {
	args := m.Called(ctx, batch)
	return args.Int(0), args.Error(1)
}

// MockBlocks implements BlockProvider
type MockBlocks struct {
	mock.Mock
}

func (m *MockBlocks) CreateBlock(ctx context.Context, ip, scope string, targetHostID *string, reason string, duration time.Duration, createdBy string) (bool, error) {
	args := m.Called(ctx, ip, scope, targetHostID, reason, duration, createdBy)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlocks) Unblock(ctx context.Context, ip, clearedBy string) error {
	args := m.Called(ctx, ip, clearedBy)
	return args.Error(0)
}

// MockQuery implements QueryProvider
type MockQuery struct {
	mock.Mock
}

func (m *MockQuery) GetSuspicious(ctx context.Context, threshold int) ([]models.SuspiciousIP, error) {
	args := m.Called(ctx, threshold)
	return args.Get(0).([]models.SuspiciousIP), args.Error(1)
}

func (m *MockQuery) GetBlocked(ctx context.Context) ([]models.BlockedIPView, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.BlockedIPView), args.Error(1)
}

func (m *MockQuery) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	args := m.Called(ctx)
	return args.Get(0).(*models.Statistics), args.Error(1)
}

func (m *MockQuery) GetGlobalStatistics(ctx context.Context) (*models.GlobalStatistics, error) {
	args := m.Called(ctx)
	return args.Get(0).(*models.GlobalStatistics), args.Error(1)
}

func (m *MockQuery) GetHostAttacks(ctx context.Context, hostID string) (*models.HostAttacks, error) {
	args := m.Called(ctx, hostID)
	return args.Get(0).(*models.HostAttacks), args.Error(1)
}

func (m *MockQuery) UpsertHost(ctx context.Context, h models.Host) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *MockQuery) ListHosts(ctx context.Context) ([]models.Host, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Host), args.Error(1)
}

func (m *MockQuery) GetHost(ctx context.Context, hostID string) (*models.Host, error) {
	args := m.Called(ctx, hostID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Host), args.Error(1)
}

func (m *MockQuery) DeactivateHost(ctx context.Context, hostID string) (bool, error) {
	args := m.Called(ctx, hostID)
	return args.Bool(0), args.Error(1)
}

func (m *MockQuery) CountActiveHosts(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQuery) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockGeo implements GeoProvider
type MockGeo struct {
	mock.Mock
}

func (m *MockGeo) TopAttacks(ctx context.Context, limit int) ([]models.GeoAttack, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.GeoAttack), args.Error(1)
}

type testHandler struct {
	handler *APIHandler
	engine  *gin.Engine
	ingest  *MockIngest
	blocks  *MockBlocks
	query   *MockQuery
	geo     *MockGeo
	hub     *Hub
}

func setupHandler() *testHandler {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{BasePath: "/api/v1"}
	th := &testHandler{
		ingest: &MockIngest{},
		blocks: &MockBlocks{},
		query:  &MockQuery{},
		geo:    &MockGeo{},
		hub:    NewHub(),
	}
	th.handler = NewAPIHandler(cfg, th.ingest, th.blocks, th.query, th.geo, th.hub)
	th.engine = gin.New()
	th.handler.RegisterRoutes(th.engine)
	return th
}

func (th *testHandler) request(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	th.engine.ServeHTTP(w, req)
	return w
}
