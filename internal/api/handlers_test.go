package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"failmon/internal/models"
	"failmon/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestReceiveEvents(t *testing.T) {
	th := setupHandler()
	th.ingest.On("IngestBatch", mock.Anything, mock.MatchedBy(func(b models.IngestBatch) bool {
		return b.HostID == "h-1" && len(b.Events) == 2
	})).Return(2, nil)

	w := th.request(http.MethodPost, "/api/v1/events", `{
		"vm_id": "h-1",
		"hostname": "WIN-HOST",
		"events": [
			{"timestamp": "2026-02-21T22:12:01.0000001", "ip_address": "203.0.113.10"},
			{"timestamp": "2026-02-21T22:12:02.0000002", "ip_address": "203.0.113.10"}
		]
	}`)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(2), resp["accepted"])
	assert.Equal(t, float64(2), resp["events_received"])
	th.ingest.AssertExpectations(t)
}

func TestReceiveEvents_MissingHostID(t *testing.T) {
	th := setupHandler()
	w := th.request(http.MethodPost, "/api/v1/events", `{"hostname": "x", "events": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, false, resp["success"])
	assert.NotEmpty(t, resp["error"])
}

func TestReceiveEvents_MalformedBody(t *testing.T) {
	th := setupHandler()
	w := th.request(http.MethodPost, "/api/v1/events", `{broken`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSuspiciousIPs(t *testing.T) {
	th := setupHandler()
	th.query.On("GetSuspicious", mock.Anything, 10).Return([]models.SuspiciousIP{
		{SourceIP: "203.0.113.10", FailureCount: 42, Status: models.SuspiciousActive},
	}, nil)

	w := th.request(http.MethodGet, "/api/v1/suspicious-ips?threshold=10", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(1), resp["count"])
}

func TestSuspiciousIPs_DefaultThreshold(t *testing.T) {
	th := setupHandler()
	th.query.On("GetSuspicious", mock.Anything, 5).Return([]models.SuspiciousIP{}, nil)
	w := th.request(http.MethodGet, "/api/v1/suspicious-ips", "")
	assert.Equal(t, http.StatusOK, w.Code)
	th.query.AssertExpectations(t)
}

func TestSuspiciousIPs_BadThreshold(t *testing.T) {
	th := setupHandler()
	w := th.request(http.MethodGet, "/api/v1/suspicious-ips?threshold=banana", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBlockIP(t *testing.T) {
	th := setupHandler()
	th.blocks.On("CreateBlock", mock.Anything, "203.0.113.10", models.ScopeGlobal, (*string)(nil), "ssh brute force", 60*time.Minute, models.BlockedByManual).Return(true, nil)

	w := th.request(http.MethodPost, "/api/v1/block", `{"ip_address": "203.0.113.10", "reason": "ssh brute force", "duration_minutes": 60}`)
	assert.Equal(t, http.StatusOK, w.Code)
	th.blocks.AssertExpectations(t)
}

func TestBlockIP_InvalidIP(t *testing.T) {
	th := setupHandler()
	w := th.request(http.MethodPost, "/api/v1/block", `{"ip_address": "not-an-ip", "reason": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	th.blocks.AssertNotCalled(t, "CreateBlock")
}

func TestBlockIP_DefaultDuration(t *testing.T) {
	th := setupHandler()
	th.blocks.On("CreateBlock", mock.Anything, "203.0.113.10", models.ScopeGlobal, (*string)(nil), "", 120*time.Minute, models.BlockedByManual).Return(true, nil)
	w := th.request(http.MethodPost, "/api/v1/block", `{"ip_address": "203.0.113.10"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	th.blocks.AssertExpectations(t)
}

func TestBlockIPPerHost(t *testing.T) {
	th := setupHandler()
	th.blocks.On("CreateBlock", mock.Anything, "203.0.113.11", models.ScopePerHost, mock.MatchedBy(func(h *string) bool {
		return h != nil && *h == "h-2"
	}), "targeted", 30*time.Minute, models.BlockedByManual).Return(true, nil)

	w := th.request(http.MethodPost, "/api/v1/block/per-vm", `{"ip_address": "203.0.113.11", "vm_id": "h-2", "reason": "targeted", "duration_minutes": 30}`)
	assert.Equal(t, http.StatusOK, w.Code)
	th.blocks.AssertExpectations(t)
}

func TestUnblockIP(t *testing.T) {
	th := setupHandler()
	th.blocks.On("Unblock", mock.Anything, "203.0.113.12", models.BlockedByManual).Return(nil)

	w := th.request(http.MethodDelete, "/api/v1/block/203.0.113.12", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, true, resp["success"])
}

func TestUnblockIP_NotFound(t *testing.T) {
	th := setupHandler()
	th.blocks.On("Unblock", mock.Anything, "203.0.113.99", models.BlockedByManual).Return(service.ErrNoActiveBlock)

	w := th.request(http.MethodDelete, "/api/v1/block/203.0.113.99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, false, resp["success"])
}

func TestUnblockIP_InvalidIP(t *testing.T) {
	th := setupHandler()
	w := th.request(http.MethodDelete, "/api/v1/block/banana", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBlockedIPs(t *testing.T) {
	th := setupHandler()
	th.query.On("GetBlocked", mock.Anything).Return([]models.BlockedIPView{
		{SourceIP: "203.0.113.10", Reason: "auto", AutoBlocked: true},
	}, nil)

	w := th.request(http.MethodGet, "/api/v1/blocked-ips", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	data := resp["data"].([]any)
	require.Len(t, data, 1)
	row := data[0].(map[string]any)
	assert.Equal(t, true, row["auto_blocked"])
	assert.Contains(t, row, "blocked_at")
	assert.Contains(t, row, "block_expires")
}

func TestStatistics(t *testing.T) {
	th := setupHandler()
	th.query.On("GetStatistics", mock.Anything).Return(&models.Statistics{
		TotalFailedAttempts: 100,
		UniqueAttackers:     7,
		AttacksLast24h:      50,
	}, nil)

	w := th.request(http.MethodGet, "/api/v1/statistics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	data := resp["data"].(map[string]any)
	assert.Equal(t, float64(100), data["total_failed_attempts"])
	assert.Equal(t, float64(7), data["unique_attackers"])
}

func TestGlobalStatistics(t *testing.T) {
	th := setupHandler()
	th.query.On("GetGlobalStatistics", mock.Anything).Return(&models.GlobalStatistics{
		Statistics:  models.Statistics{TotalFailedAttempts: 10},
		ActiveHosts: 2,
		AttacksByHost: []models.HostCount{
			{HostID: "h-1", Count: 6},
		},
	}, nil)

	w := th.request(http.MethodGet, "/api/v1/statistics/global", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	data := resp["data"].(map[string]any)
	assert.Equal(t, float64(2), data["active_vms"])
	assert.NotNil(t, data["attacks_by_vm"])
}

func TestRegisterHost(t *testing.T) {
	th := setupHandler()
	th.query.On("UpsertHost", mock.Anything, models.Host{
		HostID: "h-1", HostName: "WIN-HOST", HostIP: "10.1.2.3", CollectionMethod: "agent",
	}).Return(nil)

	w := th.request(http.MethodPost, "/api/v1/vms", `{"vm_id": "h-1", "hostname": "WIN-HOST", "ip_address": "10.1.2.3"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	th.query.AssertExpectations(t)
}

func TestRegisterHost_InvalidIP(t *testing.T) {
	th := setupHandler()
	w := th.request(http.MethodPost, "/api/v1/vms", `{"vm_id": "h-1", "ip_address": "999.999.1.1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeregisterHost(t *testing.T) {
	th := setupHandler()
	th.query.On("DeactivateHost", mock.Anything, "h-1").Return(true, nil)
	w := th.request(http.MethodDelete, "/api/v1/vms/h-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeregisterHost_Unknown(t *testing.T) {
	th := setupHandler()
	th.query.On("DeactivateHost", mock.Anything, "nope").Return(false, nil)
	w := th.request(http.MethodDelete, "/api/v1/vms/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHostAttacks(t *testing.T) {
	th := setupHandler()
	th.query.On("GetHost", mock.Anything, "h-1").Return(&models.Host{HostID: "h-1"}, nil)
	th.query.On("GetHostAttacks", mock.Anything, "h-1").Return(&models.HostAttacks{
		HostID: "h-1", TotalAttacks: 12, UniqueAttackers: 3,
	}, nil)

	w := th.request(http.MethodGet, "/api/v1/vms/h-1/attacks", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	data := resp["data"].(map[string]any)
	assert.Equal(t, float64(12), data["total_attacks"])
}

func TestHostAttacks_UnknownHost(t *testing.T) {
	th := setupHandler()
	th.query.On("GetHost", mock.Anything, "nope").Return(nil, nil)
	w := th.request(http.MethodGet, "/api/v1/vms/nope/attacks", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGeoAttacks(t *testing.T) {
	th := setupHandler()
	th.geo.On("TopAttacks", mock.Anything, 10).Return([]models.GeoAttack{}, nil)
	w := th.request(http.MethodGet, "/api/v1/geo-attacks", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, true, resp["success"])
}

func TestHealth(t *testing.T) {
	th := setupHandler()
	th.query.On("Ping", mock.Anything).Return(nil)
	th.query.On("CountActiveHosts", mock.Anything).Return(int64(3), nil)

	w := th.request(http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, true, resp["db_connected"])
	assert.Equal(t, float64(3), resp["active_vms"])
	assert.Contains(t, resp, "uptime_seconds")
}

func TestHealth_DBDown(t *testing.T) {
	th := setupHandler()
	th.query.On("Ping", mock.Anything).Return(assert.AnError)

	w := th.request(http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, "unhealthy", resp["status"])
	assert.Equal(t, false, resp["db_connected"])
}

func TestListHosts(t *testing.T) {
	th := setupHandler()
	th.query.On("ListHosts", mock.Anything).Return([]models.Host{
		{HostID: "h-1", Status: models.HostActive},
		{HostID: "h-2", Status: models.HostInactive},
	}, nil)

	w := th.request(http.MethodGet, "/api/v1/vms", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w.Body.Bytes())
	assert.Equal(t, float64(2), resp["count"])
}
