package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSender_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "h-1", "WIN-HOST")
	err := s.Send(context.Background(), []Event{{
		Timestamp:  "2026-02-21T22:12:04.7999016",
		IPAddress:  "203.0.113.10",
		Username:   strPtr("administrator"),
		SourcePort: strPtr("51544"),
		rawUTC:     "2026-02-21T16:42:04.7999016Z",
	}})
	require.NoError(t, err)

	assert.Equal(t, "h-1", got["vm_id"])
	assert.Equal(t, "WIN-HOST", got["hostname"])
	events := got["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "203.0.113.10", ev["ip_address"])
	assert.Equal(t, "administrator", ev["username"])
	assert.Equal(t, "2026-02-21T22:12:04.7999016", ev["timestamp"])
	// Optional fields that were absent go out as null.
	assert.Nil(t, ev["domain"])
	// The raw UTC string is internal only.
	for key := range ev {
		assert.NotContains(t, key, "raw")
	}
}

func TestSender_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "h-1", "WIN-HOST")
	err := s.Send(context.Background(), []Event{{IPAddress: "203.0.113.10"}})
	assert.Error(t, err)
}

func TestSender_Unreachable(t *testing.T) {
	s := NewSender("http://127.0.0.1:1/api/v1/events", "h-1", "WIN-HOST")
	err := s.Send(context.Background(), []Event{{IPAddress: "203.0.113.10"}})
	assert.Error(t, err)
}
