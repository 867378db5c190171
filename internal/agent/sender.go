package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// wireBatch is the POST /events payload. Events marshal without rawUTC,
// which is unexported and fingerprint-only.
type wireBatch struct {
	HostID   string  `json:"vm_id"`
	HostName string  `json:"hostname"`
	Events   []Event `json:"events"`
}

// Sender ships event batches to the collector ingest endpoint.
type Sender struct {
	client   *http.Client
	url      string
	hostID   string
	hostName string
}

func NewSender(url, hostID, hostName string) *Sender {
	return &Sender{
		client:   &http.Client{Timeout: 30 * time.Second},
		url:      url,
		hostID:   hostID,
		hostName: hostName,
	}
}

// Send posts one batch. Any non-2xx status is an error; the caller keeps
// the events queued for the next cycle.
func (s *Sender) Send(ctx context.Context, events []Event) error {
	payload, err := json.Marshal(wireBatch{
		HostID:   s.hostID,
		HostName: s.hostName,
		Events:   events,
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach collector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned HTTP %d", resp.StatusCode)
	}
	zlog.Info().Int("count", len(events)).Msg("sent events to collector")
	return nil
}
