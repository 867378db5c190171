package service

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"failmon/internal/metrics"
	"failmon/internal/models"

	zlog "github.com/rs/zerolog/log"
)

// DefaultEventClass is the Windows failed-logon event code.
const DefaultEventClass = 4625

// ignoredIPs is loopback and empty-source noise that must never reach
// persistence.
var ignoredIPs = map[string]struct{}{
	"":          {},
	"-":         {},
	"0.0.0.0":   {},
	"::1":       {},
	"127.0.0.1": {},
}

type ingestStore interface {
	InsertFailedLogin(ctx context.Context, ev models.FailedLogin) (bool, int64, error)
}

type feedPublisher interface {
	Publish(ev models.FeedEvent)
}

type detector interface {
	Evaluate(ctx context.Context, ip, hostID string) error
}

// IngestService accepts agent batches: validate, persist idempotently,
// then feed and detection per admitted event. Events are processed in
// submitted order.
type IngestService struct {
	store    ingestStore
	feed     feedPublisher
	detector detector
}

func NewIngestService(store ingestStore, feed feedPublisher, detector detector) *IngestService {
	return &IngestService{store: store, feed: feed, detector: detector}
}

// IngestBatch returns the number of newly admitted events. Duplicates and
// filtered events are not errors; a storage failure aborts the batch so
// the agent retries it whole.
func (s *IngestService) IngestBatch(ctx context.Context, batch models.IngestBatch) (int, error) {
	accepted := 0
	for _, ev := range batch.Events {
		ip := strings.TrimSpace(ev.IPAddress)
		if _, ignored := ignoredIPs[ip]; ignored {
			metrics.MetricEventsRejected.WithLabelValues("loopback").Inc()
			continue
		}
		if _, err := netip.ParseAddr(ip); err != nil {
			metrics.MetricEventsRejected.WithLabelValues("invalid_ip").Inc()
			zlog.Warn().Str("ip", ip).Str("host_id", batch.HostID).Msg("dropping event with unparseable source ip")
			continue
		}

		eventTime, err := ParseEventTime(ev.Timestamp)
		if err != nil {
			metrics.MetricEventsRejected.WithLabelValues("bad_timestamp").Inc()
			zlog.Warn().Str("timestamp", ev.Timestamp).Str("host_id", batch.HostID).Msg("dropping event with unparseable timestamp")
			continue
		}

		record := models.FailedLogin{
			SourceIP:      ip,
			Username:      nilIfEmpty(ev.Username),
			SourceHost:    nilIfEmpty(ev.Workstation),
			LogonType:     safeInt(ev.LogonType),
			FailureReason: failureReason(ev.Status),
			SourcePort:    safeInt(ev.SourcePort),
			EventTime:     eventTime,
			EventTimeRaw:  ev.Timestamp,
			HostID:        batch.HostID,
			EventClass:    DefaultEventClass,
		}

		admitted, attempt, err := s.store.InsertFailedLogin(ctx, record)
		if err != nil {
			return accepted, err
		}
		if !admitted {
			metrics.MetricEventsDeduped.Inc()
			continue
		}
		accepted++
		metrics.MetricEventsIngested.WithLabelValues(batch.HostID).Inc()

		if s.feed != nil {
			s.feed.Publish(models.FeedEvent{
				SourceIP:      ip,
				Username:      strValue(ev.Username),
				EventTime:     ev.Timestamp,
				AttemptNumber: attempt,
			})
		}

		if s.detector != nil {
			// Detection runs after commit on a detached context: a client
			// disconnect must not abort a pending block decision, and a
			// detection failure never fails the ingest.
			detCtx := context.WithoutCancel(ctx)
			if err := s.detector.Evaluate(detCtx, ip, batch.HostID); err != nil {
				zlog.Error().Err(err).Str("ip", ip).Msg("detection evaluation failed")
			}
		}
	}
	return accepted, nil
}

// eventTimeLayouts: the agent ships host-local civil time with up to seven
// fractional digits and no zone; forwarded sources may send RFC 3339.
var eventTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// ParseEventTime interprets zoneless timestamps in the collector's local
// zone, which is the comparison clock for all rolling windows.
func ParseEventTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range eventTimeLayouts {
		t, err := time.ParseInLocation(layout, value, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func nilIfEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || v == "-" {
		return nil
	}
	return &v
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// safeInt parses numeric event fields shipped as strings; "-" and garbage
// become nil rather than failing the event.
func safeInt(s *string) *int {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || v == "-" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// failureReason carries the NTSTATUS as an opaque bounded string. Values
// like 0xC000006A overflow int32, so this must never become an integer.
func failureReason(s *string) *string {
	v := nilIfEmpty(s)
	if v == nil {
		return nil
	}
	r := *v
	if len(r) > 20 {
		r = r[:20]
	}
	return &r
}
