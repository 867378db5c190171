package agent

import (
	"context"
	"time"

	"failmon/internal/agent/eventlog"

	zlog "github.com/rs/zerolog/log"
)

// readBatchSize bounds each EvtNext read.
const readBatchSize = 50

// Agent runs the event pipeline on one monitored host: startup back-scan,
// signal-driven live subscription with a safety-net pull, dedup, and
// batched shipping with in-memory retry. Everything runs on the calling
// goroutine; there is no other writer to the seen file.
type Agent struct {
	cfg    *Config
	source eventlog.Source
	seen   *SeenStore
	queue  *Queue
	sender *Sender
}

func New(cfg *Config, source eventlog.Source, seen *SeenStore, sender *Sender) *Agent {
	return &Agent{
		cfg:    cfg,
		source: source,
		seen:   seen,
		queue:  &Queue{},
		sender: sender,
	}
}

// Run blocks until ctx is canceled. On cancel the queue is flushed once,
// best-effort; anything unsent is recovered by the next back-scan.
func (a *Agent) Run(ctx context.Context) error {
	zlog.Info().Str("host_id", a.cfg.HostID).Msg("agent started")

	// Phase 1: catch events generated while the agent was down.
	if missed, err := a.backscan(); err != nil {
		zlog.Error().Err(err).Msg("startup scan failed")
	} else if len(missed) > 0 {
		a.logEvents(missed)
		a.queue.Push(missed...)
		a.trySend(ctx)
	}

	// Phase 2: live subscription, falling back to pure polling when the
	// subscription cannot be created.
	if err := a.source.Subscribe(); err != nil {
		zlog.Error().Err(err).Int("poll_interval", a.cfg.PollInterval).Msg("subscription failed, falling back to polling mode")
		return a.runPolling(ctx)
	}
	defer a.source.Close()
	zlog.Info().Msg("real-time subscription active")

	waitTimeout := time.Duration(a.cfg.PollInterval) * time.Second

	for {
		if err := ctx.Err(); err != nil {
			a.shutdownFlush()
			return nil
		}

		signaled, err := a.source.Wait(waitTimeout)
		if err != nil {
			zlog.Error().Err(err).Msg("subscription wait failed")
			if sleepCtx(ctx, waitTimeout) {
				a.shutdownFlush()
				return nil
			}
			continue
		}

		events, err := a.pullNew()
		if err != nil {
			zlog.Error().Err(err).Msg("subscription pull failed")
		}

		if !signaled {
			// Safety-net direct pull: a reverse re-scan catches anything
			// the notification mechanism missed, within one interval.
			// The reverse cursor early-exits on the first all-seen batch,
			// so the cost tracks new events, not log size.
			scanned, err := a.backscan()
			if err != nil {
				zlog.Error().Err(err).Msg("safety-net scan failed")
			}
			events = append(events, scanned...)
		}

		if len(events) > 0 {
			a.logEvents(events)
			a.queue.Push(events...)
		}
		if a.queue.Len() > 0 {
			a.trySend(ctx)
		}
	}
}

// runPolling is the fallback loop when EvtSubscribe is unavailable: a
// snapshot scan every poll interval.
func (a *Agent) runPolling(ctx context.Context) error {
	zlog.Info().Int("poll_interval", a.cfg.PollInterval).Msg("polling mode")
	interval := time.Duration(a.cfg.PollInterval) * time.Second
	for {
		events, err := a.backscan()
		if err != nil {
			zlog.Error().Err(err).Msg("poll scan failed")
		}
		if len(events) > 0 {
			a.logEvents(events)
			a.queue.Push(events...)
		}
		if a.queue.Len() > 0 {
			a.trySend(ctx)
		}
		if sleepCtx(ctx, interval) {
			a.shutdownFlush()
			return nil
		}
	}
}

// backscan reads the channel newest-first and stops as soon as an entire
// read batch is already in the seen set: everything older is guaranteed
// seen too. Returns the unseen events, oldest-last, with their
// fingerprints admitted to the in-memory set.
func (a *Agent) backscan() ([]Event, error) {
	cursor, err := a.source.OpenBackscan()
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var all []Event
	for {
		raws, err := cursor.Next(readBatchSize)
		if err != nil {
			zlog.Warn().Err(err).Msg("scan read failed")
			break
		}
		if len(raws) == 0 {
			break
		}

		batch := a.parseBatch(raws)
		all = append(all, batch...)

		if len(batch) > 0 {
			allSeen := true
			for i := range batch {
				if !a.seen.Contains(batch[i].Fingerprint()) {
					allSeen = false
					break
				}
			}
			if allSeen {
				break
			}
		}
	}

	return a.admitNew(all), nil
}

// pullNew drains the live subscription and returns the unseen events.
func (a *Agent) pullNew() ([]Event, error) {
	var all []Event
	for {
		raws, err := a.source.Pull(readBatchSize)
		if err != nil {
			return a.admitNew(all), err
		}
		if len(raws) == 0 {
			break
		}
		all = append(all, a.parseBatch(raws)...)
	}
	return a.admitNew(all), nil
}

// parseBatch parses rendered XML, skipping unparseable events and
// loopback noise. A bad event never aborts the batch.
func (a *Agent) parseBatch(raws []string) []Event {
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := ParseEventXML(raw)
		if err != nil {
			zlog.Warn().Err(err).Msg("failed to parse event XML")
			continue
		}
		if ev.Ignored() {
			continue
		}
		events = append(events, *ev)
	}
	return events
}

// admitNew filters out already-seen events and records the fingerprints
// of the rest. The seen file itself is only written after a successful
// ingest, so a crash replays rather than loses.
func (a *Agent) admitNew(events []Event) []Event {
	var fresh []Event
	for i := range events {
		if a.seen.Add(events[i].Fingerprint()) {
			fresh = append(fresh, events[i])
		}
	}
	if len(events) > 0 {
		zlog.Info().Int("received", len(events)).Int("new", len(fresh)).Msg("events processed")
	}
	return fresh
}

// trySend ships the whole queue as one batch. Success clears the queue
// and persists the seen set; failure keeps both for the next cycle.
func (a *Agent) trySend(ctx context.Context) {
	batch := a.queue.Drain()
	if len(batch) == 0 {
		return
	}
	if err := a.sender.Send(ctx, batch); err != nil {
		zlog.Error().Err(err).Int("queued", len(batch)).Msg("send failed, events retained for retry")
		return
	}
	a.queue.Clear()
	a.seen.Save()
}

// shutdownFlush is the one best-effort flush on shutdown.
func (a *Agent) shutdownFlush() {
	if a.queue.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.trySend(ctx)
}

func (a *Agent) logEvents(events []Event) {
	for i := range events {
		zlog.Info().
			Str("user", strDeref(events[i].Username)).
			Str("ip", events[i].IPAddress).
			Msg("failed login")
	}
}

// sleepCtx sleeps for d, returning true when ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}
