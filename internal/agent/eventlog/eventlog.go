// Package eventlog abstracts the OS security event channel behind a
// pull-model source: a reverse snapshot cursor for the startup back-scan
// and a signal-driven subscription for live events. The Windows
// implementation wraps wevtapi; other platforms get ErrUnsupported so the
// pipeline stays testable with fakes.
package eventlog

import (
	"errors"
	"time"
)

var ErrUnsupported = errors.New("event log source is only available on windows")

// Cursor iterates a snapshot query. Next returns rendered event XML,
// newest first for back-scan cursors; an empty slice means the end.
type Cursor interface {
	Next(max int) ([]string, error)
	Close()
}

// Source is the OS event channel. The flow is: OpenBackscan at startup,
// then Subscribe and alternate Wait/Pull. Wait returning false means the
// poll timeout elapsed without a signal; callers still pull, and the agent
// also opens a fresh back-scan cursor as a safety net (and on every pass
// in pure-poll mode).
type Source interface {
	OpenBackscan() (Cursor, error)
	Subscribe() error
	Wait(timeout time.Duration) (bool, error)
	Pull(max int) ([]string, error)
	Close()
}
