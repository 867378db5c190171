//go:build windows

package eventlog

import (
	"fmt"
	"time"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modwevtapi = windows.NewLazySystemDLL("wevtapi.dll")

	procEvtQuery     = modwevtapi.NewProc("EvtQuery")
	procEvtSubscribe = modwevtapi.NewProc("EvtSubscribe")
	procEvtNext      = modwevtapi.NewProc("EvtNext")
	procEvtRender    = modwevtapi.NewProc("EvtRender")
	procEvtClose     = modwevtapi.NewProc("EvtClose")
)

const (
	evtQueryChannelPath        = 0x1
	evtQueryReverseDirection   = 0x200
	evtSubscribeToFutureEvents = 1
	evtRenderEventXML          = 1

	// EvtNext timeouts. INFINITE is safe on snapshot queries, which
	// return no-more-items at the end; a subscription handle must use
	// NOWAIT or it blocks forever once the buffered events are drained.
	evtNextInfinite uint32 = 0xFFFFFFFF
	evtNextNoWait   uint32 = 0
)

func evtClose(h uintptr) {
	if h != 0 {
		_, _, _ = procEvtClose.Call(h)
	}
}

// winSource reads a single channel filtered to one event ID.
type winSource struct {
	channel string
	query   string

	signal       windows.Handle
	subscription uintptr
}

// NewSource opens the named channel (normally "Security") filtered to the
// failed-logon event code.
func NewSource(channel string, eventID int) (Source, error) {
	return &winSource{
		channel: channel,
		query:   fmt.Sprintf("*[System[EventID=%d]]", eventID),
	}, nil
}

type winCursor struct {
	handle uintptr
}

func (s *winSource) OpenBackscan() (Cursor, error) {
	channel, err := windows.UTF16PtrFromString(s.channel)
	if err != nil {
		return nil, err
	}
	query, err := windows.UTF16PtrFromString(s.query)
	if err != nil {
		return nil, err
	}
	h, _, lastErr := procEvtQuery.Call(
		0,
		uintptr(unsafe.Pointer(channel)),
		uintptr(unsafe.Pointer(query)),
		uintptr(evtQueryChannelPath|evtQueryReverseDirection),
	)
	if h == 0 {
		return nil, fmt.Errorf("EvtQuery on %s: %w", s.channel, lastErr)
	}
	return &winCursor{handle: h}, nil
}

func (c *winCursor) Next(max int) ([]string, error) {
	return evtNext(c.handle, max, evtNextInfinite)
}

func (c *winCursor) Close() {
	evtClose(c.handle)
	c.handle = 0
}

func (s *winSource) Subscribe() error {
	// Manual-reset event: it stays signaled until explicitly reset, so a
	// signal arriving between Wait and Pull cannot be lost.
	signal, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return fmt.Errorf("CreateEvent: %w", err)
	}

	channel, err := windows.UTF16PtrFromString(s.channel)
	if err != nil {
		windows.CloseHandle(signal)
		return err
	}
	query, err := windows.UTF16PtrFromString(s.query)
	if err != nil {
		windows.CloseHandle(signal)
		return err
	}

	h, _, lastErr := procEvtSubscribe.Call(
		0,
		uintptr(signal),
		uintptr(unsafe.Pointer(channel)),
		uintptr(unsafe.Pointer(query)),
		0, // bookmark
		0, // context
		0, // callback (pull mode)
		uintptr(evtSubscribeToFutureEvents),
	)
	if h == 0 {
		windows.CloseHandle(signal)
		return fmt.Errorf("EvtSubscribe on %s: %w", s.channel, lastErr)
	}

	s.signal = signal
	s.subscription = h
	return nil
}

// Wait blocks until the subscription signals or the timeout elapses.
// On a signal the event is reset before returning, so events written
// during the following Pull re-signal for the next cycle.
func (s *winSource) Wait(timeout time.Duration) (bool, error) {
	ev, err := windows.WaitForSingleObject(s.signal, uint32(timeout.Milliseconds()))
	switch ev {
	case windows.WAIT_OBJECT_0:
		_ = windows.ResetEvent(s.signal)
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, fmt.Errorf("WaitForSingleObject returned %#x: %w", ev, err)
	}
}

func (s *winSource) Pull(max int) ([]string, error) {
	if s.subscription == 0 {
		return nil, nil
	}
	return evtNext(s.subscription, max, evtNextNoWait)
}

func (s *winSource) Close() {
	evtClose(s.subscription)
	s.subscription = 0
	if s.signal != 0 {
		windows.CloseHandle(s.signal)
		s.signal = 0
	}
}

// evtNext fetches and renders up to max events from a result set or
// subscription handle. An empty slice means drained.
func evtNext(source uintptr, max int, timeout uint32) ([]string, error) {
	if max <= 0 {
		max = 50
	}
	handles := make([]uintptr, max)
	var returned uint32

	ok, _, lastErr := procEvtNext.Call(
		source,
		uintptr(max),
		uintptr(unsafe.Pointer(&handles[0])),
		uintptr(timeout),
		0,
		uintptr(unsafe.Pointer(&returned)),
	)
	if ok == 0 {
		if lastErr == windows.ERROR_NO_MORE_ITEMS || lastErr == windows.ERROR_TIMEOUT {
			return nil, nil
		}
		return nil, fmt.Errorf("EvtNext: %w", lastErr)
	}

	events := make([]string, 0, returned)
	for _, h := range handles[:returned] {
		xmlStr, err := renderXML(h)
		evtClose(h)
		if err != nil {
			// A single unrenderable event is skipped, not fatal.
			continue
		}
		events = append(events, xmlStr)
	}
	return events, nil
}

func renderXML(event uintptr) (string, error) {
	var bufferUsed, propertyCount uint32

	ok, _, lastErr := procEvtRender.Call(
		0,
		event,
		uintptr(evtRenderEventXML),
		0,
		0,
		uintptr(unsafe.Pointer(&bufferUsed)),
		uintptr(unsafe.Pointer(&propertyCount)),
	)
	if ok == 0 && lastErr != windows.ERROR_INSUFFICIENT_BUFFER {
		return "", fmt.Errorf("EvtRender size probe: %w", lastErr)
	}
	if bufferUsed == 0 {
		return "", nil
	}

	buf := make([]uint16, (bufferUsed+1)/2)
	ok, _, lastErr = procEvtRender.Call(
		0,
		event,
		uintptr(evtRenderEventXML),
		uintptr(bufferUsed),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&bufferUsed)),
		uintptr(unsafe.Pointer(&propertyCount)),
	)
	if ok == 0 {
		return "", fmt.Errorf("EvtRender: %w", lastErr)
	}

	// Trim the trailing NUL before decoding.
	n := len(buf)
	for n > 0 && buf[n-1] == 0 {
		n--
	}
	return string(utf16.Decode(buf[:n])), nil
}
