package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"strings"
	"time"
)

// Event is one parsed failed-logon record. Optional fields stay nil when
// the event XML omits them so they serialize as JSON null.
type Event struct {
	Timestamp   string  `json:"timestamp"`
	IPAddress   string  `json:"ip_address"`
	Username    *string `json:"username"`
	Domain      *string `json:"domain"`
	LogonType   *string `json:"logon_type"`
	Status      *string `json:"status"`
	Workstation *string `json:"workstation"`
	SourcePort  *string `json:"source_port"`

	// rawUTC is the SystemTime attribute verbatim. It exists only for
	// fingerprinting and is never transmitted: fingerprints must stay
	// stable across timezone changes.
	rawUTC string
}

// ignoredIPs is localhost / loopback noise that is dropped before dedup.
var ignoredIPs = map[string]struct{}{
	"":          {},
	"-":         {},
	"::1":       {},
	"127.0.0.1": {},
	"0.0.0.0":   {},
}

// Ignored reports whether the event's source address is loopback noise.
func (e *Event) Ignored() bool {
	_, ok := ignoredIPs[e.IPAddress]
	return ok
}

// Fingerprint hashes the raw UTC time, source address, username and port.
// Two real attempts at different instants always differ in SystemTime, so
// they always get distinct fingerprints.
func (e *Event) Fingerprint() string {
	parts := []string{e.rawUTC, e.IPAddress, strDeref(e.Username), strDeref(e.SourcePort)}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type eventXML struct {
	System struct {
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	EventData struct {
		Data []struct {
			Name  string `xml:"Name,attr"`
			Value string `xml:",chardata"`
		} `xml:"Data"`
	} `xml:"EventData"`
}

// ParseEventXML extracts the fields of interest from a rendered event.
func ParseEventXML(raw string) (*Event, error) {
	var doc eventXML
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}

	data := make(map[string]string, len(doc.EventData.Data))
	for _, d := range doc.EventData.Data {
		data[d.Name] = d.Value
	}

	rawUTC := doc.System.TimeCreated.SystemTime
	ev := &Event{
		Timestamp:   utcToLocal(rawUTC),
		IPAddress:   data["IpAddress"],
		Username:    optField(data, "TargetUserName"),
		Domain:      optField(data, "TargetDomainName"),
		LogonType:   optField(data, "LogonType"),
		Status:      optField(data, "Status"),
		Workstation: optField(data, "WorkstationName"),
		SourcePort:  optField(data, "IpPort"),
		rawUTC:      rawUTC,
	}
	return ev, nil
}

func optField(data map[string]string, name string) *string {
	v, ok := data[name]
	if !ok || v == "" {
		return nil
	}
	return &v
}

// utcToLocal converts a SystemTime UTC string to local civil time.
// The fractional seconds carry up to seven digits, which time.Format
// cannot round-trip, so the fraction is split off, the whole seconds are
// converted, and the original fraction is re-appended verbatim.
//
//	in:  2026-02-21T16:42:04.7999016Z
//	out: 2026-02-21T22:12:04.7999016 (for UTC+5:30)
func utcToLocal(raw string) string {
	if raw == "" {
		return ""
	}
	clean := strings.TrimSuffix(raw, "Z")
	datePart := clean
	frac := "0"
	if i := strings.IndexByte(clean, '.'); i >= 0 {
		datePart, frac = clean[:i], clean[i+1:]
	}
	t, err := time.Parse("2006-01-02T15:04:05", datePart)
	if err != nil {
		return raw
	}
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC).In(time.Local)
	return local.Format("2006-01-02T15:04:05") + "." + frac
}
