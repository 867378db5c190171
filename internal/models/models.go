package models

import "time"

// FailedLogin is one authentication-failure record as persisted. Rows are
// immutable; the natural key (source_ip, username, source_port,
// event_time_raw, host_id) dedups agent retries.
type FailedLogin struct {
	ID            int64     `json:"id" db:"id"`
	SourceIP      string    `json:"source_ip" db:"source_ip"`
	Username      *string   `json:"username" db:"username"`
	SourceHost    *string   `json:"source_host" db:"source_host"`
	LogonType     *int      `json:"logon_type" db:"logon_type"`
	FailureReason *string   `json:"failure_reason" db:"failure_reason"`
	SourcePort    *int      `json:"source_port" db:"source_port"`
	EventTime     time.Time `json:"event_timestamp" db:"event_timestamp"`
	// EventTimeRaw keeps the agent's local-time string verbatim, including
	// the 7-digit fractional seconds a Postgres timestamp cannot hold.
	EventTimeRaw string    `json:"-" db:"event_time_raw"`
	HostID       string    `json:"host_id" db:"host_id"`
	EventClass   int       `json:"event_class" db:"event_class"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// SuspiciousIP is the lifetime counter per source IP. The failure count is
// a dashboard convenience only; threshold decisions always come from
// windowed counts over failed_logins.
type SuspiciousIP struct {
	SourceIP     string    `json:"source_ip" db:"source_ip"`
	FailureCount int64     `json:"failure_count" db:"failure_count"`
	FirstSeen    time.Time `json:"first_seen" db:"first_seen"`
	LastSeen     time.Time `json:"last_seen" db:"last_seen"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

const (
	SuspiciousActive  = "active"
	SuspiciousBlocked = "blocked"
	SuspiciousCleared = "cleared"
)

type Host struct {
	HostID           string     `json:"vm_id" db:"host_id"`
	HostName         string     `json:"hostname" db:"host_name"`
	HostIP           string     `json:"ip_address" db:"host_ip"`
	CollectionMethod string     `json:"collection_method" db:"collection_method"`
	Status           string     `json:"status" db:"status"`
	LastSeen         *time.Time `json:"last_seen" db:"last_seen"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

const (
	HostActive   = "active"
	HostInactive = "inactive"
	HostError    = "error"
)

const (
	ScopeGlobal  = "global"
	ScopePerHost = "per-host"
)

const (
	BlockedByAuto   = "auto"
	BlockedByManual = "manual"
)

type Block struct {
	ID           int64      `json:"id" db:"id"`
	SourceIP     string     `json:"source_ip" db:"source_ip"`
	Scope        string     `json:"scope" db:"scope"`
	TargetHostID *string    `json:"target_host_id" db:"target_host_id"`
	Reason       string     `json:"reason" db:"reason"`
	CreatedBy    string     `json:"created_by" db:"created_by"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	ClearedAt    *time.Time `json:"cleared_at" db:"cleared_at"`
	ClearedBy    *string    `json:"cleared_by" db:"cleared_by"`
}

// HostPolicy overrides the global thresholds for one host. Nil fields
// inherit the global settings.
type HostPolicy struct {
	HostID               string `db:"host_id"`
	Threshold            *int   `db:"threshold"`
	WindowSeconds        *int   `db:"window_seconds"`
	BlockDurationSeconds *int   `db:"block_duration_seconds"`
	AutoBlockEnabled     *bool  `db:"auto_block_enabled"`
}

// IngestEvent is one event as shipped by the agent. Numeric fields arrive
// as strings straight out of the event XML; the collector parses them
// best-effort.
type IngestEvent struct {
	Timestamp   string  `json:"timestamp"`
	IPAddress   string  `json:"ip_address"`
	Username    *string `json:"username"`
	Domain      *string `json:"domain"`
	LogonType   *string `json:"logon_type"`
	Status      *string `json:"status"`
	Workstation *string `json:"workstation"`
	SourcePort  *string `json:"source_port"`
}

// IngestBatch is the agent POST /events payload.
type IngestBatch struct {
	HostID   string        `json:"vm_id" binding:"required"`
	HostName string        `json:"hostname"`
	Events   []IngestEvent `json:"events"`
}

// FeedEvent is one live-feed frame.
type FeedEvent struct {
	SourceIP      string `json:"source_ip"`
	Username      string `json:"target_username"`
	EventTime     string `json:"event_timestamp"`
	AttemptNumber int64  `json:"attempt_number"`
}

type GeoData struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type UsernameCount struct {
	Username string `json:"username" db:"username"`
	Count    int64  `json:"count" db:"count"`
}

type HourCount struct {
	Hour  string `json:"hour" db:"hour"`
	Count int64  `json:"count" db:"count"`
}

type HostCount struct {
	HostID string `json:"vm_id" db:"host_id"`
	Count  int64  `json:"count" db:"count"`
}

type IPCount struct {
	SourceIP string `json:"source_ip" db:"source_ip"`
	Count    int64  `json:"count" db:"count"`
}

// Statistics is the GET /statistics projection.
type Statistics struct {
	TotalFailedAttempts  int64           `json:"total_failed_attempts"`
	UniqueAttackers      int64           `json:"unique_attackers"`
	BlockedIPs           int64           `json:"blocked_ips"`
	AttacksLast24h       int64           `json:"attacks_last_24h"`
	AttacksLastHour      int64           `json:"attacks_last_hour"`
	TopAttackedUsernames []UsernameCount `json:"top_attacked_usernames"`
	AttacksByHour        []HourCount     `json:"attacks_by_hour"`
}

// GlobalStatistics adds the per-host breakdown.
type GlobalStatistics struct {
	Statistics
	ActiveHosts   int64       `json:"active_vms"`
	InactiveHosts int64       `json:"inactive_vms"`
	AttacksByHost []HostCount `json:"attacks_by_vm"`
}

// HostAttacks is the GET /vms/{id}/attacks projection.
type HostAttacks struct {
	HostID          string          `json:"vm_id"`
	TotalAttacks    int64           `json:"total_attacks"`
	UniqueAttackers int64           `json:"unique_attackers"`
	AttacksLast24h  int64           `json:"attacks_last_24h"`
	AttacksLastHour int64           `json:"attacks_last_hour"`
	TopUsernames    []UsernameCount `json:"top_usernames"`
	TopSourceIPs    []IPCount       `json:"top_source_ips"`
}

// BlockedIPView is the GET /blocked-ips row projection.
type BlockedIPView struct {
	SourceIP     string    `json:"ip_address" db:"source_ip"`
	BlockedAt    time.Time `json:"blocked_at" db:"created_at"`
	BlockExpires time.Time `json:"block_expires" db:"expires_at"`
	Reason       string    `json:"reason" db:"reason"`
	Scope        string    `json:"scope" db:"scope"`
	TargetHostID *string   `json:"vm_id,omitempty" db:"target_host_id"`
	AutoBlocked  bool      `json:"auto_blocked" db:"auto_blocked"`
}

// GeoAttack is one row of the GET /geo-attacks projection.
type GeoAttack struct {
	SourceIP string   `json:"source_ip"`
	Count    int64    `json:"count"`
	Geo      *GeoData `json:"geolocation"`
}
