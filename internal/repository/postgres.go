package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"failmon/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(url string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// InsertFailedLogin persists one event inside a single transaction:
// insert the row, bump the suspicious counter, touch the host. The insert
// dedups on the natural key; a duplicate returns admitted=false with no
// other writes. attemptNumber is the post-upsert lifetime counter.
func (p *PostgresRepository) InsertFailedLogin(ctx context.Context, ev models.FailedLogin) (admitted bool, attemptNumber int64, err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO failed_logins
			(source_ip, username, source_host, logon_type, failure_reason, source_port, event_timestamp, event_time_raw, host_id, event_class)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_ip, COALESCE(username, ''), COALESCE(source_port, 0), event_time_raw, host_id) DO NOTHING`,
		ev.SourceIP, ev.Username, ev.SourceHost, ev.LogonType, ev.FailureReason, ev.SourcePort,
		ev.EventTime, ev.EventTimeRaw, ev.HostID, ev.EventClass)
	if err != nil {
		return false, 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if rows == 0 {
		// Duplicate delivery; nothing else changes.
		err = tx.Commit()
		return false, 0, err
	}

	err = tx.GetContext(ctx, &attemptNumber, `
		INSERT INTO suspicious_ips (source_ip, failure_count, first_seen, last_seen, status)
		VALUES ($1, 1, $2, $2, 'active')
		ON CONFLICT (source_ip) DO UPDATE SET
			failure_count = suspicious_ips.failure_count + 1,
			last_seen = GREATEST(suspicious_ips.last_seen, EXCLUDED.last_seen),
			updated_at = NOW()
		RETURNING failure_count`,
		ev.SourceIP, ev.EventTime)
	if err != nil {
		return false, 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hosts (host_id, host_name, host_ip, collection_method, status, last_seen)
		VALUES ($1, $2, '', 'agent', 'active', NOW())
		ON CONFLICT (host_id) DO UPDATE SET
			last_seen = NOW(),
			status = 'active',
			host_name = COALESCE(NULLIF(EXCLUDED.host_name, ''), hosts.host_name)`,
		ev.HostID, ev.SourceHost)
	if err != nil {
		return false, 0, err
	}

	err = tx.Commit()
	return err == nil, attemptNumber, err
}

// CountRecentByIP is the rolling-window count driving global threshold
// decisions. It reads failed_logins, never suspicious_ips.
func (p *PostgresRepository) CountRecentByIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	var count int64
	err := p.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM failed_logins WHERE source_ip = $1 AND event_timestamp >= $2", ip, since)
	return count, err
}

func (p *PostgresRepository) CountRecentByIPAndHost(ctx context.Context, ip, hostID string, since time.Time) (int64, error) {
	var count int64
	err := p.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM failed_logins WHERE source_ip = $1 AND host_id = $2 AND event_timestamp >= $3", ip, hostID, since)
	return count, err
}

// CreateBlock inserts a block row. The partial unique indexes guarantee at
// most one active global block per IP and one active per-host block per
// (IP, host); a conflicting insert is a no-op and returns created=false.
func (p *PostgresRepository) CreateBlock(ctx context.Context, b models.Block) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if b.Scope == models.ScopeGlobal {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO blocks (source_ip, scope, target_host_id, reason, created_by, expires_at, is_active)
			VALUES ($1, 'global', NULL, $2, $3, $4, TRUE)
			ON CONFLICT (source_ip) WHERE is_active AND scope = 'global' DO NOTHING`,
			b.SourceIP, b.Reason, b.CreatedBy, b.ExpiresAt)
	} else {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO blocks (source_ip, scope, target_host_id, reason, created_by, expires_at, is_active)
			VALUES ($1, 'per-host', $2, $3, $4, $5, TRUE)
			ON CONFLICT (source_ip, target_host_id) WHERE is_active AND scope = 'per-host' DO NOTHING`,
			b.SourceIP, b.TargetHostID, b.Reason, b.CreatedBy, b.ExpiresAt)
	}
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (p *PostgresRepository) HasActiveGlobalBlock(ctx context.Context, ip string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM blocks WHERE source_ip = $1 AND scope = 'global' AND is_active AND expires_at > NOW())", ip)
	return exists, err
}

func (p *PostgresRepository) HasActiveHostBlock(ctx context.Context, ip, hostID string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM blocks WHERE source_ip = $1 AND scope = 'per-host' AND target_host_id = $2 AND is_active AND expires_at > NOW())", ip, hostID)
	return exists, err
}

// DeactivateBlocks clears every active block for the IP and returns the
// rows that were cleared, so the caller can tear down firewall rules.
func (p *PostgresRepository) DeactivateBlocks(ctx context.Context, ip, clearedBy string) ([]models.Block, error) {
	var cleared []models.Block
	err := p.db.SelectContext(ctx, &cleared, `
		UPDATE blocks SET is_active = FALSE, cleared_at = NOW(), cleared_by = $2
		WHERE source_ip = $1 AND is_active
		RETURNING id, source_ip, scope, target_host_id, reason, created_by, created_at, expires_at, is_active, cleared_at, cleared_by`,
		ip, clearedBy)
	if err != nil {
		return nil, err
	}
	if len(cleared) > 0 {
		_, err = p.db.ExecContext(ctx, "UPDATE suspicious_ips SET status = 'cleared', updated_at = NOW() WHERE source_ip = $1", ip)
	}
	return cleared, err
}

// ExpireDueBlocks flips every overdue active block and returns them for
// firewall teardown. Used by the reconciler.
func (p *PostgresRepository) ExpireDueBlocks(ctx context.Context) ([]models.Block, error) {
	var expired []models.Block
	err := p.db.SelectContext(ctx, &expired, `
		UPDATE blocks SET is_active = FALSE, cleared_at = NOW(), cleared_by = 'expiry'
		WHERE is_active AND expires_at <= NOW()
		RETURNING id, source_ip, scope, target_host_id, reason, created_by, created_at, expires_at, is_active, cleared_at, cleared_by`)
	return expired, err
}

func (p *PostgresRepository) SetSuspiciousStatus(ctx context.Context, ip, status string) error {
	_, err := p.db.ExecContext(ctx,
		"UPDATE suspicious_ips SET status = $2, updated_at = NOW() WHERE source_ip = $1", ip, status)
	return err
}

func (p *PostgresRepository) GetSuspicious(ctx context.Context, threshold int) ([]models.SuspiciousIP, error) {
	var ips []models.SuspiciousIP
	err := p.db.SelectContext(ctx, &ips, `
		SELECT source_ip, failure_count, first_seen, last_seen, status, created_at, updated_at
		FROM suspicious_ips
		WHERE failure_count >= $1 AND status = 'active'
		ORDER BY failure_count DESC`, threshold)
	return ips, err
}

func (p *PostgresRepository) GetBlocked(ctx context.Context) ([]models.BlockedIPView, error) {
	var blocks []models.BlockedIPView
	err := p.db.SelectContext(ctx, &blocks, `
		SELECT source_ip, created_at, expires_at, reason, scope, target_host_id, (created_by = 'auto') AS auto_blocked
		FROM blocks
		WHERE is_active
		ORDER BY created_at DESC`)
	return blocks, err
}

func (p *PostgresRepository) GetActiveBlocks(ctx context.Context) ([]models.Block, error) {
	var blocks []models.Block
	err := p.db.SelectContext(ctx, &blocks, `
		SELECT id, source_ip, scope, target_host_id, reason, created_by, created_at, expires_at, is_active, cleared_at, cleared_by
		FROM blocks
		WHERE is_active`)
	return blocks, err
}

func (p *PostgresRepository) UpsertHost(ctx context.Context, h models.Host) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO hosts (host_id, host_name, host_ip, collection_method, status, last_seen)
		VALUES ($1, $2, $3, $4, 'active', NOW())
		ON CONFLICT (host_id) DO UPDATE SET
			host_name = EXCLUDED.host_name,
			host_ip = EXCLUDED.host_ip,
			collection_method = EXCLUDED.collection_method,
			status = 'active',
			last_seen = NOW()`,
		h.HostID, h.HostName, h.HostIP, h.CollectionMethod)
	return err
}

func (p *PostgresRepository) ListHosts(ctx context.Context) ([]models.Host, error) {
	var hosts []models.Host
	err := p.db.SelectContext(ctx, &hosts, `
		SELECT host_id, host_name, host_ip, collection_method, status, last_seen, created_at
		FROM hosts ORDER BY host_id`)
	return hosts, err
}

func (p *PostgresRepository) GetHost(ctx context.Context, hostID string) (*models.Host, error) {
	var h models.Host
	err := p.db.GetContext(ctx, &h, `
		SELECT host_id, host_name, host_ip, collection_method, status, last_seen, created_at
		FROM hosts WHERE host_id = $1`, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// DeactivateHost soft-deregisters a host. Events and blocks referencing it
// are kept.
func (p *PostgresRepository) DeactivateHost(ctx context.Context, hostID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, "UPDATE hosts SET status = 'inactive' WHERE host_id = $1", hostID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (p *PostgresRepository) CountActiveHosts(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM hosts WHERE status = 'active'")
	return count, err
}

func (p *PostgresRepository) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	stats := &models.Statistics{
		TopAttackedUsernames: []models.UsernameCount{},
		AttacksByHour:        []models.HourCount{},
	}
	if err := p.db.GetContext(ctx, &stats.TotalFailedAttempts, "SELECT COUNT(*) FROM failed_logins"); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.UniqueAttackers, "SELECT COUNT(DISTINCT source_ip) FROM failed_logins"); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.BlockedIPs, "SELECT COUNT(*) FROM blocks WHERE is_active"); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.AttacksLast24h,
		"SELECT COUNT(*) FROM failed_logins WHERE event_timestamp >= NOW() - INTERVAL '24 hours'"); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.AttacksLastHour,
		"SELECT COUNT(*) FROM failed_logins WHERE event_timestamp >= NOW() - INTERVAL '1 hour'"); err != nil {
		return nil, err
	}
	if err := p.db.SelectContext(ctx, &stats.TopAttackedUsernames, `
		SELECT username, COUNT(*) AS count FROM failed_logins
		WHERE username IS NOT NULL
		GROUP BY username ORDER BY count DESC LIMIT 10`); err != nil {
		return nil, err
	}
	if err := p.db.SelectContext(ctx, &stats.AttacksByHour, `
		SELECT LPAD(EXTRACT(HOUR FROM event_timestamp)::int::text, 2, '0') || ':00' AS hour, COUNT(*) AS count
		FROM failed_logins
		WHERE event_timestamp >= NOW() - INTERVAL '24 hours'
		GROUP BY 1 ORDER BY 1`); err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresRepository) GetGlobalStatistics(ctx context.Context) (*models.GlobalStatistics, error) {
	base, err := p.GetStatistics(ctx)
	if err != nil {
		return nil, err
	}
	stats := &models.GlobalStatistics{Statistics: *base, AttacksByHost: []models.HostCount{}}
	if err := p.db.GetContext(ctx, &stats.ActiveHosts, "SELECT COUNT(*) FROM hosts WHERE status = 'active'"); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.InactiveHosts, "SELECT COUNT(*) FROM hosts WHERE status = 'inactive'"); err != nil {
		return nil, err
	}
	if err := p.db.SelectContext(ctx, &stats.AttacksByHost, `
		SELECT host_id, COUNT(*) AS count FROM failed_logins
		GROUP BY host_id ORDER BY count DESC`); err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresRepository) GetHostAttacks(ctx context.Context, hostID string) (*models.HostAttacks, error) {
	stats := &models.HostAttacks{
		HostID:       hostID,
		TopUsernames: []models.UsernameCount{},
		TopSourceIPs: []models.IPCount{},
	}
	if err := p.db.GetContext(ctx, &stats.TotalAttacks,
		"SELECT COUNT(*) FROM failed_logins WHERE host_id = $1", hostID); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.UniqueAttackers,
		"SELECT COUNT(DISTINCT source_ip) FROM failed_logins WHERE host_id = $1", hostID); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.AttacksLast24h,
		"SELECT COUNT(*) FROM failed_logins WHERE host_id = $1 AND event_timestamp >= NOW() - INTERVAL '24 hours'", hostID); err != nil {
		return nil, err
	}
	if err := p.db.GetContext(ctx, &stats.AttacksLastHour,
		"SELECT COUNT(*) FROM failed_logins WHERE host_id = $1 AND event_timestamp >= NOW() - INTERVAL '1 hour'", hostID); err != nil {
		return nil, err
	}
	if err := p.db.SelectContext(ctx, &stats.TopUsernames, `
		SELECT username, COUNT(*) AS count FROM failed_logins
		WHERE host_id = $1 AND username IS NOT NULL
		GROUP BY username ORDER BY count DESC LIMIT 10`, hostID); err != nil {
		return nil, err
	}
	if err := p.db.SelectContext(ctx, &stats.TopSourceIPs, `
		SELECT source_ip, COUNT(*) AS count FROM failed_logins
		WHERE host_id = $1
		GROUP BY source_ip ORDER BY count DESC LIMIT 10`, hostID); err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresRepository) TopAttackerIPs(ctx context.Context, limit int) ([]models.IPCount, error) {
	var ips []models.IPCount
	err := p.db.SelectContext(ctx, &ips, `
		SELECT source_ip, COUNT(*) AS count FROM failed_logins
		GROUP BY source_ip ORDER BY count DESC LIMIT $1`, limit)
	return ips, err
}

func (p *PostgresRepository) GetSettings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := p.db.SelectContext(ctx, &rows, "SELECT key, value FROM settings"); err != nil {
		return nil, err
	}
	settings := make(map[string]string, len(rows))
	for _, r := range rows {
		settings[r.Key] = r.Value
	}
	return settings, nil
}

func (p *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// SeedSetting writes a setting only when the key is absent, so operator
// edits survive restarts while fresh databases pick up the environment.
func (p *PostgresRepository) SeedSetting(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, value)
	return err
}

func (p *PostgresRepository) GetHostPolicy(ctx context.Context, hostID string) (*models.HostPolicy, error) {
	var pol models.HostPolicy
	err := p.db.GetContext(ctx, &pol, `
		SELECT host_id, threshold, window_seconds, block_duration_seconds, auto_block_enabled
		FROM host_policies WHERE host_id = $1`, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pol, nil
}
