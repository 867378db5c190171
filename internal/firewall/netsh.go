package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// NetshAdapter enforces global blocks through Windows Firewall inbound
// rules. Per-host scope is not enforceable from the collector machine; it
// is recorded in the database only and reported as a permanent error so
// the task layer does not retry.
type NetshAdapter struct {
	timeout time.Duration
}

func NewNetshAdapter() *NetshAdapter {
	return &NetshAdapter{timeout: 10 * time.Second}
}

func ruleName(ip string) string {
	return "failmon-block-" + ip
}

func (a *NetshAdapter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "netsh", args...).CombinedOutput()
	return string(out), err
}

func (a *NetshAdapter) Apply(ctx context.Context, ip, scope, targetHostID string) error {
	if scope != "global" {
		return Permanent(fmt.Errorf("netsh adapter cannot enforce scope %q", scope))
	}
	out, err := a.run(ctx,
		"advfirewall", "firewall", "add", "rule",
		"name="+ruleName(ip), "dir=in", "action=block", "remoteip="+ip)
	if err != nil {
		if strings.Contains(out, "already exists") {
			return nil
		}
		return fmt.Errorf("netsh add rule for %s: %w (%s)", ip, err, strings.TrimSpace(out))
	}
	zlog.Info().Str("ip", ip).Msg("firewall rule applied")
	return nil
}

func (a *NetshAdapter) Remove(ctx context.Context, ip, scope, targetHostID string) error {
	if scope != "global" {
		return nil
	}
	out, err := a.run(ctx,
		"advfirewall", "firewall", "delete", "rule", "name="+ruleName(ip))
	if err != nil {
		// Deleting a rule that does not exist is a success for idempotency.
		if strings.Contains(out, "No rules match") {
			return nil
		}
		return fmt.Errorf("netsh delete rule for %s: %w (%s)", ip, err, strings.TrimSpace(out))
	}
	zlog.Info().Str("ip", ip).Msg("firewall rule removed")
	return nil
}

// LogAdapter records apply/remove calls without touching any firewall.
// Default for deployments where enforcement is handled out of band.
type LogAdapter struct{}

func (LogAdapter) Apply(ctx context.Context, ip, scope, targetHostID string) error {
	zlog.Info().Str("ip", ip).Str("scope", scope).Str("target_host_id", targetHostID).Msg("firewall apply (log only)")
	return nil
}

func (LogAdapter) Remove(ctx context.Context, ip, scope, targetHostID string) error {
	zlog.Info().Str("ip", ip).Str("scope", scope).Str("target_host_id", targetHostID).Msg("firewall remove (log only)")
	return nil
}
