package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"failmon/internal/firewall"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeFirewallApply  = "firewall:apply"
	TypeFirewallRemove = "firewall:remove"
)

type FirewallPayload struct {
	IP           string `json:"ip"`
	Scope        string `json:"scope"`
	TargetHostID string `json:"target_host_id,omitempty"`
}

// NewFirewallApplyTask builds one idempotent adapter apply task. Transient
// adapter failures ride asynq's retry schedule (MaxRetry 5); once those
// retries are used up, nothing applies the rule again.
func NewFirewallApplyTask(ip, scope, targetHostID string) (*asynq.Task, error) {
	payload, err := json.Marshal(FirewallPayload{IP: ip, Scope: scope, TargetHostID: targetHostID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeFirewallApply, payload, asynq.MaxRetry(5), asynq.Timeout(10*time.Second)), nil
}

func NewFirewallRemoveTask(ip, scope, targetHostID string) (*asynq.Task, error) {
	payload, err := json.Marshal(FirewallPayload{IP: ip, Scope: scope, TargetHostID: targetHostID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeFirewallRemove, payload, asynq.MaxRetry(5), asynq.Timeout(10*time.Second)), nil
}

type FirewallTaskHandler struct {
	adapter firewall.Adapter
}

func NewFirewallTaskHandler(adapter firewall.Adapter) *FirewallTaskHandler {
	return &FirewallTaskHandler{adapter: adapter}
}

func (h *FirewallTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p FirewallPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	var err error
	switch t.Type() {
	case TypeFirewallApply:
		err = h.adapter.Apply(ctx, p.IP, p.Scope, p.TargetHostID)
	case TypeFirewallRemove:
		err = h.adapter.Remove(ctx, p.IP, p.Scope, p.TargetHostID)
	default:
		return fmt.Errorf("unknown task type %q: %w", t.Type(), asynq.SkipRetry)
	}

	if err != nil {
		if firewall.IsPermanent(err) {
			// Block row stays as-is; an operator has to resolve it.
			zlog.Error().Err(err).Str("ip", p.IP).Str("scope", p.Scope).Msg("permanent firewall failure, giving up")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("firewall %s for %s: %w", t.Type(), p.IP, err)
	}
	return nil
}
