package tasks

import (
	"context"
	"errors"
	"testing"

	"failmon/internal/firewall"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op     string
	ip     string
	scope  string
	hostID string
}

type recordingAdapter struct {
	calls    []call
	applyErr error
}

func (a *recordingAdapter) Apply(ctx context.Context, ip, scope, targetHostID string) error {
	a.calls = append(a.calls, call{op: "apply", ip: ip, scope: scope, hostID: targetHostID})
	return a.applyErr
}

func (a *recordingAdapter) Remove(ctx context.Context, ip, scope, targetHostID string) error {
	a.calls = append(a.calls, call{op: "remove", ip: ip, scope: scope, hostID: targetHostID})
	return nil
}

func TestFirewallTask_Apply(t *testing.T) {
	task, err := NewFirewallApplyTask("203.0.113.10", "global", "")
	require.NoError(t, err)
	assert.Equal(t, TypeFirewallApply, task.Type())

	adapter := &recordingAdapter{}
	h := NewFirewallTaskHandler(adapter)
	require.NoError(t, h.ProcessTask(context.Background(), task))

	require.Len(t, adapter.calls, 1)
	assert.Equal(t, call{op: "apply", ip: "203.0.113.10", scope: "global"}, adapter.calls[0])
}

func TestFirewallTask_RemovePerHost(t *testing.T) {
	task, err := NewFirewallRemoveTask("203.0.113.11", "per-host", "h-2")
	require.NoError(t, err)

	adapter := &recordingAdapter{}
	h := NewFirewallTaskHandler(adapter)
	require.NoError(t, h.ProcessTask(context.Background(), task))

	require.Len(t, adapter.calls, 1)
	assert.Equal(t, call{op: "remove", ip: "203.0.113.11", scope: "per-host", hostID: "h-2"}, adapter.calls[0])
}

func TestFirewallTask_TransientErrorRetries(t *testing.T) {
	task, err := NewFirewallApplyTask("203.0.113.12", "global", "")
	require.NoError(t, err)

	adapter := &recordingAdapter{applyErr: errors.New("timeout talking to firewall")}
	h := NewFirewallTaskHandler(adapter)
	err = h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "transient errors must stay retryable")
}

func TestFirewallTask_PermanentErrorSkipsRetry(t *testing.T) {
	task, err := NewFirewallApplyTask("203.0.113.13", "global", "")
	require.NoError(t, err)

	adapter := &recordingAdapter{applyErr: firewall.Permanent(errors.New("unsupported rule"))}
	h := NewFirewallTaskHandler(adapter)
	err = h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestFirewallTask_MalformedPayloadSkipsRetry(t *testing.T) {
	h := NewFirewallTaskHandler(&recordingAdapter{})
	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeFirewallApply, []byte("{broken")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
