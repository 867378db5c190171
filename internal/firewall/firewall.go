// Package firewall defines the block-enforcement boundary. The collector
// never talks to an OS firewall directly; it enqueues apply/remove calls
// against an Adapter. Adapters must be idempotent: applying an existing
// rule or removing a missing one succeeds.
package firewall

import (
	"context"
	"errors"
	"fmt"
)

// Adapter is the enforcement contract. scope is models.ScopeGlobal or
// models.ScopePerHost; targetHostID is empty for global scope.
type Adapter interface {
	Apply(ctx context.Context, ip, scope, targetHostID string) error
	Remove(ctx context.Context, ip, scope, targetHostID string) error
}

// ErrPermanent marks adapter failures that will not succeed on retry
// (malformed rule, unsupported scope). The task layer stops retrying and
// leaves the block row for operator intervention.
var ErrPermanent = errors.New("permanent firewall error")

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
