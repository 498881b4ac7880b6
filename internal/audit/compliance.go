package audit

import "context"

// ComplianceGuard enforces the immutable-audit flag.: when
// enabled, CleanupExpired is a no-op (nothing is ever purged). Writes
// always pass through.
type ComplianceGuard struct {
	inner           Store
	immutableAudit  bool
}

// NewComplianceGuard wraps inner; immutableAudit comes from the
// audit.enabled/immutable_audit configuration surface.
func NewComplianceGuard(inner Store, immutableAudit bool) *ComplianceGuard {
	return &ComplianceGuard{inner: inner, immutableAudit: immutableAudit}
}

func (g *ComplianceGuard) Record(ctx context.Context, r *Record) error {
	return g.inner.Record(ctx, r)
}

func (g *ComplianceGuard) GetByActionID(ctx context.Context, actionID string) ([]*Record, error) {
	return g.inner.GetByActionID(ctx, actionID)
}

func (g *ComplianceGuard) GetByID(ctx context.Context, id string) (*Record, error) {
	return g.inner.GetByID(ctx, id)
}

func (g *ComplianceGuard) Query(ctx context.Context, f Filter) (Page, error) {
	return g.inner.Query(ctx, f)
}

func (g *ComplianceGuard) CleanupExpired(ctx context.Context) (int, error) {
	if g.immutableAudit {
		return 0, nil
	}
	return g.inner.CleanupExpired(ctx)
}
