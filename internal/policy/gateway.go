// Package policy implements the cross-cutting authorization checks the
// coordinator evaluates once at its boundary: capability tokens and tier
// benefits behind a single gate consulted before any state transition.
package policy

import (
	"context"

	"github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
)

// Role is a coarse capability grant attached to a Principal by the external
// authentication layer; the core only ever receives the resulting set.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleSecurity Role = "security"
	RoleUser     Role = "user"
)

// Principal identifies the caller of an operation and the roles granted to
// them. Authentication itself is out of scope; the core trusts this value.
type Principal struct {
	ID    string
	Roles []Role
}

// Has reports whether the principal was granted role r.
func (p Principal) Has(r Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// TrustReader is the subset of the trust engine the gateway consults. It is
// an interface so the gateway can be tested without a live trust engine.
type TrustReader interface {
	Get(ctx context.Context, participantID string) (*domain.ParticipantTrust, error)
}

// Config holds the policy parameters that affect gating decisions.
type Config struct {
	// VAuto is the value ceiling under which two PLATINUM parties'
	// transaction is auto-approved.
	VAuto float64
}

// Gateway evaluates (principal, operation, subject) checks against trust
// tier benefits and role capabilities.
type Gateway struct {
	trust TrustReader
	cfg   Config

	// cache is consulted before trust on every tier lookup; an uncached
	// read path against the durable store on every policy check is
	// wasteful. Nil disables caching and falls back to trust on every
	// call.
	cache TierCache
}

// New creates a Gateway backed by trust for tier lookups, with no tier
// cache: every check reads the trust store directly.
func New(trust TrustReader, cfg Config) *Gateway {
	return &Gateway{trust: trust, cfg: cfg}
}

// NewWithCache creates a Gateway that consults cache before trust. cache
// may be the in-process TTL cache or the Redis-backed implementation; both
// satisfy TierCache.
func NewWithCache(trust TrustReader, cfg Config, cache TierCache) *Gateway {
	return &Gateway{trust: trust, cfg: cfg, cache: cache}
}

func (g *Gateway) tierOf(ctx context.Context, participantID string) domain.Tier {
	if g.cache != nil {
		if tier, ok := g.cache.Get(ctx, participantID); ok {
			return tier
		}
	}
	pt, err := g.trust.Get(ctx, participantID)
	if err != nil {
		return domain.TierNew
	}
	if g.cache != nil {
		g.cache.Set(ctx, participantID, pt.Tier)
	}
	return pt.Tier
}

// CanCreateBatch requires the batch_operations_allowed benefit, unlocked at
// GOLD and above.
func (g *Gateway) CanCreateBatch(ctx context.Context, principalID string) error {
	if !domain.HasBenefit(g.tierOf(ctx, principalID), domain.BenefitBatchOperations) {
		return errors.Forbidden("batch creation requires the batch_operations_allowed benefit")
	}
	return nil
}

// ReducedHoldTime reports whether principalID's tier unlocks shorter hold
// windows, used by the state machine when scheduling a sender deadline.
func (g *Gateway) ReducedHoldTime(ctx context.Context, principalID string) bool {
	return domain.HasBenefit(g.tierOf(ctx, principalID), domain.BenefitReducedHoldTimes)
}

// CanTriggerEmergencyStop requires the admin or security role.
func (g *Gateway) CanTriggerEmergencyStop(p Principal) error {
	if p.Has(RoleAdmin) || p.Has(RoleSecurity) {
		return nil
	}
	return errors.Forbidden("emergency stop requires admin or security role")
}

// CanResumeEmergencyStop is admin-only.
func (g *Gateway) CanResumeEmergencyStop(p Principal) error {
	if p.Has(RoleAdmin) {
		return nil
	}
	return errors.Forbidden("emergency stop resume requires admin role")
}

// CanResolveDispute requires admin capability and arbitrator neutrality: the
// resolving principal must not be a party to the disputed transaction.
func (g *Gateway) CanResolveDispute(p Principal, tx *domain.Transaction) error {
	if !p.Has(RoleAdmin) {
		return errors.Forbidden("dispute resolution requires admin role")
	}
	if tx.IsParty(p.ID) {
		return errors.Forbidden("arbitrator may not be a party to the disputed transaction")
	}
	return nil
}

// CanApproveCompensation requires manager or admin capability, and that the
// approver is not a party to the parent transaction.
func (g *Gateway) CanApproveCompensation(p Principal, tx *domain.Transaction) error {
	if !p.Has(RoleManager) && !p.Has(RoleAdmin) {
		return errors.Forbidden("compensation approval requires manager or admin role")
	}
	if tx.IsParty(p.ID) {
		return errors.Forbidden("compensation approver may not be a party to the transaction")
	}
	return nil
}

// AutoApprovalEligible reports whether a transaction between sender and
// receiver at value qualifies for the PLATINUM auto-approval fast path: both
// parties hold auto_approval_low_value (PLATINUM only) and value is at or
// below VAuto. Eligibility is benefit-gated, not tier-number-gated: the
// benefit table is the single source of truth for which tier unlocks it.
func (g *Gateway) AutoApprovalEligible(ctx context.Context, sender, receiver string, value float64) bool {
	if value > g.cfg.VAuto {
		return false
	}
	senderTier := g.tierOf(ctx, sender)
	receiverTier := g.tierOf(ctx, receiver)
	return domain.HasBenefit(senderTier, domain.BenefitAutoApprovalLowVal) &&
		domain.HasBenefit(receiverTier, domain.BenefitAutoApprovalLowVal)
}
