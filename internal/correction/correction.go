// Package correction is the advisory policy loop. It may nudge routing,
// pricing guidance, proof timing, and UX friction through bounded,
// expiring, reversible knobs. It has no write path into the kernel
// tables; consumers read its active adjustments as configuration.
package correction

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hustlexp/backend/internal/hxerr"
)

// Type enumerates the permitted correction types.
type Type string

const (
	TypeProofTiming   Type = "proof_timing"     // proof deadline, hours
	TypeTaskRouting   Type = "task_routing"     // visibility boost, [0,1]
	TypePricingGuide  Type = "pricing_guidance" // suggested-price multiplier
	TypeUXFriction    Type = "ux_friction"      // friction level, [0,1]
	TypeTrustFriction Type = "trust_friction"   // extra verification, [0,1]
)

// Scope is the blast radius of a correction.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeCity     Scope = "city"
	ScopeCategory Scope = "category"
	ScopeZone     Scope = "zone"
)

// scopeBudgets caps concurrently active corrections per scope.
var scopeBudgets = map[Scope]int{
	ScopeGlobal:   100,
	ScopeCity:     30,
	ScopeCategory: 15,
	ScopeZone:     10,
}

// Budget returns the active-correction cap for a scope, zero for an
// unknown scope.
func Budget(scope Scope) int { return scopeBudgets[scope] }

// forbiddenTargets are the entities the engine must never touch. Matching
// is case-insensitive substring over the proposal's target entity.
var forbiddenTargets = []string{
	"ledger",
	"payout",
	"dispute",
	"escrow",
	"killswitch",
	"stripe",
	"block_task",
	"block_accept",
	"money_state_lock",
}

// ForbiddenTarget reports whether a target entity names protected ground.
func ForbiddenTarget(entity string) bool {
	lower := strings.ToLower(entity)
	for _, f := range forbiddenTargets {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// bounds is the inclusive magnitude range per correction type. Proof
// timing is expressed in hours.
type boundRange struct{ min, max decimal.Decimal }

var bounds = map[Type]boundRange{
	TypeProofTiming:   {decimal.NewFromInt(4), decimal.NewFromInt(48)},
	TypeTaskRouting:   {decimal.Zero, decimal.NewFromInt(1)},
	TypePricingGuide:  {decimal.RequireFromString("0.5"), decimal.RequireFromString("1.5")},
	TypeUXFriction:    {decimal.Zero, decimal.NewFromInt(1)},
	TypeTrustFriction: {decimal.Zero, decimal.NewFromInt(1)},
}

// Proposal is a requested correction before validation.
type Proposal struct {
	Type         Type
	TargetEntity string
	TargetID     string
	Scope        Scope
	ScopeKey     string // city name, category, zone id; empty for global
	Magnitude    decimal.Decimal
	ReasonCode   string
	TTL          string // parsed upstream into ExpiresAt; informational here
}

// ErrBlocked marks a proposal the engine refused. Callers surface the
// message verbatim; the attempt is already audited.
func errBlocked(format string, args ...interface{}) error {
	return hxerr.New(hxerr.ConflictState, "BLOCKED: "+format, args...)
}

// Validate checks type, scope, magnitude bounds, and the forbidden-target
// rule. It is pure; persistence and budgets live in the Engine.
func Validate(p *Proposal) error {
	if ForbiddenTarget(p.TargetEntity) {
		return errBlocked("target %q names a protected entity", p.TargetEntity)
	}
	b, ok := bounds[p.Type]
	if !ok {
		return errBlocked("unknown correction type %q", p.Type)
	}
	if _, ok := scopeBudgets[p.Scope]; !ok {
		return errBlocked("unknown scope %q", p.Scope)
	}
	if p.Scope != ScopeGlobal && p.ScopeKey == "" {
		return hxerr.New(hxerr.Validation, "scope %s requires a scope key", p.Scope)
	}
	if p.Magnitude.LessThan(b.min) || p.Magnitude.GreaterThan(b.max) {
		return errBlocked("magnitude %s outside [%s, %s] for %s",
			p.Magnitude, b.min, b.max, p.Type)
	}
	if p.ReasonCode == "" {
		return hxerr.New(hxerr.Validation, "reason code is required")
	}
	return nil
}
