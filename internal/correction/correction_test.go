package correction

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/hxerr"
)

func proposal(mutate func(*Proposal)) *Proposal {
	p := &Proposal{
		Type:         TypeTaskRouting,
		TargetEntity: "task_recommender",
		TargetID:     "task_1",
		Scope:        ScopeCity,
		ScopeKey:     "austin",
		Magnitude:    decimal.RequireFromString("0.4"),
		ReasonCode:   "low_claim_rate",
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func TestForbiddenTargetsBlocked(t *testing.T) {
	blocked := []string{
		"LedgerService",
		"payout_queue",
		"DisputeResolver",
		"escrow",
		"KillSwitch",
		"stripe_adapter",
		"block_task_flow",
		"BLOCK_ACCEPT",
		"money_state_lock",
	}
	for _, entity := range blocked {
		t.Run(entity, func(t *testing.T) {
			err := Validate(proposal(func(p *Proposal) { p.TargetEntity = entity }))
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "BLOCKED:"), err.Error())
		})
	}

	assert.NoError(t, Validate(proposal(nil)))
	assert.NoError(t, Validate(proposal(func(p *Proposal) { p.TargetEntity = "ui_banner" })))
}

func TestMagnitudeBounds(t *testing.T) {
	tests := []struct {
		name      string
		ctype     Type
		magnitude string
		ok        bool
	}{
		{"routing at floor", TypeTaskRouting, "0", true},
		{"routing at ceiling", TypeTaskRouting, "1", true},
		{"routing above ceiling", TypeTaskRouting, "1.01", false},
		{"proof timing low", TypeProofTiming, "3.9", false},
		{"proof timing valid", TypeProofTiming, "24", true},
		{"proof timing high", TypeProofTiming, "49", false},
		{"pricing floor", TypePricingGuide, "0.5", true},
		{"pricing under floor", TypePricingGuide, "0.49", false},
		{"pricing ceiling", TypePricingGuide, "1.5", true},
		{"pricing over ceiling", TypePricingGuide, "1.51", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(proposal(func(p *Proposal) {
				p.Type = tt.ctype
				p.Magnitude = decimal.RequireFromString(tt.magnitude)
			}))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateScopeRules(t *testing.T) {
	err := Validate(proposal(func(p *Proposal) { p.ScopeKey = "" }))
	require.Error(t, err)
	assert.Equal(t, hxerr.Validation, hxerr.KindOf(err))

	assert.NoError(t, Validate(proposal(func(p *Proposal) {
		p.Scope = ScopeGlobal
		p.ScopeKey = ""
	})))

	assert.Error(t, Validate(proposal(func(p *Proposal) { p.Scope = "planet" })))
	assert.Error(t, Validate(proposal(func(p *Proposal) { p.ReasonCode = "" })))
}

func TestBudgets(t *testing.T) {
	assert.Equal(t, 100, Budget(ScopeGlobal))
	assert.Equal(t, 30, Budget(ScopeCity))
	assert.Equal(t, 15, Budget(ScopeCategory))
	assert.Equal(t, 10, Budget(ScopeZone))
}

func TestJudgeCausal(t *testing.T) {
	verdict, netLift, confidence := Judge(&Measurement{
		TreatedBaseline: MetricSet{"completion_rate": 0.50, "claim_rate": 0.30},
		TreatedPost:     MetricSet{"completion_rate": 0.60, "claim_rate": 0.39},
		ControlBaseline: MetricSet{"completion_rate": 0.50, "claim_rate": 0.30},
		ControlPost:     MetricSet{"completion_rate": 0.50, "claim_rate": 0.31},
	})
	assert.Equal(t, VerdictCausal, verdict)
	assert.InDelta(t, 0.20, netLift["completion_rate"], 0.001)
	assert.Greater(t, confidence, 0.5)
}

func TestJudgeNonCausalWhenControlKeepsPace(t *testing.T) {
	verdict, _, _ := Judge(&Measurement{
		TreatedBaseline: MetricSet{"completion_rate": 0.50, "claim_rate": 0.30},
		TreatedPost:     MetricSet{"completion_rate": 0.55, "claim_rate": 0.33},
		ControlBaseline: MetricSet{"completion_rate": 0.50, "claim_rate": 0.30},
		ControlPost:     MetricSet{"completion_rate": 0.56, "claim_rate": 0.34},
	})
	assert.Equal(t, VerdictNonCausal, verdict)
}

func TestJudgeInconclusiveOnSingleMetricLift(t *testing.T) {
	verdict, _, _ := Judge(&Measurement{
		TreatedBaseline: MetricSet{"completion_rate": 0.50, "claim_rate": 0.30},
		TreatedPost:     MetricSet{"completion_rate": 0.60, "claim_rate": 0.30},
		ControlBaseline: MetricSet{"completion_rate": 0.50, "claim_rate": 0.30},
		ControlPost:     MetricSet{"completion_rate": 0.50, "claim_rate": 0.29},
	})
	assert.Equal(t, VerdictInconclusive, verdict)
}

func TestJudgeEmptyMeasurement(t *testing.T) {
	verdict, _, confidence := Judge(&Measurement{})
	assert.Equal(t, VerdictInconclusive, verdict)
	assert.Zero(t, confidence)
}

func TestShouldLatch(t *testing.T) {
	// 4 of 10 non-causal over the window crosses the 30% line.
	assert.True(t, ShouldLatch(10, 4))
	assert.False(t, ShouldLatch(10, 3))
	// Too few samples never latches, whatever the rate.
	assert.False(t, ShouldLatch(4, 4))
	assert.True(t, ShouldLatch(5, 2))
}
