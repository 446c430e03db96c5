package correction

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Verdict is the causal judgment for one expired correction.
type Verdict string

const (
	VerdictCausal       Verdict = "causal"
	VerdictInconclusive Verdict = "inconclusive"
	VerdictNonCausal    Verdict = "non_causal"
)

// SafeMode latch thresholds over the rolling 24h window.
const (
	safeModeWindow     = 24 * time.Hour
	safeModeMinSamples = 5
	safeModeMaxRate    = 0.30
)

// minLift is the relative improvement a metric must show to count.
const minLift = 0.02

// MetricSet maps core metric names (completion_rate, time_to_claim, and
// so on) to observed values. Higher is better for every metric fed in;
// callers invert latency-style metrics before measuring.
type MetricSet map[string]float64

// Measurement is the paired observation for one correction.
type Measurement struct {
	TreatedBaseline MetricSet
	TreatedPost     MetricSet
	ControlBaseline MetricSet
	ControlPost     MetricSet
}

// relLift is (post-baseline)/baseline, 0 for a zero baseline.
func relLift(baseline, post float64) float64 {
	if baseline == 0 {
		if post > 0 {
			return 1
		}
		return 0
	}
	return (post - baseline) / baseline
}

// Judge compares treated against control. Net lift on at least two
// metrics with the control flat earns causal; the control matching or
// beating the treatment on as many metrics earns non_causal; anything
// else is inconclusive.
func Judge(m *Measurement) (Verdict, MetricSet, float64) {
	netLift := MetricSet{}
	causalWins, controlWins := 0, 0
	total := 0

	for name, base := range m.TreatedBaseline {
		post, ok := m.TreatedPost[name]
		if !ok {
			continue
		}
		total++
		treated := relLift(base, post)
		control := relLift(m.ControlBaseline[name], m.ControlPost[name])
		net := treated - control
		netLift[name] = net

		switch {
		case treated >= minLift && net >= minLift:
			causalWins++
		case control >= treated:
			controlWins++
		}
	}

	if total == 0 {
		return VerdictInconclusive, netLift, 0
	}
	confidence := float64(causalWins) / float64(total)
	switch {
	case causalWins >= 2:
		return VerdictCausal, netLift, confidence
	case controlWins >= 2:
		return VerdictNonCausal, netLift, float64(controlWins) / float64(total)
	default:
		return VerdictInconclusive, netLift, confidence
	}
}

// ShouldLatch applies the SafeMode rate rule.
func ShouldLatch(samples, nonCausal int) bool {
	if samples < safeModeMinSamples {
		return false
	}
	return float64(nonCausal)/float64(samples) > safeModeMaxRate
}

// RecordOutcome judges a measurement, appends the causal_outcomes row,
// and latches SafeMode when the rolling non-causal rate crosses the
// threshold.
func (e *Engine) RecordOutcome(ctx context.Context, correctionID string, m *Measurement) (Verdict, error) {
	verdict, netLift, confidence := Judge(m)

	marshal := func(v interface{}) ([]byte, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, hxerr.Wrap(hxerr.Internal, err, "marshal outcome metrics")
		}
		return raw, nil
	}
	tb, err := marshal(m.TreatedBaseline)
	if err != nil {
		return "", err
	}
	tp, err := marshal(m.TreatedPost)
	if err != nil {
		return "", err
	}
	cb, err := marshal(m.ControlBaseline)
	if err != nil {
		return "", err
	}
	cp, err := marshal(m.ControlPost)
	if err != nil {
		return "", err
	}
	nl, err := marshal(netLift)
	if err != nil {
		return "", err
	}

	err = e.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO causal_outcomes
				(id, correction_id, treated_baseline, treated_post,
				 control_baseline, control_post, net_lift, verdict, confidence)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			domain.NewID(), correctionID, tb, tp, cb, cp, nl, verdict, fmt.Sprintf("%.3f", confidence))
		if err != nil {
			return hxerr.FromPg(err)
		}

		var samples, nonCausal int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COUNT(*) FILTER (WHERE verdict = $1)
			FROM causal_outcomes
			WHERE measured_at > now() - ($2 * interval '1 second')`,
			VerdictNonCausal, int64(safeModeWindow.Seconds())).Scan(&samples, &nonCausal)
		if err != nil {
			return hxerr.FromPg(err)
		}

		if ShouldLatch(samples, nonCausal) {
			if err := e.flags.Set(ctx, tx, flags.CorrectionSafeMode, "on", "correction-engine"); err != nil {
				return err
			}
			e.logger.Printf("SAFE MODE: %d/%d non-causal verdicts in the last 24h", nonCausal, samples)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	e.logger.Printf("correction %s judged %s (confidence %.3f)", correctionID, verdict, confidence)
	return verdict, nil
}
