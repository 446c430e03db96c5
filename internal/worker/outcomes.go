package worker

import (
	"context"
	"log"
	"time"

	"github.com/hustlexp/backend/internal/correction"
)

// CorrectionOutcomes expires due corrections and closes the causal loop
// behind them: every expired correction is measured against its control
// cohort and the verdict recorded, which is the only path that can latch
// safe mode.
type CorrectionOutcomes struct {
	engine   *correction.Engine
	interval time.Duration
	logger   *log.Logger
}

func NewCorrectionOutcomes(engine *correction.Engine, interval time.Duration) *CorrectionOutcomes {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CorrectionOutcomes{
		engine:   engine,
		interval: interval,
		logger:   log.New(log.Writer(), "[CORRECTION] ", log.LstdFlags),
	}
}

func (p *CorrectionOutcomes) Name() string            { return "correction-outcomes" }
func (p *CorrectionOutcomes) Interval() time.Duration { return p.interval }

func (p *CorrectionOutcomes) Run(ctx context.Context) error {
	expired, err := p.engine.ExpireDue(ctx)
	if err != nil {
		return err
	}
	for i := range expired {
		c := &expired[i]
		m, err := p.engine.Measure(ctx, c)
		if err != nil {
			p.logger.Printf("measure correction %s: %v", c.ID, err)
			continue
		}
		if m == nil {
			p.logger.Printf("correction %s lived under the measurement floor, skipping", c.ID)
			continue
		}
		verdict, err := p.engine.RecordOutcome(ctx, c.ID, m)
		if err != nil {
			p.logger.Printf("record outcome for correction %s: %v", c.ID, err)
			continue
		}
		p.logger.Printf("correction %s (%s %s) judged %s", c.ID, c.Scope, c.ScopeKey, verdict)
	}
	return nil
}
