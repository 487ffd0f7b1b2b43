package energy

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/strategy_layer/internal/app/metrics"
	"github.com/R3E-Network/strategy_layer/internal/app/system"
	"github.com/R3E-Network/strategy_layer/internal/chain"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

var _ system.Service = (*Replenisher)(nil)

// Replenisher tops up the refill capacity of every token on a cron schedule,
// acting with the fee-payee authority of the token's strategy.
type Replenisher struct {
	service  *Service
	log      *logger.Logger
	schedule string
	amount   uint64

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewReplenisher creates a replenisher from the service policy. It is inert
// when the policy has no top-up schedule or amount.
func NewReplenisher(svc *Service, log *logger.Logger) *Replenisher {
	if log == nil {
		log = logger.NewDefault("energy-replenisher")
	}
	topUp := svc.Policy().CapacityTopUp
	return &Replenisher{
		service:  svc,
		log:      log,
		schedule: topUp.Schedule,
		amount:   topUp.Amount,
	}
}

func (r *Replenisher) Name() string { return "energy-replenisher" }

// Enabled reports whether a schedule is configured.
func (r *Replenisher) Enabled() bool {
	return r.schedule != "" && r.amount > 0
}

func (r *Replenisher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || !r.Enabled() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.TopUp(runCtx) }); err != nil {
		cancel()
		return err
	}
	c.Start()
	r.cron, r.cancel, r.running = c, cancel, true

	r.log.WithField("schedule", r.schedule).
		WithField("amount", r.amount).
		Info("refill capacity replenisher started")
	return nil
}

func (r *Replenisher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c, cancel := r.cron, r.cancel
	r.cron, r.cancel, r.running = nil, nil, false
	r.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("refill capacity replenisher stopped")
	return nil
}

// TopUp adds the configured amount to every token once. It returns how many
// tokens were topped up.
func (r *Replenisher) TopUp(ctx context.Context) int {
	strategies, err := r.service.store.ListStrategies(ctx)
	if err != nil {
		r.log.WithError(err).Warn("list strategies for top-up")
		return 0
	}
	done := 0
	for _, st := range strategies {
		tokens, err := r.service.store.ListTokens(ctx, st.ID)
		if err != nil {
			r.log.WithField("strategy_id", chain.Hex(st.ID)).WithError(err).Warn("list tokens for top-up")
			continue
		}
		for _, t := range tokens {
			if ctx.Err() != nil {
				return done
			}
			_, err := r.service.ChangeRefillCapacity(ctx, st.FeePayee, t.ID, r.amount, CapacityAdd)
			metrics.RecordCapacityTopUp(err == nil)
			if err != nil {
				r.log.WithField("token_id", chain.Hex(t.ID)).WithError(err).Warn("refill capacity top-up failed")
				continue
			}
			done++
		}
	}
	r.log.WithField("tokens", done).Debug("refill capacity topped up")
	return done
}
