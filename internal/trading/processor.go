package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reconciler periodically syncs stored trades with the brokerage.
type Reconciler struct {
	lifecycle *Lifecycle
	interval  time.Duration // Time between reconciliation passes
}

func NewReconciler(lifecycle *Lifecycle, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		lifecycle: lifecycle,
		interval:  interval,
	}
}

// Start runs reconciliation passes until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	logger := log.With().Str("component", "trade_reconciler").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting trade reconciler")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down trade reconciler")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	logger := log.With().Str("component", "trade_reconciler").Logger()

	complete, err := r.lifecycle.Reconcile(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reconcile trades")
		return
	}
	if !complete {
		logger.Warn().Msg("some trades could not be checked, will retry next pass")
	}
}
