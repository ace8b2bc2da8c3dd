package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultReconcileInterval is the time between background reconciliation runs
const DefaultReconcileInterval = 5 * time.Minute

// Processor reconciles the ledger in the background
type Processor struct {
	service  *Service
	interval time.Duration
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Processor{
		service:  service,
		interval: interval,
	}
}

// Start begins the reconciliation loop and returns when ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconciliation_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting reconciliation processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation processor")
			return
		case <-ticker.C:
			report, err := p.service.Reconcile(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reconcile ledger")
				continue
			}
			if report.Healthy() {
				logger.Debug().
					Int("accounts", report.CheckedAccounts).
					Int("holdings", report.CheckedHoldings).
					Int("orders", report.CheckedOrders).
					Msg("ledger reconciled")
				continue
			}
			logger.Error().
				Int("discrepancies", len(report.Discrepancies)).
				Msg("ledger reconciliation found discrepancies")
		}
	}
}
