package sweeper

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/plcloud/metering/internal/pkg/ledger"
)

// Config holds the sweep cadences.
type Config struct {
	ChargeInterval  time.Duration
	ReleaseInterval time.Duration
}

// DefaultConfig returns the default sweep cadences.
func DefaultConfig() Config {
	return Config{
		ChargeInterval:  30 * time.Minute,
		ReleaseInterval: time.Hour,
	}
}

// Sweeper drives the reconciliation sweeps on a fixed cadence. Sweep
// failures are logged inside the sweeps themselves; the loop never dies.
type Sweeper struct {
	config  Config
	service *ledger.Service
	cancel  context.CancelFunc
}

// New creates a sweeper over the billing service.
func New(service *ledger.Service, config Config) *Sweeper {
	if config.ChargeInterval <= 0 {
		config.ChargeInterval = DefaultConfig().ChargeInterval
	}
	if config.ReleaseInterval <= 0 {
		config.ReleaseInterval = DefaultConfig().ReleaseInterval
	}
	return &Sweeper{config: config, service: service}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	log.Infof("[Sweeper] starting (charge=%s, release=%s)",
		s.config.ChargeInterval, s.config.ReleaseInterval)

	// Run immediately on start
	s.runChargeCycle(ctx)
	s.service.Release(ctx)

	chargeTicker := time.NewTicker(s.config.ChargeInterval)
	defer chargeTicker.Stop()
	releaseTicker := time.NewTicker(s.config.ReleaseInterval)
	defer releaseTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("[Sweeper] shutting down")
			return ctx.Err()
		case <-chargeTicker.C:
			s.runChargeCycle(ctx)
		case <-releaseTicker.C:
			s.service.Release(ctx)
		}
	}
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// runChargeCycle propagates pending price changes before charging, so newly
// priced periods are extended at their new price.
func (s *Sweeper) runChargeCycle(ctx context.Context) {
	s.service.ChangePrice(ctx)
	s.service.Charge(ctx)
}
