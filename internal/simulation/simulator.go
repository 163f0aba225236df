// Package simulation is the fixed-interval loop that perturbs provider
// production figures and recomputes the community-wide aggregates.
package simulation

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridshare/gridshare/internal/cache"
	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/internal/telemetry"
	"github.com/gridshare/gridshare/pkg/messaging"
)

const (
	// DefaultInterval between ticks.
	DefaultInterval = 5 * time.Second
	// maxPerturbation bounds the symmetric production drift per tick, in kWh.
	maxPerturbation = 1.0
	// maxConsumptionShare caps the simulated consumption draw per tick.
	maxConsumptionShare = 0.3
)

// DefaultUtilizationFactor scales total production into the reported flow
// rate.
var DefaultUtilizationFactor = decimal.RequireFromString("0.7")

// Matcher re-runs matching for a pending request when the rematch pass is
// enabled. Wired to the matching engine in main.
type Matcher func(ctx context.Context, requestID int64) error

// Config tunes the simulator. Zero values take the defaults above.
type Config struct {
	Interval          time.Duration
	UtilizationFactor decimal.Decimal
	// RematchPending re-attempts matching for every pending request each
	// tick. Off by default: the reference behavior matches only once, at
	// request creation.
	RematchPending bool
	// Rand supplies the perturbation source; defaults to a time-seeded one.
	Rand *rand.Rand
}

// Simulator mutates provider state on a timer and republishes aggregates. A
// failure against one provider is logged and skipped; the loop itself only
// stops with its context.
type Simulator struct {
	store    store.Store
	bus      messaging.Bus
	stats    *cache.Stats
	tele     *telemetry.Writer
	matcher  Matcher
	logger   *zap.Logger
	interval time.Duration
	util     decimal.Decimal
	rematch  bool
	rnd      *rand.Rand
}

func New(st store.Store, bus messaging.Bus, stats *cache.Stats, tele *telemetry.Writer, matcher Matcher, logger *zap.Logger, cfg Config) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.UtilizationFactor.IsZero() {
		cfg.UtilizationFactor = DefaultUtilizationFactor
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		store:    st,
		bus:      bus,
		stats:    stats,
		tele:     tele,
		matcher:  matcher,
		logger:   logger,
		interval: cfg.Interval,
		util:     cfg.UtilizationFactor,
		rematch:  cfg.RematchPending,
		rnd:      cfg.Rand,
	}
}

// Run ticks until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one simulation pass. Exported so tests can drive the loop
// without a timer.
func (s *Simulator) Tick(ctx context.Context) {
	providers, err := s.store.ActiveProviders(ctx)
	if err != nil {
		s.logger.Error("simulation: load providers failed", zap.Error(err))
		return
	}

	totalProduction := decimal.Zero
	totalAvailable := decimal.Zero
	updated := 0

	for _, p := range providers {
		production, available := s.perturb(p)
		if err := s.store.UpdateProviderEnergy(ctx, p.ID, production, available); err != nil {
			// Isolated per provider: the rest of the tick proceeds. The
			// failed provider is left out of the aggregates so the published
			// figures stay consistent with each other.
			s.logger.Warn("simulation: provider update failed",
				zap.Int64("provider_id", p.ID), zap.Error(err))
			continue
		}
		updated++
		totalProduction = totalProduction.Add(production)
		totalAvailable = totalAvailable.Add(available)
	}

	s.publishStats(ctx, totalProduction, totalAvailable, updated)

	if s.rematch && s.matcher != nil {
		s.rematchPending(ctx)
	}
}

// perturb computes the next production/availability pair for one provider:
// production drifts by ±maxPerturbation (floored at zero), a random share of
// it is consumed, and availability is clamped to [0, maxCapacity].
func (s *Simulator) perturb(p *store.Provider) (production, available decimal.Decimal) {
	prev, _ := p.CurrentProduction.Float64()
	next := prev + (s.rnd.Float64()-0.5)*2*maxPerturbation
	if next < 0 {
		next = 0
	}

	consumption := s.rnd.Float64() * maxConsumptionShare * next

	production = decimal.NewFromFloat(next).Round(2)
	available = decimal.NewFromFloat(next - consumption).Round(2)
	if available.IsNegative() {
		available = decimal.Zero
	}
	if available.GreaterThan(p.MaxCapacity) {
		available = p.MaxCapacity
	}
	return production, available
}

// publishStats recomputes the singleton aggregates from scratch and fans the
// update out. Cache and telemetry failures are logged, never fatal.
func (s *Simulator) publishStats(ctx context.Context, totalProduction, totalAvailable decimal.Decimal, activeProviders int) {
	activeConsumers, err := s.store.CountActiveConsumers(ctx)
	if err != nil {
		s.logger.Warn("simulation: count active consumers failed", zap.Error(err))
	}

	stats := store.CommunityStats{
		TotalProduction:  totalProduction,
		TotalConsumption: totalProduction.Sub(totalAvailable),
		ActiveProviders:  activeProviders,
		ActiveConsumers:  activeConsumers,
		CurrentFlowRate:  totalProduction.Mul(s.util).Round(2),
		UpdatedAt:        time.Now(),
	}

	if err := s.store.UpsertCommunityStats(ctx, stats); err != nil {
		s.logger.Error("simulation: upsert community stats failed", zap.Error(err))
	}
	if err := s.stats.Set(ctx, stats); err != nil {
		s.logger.Warn("simulation: stats cache write failed", zap.Error(err))
	}

	prodF, _ := totalProduction.Float64()
	availF, _ := totalAvailable.Float64()
	if err := s.tele.RecordTick(ctx, prodF, availF, activeProviders); err != nil {
		s.logger.Warn("simulation: telemetry write failed", zap.Error(err))
	}

	event, err := messaging.NewEvent(messaging.EventEnergyDataUpdate, messaging.EnergyDataUpdateData{
		TotalProduction: totalProduction.String(),
		TotalAvailable:  totalAvailable.String(),
		ActiveProviders: activeProviders,
	})
	if err == nil {
		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Warn("simulation: publish energy_data_update failed", zap.Error(err))
		}
	}
}

func (s *Simulator) rematchPending(ctx context.Context) {
	pending, err := s.store.PendingRequests(ctx)
	if err != nil {
		s.logger.Warn("simulation: load pending requests failed", zap.Error(err))
		return
	}
	for _, req := range pending {
		if err := s.matcher(ctx, req.ID); err != nil {
			s.logger.Warn("simulation: rematch failed",
				zap.Int64("request_id", req.ID), zap.Error(err))
		}
	}
}
