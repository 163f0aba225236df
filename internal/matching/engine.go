// Package matching binds pending energy requests to providers with
// sufficient available energy.
package matching

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/pkg/messaging"
)

// DefaultFallbackPrice is charged when a provider has no price configured.
var DefaultFallbackPrice = decimal.RequireFromString("0.15")

// Result describes a successful match.
type Result struct {
	Request     *store.Request
	Provider    *store.Provider
	Transaction *store.Transaction
}

// Engine runs the greedy matching algorithm. It is safe for concurrent use:
// updates to a provider's availableEnergy serialize on the store's
// conditional decrement, so two simultaneous matches can never drive it
// negative.
type Engine struct {
	store         store.Store
	bus           messaging.Bus
	logger        *zap.Logger
	fallbackPrice decimal.Decimal
}

// Option configures an Engine.
type Option func(*Engine)

// WithFallbackPrice overrides the price charged for providers without one.
func WithFallbackPrice(p decimal.Decimal) Option {
	return func(e *Engine) { e.fallbackPrice = p }
}

func NewEngine(st store.Store, bus messaging.Bus, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		bus:           bus,
		logger:        logger,
		fallbackPrice: DefaultFallbackPrice,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Match attempts to bind the request to the active provider holding the most
// available energy. Candidates are tried in availableEnergy-descending order
// with ties broken by lowest provider id; the first successful reservation
// wins. A nil Result with nil error means no provider qualified — the
// request stays pending and that is not a fault.
func (e *Engine) Match(ctx context.Context, requestID int64) (*Result, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %d: %w", requestID, err)
	}
	if req.Status != store.RequestStatusPending {
		return nil, nil
	}

	providers, err := e.store.ActiveProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active providers: %w", err)
	}

	for _, provider := range providers {
		if provider.AvailableEnergy.LessThan(req.EnergyAmount) {
			// Providers are sorted by availableEnergy descending, so no
			// later candidate can qualify either.
			break
		}
		ok, err := e.store.ReserveProviderEnergy(ctx, provider.ID, req.EnergyAmount)
		if err != nil {
			return nil, fmt.Errorf("reserve energy on provider %d: %w", provider.ID, err)
		}
		if !ok {
			// Lost a race against a concurrent match or simulation tick;
			// try the next candidate.
			continue
		}
		return e.complete(ctx, req, provider)
	}

	return nil, nil
}

// complete persists the match after the provider's energy was reserved. A
// persistence failure compensates the reservation before returning.
func (e *Engine) complete(ctx context.Context, req *store.Request, provider *store.Provider) (*Result, error) {
	if err := e.store.MarkRequestMatched(ctx, req.ID, provider.ID); err != nil {
		e.release(ctx, provider.ID, req.EnergyAmount)
		return nil, fmt.Errorf("mark request %d matched: %w", req.ID, err)
	}

	price := e.fallbackPrice
	if provider.PricePerKwh != nil {
		price = *provider.PricePerKwh
	}

	tx, err := e.store.CreateTransaction(ctx, store.NewTransaction{
		RequestID:    req.ID,
		ProviderID:   provider.ID,
		ConsumerID:   req.UserID,
		EnergyAmount: req.EnergyAmount,
		PricePerKwh:  price,
		TotalPrice:   req.EnergyAmount.Mul(price),
		Status:       store.TxStatusPending,
	})
	if err != nil {
		// Undo both effects so the request is retryable: return the reserved
		// energy and put the request back in the pending pool.
		e.release(ctx, provider.ID, req.EnergyAmount)
		e.revert(ctx, req.ID)
		return nil, fmt.Errorf("create transaction for request %d: %w", req.ID, err)
	}

	matched, err := e.store.GetRequest(ctx, req.ID)
	if err != nil {
		matched = req
	}

	event, err := messaging.NewEvent(messaging.EventMatchFound, messaging.MatchFoundData{
		RequestID:   req.ID,
		ProviderID:  provider.ID,
		Transaction: tx,
	})
	if err == nil {
		if err := e.bus.Publish(ctx, event); err != nil {
			e.logger.Warn("publish match_found failed",
				zap.Int64("request_id", req.ID), zap.Error(err))
		}
	}

	e.logger.Info("request matched",
		zap.Int64("request_id", req.ID),
		zap.Int64("provider_id", provider.ID),
		zap.String("energy_amount", req.EnergyAmount.String()),
		zap.String("total_price", tx.TotalPrice.String()))

	return &Result{Request: matched, Provider: provider, Transaction: tx}, nil
}

func (e *Engine) release(ctx context.Context, providerID int64, amount decimal.Decimal) {
	if err := e.store.ReleaseProviderEnergy(ctx, providerID, amount); err != nil {
		e.logger.Error("failed to release reserved energy",
			zap.Int64("provider_id", providerID),
			zap.String("amount", amount.String()), zap.Error(err))
	}
}

func (e *Engine) revert(ctx context.Context, requestID int64) {
	if err := e.store.MarkRequestPending(ctx, requestID); err != nil {
		e.logger.Error("failed to revert request to pending",
			zap.Int64("request_id", requestID), zap.Error(err))
	}
}
