package matching_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridshare/gridshare/internal/matching"
	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/pkg/messaging"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fixture struct {
	store  *store.Memory
	bus    *messaging.LocalBus
	engine *matching.Engine
	events []messaging.Event
	mu     sync.Mutex
}

func newFixture(t *testing.T, opts ...matching.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		bus:   messaging.NewLocalBus(),
	}
	for _, et := range messaging.EventTypes {
		et := et
		err := f.bus.Subscribe(et, func(e messaging.Event) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		})
		require.NoError(t, err)
	}
	f.engine = matching.NewEngine(f.store, f.bus, zap.NewNop(), opts...)
	return f
}

func (f *fixture) eventsOfType(eventType string) []messaging.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []messaging.Event
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) seedProvider(t *testing.T, name, available, capacity string, price *decimal.Decimal) *store.Provider {
	t.Helper()
	p, err := f.store.CreateProvider(context.Background(), store.NewProvider{
		UserID:            1,
		ProviderName:      name,
		EnergyType:        store.EnergyTypeSolar,
		MaxCapacity:       dec(capacity),
		CurrentProduction: dec(available),
		AvailableEnergy:   dec(available),
		PricePerKwh:       price,
		IsActive:          true,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) seedRequest(t *testing.T, amount string) *store.Request {
	t.Helper()
	r, err := f.store.CreateRequest(context.Background(), store.NewRequest{
		UserID:       2,
		EnergyAmount: dec(amount),
		UrgencyLevel: store.UrgencyNormal,
	})
	require.NoError(t, err)
	return r
}

func TestMatchSelectsProviderWithMostAvailableEnergy(t *testing.T) {
	ctx := context.Background()

	t.Run("picks the largest qualifying provider", func(t *testing.T) {
		f := newFixture(t)
		f.seedProvider(t, "small", "6.00", "10.00", decPtr("0.10"))
		big := f.seedProvider(t, "big", "20.00", "25.00", decPtr("0.12"))
		f.seedProvider(t, "medium", "9.00", "12.00", decPtr("0.08"))
		req := f.seedRequest(t, "5.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, big.ID, result.Provider.ID)
		assert.Equal(t, store.RequestStatusMatched, result.Request.Status)
		require.NotNil(t, result.Request.MatchedProviderID)
		assert.Equal(t, big.ID, *result.Request.MatchedProviderID)

		updated, err := f.store.GetProvider(ctx, big.ID)
		require.NoError(t, err)
		assert.True(t, updated.AvailableEnergy.Equal(dec("15.00")),
			"winner's availableEnergy should drop by the requested amount, got %s", updated.AvailableEnergy)
	})

	t.Run("breaks availability ties by lowest provider id", func(t *testing.T) {
		f := newFixture(t)
		first := f.seedProvider(t, "alpha", "10.00", "15.00", nil)
		f.seedProvider(t, "beta", "10.00", "15.00", nil)
		req := f.seedRequest(t, "4.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, first.ID, result.Provider.ID)
	})

	t.Run("skips providers below the requested amount", func(t *testing.T) {
		f := newFixture(t)
		f.seedProvider(t, "tiny", "2.00", "5.00", nil)
		req := f.seedRequest(t, "3.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("provider exactly at the requested amount qualifies", func(t *testing.T) {
		f := newFixture(t)
		exact := f.seedProvider(t, "exact", "5.00", "10.00", nil)
		req := f.seedRequest(t, "5.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, exact.ID, result.Provider.ID)

		updated, err := f.store.GetProvider(ctx, exact.ID)
		require.NoError(t, err)
		assert.True(t, updated.AvailableEnergy.IsZero())
	})
}

func TestMatchEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("five kilowatt-hours against a single provider", func(t *testing.T) {
		f := newFixture(t)
		provider := f.seedProvider(t, "rooftop", "10.00", "10.00", decPtr("0.20"))
		req := f.seedRequest(t, "5.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, result)

		assert.Equal(t, store.RequestStatusMatched, result.Request.Status)
		assert.True(t, result.Transaction.TotalPrice.Equal(dec("1.00")))

		updated, err := f.store.GetProvider(ctx, provider.ID)
		require.NoError(t, err)
		assert.True(t, updated.AvailableEnergy.Equal(dec("5.00")))
		assert.Len(t, f.eventsOfType(messaging.EventMatchFound), 1)
	})

	t.Run("five kilowatt-hours with no providers at all", func(t *testing.T) {
		f := newFixture(t)
		req := f.seedRequest(t, "5.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		assert.Nil(t, result)

		reloaded, err := f.store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RequestStatusPending, reloaded.Status)
		assert.Empty(t, f.eventsOfType(messaging.EventMatchFound))
	})
}

func TestMatchLeavesUnservableRequestPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	small := f.seedProvider(t, "small", "3.00", "5.00", nil)
	req := f.seedRequest(t, "10.00")

	result, err := f.engine.Match(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, result, "no qualifying provider is not an error")

	reloaded, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestStatusPending, reloaded.Status)
	assert.Nil(t, reloaded.MatchedProviderID)

	txs, err := f.store.RecentTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, txs, "no transaction without a match")
	assert.Empty(t, f.eventsOfType(messaging.EventMatchFound))

	provider, err := f.store.GetProvider(ctx, small.ID)
	require.NoError(t, err)
	assert.True(t, provider.AvailableEnergy.Equal(dec("3.00")),
		"a failed match must not touch provider energy")
}

func TestMatchTransactionPricing(t *testing.T) {
	ctx := context.Background()

	t.Run("uses the provider's price", func(t *testing.T) {
		f := newFixture(t)
		f.seedProvider(t, "priced", "10.00", "15.00", decPtr("0.25"))
		req := f.seedRequest(t, "4.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, result)

		tx := result.Transaction
		assert.Equal(t, req.ID, tx.RequestID)
		assert.Equal(t, req.UserID, tx.ConsumerID)
		assert.True(t, tx.PricePerKwh.Equal(dec("0.25")))
		assert.True(t, tx.TotalPrice.Equal(dec("1.00")), "4.00 kWh * 0.25 = 1.00, got %s", tx.TotalPrice)
		assert.Equal(t, store.TxStatusPending, tx.Status)
	})

	t.Run("falls back to the default rate when the provider has none", func(t *testing.T) {
		f := newFixture(t)
		f.seedProvider(t, "unpriced", "10.00", "15.00", nil)
		req := f.seedRequest(t, "10.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Transaction.PricePerKwh.Equal(dec("0.15")))
		assert.True(t, result.Transaction.TotalPrice.Equal(dec("1.50")))
	})

	t.Run("honors a configured fallback price", func(t *testing.T) {
		f := newFixture(t, matching.WithFallbackPrice(dec("0.20")))
		f.seedProvider(t, "unpriced", "10.00", "15.00", nil)
		req := f.seedRequest(t, "5.00")

		result, err := f.engine.Match(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Transaction.TotalPrice.Equal(dec("1.00")))
	})
}

func TestMatchPublishesMatchFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	provider := f.seedProvider(t, "p", "10.00", "15.00", decPtr("0.10"))
	req := f.seedRequest(t, "5.00")

	result, err := f.engine.Match(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, result)

	events := f.eventsOfType(messaging.EventMatchFound)
	require.Len(t, events, 1)

	env := events[0].Envelope()
	assert.Equal(t, messaging.EventMatchFound, env.Type)
	assert.Contains(t, string(env.Data), `"requestId":`+strconv.FormatInt(req.ID, 10))
	assert.Contains(t, string(env.Data), `"providerId":`+strconv.FormatInt(provider.ID, 10))
}

func TestMatchIgnoresNonPendingRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProvider(t, "p", "10.00", "15.00", nil)
	req := f.seedRequest(t, "5.00")

	first, err := f.engine.Match(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second pass over the already-matched request is a no-op.
	second, err := f.engine.Match(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, second)

	txs, err := f.store.RecentTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "matching must create exactly one transaction per request")
}

// brokenTxStore fails every transaction insert, simulating a storage outage
// between the reservation and the transaction write.
type brokenTxStore struct {
	store.Store
}

func (s *brokenTxStore) CreateTransaction(ctx context.Context, nt store.NewTransaction) (*store.Transaction, error) {
	return nil, errors.New("transaction insert failed")
}

func TestMatchCompensatesWhenTransactionInsertFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	provider := f.seedProvider(t, "p", "10.00", "15.00", decPtr("0.10"))
	req := f.seedRequest(t, "4.00")

	engine := matching.NewEngine(&brokenTxStore{Store: f.store}, f.bus, zap.NewNop())

	result, err := engine.Match(ctx, req.ID)
	assert.Error(t, err)
	assert.Nil(t, result)

	reloaded, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestStatusPending, reloaded.Status,
		"a failed match must leave the request retryable")
	assert.Nil(t, reloaded.MatchedProviderID)

	restored, err := f.store.GetProvider(ctx, provider.ID)
	require.NoError(t, err)
	assert.True(t, restored.AvailableEnergy.Equal(dec("10.00")),
		"reserved energy must be returned, got %s", restored.AvailableEnergy)

	pending, err := f.store.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the request stays visible to later match attempts")
	assert.Equal(t, req.ID, pending[0].ID)

	txs, err := f.store.RecentTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, f.eventsOfType(messaging.EventMatchFound))
}

func TestConcurrentMatchesNeverOversellProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	provider := f.seedProvider(t, "contested", "10.00", "20.00", decPtr("0.10"))

	const workers = 8
	requests := make([]*store.Request, workers)
	for i := range requests {
		requests[i] = f.seedRequest(t, "4.00")
	}

	var wg sync.WaitGroup
	results := make([]*matching.Result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.engine.Match(ctx, requests[i].ID)
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	matched := 0
	for _, r := range results {
		if r != nil {
			matched++
		}
	}
	// 10.00 available, 4.00 each: at most two can win.
	assert.LessOrEqual(t, matched, 2)
	assert.GreaterOrEqual(t, matched, 1)

	final, err := f.store.GetProvider(ctx, provider.ID)
	require.NoError(t, err)
	assert.False(t, final.AvailableEnergy.IsNegative(),
		"availableEnergy must never go negative, got %s", final.AvailableEnergy)

	txs, err := f.store.RecentTransactions(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, matched, len(txs))
}
