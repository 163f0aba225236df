package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridshare/gridshare/internal/auth"
	"github.com/gridshare/gridshare/internal/gateway"
	"github.com/gridshare/gridshare/internal/hub"
	"github.com/gridshare/gridshare/internal/matching"
	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/pkg/messaging"
)

type testEnv struct {
	server *gateway.Server
	store  *store.Memory
	bus    *messaging.LocalBus
	hub    *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemory()
	bus := messaging.NewLocalBus()
	h := hub.New(logger, time.Hour)
	require.NoError(t, h.AttachBus(bus))

	authSvc := auth.NewService(st, "test-secret")
	engine := matching.NewEngine(st, bus, logger)

	srv := gateway.NewServer(gateway.Config{
		Addr:         ":0",
		RateLimitMax: 10000,
	}, st, authSvc, engine, h, bus, nil, logger)

	return &testEnv{server: srv, store: st, bus: bus, hub: h}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func (e *testEnv) registerUser(t *testing.T, username string) *store.User {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username":    username,
		"email":       username + "@example.com",
		"password":    "hunter22",
		"displayName": username + " example",
		"userType":    store.UserTypeBoth,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var user store.User
	decode(t, rec, &user)
	return &user
}

func (e *testEnv) addProvider(t *testing.T, userID int64, name string, available, capacity float64, price string) *store.Provider {
	t.Helper()
	body := map[string]interface{}{
		"userId":            userID,
		"providerName":      name,
		"energyType":        store.EnergyTypeSolar,
		"maxCapacity":       capacity,
		"currentProduction": available,
		"availableEnergy":   available,
	}
	if price != "" {
		body["pricePerKwh"] = price
	}
	rec := e.do(t, http.MethodPost, "/api/providers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var provider store.Provider
	decode(t, rec, &provider)
	return &provider
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	user := env.registerUser(t, "alice")
	assert.Equal(t, "alice", user.Username)
	assert.NotZero(t, user.ID)

	t.Run("duplicate username is a conflict", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/auth/register", map[string]string{
			"username":    "alice",
			"email":       "other@example.com",
			"password":    "hunter22",
			"displayName": "Alice Again",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("login returns a token", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/auth/login", map[string]string{
			"username": "alice",
			"password": "hunter22",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			User  store.User `json:"user"`
			Token string     `json:"token"`
		}
		decode(t, rec, &resp)
		assert.Equal(t, user.ID, resp.User.ID)
		assert.NotEmpty(t, resp.Token)
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/auth/login", map[string]string{
			"username": "alice",
			"password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("password hash never leaves the API", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d", user.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "password")
	})
}

func TestProviderEndpoints(t *testing.T) {
	env := newTestEnv(t)
	user := env.registerUser(t, "bob")

	provider := env.addProvider(t, user.ID, "rooftop-solar", 8.5, 12.0, "0.10")
	assert.True(t, provider.IsActive)

	t.Run("listed under active providers", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/providers", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var providers []store.Provider
		decode(t, rec, &providers)
		require.Len(t, providers, 1)
		assert.Equal(t, provider.ID, providers[0].ID)
	})

	t.Run("listed under the owning user", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/providers/user/%d", user.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var providers []store.Provider
		decode(t, rec, &providers)
		require.Len(t, providers, 1)
	})

	t.Run("energy update clamps to capacity", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, fmt.Sprintf("/api/providers/%d/energy", provider.ID), map[string]interface{}{
			"currentProduction": 11.0,
			"availableEnergy":   99.0,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var updated store.Provider
		decode(t, rec, &updated)
		assert.True(t, updated.AvailableEnergy.Equal(decimal.RequireFromString("12")),
			"availableEnergy clamps to maxCapacity, got %s", updated.AvailableEnergy)
	})

	t.Run("unknown provider is a 404", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/providers/999/energy", map[string]interface{}{
			"currentProduction": 1.0,
			"availableEnergy":   1.0,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	producer := env.registerUser(t, "carol")
	consumer := env.registerUser(t, "dave")

	env.addProvider(t, producer.ID, "wind-farm", 20.0, 30.0, "0.12")

	t.Run("servable request matches immediately", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/requests", map[string]interface{}{
			"userId":       consumer.ID,
			"energyAmount": 5.0,
			"urgencyLevel": store.UrgencyUrgent,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp struct {
			Request store.Request `json:"request"`
			Match   *struct {
				Provider    store.Provider    `json:"provider"`
				Transaction store.Transaction `json:"transaction"`
			} `json:"match"`
		}
		decode(t, rec, &resp)
		assert.Equal(t, store.RequestStatusMatched, resp.Request.Status)
		require.NotNil(t, resp.Match)
		assert.True(t, resp.Match.Transaction.TotalPrice.Equal(decimal.RequireFromString("0.6")),
			"5.00 kWh * 0.12 = 0.60, got %s", resp.Match.Transaction.TotalPrice)

		recent := env.do(t, http.MethodGet, "/api/transactions/recent", nil)
		require.Equal(t, http.StatusOK, recent.Code)
		var txs []store.Transaction
		decode(t, recent, &txs)
		assert.Len(t, txs, 1)
	})

	t.Run("unservable request stays pending", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/requests", map[string]interface{}{
			"userId":       consumer.ID,
			"energyAmount": 500.0,
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp struct {
			Request store.Request   `json:"request"`
			Match   json.RawMessage `json:"match"`
		}
		decode(t, rec, &resp)
		assert.Equal(t, store.RequestStatusPending, resp.Request.Status)
		assert.Equal(t, "null", string(resp.Match))

		pending := env.do(t, http.MethodGet, "/api/requests", nil)
		var requests []store.Request
		decode(t, pending, &requests)
		require.Len(t, requests, 1)
		assert.Equal(t, resp.Request.ID, requests[0].ID)
	})

	t.Run("zero amount is rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/requests", map[string]interface{}{
			"userId":       consumer.ID,
			"energyAmount": 0,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("requests listed by user", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/requests/user/%d", consumer.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var requests []store.Request
		decode(t, rec, &requests)
		assert.Len(t, requests, 2)
	})

	t.Run("transactions listed for the consumer", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/transactions/user/%d", consumer.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var txs []store.Transaction
		decode(t, rec, &txs)
		assert.Len(t, txs, 1)

		rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/transactions/user/%d", producer.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &txs)
		assert.Empty(t, txs, "history is keyed by consumer, not the provider's owner")
	})
}

func TestCommunityStatsBootstrap(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/community/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.CommunityStats
	decode(t, rec, &stats)
	assert.True(t, stats.TotalProduction.IsZero())
	assert.Zero(t, stats.ActiveProviders)

	// The bootstrap row persists.
	again := env.do(t, http.MethodGet, "/api/community/stats", nil)
	assert.Equal(t, http.StatusOK, again.Code)
}

func TestRecentTransactionsLimit(t *testing.T) {
	env := newTestEnv(t)
	user := env.registerUser(t, "erin")
	env.addProvider(t, user.ID, "battery", 100.0, 100.0, "0.10")

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/requests", map[string]interface{}{
			"userId":       user.ID,
			"energyAmount": 1.0,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	t.Run("explicit limit", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/transactions/recent/3", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var txs []store.Transaction
		decode(t, rec, &txs)
		assert.Len(t, txs, 3)
	})

	t.Run("invalid limit is rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/transactions/recent/zero", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWebSocketReceivesDomainEvents(t *testing.T) {
	env := newTestEnv(t)
	user := env.registerUser(t, "frank")

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth", "userId": user.ID}))

	env.addProvider(t, user.ID, "solar-array", 10.0, 15.0, "0.11")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env1 messaging.Envelope
	require.NoError(t, conn.ReadJSON(&env1))
	assert.Equal(t, messaging.EventProviderAdded, env1.Type)
	assert.Contains(t, string(env1.Data), `"providerName":"solar-array"`)

	// A request fans out new_request and then match_found.
	rec := env.do(t, http.MethodPost, "/api/requests", map[string]interface{}{
		"userId":       user.ID,
		"energyAmount": 2.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var env2, env3 messaging.Envelope
	require.NoError(t, conn.ReadJSON(&env2))
	require.NoError(t, conn.ReadJSON(&env3))
	assert.Equal(t, messaging.EventNewRequest, env2.Type)
	assert.Equal(t, messaging.EventMatchFound, env3.Type)
}
