package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory is an in-process Store used by tests and dev mode. All maps are
// guarded by a single mutex; returned records are copies, never aliases of
// internal state.
type Memory struct {
	mu           sync.Mutex
	users        map[int64]*User
	providers    map[int64]*Provider
	requests     map[int64]*Request
	transactions map[int64]*Transaction
	stats        *CommunityStats
	nextID       int64
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[int64]*User),
		providers:    make(map[int64]*Provider),
		requests:     make(map[int64]*Request),
		transactions: make(map[int64]*Transaction),
		nextID:       1,
	}
}

func (m *Memory) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

// Users

func (m *Memory) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == nu.Username {
			return nil, ErrUsernameTaken
		}
		if u.Email == nu.Email {
			return nil, ErrEmailTaken
		}
	}
	u := &User{
		ID:           m.id(),
		Username:     nu.Username,
		Email:        nu.Email,
		PasswordHash: nu.PasswordHash,
		DisplayName:  nu.DisplayName,
		UserType:     nu.UserType,
		Location:     nu.Location,
		ProfileImage: nu.ProfileImage,
		CreatedAt:    time.Now(),
	}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

// Providers

func (m *Memory) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetProvidersByUser(ctx context.Context, userID int64) ([]*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Provider
	for _, p := range m.providers {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveProviders(ctx context.Context) ([]*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Provider
	for _, p := range m.providers {
		if p.IsActive && p.AvailableEnergy.IsPositive() {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].AvailableEnergy.Cmp(out[j].AvailableEnergy); c != 0 {
			return c > 0
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateProvider(ctx context.Context, np NewProvider) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Provider{
		ID:                m.id(),
		UserID:            np.UserID,
		ProviderName:      np.ProviderName,
		EnergyType:        np.EnergyType,
		MaxCapacity:       np.MaxCapacity,
		CurrentProduction: np.CurrentProduction,
		AvailableEnergy:   np.AvailableEnergy,
		PricePerKwh:       np.PricePerKwh,
		Latitude:          np.Latitude,
		Longitude:         np.Longitude,
		IsActive:          np.IsActive,
		LastUpdated:       time.Now(),
	}
	m.providers[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *Memory) UpdateProviderEnergy(ctx context.Context, id int64, production, available decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return ErrNotFound
	}
	p.CurrentProduction = production
	p.AvailableEnergy = available
	p.LastUpdated = time.Now()
	return nil
}

func (m *Memory) ReserveProviderEnergy(ctx context.Context, id int64, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return false, ErrNotFound
	}
	if !p.IsActive || p.AvailableEnergy.LessThan(amount) {
		return false, nil
	}
	p.AvailableEnergy = p.AvailableEnergy.Sub(amount)
	p.LastUpdated = time.Now()
	return true, nil
}

func (m *Memory) ReleaseProviderEnergy(ctx context.Context, id int64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return ErrNotFound
	}
	next := p.AvailableEnergy.Add(amount)
	if next.GreaterThan(p.MaxCapacity) {
		next = p.MaxCapacity
	}
	p.AvailableEnergy = next
	p.LastUpdated = time.Now()
	return nil
}

// Requests

func (m *Memory) GetRequest(ctx context.Context, id int64) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) GetRequestsByUser(ctx context.Context, userID int64) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) PendingRequests(ctx context.Context) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == RequestStatusPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateRequest(ctx context.Context, nr NewRequest) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &Request{
		ID:                m.id(),
		UserID:            nr.UserID,
		EnergyAmount:      nr.EnergyAmount,
		UrgencyLevel:      nr.UrgencyLevel,
		PreferredTimeSlot: nr.PreferredTimeSlot,
		MaxPrice:          nr.MaxPrice,
		Status:            RequestStatusPending,
		CreatedAt:         time.Now(),
		RequestedFor:      nr.RequestedFor,
	}
	m.requests[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *Memory) MarkRequestMatched(ctx context.Context, id, providerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = RequestStatusMatched
	pid := providerID
	r.MatchedProviderID = &pid
	return nil
}

func (m *Memory) MarkRequestPending(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = RequestStatusPending
	r.MatchedProviderID = nil
	return nil
}

// Transactions

func (m *Memory) GetTransactionsByUser(ctx context.Context, userID int64) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.transactions {
		if t.ConsumerID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) RecentTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.transactions {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateTransaction(ctx context.Context, nt NewTransaction) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Transaction{
		ID:           m.id(),
		RequestID:    nt.RequestID,
		ProviderID:   nt.ProviderID,
		ConsumerID:   nt.ConsumerID,
		EnergyAmount: nt.EnergyAmount,
		PricePerKwh:  nt.PricePerKwh,
		TotalPrice:   nt.TotalPrice,
		Status:       nt.Status,
		CreatedAt:    time.Now(),
	}
	m.transactions[t.ID] = t
	cp := *t
	return &cp, nil
}

// Community stats

func (m *Memory) GetCommunityStats(ctx context.Context) (*CommunityStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return nil, ErrNotFound
	}
	cp := *m.stats
	return &cp, nil
}

func (m *Memory) UpsertCommunityStats(ctx context.Context, s CommunityStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now()
	m.stats = &s
	return nil
}

func (m *Memory) CountActiveConsumers(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]struct{})
	for _, r := range m.requests {
		if r.Status == RequestStatusPending || r.Status == RequestStatusMatched {
			seen[r.UserID] = struct{}{}
		}
	}
	return len(seen), nil
}
