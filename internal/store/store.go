// Package store is the persistence gateway: typed CRUD over the five record
// kinds plus the bulk queries the matching engine and simulation loop depend
// on. Two implementations exist, Postgres for production and Memory for tests
// and dev mode.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrUsernameTaken = errors.New("username already exists")
	ErrEmailTaken    = errors.New("email already exists")
)

// NewUser carries the fields settable at registration.
type NewUser struct {
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
	UserType     string
	Location     string
	ProfileImage string
}

// NewProvider carries the fields settable when a device is registered.
type NewProvider struct {
	UserID            int64
	ProviderName      string
	EnergyType        string
	MaxCapacity       decimal.Decimal
	CurrentProduction decimal.Decimal
	AvailableEnergy   decimal.Decimal
	PricePerKwh       *decimal.Decimal
	Latitude          *decimal.Decimal
	Longitude         *decimal.Decimal
	IsActive          bool
}

// NewRequest carries the fields settable on submission. Status and the
// matched provider are owned by the matching engine.
type NewRequest struct {
	UserID            int64
	EnergyAmount      decimal.Decimal
	UrgencyLevel      string
	PreferredTimeSlot string
	MaxPrice          *decimal.Decimal
	RequestedFor      *time.Time
}

// NewTransaction is created exactly once per successful match.
type NewTransaction struct {
	RequestID    int64
	ProviderID   int64
	ConsumerID   int64
	EnergyAmount decimal.Decimal
	PricePerKwh  decimal.Decimal
	TotalPrice   decimal.Decimal
	Status       string
}

// Store is the persistence gateway interface. Lookups return ErrNotFound for
// absent records rather than driver-level errors.
type Store interface {
	// Users
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u NewUser) (*User, error)

	// Providers
	GetProvider(ctx context.Context, id int64) (*Provider, error)
	GetProvidersByUser(ctx context.Context, userID int64) ([]*Provider, error)
	// ActiveProviders returns active providers with positive availableEnergy,
	// ordered by availableEnergy descending, id ascending on ties.
	ActiveProviders(ctx context.Context) ([]*Provider, error)
	CreateProvider(ctx context.Context, p NewProvider) (*Provider, error)
	// UpdateProviderEnergy overwrites a provider's production and
	// availability figures and refreshes last_updated.
	UpdateProviderEnergy(ctx context.Context, id int64, production, available decimal.Decimal) error
	// ReserveProviderEnergy atomically decrements availableEnergy by amount
	// if and only if the provider is active and has at least that much
	// available. Returns false when the reservation lost the race or the
	// provider no longer qualifies. This is the serialization point for
	// concurrent matches against one provider.
	ReserveProviderEnergy(ctx context.Context, id int64, amount decimal.Decimal) (bool, error)
	// ReleaseProviderEnergy returns previously reserved energy, clamped at
	// the provider's maxCapacity. Used to compensate a reservation when the
	// rest of the match fails to persist.
	ReleaseProviderEnergy(ctx context.Context, id int64, amount decimal.Decimal) error

	// Requests
	GetRequest(ctx context.Context, id int64) (*Request, error)
	GetRequestsByUser(ctx context.Context, userID int64) ([]*Request, error)
	// PendingRequests returns pending requests ordered by creation time
	// descending.
	PendingRequests(ctx context.Context) ([]*Request, error)
	CreateRequest(ctx context.Context, r NewRequest) (*Request, error)
	// MarkRequestMatched transitions a pending request to matched with the
	// winning provider recorded.
	MarkRequestMatched(ctx context.Context, id, providerID int64) error
	// MarkRequestPending reverts a matched request to pending and clears the
	// matched provider. Compensation for a match that failed to persist
	// fully; the request becomes eligible for later attempts again.
	MarkRequestPending(ctx context.Context, id int64) error

	// Transactions
	GetTransactionsByUser(ctx context.Context, userID int64) ([]*Transaction, error)
	RecentTransactions(ctx context.Context, limit int) ([]*Transaction, error)
	CreateTransaction(ctx context.Context, t NewTransaction) (*Transaction, error)

	// Community stats
	GetCommunityStats(ctx context.Context) (*CommunityStats, error)
	// UpsertCommunityStats replaces the singleton stats row.
	UpsertCommunityStats(ctx context.Context, s CommunityStats) error
	// CountActiveConsumers counts distinct users holding a request in a
	// non-terminal state (pending or matched).
	CountActiveConsumers(ctx context.Context) (int, error)
}
