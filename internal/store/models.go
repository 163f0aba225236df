package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// User types
const (
	UserTypeProvider = "provider"
	UserTypeConsumer = "consumer"
	UserTypeBoth     = "both"
)

// Energy source types
const (
	EnergyTypeSolar   = "solar"
	EnergyTypeWind    = "wind"
	EnergyTypeBattery = "battery"
)

// Request urgency levels
const (
	UrgencyImmediate = "immediate"
	UrgencyUrgent    = "urgent"
	UrgencyNormal    = "normal"
	UrgencyScheduled = "scheduled"
)

// Request statuses. Transitions: pending -> matched -> fulfilled, or any
// non-terminal state -> cancelled.
const (
	RequestStatusPending   = "pending"
	RequestStatusMatched   = "matched"
	RequestStatusFulfilled = "fulfilled"
	RequestStatusCancelled = "cancelled"
)

// Transaction statuses
const (
	TxStatusPending   = "pending"
	TxStatusActive    = "active"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	UserType     string    `json:"userType"`
	Location     string    `json:"location,omitempty"`
	ProfileImage string    `json:"profileImage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Provider struct {
	ID                int64            `json:"id"`
	UserID            int64            `json:"userId"`
	ProviderName      string           `json:"providerName"`
	EnergyType        string           `json:"energyType"`
	MaxCapacity       decimal.Decimal  `json:"maxCapacity"`
	CurrentProduction decimal.Decimal  `json:"currentProduction"`
	AvailableEnergy   decimal.Decimal  `json:"availableEnergy"`
	PricePerKwh       *decimal.Decimal `json:"pricePerKwh,omitempty"`
	Latitude          *decimal.Decimal `json:"latitude,omitempty"`
	Longitude         *decimal.Decimal `json:"longitude,omitempty"`
	IsActive          bool             `json:"isActive"`
	LastUpdated       time.Time        `json:"lastUpdated"`
}

type Request struct {
	ID                int64            `json:"id"`
	UserID            int64            `json:"userId"`
	EnergyAmount      decimal.Decimal  `json:"energyAmount"`
	UrgencyLevel      string           `json:"urgencyLevel"`
	PreferredTimeSlot string           `json:"preferredTimeSlot,omitempty"`
	MaxPrice          *decimal.Decimal `json:"maxPrice,omitempty"`
	Status            string           `json:"status"`
	MatchedProviderID *int64           `json:"matchedProviderId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	RequestedFor      *time.Time       `json:"requestedFor,omitempty"`
}

type Transaction struct {
	ID           int64           `json:"id"`
	RequestID    int64           `json:"requestId"`
	ProviderID   int64           `json:"providerId"`
	ConsumerID   int64           `json:"consumerId"`
	EnergyAmount decimal.Decimal `json:"energyAmount"`
	PricePerKwh  decimal.Decimal `json:"pricePerKwh"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
	Status       string          `json:"status"`
	StartTime    *time.Time      `json:"startTime,omitempty"`
	EndTime      *time.Time      `json:"endTime,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// CommunityStats is a singleton row recomputed from scratch on every
// simulation tick.
type CommunityStats struct {
	TotalProduction  decimal.Decimal `json:"totalProduction"`
	TotalConsumption decimal.Decimal `json:"totalConsumption"`
	ActiveProviders  int             `json:"activeProviders"`
	ActiveConsumers  int             `json:"activeConsumers"`
	CurrentFlowRate  decimal.Decimal `json:"currentFlowRate"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}
