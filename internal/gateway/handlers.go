package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridshare/gridshare/internal/auth"
	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/pkg/messaging"
)

const defaultRecentTxLimit = 10

// Request bodies. Decimal fields accept JSON numbers or strings.

type registerRequest struct {
	Username     string `json:"username" binding:"required"`
	Email        string `json:"email" binding:"required"`
	Password     string `json:"password" binding:"required"`
	DisplayName  string `json:"displayName" binding:"required"`
	UserType     string `json:"userType"`
	Location     string `json:"location"`
	ProfileImage string `json:"profileImage"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type createProviderRequest struct {
	UserID            int64            `json:"userId" binding:"required"`
	ProviderName      string           `json:"providerName" binding:"required"`
	EnergyType        string           `json:"energyType" binding:"required"`
	MaxCapacity       decimal.Decimal  `json:"maxCapacity"`
	CurrentProduction decimal.Decimal  `json:"currentProduction"`
	AvailableEnergy   decimal.Decimal  `json:"availableEnergy"`
	PricePerKwh       *decimal.Decimal `json:"pricePerKwh"`
	Latitude          *decimal.Decimal `json:"latitude"`
	Longitude         *decimal.Decimal `json:"longitude"`
}

type updateEnergyRequest struct {
	CurrentProduction decimal.Decimal `json:"currentProduction"`
	AvailableEnergy   decimal.Decimal `json:"availableEnergy"`
}

type createEnergyRequest struct {
	UserID            int64            `json:"userId" binding:"required"`
	EnergyAmount      decimal.Decimal  `json:"energyAmount"`
	UrgencyLevel      string           `json:"urgencyLevel"`
	PreferredTimeSlot string           `json:"preferredTimeSlot"`
	MaxPrice          *decimal.Decimal `json:"maxPrice"`
	RequestedFor      *time.Time       `json:"requestedFor"`
}

// Auth

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, err := s.auth.Register(c.Request.Context(), auth.RegisterParams{
		Username:     req.Username,
		Email:        req.Email,
		Password:     req.Password,
		DisplayName:  req.DisplayName,
		UserType:     req.UserType,
		Location:     req.Location,
		ProfileImage: req.ProfileImage,
	})
	if errors.Is(err, store.ErrUsernameTaken) || errors.Is(err, store.ErrEmailTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("register failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, token, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		s.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "token": token})
}

// Users

func (s *Server) getUser(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	user, err := s.store.GetUser(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		s.internalError(c, "load user", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Providers

func (s *Server) listProviders(c *gin.Context) {
	providers, err := s.store.ActiveProviders(c.Request.Context())
	if err != nil {
		s.internalError(c, "list providers", err)
		return
	}
	c.JSON(http.StatusOK, providers)
}

func (s *Server) listProvidersByUser(c *gin.Context) {
	userID, ok := s.pathID(c, "userId")
	if !ok {
		return
	}
	providers, err := s.store.GetProvidersByUser(c.Request.Context(), userID)
	if err != nil {
		s.internalError(c, "list providers by user", err)
		return
	}
	c.JSON(http.StatusOK, providers)
}

func (s *Server) createProvider(c *gin.Context) {
	var req createProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.MaxCapacity.IsNegative() || req.AvailableEnergy.IsNegative() || req.CurrentProduction.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "energy figures must be non-negative"})
		return
	}
	if req.AvailableEnergy.GreaterThan(req.MaxCapacity) {
		req.AvailableEnergy = req.MaxCapacity
	}

	provider, err := s.store.CreateProvider(c.Request.Context(), store.NewProvider{
		UserID:            req.UserID,
		ProviderName:      req.ProviderName,
		EnergyType:        req.EnergyType,
		MaxCapacity:       req.MaxCapacity,
		CurrentProduction: req.CurrentProduction,
		AvailableEnergy:   req.AvailableEnergy,
		PricePerKwh:       req.PricePerKwh,
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
		IsActive:          true,
	})
	if err != nil {
		s.internalError(c, "create provider", err)
		return
	}

	s.publish(c, messaging.EventProviderAdded, provider)
	c.JSON(http.StatusCreated, provider)
}

func (s *Server) updateProviderEnergy(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req updateEnergyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	provider, err := s.store.GetProvider(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	if err != nil {
		s.internalError(c, "load provider", err)
		return
	}

	production := req.CurrentProduction
	available := req.AvailableEnergy
	if production.IsNegative() {
		production = decimal.Zero
	}
	if available.IsNegative() {
		available = decimal.Zero
	}
	if available.GreaterThan(provider.MaxCapacity) {
		available = provider.MaxCapacity
	}

	if err := s.store.UpdateProviderEnergy(c.Request.Context(), id, production, available); err != nil {
		s.internalError(c, "update provider energy", err)
		return
	}

	s.publish(c, messaging.EventEnergyUpdate, messaging.EnergyUpdateData{
		ProviderID:        id,
		CurrentProduction: production.String(),
		AvailableEnergy:   available.String(),
	})

	updated, err := s.store.GetProvider(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, "reload provider", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Requests

func (s *Server) listPendingRequests(c *gin.Context) {
	requests, err := s.store.PendingRequests(c.Request.Context())
	if err != nil {
		s.internalError(c, "list pending requests", err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

func (s *Server) listRequestsByUser(c *gin.Context) {
	userID, ok := s.pathID(c, "userId")
	if !ok {
		return
	}
	requests, err := s.store.GetRequestsByUser(c.Request.Context(), userID)
	if err != nil {
		s.internalError(c, "list requests by user", err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

// createRequest persists the request, announces it, then runs one matching
// pass before responding. A request no provider can serve stays pending; that
// is still a 201.
func (s *Server) createRequest(c *gin.Context) {
	var req createEnergyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !req.EnergyAmount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "energyAmount must be positive"})
		return
	}
	urgency := req.UrgencyLevel
	if urgency == "" {
		urgency = store.UrgencyNormal
	}

	created, err := s.store.CreateRequest(c.Request.Context(), store.NewRequest{
		UserID:            req.UserID,
		EnergyAmount:      req.EnergyAmount,
		UrgencyLevel:      urgency,
		PreferredTimeSlot: req.PreferredTimeSlot,
		MaxPrice:          req.MaxPrice,
		RequestedFor:      req.RequestedFor,
	})
	if err != nil {
		s.internalError(c, "create request", err)
		return
	}

	s.publish(c, messaging.EventNewRequest, created)

	result, err := s.engine.Match(c.Request.Context(), created.ID)
	if err != nil {
		// The request exists either way; surface it with the match failure
		// logged rather than failing the submission.
		s.logger.Error("matching failed", zap.Int64("request_id", created.ID), zap.Error(err))
		c.JSON(http.StatusCreated, gin.H{"request": created, "match": nil})
		return
	}

	if result == nil {
		c.JSON(http.StatusCreated, gin.H{"request": created, "match": nil})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"request": result.Request,
		"match": gin.H{
			"provider":    result.Provider,
			"transaction": result.Transaction,
		},
	})
}

// Transactions

func (s *Server) listTransactionsByUser(c *gin.Context) {
	userID, ok := s.pathID(c, "userId")
	if !ok {
		return
	}
	txs, err := s.store.GetTransactionsByUser(c.Request.Context(), userID)
	if err != nil {
		s.internalError(c, "list transactions by user", err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (s *Server) listRecentTransactions(c *gin.Context) {
	limit := defaultRecentTxLimit
	if raw := c.Param("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	txs, err := s.store.RecentTransactions(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "list recent transactions", err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

// Community stats

// getCommunityStats reads through the cache; a store miss bootstraps the
// singleton row with zeros so the dashboard always has something to render.
func (s *Server) getCommunityStats(c *gin.Context) {
	ctx := c.Request.Context()

	if cached := s.stats.Get(ctx); cached != nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	stats, err := s.store.GetCommunityStats(ctx)
	if errors.Is(err, store.ErrNotFound) {
		bootstrap := store.CommunityStats{UpdatedAt: time.Now()}
		if err := s.store.UpsertCommunityStats(ctx, bootstrap); err != nil {
			s.internalError(c, "bootstrap community stats", err)
			return
		}
		c.JSON(http.StatusOK, bootstrap)
		return
	}
	if err != nil {
		s.internalError(c, "load community stats", err)
		return
	}

	if err := s.stats.Set(ctx, *stats); err != nil {
		s.logger.Warn("stats cache write failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, stats)
}

// Helpers

func (s *Server) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (s *Server) publish(c *gin.Context, eventType string, data interface{}) {
	event, err := messaging.NewEvent(eventType, data)
	if err != nil {
		s.logger.Warn("marshal event failed", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.bus.Publish(c.Request.Context(), event); err != nil {
		s.logger.Warn("publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
