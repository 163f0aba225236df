// Package auth handles registration, login and token verification. The
// platform trusts an outer layer for real access control; tokens here bind
// an identity to API calls and the WebSocket handshake.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gridshare/gridshare/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

const tokenTTL = 24 * time.Hour

// Claims carried in issued tokens.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Service struct {
	store     store.Store
	jwtSecret []byte
}

func NewService(st store.Store, jwtSecret string) *Service {
	return &Service{store: st, jwtSecret: []byte(jwtSecret)}
}

// RegisterParams are the validated registration inputs.
type RegisterParams struct {
	Username     string
	Email        string
	Password     string
	DisplayName  string
	UserType     string
	Location     string
	ProfileImage string
}

// Register creates a user; username and email must be unique.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*store.User, error) {
	if _, err := s.store.GetUserByUsername(ctx, p.Username); err == nil {
		return nil, store.ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if _, err := s.store.GetUserByEmail(ctx, p.Email); err == nil {
		return nil, store.ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	userType := p.UserType
	if userType == "" {
		userType = store.UserTypeConsumer
	}

	return s.store.CreateUser(ctx, store.NewUser{
		Username:     p.Username,
		Email:        p.Email,
		PasswordHash: hashPassword(p.Password),
		DisplayName:  p.DisplayName,
		UserType:     userType,
		Location:     p.Location,
		ProfileImage: p.ProfileImage,
	})
}

// Login verifies credentials and issues a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (*store.User, string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("load user: %w", err)
	}

	hashed := hashPassword(password)
	if subtle.ConstantTimeCompare([]byte(hashed), []byte(user.PasswordHash)) != 1 {
		return nil, "", ErrInvalidCredentials
	}

	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, "", fmt.Errorf("sign token: %w", err)
	}
	return user, token, nil
}

// VerifyToken parses and validates a bearer token.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
