package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrTokenGeneration     = errors.New("failed to generate token")
	ErrUsernameTaken       = errors.New("a user with that username already exists")
	ErrInvalidRegistration = errors.New("invalid registration")
)

const (
	minPasswordLength = 8
	tokenLifetime     = 24 * time.Hour

	// ContextUserID is the gin context key holding the authenticated user id
	ContextUserID = "clientID"
)

// Credentials represents a username/password pair
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// UserCreatedHook runs synchronously right after a user is stored
type UserCreatedHook interface {
	OnUserCreated(ctx context.Context, user *types.User) error
}

// Service handles registration and token issuance
type Service struct {
	db        *gorm.DB
	jwtSecret []byte
	hooks     []UserCreatedHook
}

// NewService creates a new authentication service with the given JWT secret
func NewService(db *gorm.DB, jwtSecret string, hooks ...UserCreatedHook) *Service {
	return &Service{
		db:        db,
		jwtSecret: []byte(jwtSecret),
		hooks:     hooks,
	}
}

// Register creates a user and then runs the user-created hooks in order
func (s *Service) Register(ctx context.Context, creds Credentials) (*types.User, error) {
	username := strings.TrimSpace(creds.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidRegistration)
	}
	if len(creds.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRegistration, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{Username: username, PasswordHash: string(hash)}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&types.User{}).Where("LOWER(username) = LOWER(?)", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUsernameTaken
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, err
	}

	for _, hook := range s.hooks {
		if err := hook.OnUserCreated(ctx, user); err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("user created hook failed")
			return nil, fmt.Errorf("failed to provision user: %w", err)
		}
	}

	log.Info().Uint("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	return user, nil
}

// GenerateToken generates a JWT token for valid credentials
// The token carries the user id as client_id and expires after 24 hours
func (s *Service) GenerateToken(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	var user types.User
	err := s.db.WithContext(ctx).
		Where("LOWER(username) = LOWER(?)", strings.TrimSpace(creds.Username)).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return s.IssueToken(user.ID)
}

// IssueToken signs a token for userID
func (s *Service) IssueToken(userID uint) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(tokenLifetime)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    strconv.FormatUint(uint64(userID), 10),
		Permissions: []string{"trade"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RegisterHandler handles POST requests creating a new user
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		user, err := h.service.Register(c.Request.Context(), creds)
		switch {
		case errors.Is(err, ErrInvalidRegistration), errors.Is(err, ErrUsernameTaken):
			response.BadRequest(c, err.Error())
			return
		case err != nil:
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"id": user.ID, "detail": "Account created. You can sign in now."})
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain username and password
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(c.Request.Context(), creds)
		if err == ErrInvalidCredentials {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// UserIDFromContext extracts the authenticated user id set by the JWT middleware
func UserIDFromContext(c *gin.Context) (uint, bool) {
	raw := c.GetString(ContextUserID)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
