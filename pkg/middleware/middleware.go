package middleware

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-exchange/pkg/response"
	"golang.org/x/time/rate"
)

const (
	// InternalKeyHeader carries the shared key of internal endpoints
	InternalKeyHeader = "X-Internal-Key"

	contextClientID = "clientID"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits configures requests per minute by path prefix
type Limits struct {
	Auth    rate.Limit
	Trading rate.Limit
	Market  rate.Limit
}

// DefaultLimits returns the production rate limits
func DefaultLimits() Limits {
	return Limits{
		Auth:    rate.Limit(10.0 / 60.0),   // 10 requests per minute
		Trading: rate.Limit(100.0 / 60.0),  // 100 requests per minute
		Market:  rate.Limit(1000.0 / 60.0), // 1000 requests per minute
	}
}

// RateLimiter tracks one token bucket per client and route
type RateLimiter struct {
	limits   Limits
	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter creates a limiter; call Cleanup in a goroutine to evict idle clients
func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return rl.limits.Auth
	case strings.HasPrefix(path, "/api/v1/orders"):
		return rl.limits.Trading
	case strings.HasPrefix(path, "/api/v1/orderbook"),
		strings.HasPrefix(path, "/api/v1/prices"),
		strings.HasPrefix(path, "/api/v1/symbols"),
		strings.HasPrefix(path, "/api/v1/candles"):
		return rl.limits.Market
	default:
		return rate.Inf // No limit for other paths
	}
}

func (rl *RateLimiter) getLimiter(path, clientKey string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientKey + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(rl.limitFor(path), 1), // burst of 1
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup evicts visitors idle for more than idle until done is closed
func (rl *RateLimiter) Cleanup(done <-chan struct{}, idle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > idle {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware limits by authenticated client, falling back to the client IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString(contextClientID)
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := rl.getLimiter(c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores its client_id as clientID
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			response.Unauthorized(c, "Invalid token claims")
			c.Abort()
			return
		}

		// Ensure required claims exist
		for _, claim := range []string{"client_id", "exp"} {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		clientID, ok := claims["client_id"].(string)
		if !ok || clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set(contextClientID, clientID)
		c.Next()
	}
}

// InternalAuth guards operator endpoints with a shared API key
func InternalAuth(apiKey string) gin.HandlerFunc {
	expected := []byte(apiKey)
	return func(c *gin.Context) {
		provided := []byte(c.GetHeader(InternalKeyHeader))
		if len(provided) == 0 {
			response.Unauthorized(c, "Internal key required")
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			response.Forbidden(c, "Invalid internal key")
			c.Abort()
			return
		}
		c.Next()
	}
}
