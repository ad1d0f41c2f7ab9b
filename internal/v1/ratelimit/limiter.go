// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/andrewginns/wikirace-arena/internal/v1/config"
	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
	"github.com/andrewginns/wikirace-arena/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// PlayerIDKey is the gin context key a handler stores the caller's opaque
// player id under, once known (path param, body field, or WS query).
const PlayerIDKey = "wikirace.player_id"

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	apiPublic *limiter.Limiter
	apiRooms  *limiter.Limiter
	apiMoves  *limiter.Limiter
	wsIP      *limiter.Limiter
	wsUser    *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}

	apiMovesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIMoves)
	if err != nil {
		return nil, fmt.Errorf("invalid API moves rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{
		apiGlobal: limiter.New(store, apiGlobalRate),
		apiPublic: limiter.New(store, apiPublicRate),
		apiRooms:  limiter.New(store, apiRoomsRate),
		apiMoves:  limiter.New(store, apiMovesRate),
		wsIP:      limiter.New(store, wsIPRate),
		wsUser:    limiter.New(store, wsUserRate),
		store:     store,
	}, nil
}

// callerKey returns the rate-limit key and label for the current request:
// the opaque player id if an earlier handler in the chain stored one under
// PlayerIDKey, else the IP. The room handlers in internal/v1/httpapi store
// PlayerIDKey only after decoding their body, which is after the global and
// endpoint limiters have run, so those limiters key room requests by IP.
func callerKey(c *gin.Context) (key, limitType string) {
	if pid, ok := c.Get(PlayerIDKey); ok {
		if s, ok := pid.(string); ok && s != "" {
			return s, "player"
		}
	}
	return c.ClientIP(), "ip"
}

// GlobalMiddleware returns a Gin middleware enforcing the baseline per-IP
// (or per-player, once known) request rate for every route it wraps.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, limitType := callerKey(c)
		limiterInstance := rl.apiPublic
		if limitType == "player" {
			limiterInstance = rl.apiGlobal
		}

		ctx := c.Request.Context()
		lc, err := limiterInstance.Get(ctx, key)
		if err != nil {
			// Fail open: availability over strict enforcement when the store is down.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lc.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail":      "too many requests",
				"retry_after": lc.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint returns a Gin middleware enforcing a tighter,
// endpoint-specific rate (room creation, moves) on top of the global one.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		switch endpointType {
		case "rooms":
			limiterInstance = rl.apiRooms
		case "moves":
			limiterInstance = rl.apiMoves
		default:
			limiterInstance = rl.apiGlobal
		}

		key, _ := callerKey(c)

		ctx := c.Request.Context()
		lc, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lc.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lc.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail":      "too many requests",
				"retry_after": lc.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket enforces the per-IP WebSocket connection rate. Returns true
// if the connection should proceed, false if it has already written a
// rejection response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": "too many connections from this address"})
		return false
	}

	return true
}

// CheckWebSocketPlayer enforces the per-player WebSocket connection rate,
// once the player id carried on the connect query string is known.
func (rl *RateLimiter) CheckWebSocketPlayer(ctx context.Context, playerID string) error {
	userContext, err := rl.wsUser.Get(ctx, playerID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (player)", zap.Error(err))
		return nil
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "player").Inc()
		return fmt.Errorf("rate limit exceeded for player")
	}

	return nil
}

// StandardMiddleware exposes the stock ulule/limiter gin middleware as an
// alternative to the custom logic above, unused by the default router.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiPublic)
}
