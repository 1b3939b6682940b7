package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits each client IP to rps requests per second with
// a burst of the same size. Idle clients are forgotten.
func RateLimitMiddleware(rps float64) gin.HandlerFunc {
	burst := max(int(rps), 1)

	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
		swept   = time.Now()
	)

	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if now.Sub(swept) > limiterIdle {
			for k, cl := range clients {
				if now.Sub(cl.lastSeen) > limiterIdle {
					delete(clients, k)
				}
			}
			swept = now
		}

		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		return cl.limiter
	}

	return func(c *gin.Context) {
		if !get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
