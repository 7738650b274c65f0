package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/logging"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"

	ipLimiterEntries = 4096
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(log *logging.StructuredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"bytes":      c.Writer.Size(),
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			"request_id": c.GetString(requestIDKey),
		}
		if c.Writer.Status() >= 500 {
			log.WarnWithFields("http request", fields)
			return
		}
		log.DebugWithFields("http request", fields)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.writeError(c, xerrors.Errorf("panic in handler: %v", r))
			}
		}()
		c.Next()
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders: []string{"Content-Length", requestIDHeader, chunkCIDHeader, verifiedHeader},
		MaxAge:        12 * time.Hour,
	}
	cfg.AllowAllOrigins = len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// ipLimiter is a token bucket per client IP. Buckets for the least recently
// seen clients are evicted once the cache is full.
type ipLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func newIPLimiter(perSec float64, burst, entries int) (*ipLimiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](entries)
	if err != nil {
		return nil, xerrors.Errorf("failed to create limiter cache: %w", err)
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	return &ipLimiter{limit: limit, burst: burst, buckets: buckets}, nil
}

func (l *ipLimiter) allow(ip string) bool {
	if l.limit == rate.Inf {
		return true
	}
	b, ok := l.buckets.Get(ip)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.buckets.PeekOrAdd(ip, b); found {
			b = prev
		}
	}
	return b.Allow()
}

func (l *ipLimiter) middleware(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.allow(ip) {
			c.Header("Retry-After", "1")
			s.writeError(c, core.RateLimited("too many requests from %s", ip))
			return
		}
		c.Next()
	}
}
