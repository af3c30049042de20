package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleLimiterTTL を過ぎて使われていないリミッターは破棄する
const idleLimiterTTL = 30 * time.Minute

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter はユーザー単位でリクエスト頻度を制限します。
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*userLimiter
	lastGC   time.Time
}

// NewRateLimiter は1分あたり perMinute 件、瞬間最大 burst 件のリミッターを作成します。
// perMinute が0以下の場合は制限しません。
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*userLimiter),
	}
}

// Middleware はログインユーザー（未ログインならクライアントIP）ごとに制限するミドルウェアを返します。
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserFromContext(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		ok, retryAfter := l.allow(key)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください",
			})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allow(key string) (bool, time.Duration) {
	if l.limit == rate.Inf {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > idleLimiterTTL {
		for k, ul := range l.limiters {
			if now.Sub(ul.lastSeen) > idleLimiterTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	ul, ok := l.limiters[key]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = ul
	}
	ul.lastSeen = now

	r := ul.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}
