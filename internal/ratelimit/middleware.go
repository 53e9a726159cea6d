package ratelimit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// KeyFunc はリクエストからレート制限の識別子を取り出します。空文字の場合はクライアントIPを使います。
type KeyFunc func(c *gin.Context) string

// SetHeaders は X-RateLimit-* ヘッダーを設定します。
func SetHeaders(c *gin.Context, d Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Middleware は rule に従ってリクエストを制限する gin ミドルウェアを返します。
func Middleware(l *Limiter, rule Rule, keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := ""
		if keyFn != nil {
			identity = keyFn(c)
		}
		if identity == "" {
			identity = "ip:" + c.ClientIP()
		}

		decision, err := l.CheckAndIncrement(c.Request.Context(), identity, rule, 1)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				c.Header("Retry-After", "1")
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"code":    "SERVICE_UNAVAILABLE",
					"message": "一時的にリクエストを処理できません。しばらくしてから再度お試しください。",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "リクエストの処理に失敗しました。",
			})
			return
		}

		SetHeaders(c, decision)
		if !decision.Allowed {
			c.Header("Retry-After", strconv.FormatInt(decision.RetryAfter(l.Now()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください。",
			})
			return
		}
		c.Next()
	}
}
