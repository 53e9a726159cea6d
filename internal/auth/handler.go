package auth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/docforge/internal/ratelimit"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register は rg 配下に /auth のルートを登録します。
func (m *Manager) Register(rg *gin.RouterGroup) {
	group := rg.Group("/auth")
	group.POST("/login", m.Login)
	group.POST("/logout", m.RequireLogin(), m.VerifyCSRF(), m.Logout)
	group.GET("/session", m.RequireLogin(), m.Session)
}

// Login は /auth/login のハンドラーです。成功するとセッションを発行し、CSRF トークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください",
		})
		return
	}

	if m.directory == nil || m.directory.Len() == 0 || !m.secretSet {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": "ログインユーザーまたは SESSION_SECRET が設定されていません",
		})
		return
	}

	var remaining int64 = -1
	if m.limiter != nil {
		decision, err := m.limiter.CheckAndIncrement(c.Request.Context(), "login:"+c.ClientIP(), m.loginRule, 1)
		if err != nil {
			if errors.Is(err, ratelimit.ErrUnavailable) {
				c.Header("Retry-After", "1")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":    "SERVICE_UNAVAILABLE",
					"message": "一時的にログインできません。しばらくしてから再度お試しください",
				})
				return
			}
			m.logger.Error().Err(err).Msg("auth: login limiter misconfigured")
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "SERVER_MISCONFIGURATION",
				"message": "ログイン試行回数の設定が不正です",
			})
			return
		}
		if !decision.Allowed {
			c.Header("Retry-After", strconv.FormatInt(decision.RetryAfter(m.limiter.Now()), 10))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}
		remaining = decision.Remaining
	}

	user, err := m.directory.Authenticate(req.Username, req.Password)
	if err != nil {
		m.logger.Info().Str("username", req.Username).Str("ip", c.ClientIP()).Msg("auth: login failed")
		body := gin.H{
			"code":    "INVALID_CREDENTIALS",
			"message": "ユーザー名またはパスワードが正しくありません",
		}
		if remaining >= 0 {
			body["remainingAttempts"] = remaining
		}
		c.JSON(http.StatusUnauthorized, body)
		return
	}

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
		})
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Clear()
	session.Set(sessionKeyUser, user.Username)
	session.Set(sessionKeyAccount, user.AccountID)
	session.Set(sessionKeyTier, string(user.Tier))
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}

	m.logger.Info().Str("username", user.Username).Str("account_id", user.AccountID).Msg("auth: login succeeded")
	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// Session は /auth/session のハンドラーです。ログイン中のユーザーとプランを返します。
func (m *Manager) Session(c *gin.Context) {
	caller, ok := Caller(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	session := sessions.Default(c)
	username, _ := session.Get(sessionKeyUser).(string)
	token, _ := session.Get(sessionKeyCSRF).(string)
	c.Header(csrfHeader, token)
	c.JSON(http.StatusOK, gin.H{
		"username":  username,
		"accountId": caller.AccountID,
		"tier":      caller.Tier,
	})
}
