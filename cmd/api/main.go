// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/docforge/internal/app"
	"github.com/yourusername/docforge/internal/auth"
	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/jobs"
	"github.com/yourusername/docforge/internal/logging"
	"github.com/yourusername/docforge/internal/metrics"
	"github.com/yourusername/docforge/internal/ratelimit"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(gin.ReleaseMode, "info")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.GinMode, cfg.LogLevel).With().Str("service", "docforge-api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api server stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	components, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	// API プロセスは受付と参照のみを行い、変換はワーカープロセスが担当する
	manager, err := components.NewManager(nil)
	if err != nil {
		return err
	}
	directory, err := auth.DirectoryFromConfig(cfg)
	if err != nil {
		return err
	}
	authManager := auth.NewManager(cfg, directory, components.Limiter, logger)

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(logging.GinLogger(logger), gin.Recovery())

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンと制限状況を読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "Retry-After", "X-RateLimit-Remaining", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, components, manager, authManager)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("mode", cfg.GinMode).Msg("starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down api server")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。Redis に到達できない場合は 503 を返します。
func handleHealth(components *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := components.Redis.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"service": "docforge-api",
				"redis":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "docforge-api",
			"version": "0.2.0",
		})
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, components *app.App, manager *jobs.Manager, authManager *auth.Manager) {
	router.GET("/health", handleHealth(components))
	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(metrics.Handler(components.Registry)))
	}

	api := router.Group("/api")
	// ログイン時はセッション未生成なので CSRF 検証は不要
	authManager.Register(api)

	protected := api.Group("")
	protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())

	var readLimit []gin.HandlerFunc
	if cfg.ReadRateLimit > 0 {
		rule := ratelimit.Rule{
			Limit:  int64(cfg.ReadRateLimit),
			Window: cfg.ReadRateWindow,
			Policy: ratelimit.FailOpen,
		}
		readLimit = append(readLimit, ratelimit.Middleware(components.Limiter, rule, func(c *gin.Context) string {
			if caller, ok := auth.Caller(c); ok {
				return "read:" + caller.AccountID
			}
			return ""
		}))
	}

	handler := jobs.NewHandler(manager, auth.Caller, cfg.MaxFileSize, components.Logger)
	handler.Register(protected, readLimit...)
}
