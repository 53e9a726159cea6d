// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // 単一ユーザー構成のログイン名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	AppAccountID    string // 単一ユーザー構成のアカウントID
	AppAccountTier  string // 単一ユーザー構成のプラン
	UsersFile       string // 複数ユーザー定義ファイル（YAML）
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port           string // APIサーバーのポート番号
	GinMode        string // Ginの実行モード (debug, release, test)
	LogLevel       string // ログレベル (debug, info, warn, error)
	MetricsEnabled bool   // /metrics を公開するか
	MetricsPort    string // ワーカープロセスの /metrics ポート

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize      int64         // アップロード全体の上限（バイト）。プラン上限とは別の絶対上限
	JobExpireMinutes int           // 成果物と入力ファイルの保持期間（分）
	JobRecordTTL     time.Duration // 終了したジョブ情報の保持期間

	// 接続設定
	QueueRedisURL    string // Redis接続URL（キュー・カウンタ・ジョブ状態）
	LedgerBackend    string // クレジット台帳の保存先 (redis, postgres)
	DatabaseURL      string // PostgreSQL接続URL（LEDGER_BACKEND=postgres のとき必須）
	EntitlementsFile string // プラン定義ファイル（空ならデフォルト表）

	// ストレージ設定
	StoragePath      string // ローカルオブジェクトストアのルート
	StoragePublicURL string // オブジェクト公開URLのベース
	JobResultBaseURL string // 結果ファイル取得用のベースURL

	// ワーカー設定
	WorkerConcurrency    int           // 並列実行数（デフォルトはCPU数）
	WorkerQueueDepth     int           // プール内待ち行列の最大長
	WorkerLeaseSlots     int           // 同時に保持するリース数
	LeaseDuration        time.Duration // リース期間
	TransformTimeout     time.Duration // 1ジョブあたりの処理時間上限
	MaxAttempts          int           // リース失効による再投入の上限回数
	RetryBackoff         time.Duration // 再投入時の基本待ち時間
	RetryBackoffMax      time.Duration // 再投入時の待ち時間上限
	PollInterval         time.Duration // キューが空のときのポーリング間隔
	SweepInterval        time.Duration // 失効リース回収の間隔
	DeleteInputOnFailure bool          // 失敗時に入力ファイルを削除するか

	// レート制限設定
	SubmitRateLimit  int
	SubmitRateWindow time.Duration
	ReadRateLimit    int
	ReadRateWindow   time.Duration
	LoginRateLimit   int
	LoginRateWindow  time.Duration

	// PDF処理設定
	GhostscriptPath string // Ghostscript実行ファイルのパス
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	concurrency := getEnvAsInt("WORKER_CONCURRENCY", runtime.NumCPU())
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppAccountID:    getEnv("APP_ACCOUNT_ID", "default"),
		AppAccountTier:  getEnv("APP_ACCOUNT_TIER", "FREE"),
		UsersFile:       getEnv("USERS_FILE", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		MetricsPort:    getEnv("WORKER_METRICS_PORT", "9091"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 512*1024*1024), // 512MB
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 60),
		JobRecordTTL:     time.Duration(getEnvAsInt("JOB_RECORD_TTL_HOURS", 72)) * time.Hour,

		// 接続設定
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		LedgerBackend:    strings.ToLower(getEnv("LEDGER_BACKEND", "redis")),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		EntitlementsFile: getEnv("ENTITLEMENTS_FILE", ""),

		// ストレージ設定
		StoragePath:      getEnv("STORAGE_PATH", filepath.Join(os.TempDir(), "docforge")),
		StoragePublicURL: getEnv("STORAGE_PUBLIC_URL", ""),
		JobResultBaseURL: getEnv("JOB_RESULT_BASE_URL", ""),

		// ワーカー設定
		WorkerConcurrency:    concurrency,
		WorkerQueueDepth:     getEnvAsInt("WORKER_QUEUE_DEPTH", concurrency),
		WorkerLeaseSlots:     getEnvAsInt("WORKER_LEASE_SLOTS", concurrency*2),
		LeaseDuration:        getEnvAsDuration("LEASE_DURATION_SECONDS", 60*time.Second),
		TransformTimeout:     getEnvAsDuration("TRANSFORM_TIMEOUT_SECONDS", 5*time.Minute),
		MaxAttempts:          getEnvAsInt("MAX_ATTEMPTS", 3),
		RetryBackoff:         getEnvAsDuration("RETRY_BACKOFF_SECONDS", 5*time.Second),
		RetryBackoffMax:      getEnvAsDuration("RETRY_BACKOFF_MAX_SECONDS", 5*time.Minute),
		PollInterval:         time.Duration(getEnvAsInt("POLL_INTERVAL_MS", 500)) * time.Millisecond,
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL_SECONDS", 30*time.Second),
		DeleteInputOnFailure: getEnvAsBool("DELETE_INPUT_ON_FAILURE", true),

		// レート制限設定
		SubmitRateLimit:  getEnvAsInt("SUBMIT_RATE_LIMIT", 20),
		SubmitRateWindow: getEnvAsDuration("SUBMIT_RATE_WINDOW_SECONDS", time.Minute),
		ReadRateLimit:    getEnvAsInt("READ_RATE_LIMIT", 300),
		ReadRateWindow:   getEnvAsDuration("READ_RATE_WINDOW_SECONDS", time.Minute),
		LoginRateLimit:   getEnvAsInt("LOGIN_RATE_LIMIT", 5),
		LoginRateWindow:  getEnvAsDuration("LOGIN_RATE_WINDOW_SECONDS", 15*time.Minute),

		// PDF処理設定
		GhostscriptPath: getEnv("GHOSTSCRIPT_PATH", "gs"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be redis or postgres (received: %s)", c.LedgerBackend)
	}
	if c.LeaseDuration < time.Second {
		return fmt.Errorf("LEASE_DURATION_SECONDS must be at least 1")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("MAX_ATTEMPTS must not be negative")
	}
	if c.WorkerQueueDepth < 0 {
		return fmt.Errorf("WORKER_QUEUE_DEPTH must not be negative")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.UsersFile == "" && c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME or USERS_FILE is required in release mode")
		}
		if c.UsersFile == "" && c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.GhostscriptPath == "" {
			return fmt.Errorf("GHOSTSCRIPT_PATH is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は秒数で指定された環境変数を time.Duration として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	seconds, err := strconv.Atoi(valueStr)
	if err != nil || seconds < 0 {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}
