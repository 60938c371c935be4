// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APIKeys      string // APIキー一覧（カンマ区切り、空なら匿名アクセスを許可）
	AdminAPIKeys string // ジョブ一覧の全件閲覧を許可するAPIキー（カンマ区切り）

	// ファイル制限
	MaxContentLength int64 // アップロードの最大サイズ（バイト）
	MaxPages         int   // 単一ファイルの最大ページ数
	JobExpireMinutes int   // 成果物の保持期間（分）

	// 一時ファイル置き場
	UploadDir     string // 入力PDFの保存先
	CompressedDir string // 圧縮結果の保存先

	// レート制限
	RateLimit           string // クォータ文字列（例: "10 per minute"）
	RateLimitKeyPrefix  string // レート制限キーの共有ストア衝突回避用プレフィックス
	RateLimitStorageURI string // memory:// または redis:// のカウンタ保存先（"none" で無効化）

	// 永続化
	DatabaseURL string // SQLiteのDSN

	// ジョブ/キュー設定
	QueueRedisURL       string // Asynq用Redis接続URL
	QueueName           string // Asynqのキュー名
	AsyncThresholdBytes int64  // 同期処理から非同期へ切り替えるサイズ閾値
	AsyncThresholdPages int    // 同期処理から非同期へ切り替えるページ閾値
	WorkerMetricsPort   string // ワーカープロセスの /metrics 公開ポート

	// PDF処理設定
	GhostscriptCommand string // Ghostscript実行ファイルのパス（空なら自動検出）

	// ビルドメタデータ
	AppVersion  string // /healthz と /api/version が返すバージョン
	BuildCommit string // ビルド時のコミットハッシュ（任意）
	BuildTime   string // ビルド日時（任意）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		APIKeys:      getEnv("API_KEYS", ""),
		AdminAPIKeys: getEnv("ADMIN_API_KEYS", ""),

		// ファイル制限
		MaxContentLength: getEnvAsInt64("MAX_CONTENT_LENGTH", 104857600), // 100MiB
		MaxPages:         getEnvAsInt("MAX_PAGES", 200),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 10),

		// 一時ファイル置き場
		UploadDir:     getEnv("UPLOAD_FOLDER", "uploads"),
		CompressedDir: getEnv("COMPRESSED_FOLDER", "compressed"),

		// レート制限
		RateLimit:           getEnv("COMPRESS_RATE_LIMIT", "10 per minute"),
		RateLimitKeyPrefix:  getEnv("RATELIMIT_KEY_PREFIX", "pdf-compress"),
		RateLimitStorageURI: getEnv("RATELIMIT_STORAGE_URI", "memory://"),

		// 永続化
		DatabaseURL: getEnv("DATABASE_URL", "file:pdfpress.db"),

		// ジョブ/キュー設定
		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueName:           getEnv("COMPRESSION_QUEUE_NAME", "pdfcompress"),
		AsyncThresholdBytes: getEnvAsInt64("ASYNC_THRESHOLD_BYTES", 10*1024*1024), // 10MB
		AsyncThresholdPages: getEnvAsInt("ASYNC_THRESHOLD_PAGES", 120),
		WorkerMetricsPort:   getEnv("WORKER_METRICS_PORT", "9090"),

		// PDF処理設定
		GhostscriptCommand: getEnv("GHOSTSCRIPT_COMMAND", ""),

		// ビルドメタデータ
		AppVersion:  getEnv("APP_VERSION", "1.0.0"),
		BuildCommit: getEnv("APP_COMMIT", ""),
		BuildTime:   getEnv("APP_BUILD_TIME", ""),
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
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("MAX_CONTENT_LENGTH must be positive")
	}
	if c.UploadDir == "" || c.CompressedDir == "" {
		return fmt.Errorf("UPLOAD_FOLDER and COMPRESSED_FOLDER are required")
	}

	// ローカル開発では大半の設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
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
