// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// キューの永続化先です。
const (
	QueueBackendRedis  = "redis"
	QueueBackendSQLite = "sqlite"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // 単一ユーザー構成のログイン名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	AppUsers        string // 複数ユーザー構成 "name:bcrypthash,name2:bcrypthash"
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize         int64 // 単一ファイルの最大サイズ（バイト）
	MaxFilesPerRequest  int   // 1リクエストで受け付けるファイル数
	JobExpireMinutes    int   // 成果物とアップロードを保持する時間（分）
	SubmitRatePerMinute int   // ユーザーごとの変換リクエスト上限（1分あたり、0で無制限）
	SubmitBurst         int   // 変換リクエストの瞬間最大数

	// ジョブ/キュー設定
	QueueBackend        string // redis または sqlite
	QueueRedisURL       string // ジョブ記録・Asynq・イベント中継用Redis接続URL
	QueueSQLitePath     string // sqlite バックエンドのDBファイル
	WorkerConcurrency   int    // 同時に処理するジョブ数
	JobMaxAttempts      int    // 1ジョブあたりの最大試行回数
	JobBackoffSeconds   int    // 再試行間隔の基準（秒）。試行ごとに2倍
	JobLeaseSeconds     int    // active ジョブのリース（秒）
	ReapIntervalSeconds int    // リース切れ回収の間隔（秒）
	JobRetentionHours   int    // 終端状態のジョブ記録を保持する時間
	EventBuffer         int    // ライフサイクルイベントのバッファ
	EventRelay          string // "redis" で複数レプリカ間のイベント中継を有効化
	JobResultBaseURL    string // 結果ファイル取得用のベースURL

	// ストレージ設定
	DataDir          string // ロックファイルなどの置き場所
	StorageLocalPath string // 入力と成果物の保存先
	WorkDir          string // 変換中の作業ディレクトリ

	// 変換設定
	HeifConvertPath string // libheif の heif-convert 実行ファイル
	CwebpPath       string // libwebp の cwebp 実行ファイル

	// ConfigFile は読み込んだ TOML ファイルのパスです。読み込んでいなければ空です。
	ConfigFile string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
// HEICFORGE_CONFIG で指定した TOML ファイルの値は既定値として扱い、環境変数が優先されます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	src, err := newSource(os.Getenv("HEICFORGE_CONFIG"))
	if err != nil {
		return nil, err
	}

	dataDir := src.get("DATA_DIR", "./data")
	config := &Config{
		// アプリケーション設定
		AppUsername:     src.get("APP_USERNAME", ""),
		AppPasswordHash: src.get("APP_PASSWORD_HASH", ""),
		AppUsers:        src.get("APP_USERS", ""),
		SessionSecret:   src.get("SESSION_SECRET", ""),

		// サーバー設定
		Port:    src.get("PORT", "8080"),
		GinMode: src.get("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: src.get("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize:         src.getInt64("MAX_FILE_SIZE", 52428800), // 50MB
		MaxFilesPerRequest:  src.getInt("MAX_FILES_PER_REQUEST", 25),
		JobExpireMinutes:    src.getInt("JOB_EXPIRE_MINUTES", 60),
		SubmitRatePerMinute: src.getInt("SUBMIT_RATE_PER_MINUTE", 30),
		SubmitBurst:         src.getInt("SUBMIT_BURST", 10),

		// ジョブ/キュー設定
		QueueBackend:        strings.ToLower(src.get("QUEUE_BACKEND", QueueBackendRedis)),
		QueueRedisURL:       src.get("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueSQLitePath:     src.get("QUEUE_SQLITE_PATH", filepath.Join(dataDir, "queue.db")),
		WorkerConcurrency:   src.getInt("WORKER_CONCURRENCY", 3),
		JobMaxAttempts:      src.getInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffSeconds:   src.getInt("JOB_BACKOFF_SECONDS", 5),
		JobLeaseSeconds:     src.getInt("JOB_LEASE_SECONDS", 120),
		ReapIntervalSeconds: src.getInt("REAP_INTERVAL_SECONDS", 30),
		JobRetentionHours:   src.getInt("JOB_RETENTION_HOURS", 24),
		EventBuffer:         src.getInt("EVENT_BUFFER", 256),
		EventRelay:          strings.ToLower(src.get("EVENT_RELAY", "")),
		JobResultBaseURL:    src.get("JOB_RESULT_BASE_URL", ""),

		// ストレージ設定
		DataDir:          dataDir,
		StorageLocalPath: src.get("STORAGE_LOCAL_PATH", filepath.Join(dataDir, "storage")),
		WorkDir:          src.get("WORK_DIR", filepath.Join(os.TempDir(), "heic-forge")),

		// 変換設定
		HeifConvertPath: src.get("HEIF_CONVERT_PATH", "heif-convert"),
		CwebpPath:       src.get("CWEBP_PATH", "cwebp"),

		ConfigFile: src.path,
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
	switch c.QueueBackend {
	case QueueBackendRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for the redis backend")
		}
	case QueueBackendSQLite:
		if c.QueueSQLitePath == "" {
			return fmt.Errorf("QUEUE_SQLITE_PATH is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be redis or sqlite (got %q)", c.QueueBackend)
	}
	if c.EventRelay != "" && c.EventRelay != "redis" {
		return fmt.Errorf("EVENT_RELAY must be empty or redis (got %q)", c.EventRelay)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive")
	}
	if c.StorageLocalPath == "" {
		return fmt.Errorf("STORAGE_LOCAL_PATH is required")
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.AppUsers == "" && (c.AppUsername == "" || c.AppPasswordHash == "") {
			return fmt.Errorf("APP_USERS or APP_USERNAME/APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.HeifConvertPath == "" {
			return fmt.Errorf("HEIF_CONVERT_PATH is required in release mode")
		}
	}

	return nil
}

// BackoffBase は再試行間隔の基準を返します。
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.JobBackoffSeconds) * time.Second
}

// LeaseTimeout は active ジョブのリースを返します。
func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.JobLeaseSeconds) * time.Second
}

// ReapInterval はリース切れ回収の間隔を返します。
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// Retention は終端状態のジョブ記録を保持する期間を返します。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.JobRetentionHours) * time.Hour
}

// ArtifactTTL は成果物を削除するまでの時間を返します。
func (c *Config) ArtifactTTL() time.Duration {
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// source は環境変数、TOML ファイル、既定値の順に値を引きます。
type source struct {
	path string
	file map[string]string
}

// newSource は TOML ファイルを読み込みます。ファイルはフラットな KEY = value の並びで、キーは環境変数名です。
func newSource(path string) (*source, error) {
	src := &source{file: map[string]string{}}
	if strings.TrimSpace(path) == "" {
		return src, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	raw := map[string]any{}
	if err := toml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for key, value := range raw {
		switch v := value.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("parse config: %s must be a scalar value", key)
		default:
			src.file[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	src.path = path
	return src, nil
}

// get は環境変数を取得し、存在しない場合は TOML の値、それもなければデフォルト値を返します。
func (s *source) get(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

// getInt は値を整数として取得します。
func (s *source) getInt(key string, defaultValue int) int {
	valueStr := s.get(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getInt64 は値を64ビット整数として取得します。
func (s *source) getInt64(key string, defaultValue int64) int64 {
	valueStr := s.get(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
