// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"

	"github.com/yourusername/heic-forge/internal/auth"
	"github.com/yourusername/heic-forge/internal/config"
	"github.com/yourusername/heic-forge/internal/convert"
	"github.com/yourusername/heic-forge/internal/imaging"
	"github.com/yourusername/heic-forge/internal/jobs"
	"github.com/yourusername/heic-forge/internal/notify"
	"github.com/yourusername/heic-forge/internal/queue"
	"github.com/yourusername/heic-forge/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := log.Default()
	if cfg.ConfigFile != "" {
		logger.Printf("Loaded config file %s", cfg.ConfigFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("API server stopped with error: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	// キューの索引は1プロセスだけが持つ
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("データディレクトリの作成に失敗しました: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "heicforge.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("ロックファイルの取得に失敗しました: %w", err)
	}
	if !locked {
		return fmt.Errorf("別の heic-forge プロセスが %s を使用中です", cfg.DataDir)
	}
	defer lock.Unlock()

	store, rdb, err := openStore(cfg)
	if err != nil {
		return err
	}
	// RedisStore は Close でクライアントも閉じる
	defer store.Close()
	if rdb != nil && cfg.QueueBackend != config.QueueBackendRedis {
		defer rdb.Close()
	}

	q := queue.New(store, queue.Options{
		MaxAttempts:  cfg.JobMaxAttempts,
		BackoffBase:  cfg.BackoffBase(),
		LeaseTimeout: cfg.LeaseTimeout(),
		EventBuffer:  cfg.EventBuffer,
	}, logger)
	restored, err := q.Restore(ctx)
	if err != nil {
		return fmt.Errorf("キューの復元に失敗しました: %w", err)
	}
	if restored > 0 {
		logger.Printf("Restored %d unfinished job(s) from the %s store", restored, cfg.QueueBackend)
	}

	files, err := storage.NewLocal(cfg.StorageLocalPath)
	if err != nil {
		return fmt.Errorf("ストレージの初期化に失敗しました: %w", err)
	}

	provider := imaging.New(imaging.Options{
		HeifConvertPath: cfg.HeifConvertPath,
		CwebpPath:       cfg.CwebpPath,
		TempDir:         cfg.WorkDir,
	}, logger)
	engine, err := convert.NewEngine(provider, files, convert.EngineConfig{WorkDir: cfg.WorkDir}, logger)
	if err != nil {
		return fmt.Errorf("変換エンジンの初期化に失敗しました: %w", err)
	}

	manager, err := jobs.NewManager(cfg, files, q, logger)
	if err != nil {
		return fmt.Errorf("保守タスクの初期化に失敗しました: %w", err)
	}
	if err := manager.StartWorkers(); err != nil {
		return err
	}

	pool, err := jobs.NewPool(q, engine, cfg.WorkerConcurrency, logger)
	if err != nil {
		return err
	}
	pool.OnSettled = manager.OnSettled

	hub := notify.NewHub(0, logger)
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	if cfg.EventRelay == "redis" {
		relay, err := notify.NewRedisRelay(rdb, hub, notify.DefaultRelayChannel, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := relay.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("event relay stopped with error: %v", err)
			}
		}()
		go relay.Forward(bgCtx, q.Events())
	} else {
		go hub.Consume(bgCtx, q.Events())
	}

	go q.RunReaper(bgCtx, cfg.ReapInterval())

	poolCtx, cancelPool := context.WithCancel(ctx)
	defer cancelPool()
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(poolCtx) }()
	logger.Printf("Started %d conversion worker(s)", pool.Concurrency())

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.Default()
	configureMiddleware(router, cfg)
	setupRoutes(router, cfg, routeDeps{
		Jobs:   q,
		Files:  files,
		Hub:    hub,
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("Starting API server on %s (mode: %s, queue: %s)", srv.Addr, cfg.GinMode, cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	}

	logger.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 購読を閉じてから HTTP を止め、実行中のジョブを記録し終えてから保守タスクを止める
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	cancelPool()
	select {
	case err := <-poolDone:
		if err != nil {
			logger.Printf("worker pool stopped with error: %v", err)
		}
	case <-shutdownCtx.Done():
		logger.Printf("worker pool did not stop within %s", shutdownTimeout)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Printf("maintenance shutdown: %v", err)
	}
	cancelBackground()
	_ = q.Close()
	return runErr
}

// configureMiddleware はセッションと CORS を設定します。
func configureMiddleware(router *gin.Engine, cfg *config.Config) {
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

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "heic-forge-api",
		"version": "0.1.0",
	})
}

// jobBackend はハンドラーが使うキューの操作です。
type jobBackend interface {
	convert.JobScheduler
	statusSource
}

// artifactStore はハンドラーが使うストレージの操作です。
type artifactStore interface {
	convert.UploadStore
	fileOpener
}

type routeDeps struct {
	Jobs   jobBackend
	Files  artifactStore
	Hub    *notify.Hub
	Logger *log.Logger
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps routeDeps) {
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)
	submitLimiter := auth.NewRateLimiter(cfg.SubmitRatePerMinute, cfg.SubmitBurst)
	allowed := make(map[string]struct{})
	for _, o := range splitOrigins(cfg.CORSAllowedOrigins) {
		allowed[o] = struct{}{}
	}
	notifyOpts := notify.HandlerOptions{
		Hub:    deps.Hub,
		Status: deps.Jobs,
		Owner:  auth.UserFromContext,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		Logger: deps.Logger,
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
			authRoutes.GET("/me", authManager.RequireLogin(), authManager.Me)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("/convert", submitLimiter.Middleware(), convert.SubmitHandler(convert.HandlerOptions{
				Scheduler:   deps.Jobs,
				Uploads:     deps.Files,
				MaxFileSize: cfg.MaxFileSize,
				MaxFiles:    cfg.MaxFilesPerRequest,
				Owner:       auth.UserFromContext,
				Logger:      deps.Logger,
			}))
			protected.GET("/jobs/:id", jobStatusHandler(deps.Jobs, cfg.JobResultBaseURL))
			protected.GET("/jobs/:id/events", notify.SSEHandler(notifyOpts))
			protected.GET("/queue/stats", queueStatsHandler(deps.Jobs))
			protected.GET("/files/*ref", fileDownloadHandler(deps.Files, deps.Jobs, deps.Logger))
			protected.GET("/ws", notify.WebSocketHandler(notifyOpts))
		}
	}
}
