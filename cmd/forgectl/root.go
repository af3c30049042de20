package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/yourusername/heic-forge/internal/config"
	"github.com/yourusername/heic-forge/internal/queue"
)

// commandContext はサブコマンド間で共有する設定と接続先です。
type commandContext struct {
	backend   string
	sqlite    string
	redisURL  string
	colorMode string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "forgectl",
		Short:         "Inspect the heic-forge conversion queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.backend, "backend", "", "Queue backend (redis or sqlite); defaults to QUEUE_BACKEND")
	flags.StringVar(&ctx.sqlite, "sqlite", "", "SQLite database path; defaults to QUEUE_SQLITE_PATH")
	flags.StringVar(&ctx.redisURL, "redis-url", "", "Redis URL; defaults to QUEUE_REDIS_URL")
	flags.StringVar(&ctx.colorMode, "color", "auto", "Colorize output (auto, always, never)")

	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newPruneCommand(ctx))
	return rootCmd
}

// ensureConfig は環境変数と設定ファイルを読み込み、フラグで上書きします。
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if v := strings.TrimSpace(c.backend); v != "" {
			cfg.QueueBackend = strings.ToLower(v)
		}
		if v := strings.TrimSpace(c.sqlite); v != "" {
			cfg.QueueSQLitePath = v
		}
		if v := strings.TrimSpace(c.redisURL); v != "" {
			cfg.QueueRedisURL = v
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withStore は永続化先を開いて fn を実行します。CLI は読み取りのみで、キューの索引には触れません。
func (c *commandContext) withStore(ctx context.Context, fn func(queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	var store queue.Store
	switch cfg.QueueBackend {
	case config.QueueBackendSQLite:
		s, err := queue.OpenSQLite(cfg.QueueSQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		store = s
	default:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("connect redis %s: %w", opt.Addr, err)
		}
		store = queue.NewRedisStore(rdb, 0)
	}
	defer store.Close()
	return fn(store)
}
