package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/heic-forge/internal/auth"
	"github.com/yourusername/heic-forge/internal/config"
	"github.com/yourusername/heic-forge/internal/queue"
	"github.com/yourusername/heic-forge/internal/storage"
)

// statusSource はジョブの状態と統計を返します。*queue.Queue が満たします。
type statusSource interface {
	Status(ctx context.Context, jobID string) (*queue.Status, error)
	Stats(ctx context.Context) (map[queue.State]int, error)
}

// fileOpener は成果物をストリーミング用に開きます。*storage.Local が満たします。
type fileOpener interface {
	Open(ref string) (*os.File, os.FileInfo, error)
}

// openStore は QUEUE_BACKEND に応じた永続化先を開きます。
// Redis クライアントはイベント中継でも使うため、作成した場合は併せて返します。
func openStore(cfg *config.Config) (queue.Store, *redis.Client, error) {
	var rdb *redis.Client
	if cfg.QueueBackend == config.QueueBackendRedis || cfg.EventRelay == "redis" {
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("QUEUE_REDIS_URL の解析に失敗しました: %w", err)
		}
		rdb = redis.NewClient(opt)
	}

	switch cfg.QueueBackend {
	case config.QueueBackendSQLite:
		store, err := queue.OpenSQLite(cfg.QueueSQLitePath)
		if err != nil {
			if rdb != nil {
				_ = rdb.Close()
			}
			return nil, nil, fmt.Errorf("SQLite キューの初期化に失敗しました: %w", err)
		}
		return store, rdb, nil
	default:
		return queue.NewRedisStore(rdb, cfg.Retention()), rdb, nil
	}
}

func jobStatusHandler(src statusSource, baseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		status, err := src.Status(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		// 他ユーザーのジョブは存在しないものとして扱う
		if status == nil || status.OwnerID != auth.UserFromContext(c) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":        status.JobID,
			"state":        status.State,
			"outputFormat": status.OutputFormat,
			"fileCount":    status.FileCount,
			"attemptsMade": status.AttemptsMade,
			"createdAt":    status.CreatedAt,
			"updatedAt":    status.UpdatedAt,
		}
		if status.Progress != nil {
			payload["progress"] = status.Progress
		}
		if status.Reason != "" {
			payload["reason"] = status.Reason
		}
		if status.Outcome != nil {
			payload["outcome"] = status.Outcome
			payload["downloads"] = buildDownloads(baseURL, status.Outcome)
		}
		// 保持期間を過ぎたジョブは結果を持たない
		if status.Purged {
			payload["purged"] = true
		}

		c.JSON(http.StatusOK, payload)
	}
}

type downloadLink struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

type downloads struct {
	Files       []downloadLink `json:"files"`
	DocumentURL string         `json:"documentUrl,omitempty"`
	ArchiveURL  string         `json:"archiveUrl,omitempty"`
}

func buildDownloads(baseURL string, outcome *queue.Outcome) downloads {
	out := downloads{Files: make([]downloadLink, 0, len(outcome.Results))}
	for _, r := range outcome.Results {
		link := downloadLink{
			Name:     r.ConvertedName,
			URL:      buildDownloadURL(baseURL, r.ArtifactRef),
			Degraded: r.Degraded,
		}
		if r.ThumbnailRef != "" {
			link.ThumbnailURL = buildDownloadURL(baseURL, r.ThumbnailRef)
		}
		out.Files = append(out.Files, link)
	}
	if outcome.CombinedDocumentRef != "" {
		out.DocumentURL = buildDownloadURL(baseURL, outcome.CombinedDocumentRef)
	}
	if outcome.CombinedArchiveRef != "" {
		out.ArchiveURL = buildDownloadURL(baseURL, outcome.CombinedArchiveRef)
	}
	return out
}

// buildDownloadURL は成果物の参照から取得用URLを組み立てます。
// JOB_RESULT_BASE_URL が空の場合は /api/files 配下の相対URLを返します。
func buildDownloadURL(baseURL, ref string) string {
	segments := strings.Split(strings.TrimPrefix(ref, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	escaped := strings.Join(segments, "/")
	if baseURL == "" {
		return "/api/files/" + escaped
	}
	return strings.TrimRight(baseURL, "/") + "/" + escaped
}

func queueStatsHandler(src statusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := src.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "キューの統計取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"waiting":   stats[queue.StatePending],
			"active":    stats[queue.StateActive],
			"completed": stats[queue.StateCompleted],
			"failed":    stats[queue.StateFailed],
			"timestamp": time.Now().UTC(),
		})
	}
}

// fileDownloadHandler は GET /api/files/*ref のハンドラーです。
// 参照できるのは jobs/<jobId>/ 配下の成果物で、ジョブの所有者のみ取得できます。
func fileDownloadHandler(files fileOpener, src statusSource, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := strings.TrimPrefix(c.Param("ref"), "/")
		jobID, ok := artifactJobID(ref)
		if !ok {
			respondFileNotFound(c)
			return
		}

		status, err := src.Status(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if status == nil || status.OwnerID != auth.UserFromContext(c) {
			respondFileNotFound(c)
			return
		}

		file, info, err := files.Open(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidRef) {
				respondFileNotFound(c)
				return
			}
			if logger != nil {
				logger.Printf("failed to open artifact ref=%s: %v", ref, err)
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ファイルの取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		name := path.Base(ref)
		contentType := storage.ContentType(name)
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=\"%s\"; filename*=UTF-8''%s", asciiFallback(name), url.PathEscape(name)))
		c.Header("Cache-Control", "private, max-age=3600")
		c.Header("X-Job-Id", jobID)
		c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	}
}

// artifactJobID は jobs/<jobId>/... 形式の参照からジョブIDを取り出します。
func artifactJobID(ref string) (string, bool) {
	cleaned := path.Clean("/" + ref)
	parts := strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
	if len(parts) < 3 || parts[0] != "jobs" || parts[1] == "" {
		return "", false
	}
	if cleaned != "/"+ref {
		return "", false
	}
	return parts[1], true
}

func asciiFallback(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func respondFileNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    "FILE_NOT_FOUND",
		"message": "ファイルが見つかりませんでした。",
	})
}
