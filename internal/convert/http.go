package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/heic-forge/internal/queue"
)

const (
	defaultQuality  = 80
	defaultPriority = 1
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// JobScheduler はジョブをキューに投入するためのインターフェースです。
type JobScheduler interface {
	Enqueue(ctx context.Context, job *queue.Job) (string, error)
	Status(ctx context.Context, jobID string) (*queue.Status, error)
}

// UploadStore はアップロードされた入力ファイルの保存先です。
type UploadStore interface {
	Store(ctx context.Context, data []byte, logicalPath string) (string, error)
	Purge(ctx context.Context, prefix string) error
}

// HandlerOptions は投入ハンドラーの設定です。
type HandlerOptions struct {
	Scheduler   JobScheduler
	Uploads     UploadStore
	MaxFileSize int64
	MaxFiles    int
	// Owner はリクエストからジョブ所有者（ログインユーザー）を取り出します。
	Owner  func(c *gin.Context) string
	Logger *log.Logger
}

// SubmitHandler は POST /api/convert のハンドラーを返します。
func SubmitHandler(opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := ""
		if opts.Owner != nil {
			owner = opts.Owner(c)
		}
		if owner == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で画像ファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files := form.File["files[]"]
		if len(files) == 0 {
			files = form.File["files"]
		}
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "アップロードされた画像ファイルが見つかりません。",
			})
			return
		}

		params, err := parseSubmitParams(c)
		if err != nil {
			respondWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		jobID := params.jobID
		if jobID != "" {
			existing, err := opts.Scheduler.Status(ctx, jobID)
			if err != nil {
				respondWithError(c, err)
				return
			}
			if existing != nil {
				if existing.OwnerID != owner {
					respondWithError(c, queue.ErrJobConflict)
					return
				}
				c.JSON(http.StatusAccepted, gin.H{"jobId": existing.JobID, "filesCount": existing.FileCount})
				return
			}
		} else {
			jobID = uuid.NewString()
		}

		// 同じ jobId の同時投入が互いのアップロードを上書き・削除しないよう、リクエストごとに置き場所を分ける
		batch := path.Join("uploads", jobID, uuid.NewString())
		refs, err := storeUploads(ctx, opts, batch, files)
		if err != nil {
			purgeUploads(ctx, opts, batch)
			respondWithError(c, err)
			return
		}

		job := &queue.Job{
			ID:           jobID,
			OwnerID:      owner,
			Priority:     params.priority,
			Files:        refs,
			OutputFormat: params.format,
			Quality:      params.quality,
			PDFOptions:   params.pdf,
		}
		id, err := opts.Scheduler.Enqueue(ctx, job)
		if err != nil {
			purgeUploads(ctx, opts, batch)
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":      id,
			"filesCount": len(refs),
		})
	}
}

type submitParams struct {
	jobID    string
	format   queue.OutputFormat
	quality  int
	priority int
	pdf      queue.PDFOptions
}

func parseSubmitParams(c *gin.Context) (*submitParams, error) {
	params := &submitParams{
		quality:  defaultQuality,
		priority: defaultPriority,
	}

	format, err := queue.ParseOutputFormat(c.DefaultPostForm("outputFormat", string(queue.FormatJPG)))
	if err != nil {
		return nil, newError("INVALID_INPUT", "outputFormat には jpg, png, webp, pdf のいずれかを指定してください。", err)
	}
	params.format = format

	if raw := strings.TrimSpace(c.PostForm("quality")); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil {
			return nil, newError("INVALID_INPUT", "quality は整数で指定してください。", err)
		}
		params.quality = q
	}
	if raw := strings.TrimSpace(c.PostForm("priority")); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return nil, newError("INVALID_INPUT", "priority は整数で指定してください。", err)
		}
		params.priority = p
	}

	pdf, err := queue.PDFOptions{
		PageSize:    c.PostForm("pageSize"),
		Orientation: c.PostForm("orientation"),
	}.Normalize()
	if err != nil {
		return nil, newError("INVALID_INPUT", "pageSize または orientation の指定が正しくありません。", err)
	}
	params.pdf = pdf

	if raw := strings.TrimSpace(c.PostForm("jobId")); raw != "" {
		if !jobIDPattern.MatchString(raw) {
			return nil, newError("INVALID_INPUT", "jobId は英数字・ハイフン・アンダースコアの64文字以内で指定してください。", nil)
		}
		params.jobID = raw
	}
	return params, nil
}

// storeUploads は files を batch 配下に保存します。
func storeUploads(ctx context.Context, opts HandlerOptions, batch string, files []*multipart.FileHeader) ([]queue.FileRef, error) {
	if opts.MaxFiles > 0 && len(files) > opts.MaxFiles {
		return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("一度にアップロードできるファイルは %d 件までです。", opts.MaxFiles), nil)
	}

	refs := make([]queue.FileRef, 0, len(files))
	for i, fh := range files {
		if opts.MaxFileSize > 0 && fh.Size > opts.MaxFileSize {
			return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("%s のサイズが上限を超えています。", fh.Filename), nil)
		}
		data, err := readUpload(fh, opts.MaxFileSize)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, newError("INVALID_INPUT", fmt.Sprintf("%s は空のファイルです。", fh.Filename), nil)
		}

		stored := fmt.Sprintf("%02d-%s", i+1, uploadName(fh.Filename, i))
		ref, err := opts.Uploads.Store(ctx, data, path.Join(batch, stored))
		if err != nil {
			return nil, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
		}
		refs = append(refs, queue.FileRef{
			OriginalName:   fh.Filename,
			SourceLocation: ref,
			SizeBytes:      int64(len(data)),
			MimeHint:       mimetype.Detect(data).String(),
			LastModified:   time.Now().UTC(),
		})
	}
	return refs, nil
}

func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("アップロードファイルのオープンに失敗しました: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if limit > 0 {
		r = io.LimitReader(file, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("アップロードファイルの読み込みに失敗しました: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("%s のサイズが上限を超えています。", fh.Filename), nil)
	}
	return data, nil
}

func uploadName(original string, index int) string {
	base := baseName(original)
	if base == "" {
		base = fmt.Sprintf("file-%d", index+1)
	}
	return base + strings.ToLower(path.Ext(strings.ReplaceAll(original, "\\", "/")))
}

func purgeUploads(ctx context.Context, opts HandlerOptions, batch string) {
	if err := opts.Uploads.Purge(context.WithoutCancel(ctx), batch); err != nil && opts.Logger != nil {
		opts.Logger.Printf("failed to purge uploads batch=%s: %v", batch, err)
	}
}

func respondWithError(c *gin.Context, err error) {
	var (
		apiErr *Error
		valErr *queue.ValidationError
	)
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == "LIMIT_EXCEEDED" {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": valErr.Error(),
		})
	case errors.Is(err, queue.ErrJobConflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_CONFLICT",
			"message": "指定された jobId は既に使用されています。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
