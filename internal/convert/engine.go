// Package convert はジョブ単位の画像変換と成果物の集約を提供します。
package convert

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/yourusername/heic-forge/internal/queue"
	"github.com/yourusername/heic-forge/internal/storage"
)

const (
	combinedDocumentName = "combined.pdf"
	combinedArchiveName  = "converted-files.zip"

	defaultThumbnailSize    = 300
	defaultThumbnailQuality = 80
)

// Capabilities はデコード・エンコード・PDF生成を提供する外部機能です。
type Capabilities interface {
	Decode(ctx context.Context, data []byte) (image.Image, error)
	Encode(ctx context.Context, img image.Image, format queue.OutputFormat, quality int) ([]byte, error)
	Thumbnail(img image.Image, maxWidth, maxHeight int) (image.Image, error)
	RenderPage(ctx context.Context, imageData []byte, title string, opts queue.PDFOptions) ([]byte, error)
	Concatenate(ctx context.Context, documents [][]byte) ([]byte, error)
}

// Storage は成果物の保存先です。
type Storage interface {
	Store(ctx context.Context, data []byte, logicalPath string) (string, error)
	Retrieve(ctx context.Context, ref string) ([]byte, error)
}

// EngineConfig は変換エンジンの設定です。
type EngineConfig struct {
	WorkDir          string
	ThumbnailSize    int
	ThumbnailQuality int
}

// Engine はジョブに含まれるファイルを順番に変換し、成果物をまとめます。
type Engine struct {
	caps   Capabilities
	store  Storage
	cfg    EngineConfig
	logger *log.Logger
	now    func() time.Time
}

// NewEngine は Engine を作成します。
func NewEngine(caps Capabilities, store Storage, cfg EngineConfig, logger *log.Logger) (*Engine, error) {
	if caps == nil {
		return nil, errors.New("capabilities is nil")
	}
	if store == nil {
		return nil, errors.New("storage is nil")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "heic-forge")
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = defaultThumbnailSize
	}
	if cfg.ThumbnailQuality <= 0 {
		cfg.ThumbnailQuality = defaultThumbnailQuality
	}
	return &Engine{
		caps:   caps,
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// fileOutput は1ファイル分の変換出力です。
type fileOutput struct {
	data      []byte
	thumbnail []byte
	degraded  bool
	reason    string
}

// Run はジョブを1回試行します。
// ファイル単位の変換失敗と入力ファイルの欠落はプレースホルダーで埋め、エラーとしては返しません。
// 返されるエラーは作業領域や保存などインフラ側の失敗で、キュー側で再試行されます。
func (e *Engine) Run(ctx context.Context, job *queue.Job, progress ProgressFunc) (*queue.Outcome, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	if len(job.Files) == 0 {
		return nil, fmt.Errorf("job %s has no files", job.ID)
	}

	ws, err := e.createWorkspace(job.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := removeDir(ws.dir); rmErr != nil {
			e.logf("failed to remove workspace job=%s: %v", job.ID, rmErr)
		}
	}()

	total := len(job.Files)
	quality := clampQuality(job.Quality)
	names := outputNames(job.Files, job.OutputFormat)

	results := make([]queue.ConversionResult, 0, total)
	artifactPaths := make([]string, 0, total)
	var pages [][]byte

	for i, file := range job.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := names[i]
		reportProgress(progress, queue.ProgressEvent{
			FileIndex:       i,
			TotalFiles:      total,
			CurrentFileName: file.OriginalName,
			Percentage:      percentBefore(i, total),
			Phase:           queue.PhaseProcessing,
		})

		var (
			out     fileOutput
			convErr error
		)
		source, err := e.store.Retrieve(ctx, file.SourceLocation)
		switch {
		case err == nil:
			out, convErr = e.convertFile(ctx, job, file, source, quality)
		case sourceMissing(err):
			convErr = &ConversionError{Stage: StageRetrieve, File: file.OriginalName, Err: err}
		default:
			return nil, fmt.Errorf("入力ファイルの取得に失敗しました (%s): %w", file.OriginalName, err)
		}
		if convErr != nil {
			e.logf("conversion fell back to placeholder job=%s file=%s: %v", job.ID, file.OriginalName, convErr)
			out, err = e.placeholderOutput(ctx, job, file, quality, out.thumbnail, convErr)
			if err != nil {
				return nil, fmt.Errorf("プレースホルダーの生成に失敗しました (%s): %w", file.OriginalName, err)
			}
		}
		if out.thumbnail == nil {
			thumb, err := e.placeholderThumbnail()
			if err != nil {
				return nil, fmt.Errorf("サムネイルの生成に失敗しました (%s): %w", file.OriginalName, err)
			}
			out.thumbnail = thumb
		}

		localPath := filepath.Join(ws.outDir, name)
		if err := os.WriteFile(localPath, out.data, 0o640); err != nil {
			return nil, fmt.Errorf("変換結果の書き込みに失敗しました: %w", err)
		}
		artifactPaths = append(artifactPaths, localPath)

		artifactRef, err := e.store.Store(ctx, out.data, path.Join("jobs", job.ID, name))
		if err != nil {
			return nil, fmt.Errorf("変換結果の保存に失敗しました (%s): %w", name, err)
		}
		thumbRef, err := e.store.Store(ctx, out.thumbnail, path.Join("jobs", job.ID, "thumbnails", thumbnailName(name)))
		if err != nil {
			return nil, fmt.Errorf("サムネイルの保存に失敗しました (%s): %w", name, err)
		}

		if job.OutputFormat == queue.FormatPDF {
			pages = append(pages, out.data)
		}
		results = append(results, queue.ConversionResult{
			OriginalName:   file.OriginalName,
			ConvertedName:  name,
			SizeBytes:      int64(len(out.data)),
			Format:         job.OutputFormat,
			ArtifactRef:    artifactRef,
			ThumbnailRef:   thumbRef,
			Degraded:       out.degraded,
			DegradedReason: out.reason,
		})
	}

	outcome := &queue.Outcome{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Results: results,
	}

	if job.OutputFormat == queue.FormatPDF && len(pages) > 1 {
		combined, err := e.caps.Concatenate(ctx, pages)
		if err != nil {
			return nil, fmt.Errorf("PDFの結合に失敗しました: %w", err)
		}
		ref, err := e.store.Store(ctx, combined, path.Join("jobs", job.ID, combinedDocumentName))
		if err != nil {
			return nil, fmt.Errorf("結合PDFの保存に失敗しました: %w", err)
		}
		outcome.CombinedDocumentRef = ref
	}

	if len(results) > 1 {
		zipPath := filepath.Join(ws.dir, combinedArchiveName)
		if _, err := e.createZip(zipPath, artifactPaths); err != nil {
			return nil, fmt.Errorf("アーカイブの作成に失敗しました: %w", err)
		}
		data, err := os.ReadFile(zipPath)
		if err != nil {
			return nil, fmt.Errorf("アーカイブの読み込みに失敗しました: %w", err)
		}
		ref, err := e.store.Store(ctx, data, path.Join("jobs", job.ID, combinedArchiveName))
		if err != nil {
			return nil, fmt.Errorf("アーカイブの保存に失敗しました: %w", err)
		}
		outcome.CombinedArchiveRef = ref
	}

	for _, r := range results {
		if r.Degraded {
			outcome.Degraded = true
			outcome.DegradedCount++
		}
	}
	outcome.CompletedAt = e.now().UTC()

	reportProgress(progress, queue.ProgressEvent{
		FileIndex:  total,
		TotalFiles: total,
		Percentage: 100,
		Phase:      queue.PhaseProcessing,
	})
	return outcome, nil
}

// convertFile は実変換の分岐です。失敗した段階を ConversionError で返します。
// デコード後に失敗した場合も、生成できたサムネイルは出力に残します。
func (e *Engine) convertFile(ctx context.Context, job *queue.Job, file queue.FileRef, source []byte, quality int) (fileOutput, error) {
	img, err := e.caps.Decode(ctx, source)
	if err != nil {
		return fileOutput{}, &ConversionError{Stage: StageDecode, File: file.OriginalName, Err: err}
	}

	// サムネイルの失敗は本体の変換を止めない
	thumb, err := e.renderThumbnail(ctx, img)
	if err != nil {
		e.logf("thumbnail replaced by placeholder job=%s file=%s: %v", job.ID, file.OriginalName, err)
		thumb = nil
	}

	data, err := e.encodeTarget(ctx, img, job, file.OriginalName, quality, pageTitle(file.OriginalName))
	if err != nil {
		return fileOutput{thumbnail: thumb}, err
	}
	return fileOutput{data: data, thumbnail: thumb}, nil
}

// placeholderOutput は変換できなかったファイルの代替出力を生成します。本体は入力に依存せず常に同じ内容です。
// thumb が nil でなければ実画像のサムネイルをそのまま使います。
// ラスター形式は Capabilities のエンコーダーを通さずに符号化します。
func (e *Engine) placeholderOutput(ctx context.Context, job *queue.Job, file queue.FileRef, quality int, thumb []byte, cause error) (fileOutput, error) {
	var (
		data []byte
		err  error
	)
	if job.OutputFormat.Raster() {
		data, err = EncodePlaceholder(PlaceholderWidth, PlaceholderHeight, PlaceholderColor, job.OutputFormat, quality)
	} else {
		data, err = e.placeholderPage(ctx, job, file.OriginalName, quality)
	}
	if err != nil {
		return fileOutput{}, err
	}
	if thumb == nil {
		if thumb, err = e.placeholderThumbnail(); err != nil {
			return fileOutput{}, err
		}
	}
	reason := "conversion failed"
	if cause != nil {
		reason = cause.Error()
	}
	return fileOutput{data: data, thumbnail: thumb, degraded: true, reason: reason}, nil
}

func (e *Engine) placeholderPage(ctx context.Context, job *queue.Job, original string, quality int) ([]byte, error) {
	intermediate, err := EncodePlaceholder(PlaceholderWidth, PlaceholderHeight, PlaceholderColor, queue.FormatJPG, quality)
	if err != nil {
		return nil, err
	}
	return e.caps.RenderPage(ctx, intermediate, placeholderTitle(original), job.PDFOptions)
}

func (e *Engine) placeholderThumbnail() ([]byte, error) {
	return EncodePlaceholder(e.cfg.ThumbnailSize, e.cfg.ThumbnailSize, PlaceholderThumbnailColor, queue.FormatJPG, e.cfg.ThumbnailQuality)
}

// sourceMissing は入力ファイルが存在しないか参照が不正な場合に true を返します。
func sourceMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidRef)
}

func (e *Engine) renderThumbnail(ctx context.Context, img image.Image) ([]byte, error) {
	thumb, err := e.caps.Thumbnail(img, e.cfg.ThumbnailSize, e.cfg.ThumbnailSize)
	if err != nil {
		return nil, &ConversionError{Stage: StageThumbnail, Err: err}
	}
	data, err := e.caps.Encode(ctx, thumb, queue.FormatJPG, e.cfg.ThumbnailQuality)
	if err != nil {
		return nil, &ConversionError{Stage: StageThumbnail, Err: err}
	}
	return data, nil
}

// encodeTarget は出力フォーマットに合わせてエンコードします。PDFは中間JPEGを1ページに埋め込みます。
func (e *Engine) encodeTarget(ctx context.Context, img image.Image, job *queue.Job, original string, quality int, title string) ([]byte, error) {
	if job.OutputFormat.Raster() {
		data, err := e.caps.Encode(ctx, img, job.OutputFormat, quality)
		if err != nil {
			return nil, &ConversionError{Stage: StageEncode, File: original, Err: err}
		}
		return data, nil
	}

	intermediate, err := e.caps.Encode(ctx, img, queue.FormatJPG, quality)
	if err != nil {
		return nil, &ConversionError{Stage: StageEncode, File: original, Err: err}
	}
	doc, err := e.caps.RenderPage(ctx, intermediate, title, job.PDFOptions)
	if err != nil {
		return nil, &ConversionError{Stage: StageRender, File: original, Err: err}
	}
	return doc, nil
}

func pageTitle(original string) string {
	return "Converted from: " + original
}

func placeholderTitle(original string) string {
	return "Conversion failed: " + original
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
