// Package imaging は画像のデコード・エンコード・縮小とPDFページ生成を提供します。
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/yourusername/heic-forge/internal/queue"
)

var (
	// ErrUnsupportedFormat は入力の形式を判別できない場合に返されます。
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrEmptyImage は幅または高さが0の画像を処理しようとした場合に返されます。
	ErrEmptyImage = errors.New("image has no pixels")
)

// Options は外部コマンドと一時ファイルの設定です。
type Options struct {
	HeifConvertPath string
	CwebpPath       string
	TempDir         string
}

// Provider は convert.Capabilities の実装です。
type Provider struct {
	opts   Options
	logger *log.Logger
}

// New は Provider を作成します。
func New(opts Options, logger *log.Logger) *Provider {
	if opts.HeifConvertPath == "" {
		opts.HeifConvertPath = "heif-convert"
	}
	if opts.CwebpPath == "" {
		opts.CwebpPath = "cwebp"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Provider{opts: opts, logger: logger}
}

// Decode はバイト列の形式を判別して画像に変換します。
func (p *Provider) Decode(ctx context.Context, data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	mt := mimetype.Detect(data)
	r := bytes.NewReader(data)

	var (
		img image.Image
		err error
	)
	switch {
	case mt.Is("image/jpeg"):
		img, err = jpeg.Decode(r)
	case mt.Is("image/png"):
		img, err = png.Decode(r)
	case mt.Is("image/gif"):
		img, err = gif.Decode(r)
	case mt.Is("image/webp"):
		img, err = webp.Decode(r)
	case mt.Is("image/bmp"):
		img, err = bmp.Decode(r)
	case mt.Is("image/tiff"):
		img, err = tiff.Decode(r)
	case isHEIF(mt):
		img, err = p.decodeHEIF(ctx, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt.String())
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", mt.String(), err)
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return img, nil
}

func isHEIF(mt *mimetype.MIME) bool {
	for _, m := range []string{"image/heic", "image/heif", "image/heic-sequence", "image/heif-sequence"} {
		if mt.Is(m) {
			return true
		}
	}
	return false
}

// Encode は画像を指定フォーマットのバイト列にします。PDF はここでは扱いません。
func (p *Provider) Encode(ctx context.Context, img image.Image, format queue.OutputFormat, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	quality = clampQuality(quality)

	var buf bytes.Buffer
	switch format {
	case queue.FormatJPG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case queue.FormatPNG:
		enc := png.Encoder{CompressionLevel: pngCompression(quality)}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case queue.FormatWebP:
		return p.encodeWebP(ctx, img, quality)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return buf.Bytes(), nil
}

// pngCompression は品質値を PNG の圧縮レベルに割り当てます。
func pngCompression(quality int) png.CompressionLevel {
	switch {
	case quality <= 33:
		return png.BestSpeed
	case quality <= 66:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// Thumbnail は縦横比を保ったまま maxWidth x maxHeight に収まるよう拡大縮小します。
func (p *Provider) Thumbnail(img image.Image, maxWidth, maxHeight int) (image.Image, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("invalid thumbnail bounds %dx%d", maxWidth, maxHeight)
	}
	w, h := fitInside(img.Bounds().Dx(), img.Bounds().Dy(), maxWidth, maxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst, nil
}

func fitInside(w, h, maxW, maxH int) (int, int) {
	// 幅基準で収まるか、高さ基準で収まるか
	if w*maxH >= h*maxW {
		nh := (h*maxW + w/2) / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := (w*maxH + h/2) / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func (p *Provider) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
