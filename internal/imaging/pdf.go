package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/yourusername/heic-forge/internal/queue"
)

const (
	titleWatermark  = "position:tc, offset:0 -24, scalefactor:0.6 rel, rotation:0, fillcolor:#333333"
	footerWatermark = "position:bc, offset:0 12, scalefactor:0.25 rel, rotation:0, fillcolor:#666666"
	pageNumberText  = "Page %p of %P"
)

var pageFormats = map[string]string{
	"a3":     "A3",
	"a4":     "A4",
	"a5":     "A5",
	"letter": "Letter",
	"legal":  "Legal",
}

// RenderPage は JPEG を1ページのPDFに配置し、上部にタイトルを入れます。
func (p *Provider) RenderPage(ctx context.Context, imageData []byte, title string, opts queue.PDFOptions) ([]byte, error) {
	if len(imageData) == 0 {
		return nil, ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	imp, err := pdfapi.Import(importDescription(opts), types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("parse import config: %w", err)
	}

	var page bytes.Buffer
	if err := pdfapi.ImportImages(nil, &page, []io.Reader{bytes.NewReader(imageData)}, imp, nil); err != nil {
		return nil, fmt.Errorf("PDFページの生成に失敗しました: %w", err)
	}
	if strings.TrimSpace(title) == "" {
		return page.Bytes(), nil
	}
	return stampText(page.Bytes(), title, titleWatermark)
}

// Concatenate は1ページずつのPDFを順番どおりに結合し、ページ番号を入れます。
func (p *Provider) Concatenate(ctx context.Context, documents [][]byte) ([]byte, error) {
	if len(documents) == 0 {
		return nil, errors.New("no documents to concatenate")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	readers := make([]io.ReadSeeker, len(documents))
	for i, doc := range documents {
		readers[i] = bytes.NewReader(doc)
	}

	var merged bytes.Buffer
	if err := pdfapi.MergeRaw(readers, &merged, false, nil); err != nil {
		return nil, fmt.Errorf("PDFの結合に失敗しました: %w", err)
	}
	return stampText(merged.Bytes(), pageNumberText, footerWatermark)
}

func stampText(doc []byte, text, desc string) ([]byte, error) {
	wm, err := pdfapi.TextWatermark(text, desc, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("parse watermark config: %w", err)
	}
	var out bytes.Buffer
	if err := pdfapi.AddWatermarks(bytes.NewReader(doc), &out, nil, wm, nil); err != nil {
		return nil, fmt.Errorf("テキストの描画に失敗しました: %w", err)
	}
	return out.Bytes(), nil
}

// importDescription は pdfcpu の import 設定文字列を組み立てます。例: "f:A4P, pos:c, sc:0.8 rel"
func importDescription(opts queue.PDFOptions) string {
	normalized, err := opts.Normalize()
	if err != nil {
		normalized = queue.PDFOptions{PageSize: "a4", Orientation: "portrait"}
	}
	suffix := "P"
	if normalized.Orientation == "landscape" {
		suffix = "L"
	}
	return fmt.Sprintf("f:%s%s, pos:c, sc:0.8 rel", pageFormats[normalized.PageSize], suffix)
}

