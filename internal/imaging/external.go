package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

var commandContext = exec.CommandContext

// decodeHEIF は libheif の heif-convert で PNG に展開してから読み込みます。
func (p *Provider) decodeHEIF(ctx context.Context, data []byte) (image.Image, error) {
	dir, err := os.MkdirTemp(p.opts.TempDir, "heif-*")
	if err != nil {
		return nil, fmt.Errorf("一時ディレクトリの作成に失敗しました: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.heic")
	output := filepath.Join(dir, "output.png")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("一時ファイルの書き込みに失敗しました: %w", err)
	}

	if err := p.runTool(ctx, p.opts.HeifConvertPath, input, output); err != nil {
		return nil, err
	}

	f, err := os.Open(output)
	if err != nil {
		return nil, fmt.Errorf("heif-convert produced no output: %w", err)
	}
	defer f.Close()
	return png.Decode(f)
}

// encodeWebP は一度 PNG に書き出し、cwebp で WebP に変換します。
func (p *Provider) encodeWebP(ctx context.Context, img image.Image, quality int) ([]byte, error) {
	dir, err := os.MkdirTemp(p.opts.TempDir, "webp-*")
	if err != nil {
		return nil, fmt.Errorf("一時ディレクトリの作成に失敗しました: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.png")
	output := filepath.Join(dir, "output.webp")

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode intermediate png: %w", err)
	}
	if err := os.WriteFile(input, buf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("一時ファイルの書き込みに失敗しました: %w", err)
	}

	args := []string{"-quiet", "-q", strconv.Itoa(quality), input, "-o", output}
	if err := p.runTool(ctx, p.opts.CwebpPath, args...); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("cwebp produced no output: %w", err)
	}
	return data, nil
}

func (p *Provider) runTool(ctx context.Context, binary string, args ...string) error {
	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		msg := strings.TrimSpace(out.String())
		p.logf("%s failed: %v: %s", filepath.Base(binary), err, msg)
		return fmt.Errorf("%s: %w: %s", filepath.Base(binary), err, msg)
	}
	return nil
}
