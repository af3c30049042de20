package convert

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/yourusername/heic-forge/internal/queue"
)

// プレースホルダーの寸法と色は固定です。
const (
	PlaceholderWidth  = 800
	PlaceholderHeight = 600
)

var (
	PlaceholderColor          = color.RGBA{R: 100, G: 100, B: 200, A: 255}
	PlaceholderThumbnailColor = color.RGBA{R: 200, G: 60, B: 60, A: 255}
)

// PlaceholderImage は単色で塗りつぶした画像を返します。
func PlaceholderImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// EncodePlaceholder は単色のプレースホルダーを外部のエンコーダーを使わずに format で符号化します。
func EncodePlaceholder(width, height int, c color.RGBA, format queue.OutputFormat, quality int) ([]byte, error) {
	switch format {
	case queue.FormatJPG:
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, PlaceholderImage(width, height, c), &jpeg.Options{Quality: clampQuality(quality)}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case queue.FormatPNG:
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := enc.Encode(&buf, PlaceholderImage(width, height, c)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case queue.FormatWebP:
		return encodeSolidWebP(width, height, c)
	}
	return nil, fmt.Errorf("unsupported placeholder format: %s", format)
}

// encodeSolidWebP は単色画像を可逆 WebP (VP8L) で書き出します。
// 各チャンネルを1シンボルだけの符号で表すので、画素データは0ビットになります。
func encodeSolidWebP(width, height int, c color.RGBA) ([]byte, error) {
	const maxSide = 1 << 14
	if width <= 0 || height <= 0 || width > maxSide || height > maxSide {
		return nil, fmt.Errorf("invalid webp size %dx%d", width, height)
	}

	var w lsbWriter
	w.write(0x2f, 8)
	w.write(uint32(width-1), 14)
	w.write(uint32(height-1), 14)
	w.write(0, 1) // alpha
	w.write(0, 3) // version
	w.write(0, 1) // transform
	w.write(0, 1) // color cache
	w.write(0, 1) // meta prefix codes
	// green, red, blue, alpha, distance
	for _, symbol := range []uint8{c.G, c.R, c.B, 0xff, 0} {
		w.write(1, 1)
		w.write(0, 1)
		w.write(1, 1)
		w.write(uint32(symbol), 8)
	}
	payload := w.bytes()

	chunk := len(payload)
	padded := chunk + chunk&1
	out := make([]byte, 0, 20+padded)
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(4+8+padded))
	out = append(out, "WEBPVP8L"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(chunk))
	out = append(out, payload...)
	if chunk&1 == 1 {
		out = append(out, 0)
	}
	return out, nil
}

// lsbWriter は下位ビットから詰めるビットライターです。
type lsbWriter struct {
	buf   []byte
	acc   uint64
	nbits uint
}

func (w *lsbWriter) write(v uint32, n uint) {
	w.acc |= uint64(v) << w.nbits
	w.nbits += n
	for w.nbits >= 8 {
		w.buf = append(w.buf, byte(w.acc))
		w.acc >>= 8
		w.nbits -= 8
	}
}

func (w *lsbWriter) bytes() []byte {
	if w.nbits > 0 {
		w.buf = append(w.buf, byte(w.acc))
		w.acc, w.nbits = 0, 0
	}
	return w.buf
}
