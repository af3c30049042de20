package convert

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/yourusername/heic-forge/internal/queue"
)

// outputNames は入力ファイル名から出力ファイル名を決めます。
// macOS から届く NFD のファイル名は NFC に揃え、同名が重なった場合は -2, -3 を付けます。
func outputNames(files []queue.FileRef, format queue.OutputFormat) []string {
	ext := format.Extension()
	names := make([]string, len(files))
	seen := make(map[string]struct{}, len(files))
	for i, f := range files {
		base := baseName(f.OriginalName)
		if base == "" {
			base = fmt.Sprintf("file-%d", i+1)
		}
		candidate := base + "." + ext
		for n := 2; ; n++ {
			key := strings.ToLower(candidate)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				break
			}
			candidate = fmt.Sprintf("%s-%d.%s", base, n, ext)
		}
		names[i] = candidate
	}
	return names
}

func baseName(original string) string {
	name := norm.NFC.String(strings.TrimSpace(original))
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	return strings.TrimSpace(name)
}

func thumbnailName(outputName string) string {
	return strings.TrimSuffix(outputName, path.Ext(outputName)) + ".jpg"
}

// clampQuality は品質を 1〜100 に収めます。
func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
