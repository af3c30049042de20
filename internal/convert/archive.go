package convert

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// createZip は files を順番どおりにアーカイブします。
// 見つからないファイルはログに残して飛ばし、1件も追加できなければ ErrEmptyArchive を返します。
func (e *Engine) createZip(outputPath string, files []string) (int, error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("zipファイルの作成に失敗しました: %w", err)
	}
	zipWriter := zip.NewWriter(outFile)

	added := 0
	for _, p := range files {
		ok, err := addZipMember(zipWriter, p)
		if err != nil {
			zipWriter.Close()
			outFile.Close()
			return 0, err
		}
		if !ok {
			e.logf("archive member missing, skipped: %s", filepath.Base(p))
			continue
		}
		added++
	}

	if err := zipWriter.Close(); err != nil {
		outFile.Close()
		return 0, fmt.Errorf("zipの書き込みに失敗しました: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return 0, fmt.Errorf("zipの書き込みに失敗しました: %w", err)
	}
	if added == 0 {
		_ = os.Remove(outputPath)
		return 0, ErrEmptyArchive
	}
	return added, nil
}

func addZipMember(zipWriter *zip.Writer, path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return false, fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return false, fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return false, fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
	}
	return true, nil
}
