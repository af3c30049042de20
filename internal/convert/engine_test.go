package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/image/webp"
	"golang.org/x/text/unicode/norm"

	"github.com/yourusername/heic-forge/internal/queue"
)

type encodeCall struct {
	format  queue.OutputFormat
	quality int
	width   int
	height  int
	color   color.RGBA
}

type fakeCaps struct {
	mu           sync.Mutex
	encodes      []encodeCall
	titles       []string
	concatenated int
	failThumb    bool
	failConcat   bool
	// failFormats に含まれる形式のエンコードは失敗する
	failFormats map[queue.OutputFormat]bool
}

func (f *fakeCaps) Decode(ctx context.Context, data []byte) (image.Image, error) {
	if bytes.HasPrefix(data, []byte("corrupt")) {
		return nil, errors.New("bad heic header")
	}
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	img.Set(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	return img, nil
}

func (f *fakeCaps) Encode(ctx context.Context, img image.Image, format queue.OutputFormat, quality int) ([]byte, error) {
	if f.failFormats[format] {
		return nil, fmt.Errorf("%s encoder not available", format)
	}
	b := img.Bounds()
	c := color.RGBAModel.Convert(img.At(b.Min.X, b.Min.Y)).(color.RGBA)
	f.mu.Lock()
	f.encodes = append(f.encodes, encodeCall{format: format, quality: quality, width: b.Dx(), height: b.Dy(), color: c})
	f.mu.Unlock()
	return []byte(fmt.Sprintf("%s:%d:%dx%d", format, quality, b.Dx(), b.Dy())), nil
}

func (f *fakeCaps) Thumbnail(img image.Image, maxWidth, maxHeight int) (image.Image, error) {
	if f.failThumb {
		return nil, errors.New("resize failed")
	}
	return image.NewRGBA(image.Rect(0, 0, maxWidth, maxHeight*3/4)), nil
}

func (f *fakeCaps) RenderPage(ctx context.Context, imageData []byte, title string, opts queue.PDFOptions) ([]byte, error) {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
	return []byte("%PDF page " + title), nil
}

func (f *fakeCaps) Concatenate(ctx context.Context, documents [][]byte) ([]byte, error) {
	if f.failConcat {
		return nil, errors.New("merge failed")
	}
	f.concatenated = len(documents)
	return bytes.Join(documents, []byte("\n")), nil
}

func (f *fakeCaps) encodesWhere(pred func(encodeCall) bool) []encodeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []encodeCall
	for _, c := range f.encodes {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

type memStorage struct {
	mu        sync.Mutex
	files     map[string][]byte
	failStore bool
	failRead  bool
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) Store(ctx context.Context, data []byte, logicalPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStore {
		return "", errors.New("disk full")
	}
	m.files[logicalPath] = append([]byte(nil), data...)
	return logicalPath, nil
}

func (m *memStorage) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead {
		return nil, errors.New("storage unavailable")
	}
	data, ok := m.files[ref]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memStorage) Purge(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.files {
		if strings.HasPrefix(k, prefix+"/") {
			delete(m.files, k)
		}
	}
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeCaps, *memStorage, string) {
	t.Helper()
	caps := &fakeCaps{}
	store := newMemStorage()
	workDir := t.TempDir()
	engine, err := NewEngine(caps, store, EngineConfig{WorkDir: workDir}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, caps, store, workDir
}

func makeJob(store *memStorage, format queue.OutputFormat, quality int, names ...string) *queue.Job {
	job := &queue.Job{
		ID:           "job-1",
		OwnerID:      "alice",
		OutputFormat: format,
		Quality:      quality,
		PDFOptions:   queue.PDFOptions{PageSize: "a4", Orientation: "portrait"},
	}
	for i, name := range names {
		ref := fmt.Sprintf("uploads/job-1/%02d-%s", i+1, name)
		content := []byte("heic-bytes-" + name)
		if strings.HasPrefix(name, "corrupt") {
			content = []byte("corrupt" + name)
		}
		store.files[ref] = content
		job.Files = append(job.Files, queue.FileRef{OriginalName: name, SourceLocation: ref, SizeBytes: int64(len(content))})
	}
	return job
}

func zipMembers(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("invalid zip: %v", err)
	}
	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		names[i] = f.Name
	}
	return names
}

func TestRunTwoFilesProducesArchiveOnly(t *testing.T) {
	engine, _, store, _ := newTestEngine(t)
	job := makeJob(store, queue.FormatJPG, 80, "A.heic", "B.heic")

	outcome, err := engine.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(outcome.Results))
	}
	if outcome.Results[0].ConvertedName != "A.jpg" || outcome.Results[1].ConvertedName != "B.jpg" {
		t.Fatalf("unexpected names: %+v", outcome.Results)
	}
	if outcome.CombinedDocumentRef != "" {
		t.Fatalf("jpg job must not produce a combined document: %s", outcome.CombinedDocumentRef)
	}
	if outcome.CombinedArchiveRef != "jobs/job-1/converted-files.zip" {
		t.Fatalf("archive ref = %q", outcome.CombinedArchiveRef)
	}
	members := zipMembers(t, store.files[outcome.CombinedArchiveRef])
	if len(members) != 2 || members[0] != "A.jpg" || members[1] != "B.jpg" {
		t.Fatalf("archive members = %v", members)
	}
	for _, r := range outcome.Results {
		if r.Degraded || r.ThumbnailRef == "" || r.Format != queue.FormatJPG {
			t.Fatalf("unexpected result: %+v", r)
		}
		if _, ok := store.files[r.ArtifactRef]; !ok {
			t.Fatalf("artifact not stored: %s", r.ArtifactRef)
		}
		if _, ok := store.files[r.ThumbnailRef]; !ok {
			t.Fatalf("thumbnail not stored: %s", r.ThumbnailRef)
		}
	}
	if outcome.Degraded {
		t.Fatal("outcome should not be degraded")
	}
}

func TestRunDecodeFailureUsesPlaceholder(t *testing.T) {
	engine, caps, store, _ := newTestEngine(t)
	job := makeJob(store, queue.FormatPNG, 90, "corrupt.heic")

	outcome, err := engine.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run must not fail on a per-file error: %v", err)
	}
	if len(outcome.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(outcome.Results))
	}
	r := outcome.Results[0]
	if !r.Degraded || !strings.Contains(r.DegradedReason, "decode") {
		t.Fatalf("expected degraded result, got %+v", r)
	}
	if !outcome.Degraded || outcome.DegradedCount != 1 {
		t.Fatalf("outcome degraded flags wrong: %+v", outcome)
	}
	if outcome.CombinedArchiveRef != "" || outcome.CombinedDocumentRef != "" {
		t.Fatalf("single-file job must not aggregate: %+v", outcome)
	}

	if len(caps.encodes) != 0 {
		t.Fatalf("placeholder must not use the conversion encoder: %+v", caps.encodes)
	}
	img, format, err := image.Decode(bytes.NewReader(store.files[r.ArtifactRef]))
	if err != nil || format != "png" {
		t.Fatalf("placeholder artifact is not a png: %s, %v", format, err)
	}
	if b := img.Bounds(); b.Dx() != PlaceholderWidth || b.Dy() != PlaceholderHeight {
		t.Fatalf("placeholder size = %v", b)
	}
	if got := color.RGBAModel.Convert(img.At(10, 10)).(color.RGBA); got != PlaceholderColor {
		t.Fatalf("placeholder color = %v", got)
	}
	thumb, format, err := image.Decode(bytes.NewReader(store.files[r.ThumbnailRef]))
	if err != nil || format != "jpeg" || thumb.Bounds().Dx() != 300 || thumb.Bounds().Dy() != 300 {
		t.Fatalf("placeholder thumbnail = %s %v, %v", format, thumb, err)
	}
}

func TestRunEncoderOutageStillCompletesWithPlaceholder(t *testing.T) {
	engine, caps, store, _ := newTestEngine(t)
	caps.failFormats = map[queue.OutputFormat]bool{queue.FormatWebP: true}
	job := makeJob(store, queue.FormatWebP, 80, "A.heic", "corrupt.heic")

	outcome, err := engine.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run must not fail when the webp encoder is unavailable: %v", err)
	}
	if outcome.DegradedCount != 2 {
		t.Fatalf("degraded = %d, want 2", outcome.DegradedCount)
	}
	for _, r := range outcome.Results {
		img, err := webp.Decode(bytes.NewReader(store.files[r.ArtifactRef]))
		if err != nil {
			t.Fatalf("%s: placeholder is not a valid webp: %v", r.ConvertedName, err)
		}
		if b := img.Bounds(); b.Dx() != PlaceholderWidth || b.Dy() != PlaceholderHeight {
			t.Fatalf("%s: placeholder size = %v", r.ConvertedName, b)
		}
	}
	if r := outcome.Results[0]; !strings.Contains(r.DegradedReason, "encode") {
		t.Fatalf("reason = %q", r.DegradedReason)
	}

	// デコードできたファイルは実画像のサムネイルを残す
	if got := string(store.files[outcome.Results[0].ThumbnailRef]); got != "jpg:80:300x225" {
		t.Fatalf("decoded file lost its thumbnail: %q", got)
	}
	if _, format, err := image.Decode(bytes.NewReader(store.files[outcome.Results[1].ThumbnailRef])); err != nil || format != "jpeg" {
		t.Fatalf("undecodable file should get the placeholder thumbnail: %s, %v", format, err)
	}
}

func TestRunMissingSourceUsesPlaceholder(t *testing.T) {
	engine, _, store, _ := newTestEngine(t)
	job := makeJob(store, queue.FormatJPG, 80, "A.heic", "B.heic")
	delete(store.files, job.Files[1].SourceLocation)

	outcome, err := engine.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run must not fail on a missing upload: %v", err)
	}
	if outcome.Results[0].Degraded {
		t.Fatalf("first file should convert normally: %+v", outcome.Results[0])
	}
	r := outcome.Results[1]
	if !r.Degraded || !strings.Contains(r.DegradedReason, "retrieve") {
		t.Fatalf("missing upload should degrade to a placeholder: %+v", r)
	}
	if _, format, err := image.Decode(bytes.NewReader(store.files[r.ArtifactRef])); err != nil || format != "jpeg" {
		t.Fatalf("placeholder artifact = %s, %v", format, err)
	}
	if outcome.CombinedArchiveRef == "" {
		t.Fatal("archive should still be produced")
	}
}

func TestRunClampsQuality(t *testing.T) {
	engine, caps, store, _ := newTestEngine(t)
	job := makeJob(store, queue.FormatWebP, 150, "A.heic")

	if _, err := engine.Run(context.Background(), job, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := caps.encodesWhere(func(c encodeCall) bool { return c.format == queue.FormatWebP })
	if len(calls) != 1 || calls[0].quality != 100 {
		t.Fatalf("webp encode calls = %+v, want quality 100", calls)
	}

	job.Quality = -5
	if _, err := engine.Run(context.Background(), job, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls = caps.encodesWhere(func(c encodeCall) bool { return c.format == queue.FormatWebP })
	if calls[len(calls)-1].quality != 1 {
		t.Fatalf("quality not clamped to 1: %+v", calls[len(calls)-1])
	}
}

func TestRunPDFCombinesPages(t *testing.T) {
	engine, caps, store, _ := newTestEngine(t)
	job := makeJob(store, queue.FormatPDF, 80, "A.heic", "corrupt.heic", "C.heic")

	outcome, err := engine.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.CombinedDocumentRef != "jobs/job-1/combined.pdf" {
		t.Fatalf("combined ref = %q", outcome.CombinedDocumentRef)
	}
	if caps.concatenated != 3 {
		t.Fatalf("concatenated %d pages, want 3", caps.concatenated)
	}
	if outcome.CombinedArchiveRef == "" {
		t.Fatal("multi-file pdf job should also produce an archive")
	}
	want := []string{"Converted from: A.heic", "Conversion failed: corrupt.heic", "Converted from: C.heic"}
	if len(caps.titles) != len(want) {
		t.Fatalf("titles = %v", caps.titles)
	}
	for i := range want {
		if caps.titles[i] != want[i] {
			t.Fatalf("titles[%d] = %q, want %q", i, caps.titles[i], want[i])
		}
	}
	if !outcome.Results[1].Degraded || outcome.Results[0].Degraded {
		t.Fatalf("unexpected degraded flags: %+v", outcome.Results)
	}
}

func TestRunSinglePDFHasNoCombinedDocument(t *testing.T) {
	engine, caps, store, _ := newTestEngine(t)
	job := makeJob(store, queue.FormatPDF, 80, "A.heic")

	outcome, err := engine.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.CombinedDocumentRef != "" || outcome.CombinedArchiveRef != "" || caps.concatenated != 0 {
		t.Fatalf("single pdf job aggregated: %+v", outcome)
	}
	if outcome.Results[0].ConvertedName != "A.pdf" {
		t.Fatalf("name = %s", outcome.Results[0].ConvertedName)
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	engine, _, store, _ := newTestEngine(t)
	job := makeJob(store, queue.FormatJPG, 80, "A.heic", "B.heic", "C.heic")

	var events []queue.ProgressEvent
	if _, err := engine.Run(context.Background(), job, func(ev queue.ProgressEvent) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []int{0, 33, 67, 100}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, ev := range events {
		if ev.Percentage != want[i] {
			t.Fatalf("event %d percentage = %d, want %d", i, ev.Percentage, want[i])
		}
		if i < 3 && (ev.FileIndex != i || ev.TotalFiles != 3 || ev.CurrentFileName != job.Files[i].OriginalName) {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
}

func TestRunThumbnailFailureDoesNotDegradeOutput(t *testing.T) {
	engine, caps, store, _ := newTestEngine(t)
	caps.failThumb = true
	job := makeJob(store, queue.FormatJPG, 80, "A.heic")

	outcome, err := engine.Run(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Results[0].Degraded {
		t.Fatal("thumbnail failure must not mark the primary output degraded")
	}
	if len(caps.encodes) != 1 || caps.encodes[0].format != queue.FormatJPG || caps.encodes[0].width != 40 {
		t.Fatalf("only the primary output should be encoded: %+v", caps.encodes)
	}
	thumb, _, err := image.Decode(bytes.NewReader(store.files[outcome.Results[0].ThumbnailRef]))
	if err != nil {
		t.Fatalf("placeholder thumbnail: %v", err)
	}
	if got := color.RGBAModel.Convert(thumb.At(150, 150)).(color.RGBA); !near(got, PlaceholderThumbnailColor, 8) {
		t.Fatalf("thumbnail color = %v", got)
	}
}

func TestRunInfrastructureFailuresAbortJob(t *testing.T) {
	t.Run("storage write", func(t *testing.T) {
		engine, _, store, _ := newTestEngine(t)
		job := makeJob(store, queue.FormatJPG, 80, "A.heic")
		store.failStore = true
		if _, err := engine.Run(context.Background(), job, nil); err == nil {
			t.Fatal("expected error when storage rejects writes")
		}
	})
	t.Run("source read", func(t *testing.T) {
		engine, _, store, _ := newTestEngine(t)
		job := makeJob(store, queue.FormatJPG, 80, "A.heic")
		store.failRead = true
		if _, err := engine.Run(context.Background(), job, nil); err == nil {
			t.Fatal("expected error when sources cannot be read")
		}
	})
	t.Run("concatenate", func(t *testing.T) {
		engine, caps, store, _ := newTestEngine(t)
		caps.failConcat = true
		job := makeJob(store, queue.FormatPDF, 80, "A.heic", "B.heic")
		if _, err := engine.Run(context.Background(), job, nil); err == nil {
			t.Fatal("expected error when pdf concatenation fails")
		}
	})
	t.Run("workspace", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "not-a-dir")
		if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
			t.Fatalf("setup: %v", err)
		}
		store := newMemStorage()
		engine, err := NewEngine(&fakeCaps{}, store, EngineConfig{WorkDir: blocker}, nil)
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		job := makeJob(store, queue.FormatJPG, 80, "A.heic")
		if _, err := engine.Run(context.Background(), job, nil); err == nil {
			t.Fatal("expected error when the workspace cannot be created")
		}
	})
}

func TestRunRemovesWorkspace(t *testing.T) {
	engine, _, store, workDir := newTestEngine(t)
	job := makeJob(store, queue.FormatJPG, 80, "A.heic", "B.heic")
	if _, err := engine.Run(context.Background(), job, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace left behind: %v", entries)
	}
}

func TestWorkspacesAreNotSharedBetweenAttempts(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	first, err := engine.createWorkspace("job-1")
	if err != nil {
		t.Fatalf("createWorkspace: %v", err)
	}
	second, err := engine.createWorkspace("job-1")
	if err != nil {
		t.Fatalf("createWorkspace: %v", err)
	}
	if first.dir == second.dir {
		t.Fatalf("two attempts share %s", first.dir)
	}
	if err := os.WriteFile(filepath.Join(first.outDir, "A.jpg"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := removeDir(second.dir); err != nil {
		t.Fatalf("removeDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(first.outDir, "A.jpg")); err != nil {
		t.Fatalf("removing one workspace touched the other: %v", err)
	}
}

func TestCreateZipSkipsMissingMembers(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	dir := t.TempDir()
	present := filepath.Join(dir, "A.jpg")
	if err := os.WriteFile(present, []byte("jpeg"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	out := filepath.Join(dir, "out.zip")
	n, err := engine.createZip(out, []string{filepath.Join(dir, "missing.jpg"), present})
	if err != nil || n != 1 {
		t.Fatalf("createZip = %d, %v", n, err)
	}
	data, _ := os.ReadFile(out)
	if members := zipMembers(t, data); len(members) != 1 || members[0] != "A.jpg" {
		t.Fatalf("members = %v", members)
	}

	empty := filepath.Join(dir, "empty.zip")
	if _, err := engine.createZip(empty, []string{filepath.Join(dir, "gone.jpg")}); !errors.Is(err, ErrEmptyArchive) {
		t.Fatalf("expected ErrEmptyArchive, got %v", err)
	}
	if _, err := os.Stat(empty); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("empty archive file should be removed")
	}
}

func TestOutputNames(t *testing.T) {
	nfd := norm.NFD.String("写真が.HEIC")
	files := []queue.FileRef{
		{OriginalName: "IMG_0001.HEIC"},
		{OriginalName: "dir/IMG_0001.heic"},
		{OriginalName: `C:\photos\img_0001.heic`},
		{OriginalName: nfd},
		{OriginalName: ".heic"},
	}
	got := outputNames(files, queue.FormatPNG)
	want := []string{"IMG_0001.png", "IMG_0001-2.png", "img_0001-3.png", norm.NFC.String("写真が") + ".png", "file-5.png"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("name[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPercentBefore(t *testing.T) {
	cases := []struct{ i, total, want int }{
		{0, 1, 0}, {0, 2, 0}, {1, 2, 50}, {1, 8, 13}, {2, 3, 67},
	}
	for _, tc := range cases {
		if got := percentBefore(tc.i, tc.total); got != tc.want {
			t.Fatalf("percentBefore(%d, %d) = %d, want %d", tc.i, tc.total, got, tc.want)
		}
	}
}
