// Package queue は変換ジョブの優先度付きキューと状態遷移を提供します。
package queue

import (
	"fmt"
	"strings"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates は集計表示で使う状態の並びです。
var AllStates = []State{StatePending, StateActive, StateCompleted, StateFailed}

// Terminal は終端状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid は既知の状態かどうかを返します。
func (s State) Valid() bool {
	switch s {
	case StatePending, StateActive, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// OutputFormat は変換先フォーマットです。
type OutputFormat string

const (
	FormatJPG  OutputFormat = "jpg"
	FormatPNG  OutputFormat = "png"
	FormatWebP OutputFormat = "webp"
	FormatPDF  OutputFormat = "pdf"
)

// ParseOutputFormat は文字列を OutputFormat に変換します。jpeg は jpg として扱います。
func ParseOutputFormat(raw string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "jpg", "jpeg":
		return FormatJPG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported output format: %q", raw)
	}
}

// Extension は出力ファイルの拡張子を返します。
func (f OutputFormat) Extension() string {
	return string(f)
}

// Raster はラスター画像フォーマットかどうかを返します。
func (f OutputFormat) Raster() bool {
	return f == FormatJPG || f == FormatPNG || f == FormatWebP
}

// PDFOptions はPDF出力時のページ設定です。
type PDFOptions struct {
	PageSize    string `json:"pageSize"`
	Orientation string `json:"orientation"`
}

const (
	DefaultPageSize    = "a4"
	DefaultOrientation = "portrait"
)

var validPageSizes = map[string]struct{}{
	"a3": {}, "a4": {}, "a5": {}, "letter": {}, "legal": {},
}

// Normalize は空の値を既定値で埋め、小文字に揃えます。
func (o PDFOptions) Normalize() (PDFOptions, error) {
	size := strings.ToLower(strings.TrimSpace(o.PageSize))
	if size == "" {
		size = DefaultPageSize
	}
	if _, ok := validPageSizes[size]; !ok {
		return PDFOptions{}, fmt.Errorf("unsupported page size: %q", o.PageSize)
	}
	orientation := strings.ToLower(strings.TrimSpace(o.Orientation))
	switch orientation {
	case "":
		orientation = DefaultOrientation
	case "portrait", "landscape":
	default:
		return PDFOptions{}, fmt.Errorf("unsupported orientation: %q", o.Orientation)
	}
	return PDFOptions{PageSize: size, Orientation: orientation}, nil
}

// FileRef は変換対象の入力ファイルを表します。キュー投入後は変更されません。
type FileRef struct {
	OriginalName   string    `json:"originalName"`
	SourceLocation string    `json:"sourceLocation"`
	SizeBytes      int64     `json:"sizeBytes"`
	MimeHint       string    `json:"mimeHint,omitempty"`
	LastModified   time.Time `json:"lastModified"`
}

// Phase は進捗イベントの段階です。
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// ProgressEvent はジョブ単位の進捗スナップショットです。最新値のみ保持します。
type ProgressEvent struct {
	JobID           string `json:"jobId"`
	OwnerID         string `json:"ownerId"`
	FileIndex       int    `json:"fileIndex"`
	TotalFiles      int    `json:"totalFiles"`
	CurrentFileName string `json:"currentFileName,omitempty"`
	Percentage      int    `json:"percentage"`
	Phase           Phase  `json:"phase"`
}

// ConversionResult は入力ファイル1件に対する変換結果です。
type ConversionResult struct {
	OriginalName   string       `json:"originalName"`
	ConvertedName  string       `json:"convertedName"`
	SizeBytes      int64        `json:"sizeBytes"`
	Format         OutputFormat `json:"format"`
	ArtifactRef    string       `json:"artifactRef"`
	ThumbnailRef   string       `json:"thumbnailRef,omitempty"`
	Degraded       bool         `json:"degraded"`
	DegradedReason string       `json:"degradedReason,omitempty"`
}

// Outcome はジョブ完了時の成果物一覧です。
type Outcome struct {
	JobID               string             `json:"jobId"`
	OwnerID             string             `json:"ownerId"`
	Results             []ConversionResult `json:"results"`
	CombinedDocumentRef string             `json:"combinedDocumentRef,omitempty"`
	CombinedArchiveRef  string             `json:"combinedArchiveRef,omitempty"`
	Degraded            bool               `json:"degraded"`
	DegradedCount       int                `json:"degradedCount"`
	CompletedAt         time.Time          `json:"completedAt"`
}

// Job はキューに保存される変換ジョブのレコードです。
type Job struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"ownerId"`
	Priority       int            `json:"priority"`
	Files          []FileRef      `json:"files"`
	OutputFormat   OutputFormat   `json:"outputFormat"`
	Quality        int            `json:"quality"`
	PDFOptions     PDFOptions     `json:"pdfOptions"`
	State          State          `json:"state"`
	AttemptsMade   int            `json:"attemptsMade"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	AvailableAt    time.Time      `json:"availableAt"`
	LeaseExpiresAt time.Time      `json:"leaseExpiresAt,omitempty"`
	// LeaseID は取り出しごとに振られる識別子で、試行の持ち主だけが進捗と結果を書き込めます。
	LeaseID        string         `json:"leaseId,omitempty"`
	Progress       *ProgressEvent `json:"progress,omitempty"`
	Outcome        *Outcome       `json:"outcome,omitempty"`
	FailureReason  string         `json:"failureReason,omitempty"`
	// Revision は書き込みのたびに増えます。Store.Update の比較に使います。
	Revision       int64          `json:"revision"`
	// Purged は保持期間を過ぎてIDと所有者だけが残っているレコードです。
	Purged         bool           `json:"purged,omitempty"`
}

// Clone は可変フィールドを含めたコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Files = append([]FileRef(nil), j.Files...)
	if j.Progress != nil {
		p := *j.Progress
		cp.Progress = &p
	}
	if j.Outcome != nil {
		o := *j.Outcome
		o.Results = append([]ConversionResult(nil), j.Outcome.Results...)
		cp.Outcome = &o
	}
	return &cp
}

// Status は status() が返す読み取り専用のスナップショットです。
type Status struct {
	JobID        string         `json:"jobId"`
	OwnerID      string         `json:"ownerId"`
	State        State          `json:"state"`
	OutputFormat OutputFormat   `json:"outputFormat"`
	FileCount    int            `json:"fileCount"`
	AttemptsMade int            `json:"attemptsMade"`
	Progress     *ProgressEvent `json:"progress,omitempty"`
	Outcome      *Outcome       `json:"outcome,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Purged       bool           `json:"purged,omitempty"`
}

func statusOf(j *Job) *Status {
	cp := j.Clone()
	return &Status{
		JobID:        cp.ID,
		OwnerID:      cp.OwnerID,
		State:        cp.State,
		OutputFormat: cp.OutputFormat,
		FileCount:    len(cp.Files),
		AttemptsMade: cp.AttemptsMade,
		Progress:     cp.Progress,
		Outcome:      cp.Outcome,
		Reason:       cp.FailureReason,
		CreatedAt:    cp.CreatedAt,
		UpdatedAt:    cp.UpdatedAt,
		Purged:       cp.Purged,
	}
}

// EventType はライフサイクルイベントの種別です。
type EventType string

const (
	EventQueued    EventType = "job:queued"
	EventProgress  EventType = "job:progress"
	EventRetrying  EventType = "job:retrying"
	EventCompleted EventType = "job:completed"
	EventFailed    EventType = "job:failed"
)

// Event は通知チャネルへ流すライフサイクルイベントです。
type Event struct {
	Type         EventType      `json:"type"`
	JobID        string         `json:"jobId"`
	OwnerID      string         `json:"ownerId"`
	State        State          `json:"state"`
	Progress     *ProgressEvent `json:"progress,omitempty"`
	Outcome      *Outcome       `json:"outcome,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	AttemptsMade int            `json:"attemptsMade"`
	RetryAt      *time.Time     `json:"retryAt,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
