package convert

import (
	"errors"
	"fmt"
)

// ErrEmptyArchive はアーカイブに追加できるファイルが1件もなかった場合に返されます。
var ErrEmptyArchive = errors.New("no artifacts could be added to the archive")

// Stage は実変換のどの段階で失敗したかを表します。
type Stage string

const (
	StageRetrieve  Stage = "retrieve"
	StageDecode    Stage = "decode"
	StageThumbnail Stage = "thumbnail"
	StageEncode    Stage = "encode"
	StageRender    Stage = "render"
)

// ConversionError はファイル単位の変換失敗です。プレースホルダーへの切り替え理由として記録されます。
type ConversionError struct {
	Stage Stage
	File  string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.File, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Error はHTTPレスポンス用のエラーコード付きエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
