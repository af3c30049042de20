package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrJobConflict は同じジョブIDが別の所有者で投入された場合に返されます。
	ErrJobConflict = errors.New("job id already used by another owner")
	// ErrJobNotFound はキューが保持していないジョブを操作しようとした場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition は許可されていない状態遷移を表します。
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrClosed はクローズ済みのキューに対する操作で返されます。
	ErrClosed = errors.New("queue is closed")
	// ErrLeaseLost は呼び出し元のリースが回収済みで、別の試行がジョブを保持している場合に返されます。
	ErrLeaseLost = fmt.Errorf("%w: lease no longer held", ErrInvalidTransition)
	// ErrStaleRecord は保存済みレコードが別のプロセスによって先に更新されていた場合に Store が返します。
	ErrStaleRecord = errors.New("job record was modified concurrently")
)

// ValidationError は投入時に拒否されたジョブの形式エラーです。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job: " + e.Reason
	}
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
