package jobs

import (
	"fmt"
	"log"
	"os"

	"github.com/hibiken/asynq"
)

// asynqLogger は Asynq のログをアプリケーションの *log.Logger に流します。
type asynqLogger struct {
	logger *log.Logger
}

func newAsynqLogger(logger *log.Logger) asynq.Logger {
	if logger == nil {
		return nil
	}
	return &asynqLogger{logger: logger}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.print("DEBUG", args...) }
func (l *asynqLogger) Info(args ...interface{})  { l.print("INFO", args...) }
func (l *asynqLogger) Warn(args ...interface{})  { l.print("WARN", args...) }
func (l *asynqLogger) Error(args ...interface{}) { l.print("ERROR", args...) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.print("FATAL", args...)
	os.Exit(1)
}

func (l *asynqLogger) print(level string, args ...interface{}) {
	l.logger.Printf("asynq %s: %s", level, fmt.Sprint(args...))
}
