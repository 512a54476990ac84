package model

import (
	"fmt"
	"sync"
)

// TestLogger collects log lines. Safe for concurrent use, so tests can
// share one across workers.
type TestLogger struct {
	Lines []string
	mu    sync.Mutex
}

func (tl *TestLogger) append(msg string) {
	tl.mu.Lock()
	tl.Lines = append(tl.Lines, msg)
	tl.mu.Unlock()
}

func (tl *TestLogger) Debug(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Debugf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Info(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Infof(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Warn(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Warnf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		Lines: make([]string, 0),
		mu:    sync.Mutex{},
	}
}
