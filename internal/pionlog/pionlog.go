// Package pionlog adapts a [model.Logger] to the leveled logger
// factory the pion stack consumes, so DTLS and WebRTC internals log
// through the same logger as the rest of the connection.
package pionlog

import (
	"fmt"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/pion/logging"
)

// Factory implements [logging.LoggerFactory].
type Factory struct {
	logger model.Logger
}

var _ logging.LoggerFactory = &Factory{}

// NewFactory creates a [Factory] forwarding to the given logger.
func NewFactory(logger model.Logger) *Factory {
	return &Factory{logger: logger}
}

// NewLogger implements logging.LoggerFactory.
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveled{logger: f.logger, scope: scope}
}

// leveled forwards pion log calls, prefixed with the pion scope. Trace
// is discarded and pion errors surface as warnings, since the
// connection reports its own fatal conditions.
type leveled struct {
	logger model.Logger
	scope  string
}

var _ logging.LeveledLogger = &leveled{}

func (l *leveled) Trace(msg string) {}

func (l *leveled) Tracef(format string, args ...interface{}) {}

func (l *leveled) Debug(msg string) {
	l.logger.Debugf("%s: %s", l.scope, msg)
}

func (l *leveled) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *leveled) Info(msg string) {
	l.logger.Infof("%s: %s", l.scope, msg)
}

func (l *leveled) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *leveled) Warn(msg string) {
	l.logger.Warnf("%s: %s", l.scope, msg)
}

func (l *leveled) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *leveled) Error(msg string) {
	l.logger.Warnf("%s: error: %s", l.scope, msg)
}

func (l *leveled) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
