// Package cli contains small helpers shared by the minilink command
// line programs: an apex/log handler printing human friendly lines
// and the mapping from the verbosity flag to apex levels.
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
)

var startTime = time.Now()

// NewHandler creates an apex/log handler that writes to w. Lines are
// stamped with the seconds elapsed since program start, except debug
// lines, which are printed bare.
func NewHandler(w io.Writer) log.Handler {
	return &logHandler{Writer: w}
}

type logHandler struct {
	io.Writer
}

func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	var s string
	if e.Level == log.DebugLevel {
		s = e.Message
	} else if e.Level == log.ErrorLevel {
		s = fmt.Sprintf("[%14.6f] <!err> %s", time.Since(startTime).Seconds(), e.Message)
	} else {
		s = fmt.Sprintf("[%14.6f] <%s> %s", time.Since(startTime).Seconds(), e.Level, e.Message)
	}
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}

// VerbosityLevel maps the verbosity flag (1 to 5, 1 is quietest) to an
// apex log level. Values above 5 mean debug too.
func VerbosityLevel(verbosity uint16) log.Level {
	switch verbosity {
	case 1:
		return log.FatalLevel
	case 2:
		return log.ErrorLevel
	case 3:
		return log.WarnLevel
	case 4:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}
