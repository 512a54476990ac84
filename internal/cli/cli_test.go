package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/apex/log"
)

func TestNewHandler(t *testing.T) {
	t.Run("info lines carry the elapsed time prefix", func(t *testing.T) {
		var out bytes.Buffer
		logger := &log.Logger{Level: log.InfoLevel, Handler: NewHandler(&out)}
		logger.Infof("hello %s", "world")
		line := out.String()
		if !strings.HasPrefix(line, "[") {
			t.Fatalf("expected a timestamp prefix, got: %s", line)
		}
		if !strings.Contains(line, "<info> hello world") {
			t.Fatalf("unexpected line: %s", line)
		}
	})

	t.Run("error lines use the err marker", func(t *testing.T) {
		var out bytes.Buffer
		logger := &log.Logger{Level: log.DebugLevel, Handler: NewHandler(&out)}
		logger.Error("boom")
		if !strings.Contains(out.String(), "<!err> boom") {
			t.Fatalf("unexpected line: %s", out.String())
		}
	})

	t.Run("debug lines are printed bare", func(t *testing.T) {
		var out bytes.Buffer
		logger := &log.Logger{Level: log.DebugLevel, Handler: NewHandler(&out)}
		logger.Debug("just this")
		if out.String() != "just this\n" {
			t.Fatalf("unexpected line: %q", out.String())
		}
	})

	t.Run("fields are appended", func(t *testing.T) {
		var out bytes.Buffer
		logger := &log.Logger{Level: log.InfoLevel, Handler: NewHandler(&out)}
		logger.WithField("peer", 7).Info("joined")
		if !strings.Contains(out.String(), "joined: ") {
			t.Fatalf("expected fields after the message, got: %s", out.String())
		}
	})
}

func TestVerbosityLevel(t *testing.T) {
	expect := map[uint16]log.Level{
		1: log.FatalLevel,
		2: log.ErrorLevel,
		3: log.WarnLevel,
		4: log.InfoLevel,
		5: log.DebugLevel,
		9: log.DebugLevel,
	}
	for verbosity, want := range expect {
		if got := VerbosityLevel(verbosity); got != want {
			t.Errorf("verbosity %d: expected %v, got %v", verbosity, want, got)
		}
	}
}
