package pionlog

import (
	"strings"
	"testing"

	"github.com/minilink-dev/minilink/internal/model"
)

func Test_Factory_forwardsWithScope(t *testing.T) {
	logger := model.NewTestLogger()
	leveled := NewFactory(logger).NewLogger("dtls")

	leveled.Debugf("handshake %s", "flight 1")
	leveled.Info("connected")
	leveled.Warnf("retransmit %d", 3)
	leveled.Error("alert received")
	leveled.Trace("ignored")
	leveled.Tracef("ignored %d", 1)

	want := []string{
		"dtls: handshake flight 1",
		"dtls: connected",
		"dtls: retransmit 3",
		"dtls: error: alert received",
	}
	if len(logger.Lines) != len(want) {
		t.Fatalf("logged %d lines, want %d: %v", len(logger.Lines), len(want), logger.Lines)
	}
	for i, line := range want {
		if !strings.Contains(logger.Lines[i], line) {
			t.Fatalf("line %d = %q, want %q", i, logger.Lines[i], line)
		}
	}
}
