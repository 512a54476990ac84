package config

import (
	"errors"
	"os"
	fp "path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/trace"
)

func TestNewConfig(t *testing.T) {
	t.Run("default constructor does not fail", func(t *testing.T) {
		c := NewConfig()
		if c.logger == nil {
			t.Errorf("logger should not be nil")
		}
		if c.Backend() != BackendDTLS {
			t.Errorf("expected the dtls backend by default")
		}
		if c.Name() != "anonymous" {
			t.Errorf("expected the anonymous name by default")
		}
	})

	t.Run("WithLogger sets the logger", func(t *testing.T) {
		testLogger := model.NewTestLogger()
		c := NewConfig(WithLogger(testLogger))
		if c.Logger() != testLogger {
			t.Errorf("expected logger to be set to the configured one")
		}
	})

	t.Run("WithTracer sets the tracer", func(t *testing.T) {
		testTracer := trace.NewTracer(time.Now())
		c := NewConfig(WithTracer(testTracer))
		if c.Tracer() != model.Tracer(testTracer) {
			t.Errorf("expected tracer to be set to the configured one")
		}
	})

	t.Run("WithBackend selects the backend", func(t *testing.T) {
		c := NewConfig(WithBackend(BackendPunch))
		if c.Backend() != BackendPunch {
			t.Errorf("expected the punch backend")
		}
	})

	t.Run("identity options reach the model config", func(t *testing.T) {
		addons := []model.AddonInfo{{ID: 4, Name: "voice", Version: "0.3"}}
		c := NewConfig(
			WithName("alice"),
			WithToken("tok-1234"),
			WithAddons(addons...),
		)
		mc := c.ModelConfig()
		if mc.Name() != "alice" {
			t.Errorf("expected name to propagate")
		}
		if mc.Token() != "tok-1234" {
			t.Errorf("expected token to propagate")
		}
		if diff := cmp.Diff(mc.Addons(), addons); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("empty token means a random one", func(t *testing.T) {
		first := NewConfig().ModelConfig()
		second := NewConfig().ModelConfig()
		if first.Token() == "" || first.Token() == second.Token() {
			t.Errorf("expected distinct random tokens")
		}
	})

	t.Run("WithRendezvous sets the server and the lobby", func(t *testing.T) {
		c := NewConfig(WithRendezvous("ws://signal.example/v1/lobby", "grotto"))
		if c.RendezvousURL() != "ws://signal.example/v1/lobby" {
			t.Errorf("expected the rendezvous URL to be set")
		}
		if c.Lobby() != "grotto" {
			t.Errorf("expected the lobby to be set")
		}
	})

	t.Run("WithTURN sets servers and credentials", func(t *testing.T) {
		c := NewConfig(WithTURN([]string{"turn:relay.example:3478"}, "user", "pass"))
		if diff := cmp.Diff(c.TURNServers(), []string{"turn:relay.example:3478"}); diff != "" {
			t.Error(diff)
		}
		if c.TURNUsername() != "user" || c.TURNPassword() != "pass" {
			t.Errorf("expected the TURN credentials to be set")
		}
	})

	t.Run("WithConfigFile applies the parsed options", func(t *testing.T) {
		configFile := writeValidConfigFile(t.TempDir())
		c := NewConfig(WithConfigFile(configFile))
		if c.Backend() != BackendRelay {
			t.Errorf("expected the relay backend")
		}
		if c.Name() != "basement-host" {
			t.Errorf("expected the name from the file")
		}
		if c.ServerAddress() != "198.51.100.4:5173" {
			t.Errorf("expected the server address from the file")
		}
		if !c.InsecureSkipVerify() {
			t.Errorf("expected insecure verification")
		}
		if c.Lobby() != "grotto" {
			t.Errorf("expected the lobby from the file")
		}
		if c.MOTD() != "welcome downstairs" {
			t.Errorf("expected the motd from the file")
		}
		if diff := cmp.Diff(c.STUNServers(), []string{"stun:stun.example:19302"}); diff != "" {
			t.Error(diff)
		}
		if c.TURNUsername() != "gamer" || c.TURNPassword() != "hunter2" {
			t.Errorf("expected the TURN credentials from the file")
		}
		if c.StoragePath() != "peers.sqlite3" {
			t.Errorf("expected the storage path from the file")
		}
	})

	t.Run("options after WithConfigFile win", func(t *testing.T) {
		configFile := writeValidConfigFile(t.TempDir())
		c := NewConfig(WithConfigFile(configFile), WithName("overridden"))
		if c.Name() != "overridden" {
			t.Errorf("expected the explicit option to win")
		}
	})
}

func TestReadConfigFile(t *testing.T) {
	t.Run("missing file fails", func(t *testing.T) {
		_, err := ReadConfigFile(fp.Join(t.TempDir(), "nonexistent.yml"))
		if err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("malformed yaml fails with ErrBadConfigFile", func(t *testing.T) {
		cfg := fp.Join(t.TempDir(), "config.yml")
		os.WriteFile(cfg, []byte("backend: [unterminated"), 0600)
		_, err := ReadConfigFile(cfg)
		if !errors.Is(err, ErrBadConfigFile) {
			t.Fatalf("expected ErrBadConfigFile, got %v", err)
		}
	})
}

var sampleConfigFile = `
backend: relay
name: basement-host
server: 198.51.100.4:5173
insecure: true
rendezvous: ws://signal.example/v1/lobby
lobby: grotto
stun_servers:
  - stun:stun.example:19302
turn_servers:
  - turn:relay.example:3478
turn_username: gamer
turn_password: hunter2
storage: peers.sqlite3
motd: welcome downstairs
`

func writeValidConfigFile(dir string) string {
	cfg := fp.Join(dir, "config.yml")
	os.WriteFile(cfg, []byte(sampleConfigFile), 0600)
	return cfg
}
