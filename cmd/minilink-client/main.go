package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"

	"github.com/minilink-dev/minilink/internal/bytesx"
	"github.com/minilink-dev/minilink/internal/cli"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/pkg/config"
	"github.com/minilink-dev/minilink/pkg/link"
)

const (
	// typeState is the update type we fill with our toy game state.
	typeState = model.PacketType(0x01)

	// typeAnnouncement is the reliable update type the server
	// broadcasts announcements on.
	typeAnnouncement = model.PacketType(0x02)
)

func printUsage() {
	getopt.Usage()
	os.Exit(0)
}

func fatal(err error) {
	fmt.Println("fatal: " + err.Error())
	os.Exit(1)
}

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optServer := getopt.StringLong("server", 's', "", "Server to connect to (dtls backend)")
	optBackend := getopt.StringLong("backend", 'b', "", "Backend to dial: dtls, relay or punch")
	optInsecure := getopt.BoolLong("insecure", 'k', "Skip server certificate verification (dtls backend)")
	optLobby := getopt.StringLong("lobby", 'l', "", "Lobby to meet the server in (relay and punch backends)")
	optName := getopt.StringLong("name", 'n', "", "Name to register under")
	optRendezvous := getopt.StringLong("rendezvous", 'r', "", "Rendezvous server URL (relay and punch backends)")
	optToken := getopt.StringLong("token", 't', "", "Identity token, random when empty")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")

	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()

	if *helpFlag || (*optServer == "" && *optRendezvous == "" && *optConfig == "") {
		printUsage()
	}

	logger := &log.Logger{Level: cli.VerbosityLevel(*optVerbosity), Handler: cli.NewHandler(os.Stderr)}
	logger.Debugf("config file: %s", *optConfig)

	options := []config.Option{config.WithLogger(logger)}
	if *optConfig != "" {
		options = append(options, config.WithConfigFile(*optConfig))
	}
	if *optBackend != "" {
		options = append(options, config.WithBackend(config.Backend(*optBackend)))
	}
	if *optServer != "" {
		options = append(options, config.WithServerAddress(*optServer))
	}
	if *optName != "" {
		options = append(options, config.WithName(*optName))
	}
	if *optToken != "" {
		options = append(options, config.WithToken(*optToken))
	}
	if *optInsecure {
		options = append(options, config.WithInsecureSkipVerify())
	}
	if *optRendezvous != "" {
		options = append(options, config.WithRendezvous(*optRendezvous, *optLobby))
	}
	cfg := config.NewConfig(options...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer, err := link.Dial(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer peer.Close()

	logger.Infof("connected to %q as client %d", peer.Name(), peer.ID())
	if peer.Message() != "" {
		logger.Infof("motd: %s", peer.Message())
	}

	_ = peer.RegisterHandler(typeAnnouncement, func(payload *bytesx.Buffer) error {
		logger.Infof("server: %s", string(payload.ReadRemaining()))
		return nil
	})
	peer.RegisterChunkHandler(func(data []byte) {
		logger.Infof("chunk: received %d bytes", len(data))
	})
	peer.OnTerminal(func(err error) {
		logger.Errorf("link lost: %s", err)
		stop()
	})

	if done, err := peer.SendChunk([]byte("hello from " + cfg.Name())); err == nil {
		go func() {
			select {
			case <-done:
				logger.Info("chunk: greeting delivered")
			case <-peer.Done():
			}
		}()
	}

	go stateLoop(ctx, peer, logger)

	select {
	case <-ctx.Done():
	case <-peer.Done():
	}
	logger.Info("closing")
}

// stateLoop publishes a toy position update a few times per second,
// the way a game client would publish its player state.
func stateLoop(ctx context.Context, peer *link.Peer, logger *log.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var tick uint32
	for {
		select {
		case <-ticker.C:
			tick++
			buf := bytesx.NewBuffer()
			buf.WriteUint32(tick)
			buf.WriteFloat32(float32(tick) * 0.5)
			buf.WriteFloat32(float32(tick) * 0.25)
			payload, err := buf.Finish()
			if err != nil {
				logger.Warnf("state: %s", err)
				return
			}
			if err := peer.SetData(typeState, payload); err != nil {
				logger.Warnf("state: %s", err)
				return
			}
		case <-ctx.Done():
			return
		case <-peer.Done():
			return
		}
	}
}
