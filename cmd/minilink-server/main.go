package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/pterm/pterm"

	"github.com/minilink-dev/minilink/internal/bytesx"
	"github.com/minilink-dev/minilink/internal/cli"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/rendezvous"
	"github.com/minilink-dev/minilink/internal/storage"
	"github.com/minilink-dev/minilink/pkg/config"
	"github.com/minilink-dev/minilink/pkg/link"
)

const (
	// typeState is the update type clients fill with their game state.
	typeState = model.PacketType(0x01)

	// typeAnnouncement is the reliable update type we broadcast chat
	// style announcements on.
	typeAnnouncement = model.PacketType(0x02)

	defaultAddress = "127.0.0.1:5173"
)

func printUsage() {
	fmt.Println("valid commands: serve, ban, unban, bans, peers")
	getopt.Usage()
	os.Exit(0)
}

func fatal(err error) {
	fmt.Println("fatal: " + err.Error())
	os.Exit(1)
}

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optAddress := getopt.StringLong("address", 'a', "", "Address to listen on (dtls backend)")
	optBackend := getopt.StringLong("backend", 'b', "", "Backend to serve on: dtls, relay or punch")
	optCert := getopt.StringLong("cert", 0, "", "PEM certificate for the dtls backend")
	optKey := getopt.StringLong("key", 0, "", "PEM key for the dtls backend")
	optLobby := getopt.StringLong("lobby", 'l', "", "Lobby to wait for peers in (relay and punch backends)")
	optMOTD := getopt.StringLong("motd", 'm', "", "Message of the day sent to accepted clients")
	optName := getopt.StringLong("name", 'n', "", "Name announced to clients")
	optRendezvous := getopt.StringLong("rendezvous", 'r', "", "Rendezvous server URL (relay and punch backends)")
	optSignaling := getopt.StringLong("rendezvous-listen", 0, "", "Also run a rendezvous server on this address")
	optStorage := getopt.StringLong("storage", 's', "", "Path of the sqlite peer and ban database")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")

	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()
	args := getopt.Args()

	if *helpFlag || len(args) < 1 {
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
	if *optAddress != "" {
		options = append(options, config.WithServerAddress(*optAddress))
	}
	if *optName != "" {
		options = append(options, config.WithName(*optName))
	}
	if *optMOTD != "" {
		options = append(options, config.WithMOTD(*optMOTD))
	}
	if *optCert != "" && *optKey != "" {
		options = append(options, config.WithCertificateFiles(*optCert, *optKey))
	}
	if *optStorage != "" {
		options = append(options, config.WithStoragePath(*optStorage))
	}
	if *optRendezvous != "" {
		options = append(options, config.WithRendezvous(*optRendezvous, *optLobby))
	}
	cfg := config.NewConfig(options...)

	switch args[0] {
	case "serve":
		runServe(cfg, options, logger, *optSignaling)
	case "ban":
		if len(args) < 3 {
			printUsage()
		}
		runBan(cfg, args[1], strings.Join(args[2:], " "))
	case "unban":
		if len(args) != 2 {
			printUsage()
		}
		runUnban(cfg, args[1])
	case "bans":
		runBans(cfg)
	case "peers":
		runPeers(cfg)
	default:
		printUsage()
	}
}

func runServe(cfg *config.Config, options []config.Option, logger *log.Logger, signalingAddress string) {
	if cfg.Backend() == config.BackendDTLS {
		if cfg.ServerAddress() == "" {
			options = append(options, config.WithServerAddress(defaultAddress))
		}
		if len(cfg.Certificates()) == 0 {
			certificate, err := selfsign.GenerateSelfSigned()
			if err != nil {
				fatal(err)
			}
			logger.Warn("serve: no certificate configured, using a throwaway self signed one")
			options = append(options, config.WithCertificates(certificate))
		}
		cfg = config.NewConfig(options...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if signalingAddress != "" {
		signaling := &http.Server{Addr: signalingAddress, Handler: rendezvous.NewServer(logger)}
		go func() {
			if err := signaling.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("rendezvous: %s", err)
			}
		}()
		defer signaling.Close()
		logger.Infof("rendezvous: listening on %s", signalingAddress)
	}

	srv, err := link.Listen(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer srv.Close()

	pterm.DefaultSection.Println("minilink server")
	pterm.Info.Printfln("backend: %s", cfg.Backend())
	if srv.Addr() != nil {
		pterm.Info.Printfln("address: %s", srv.Addr())
	}
	if cfg.Lobby() != "" {
		pterm.Info.Printfln("lobby:   %s", cfg.Lobby())
	}

	srv.OnJoin(func(peer *link.Peer) {
		logger.Infof("join: client %d (%s) from %s", peer.ID(), peer.Name(), peer.RemoteEndpoint())
		_ = peer.RegisterHandler(typeState, func(payload *bytesx.Buffer) error {
			logger.Debugf("state: %d bytes from client %d", payload.Remaining(), peer.ID())
			return nil
		})
		peer.RegisterChunkHandler(func(data []byte) {
			logger.Infof("chunk: %d bytes from client %d", len(data), peer.ID())
		})
		_ = srv.BroadcastReliable(typeAnnouncement, []byte(peer.Name()+" joined"))
	})
	srv.OnLeave(func(peer *link.Peer, err error) {
		if err != nil {
			logger.Infof("leave: client %d (%s): %s", peer.ID(), peer.Name(), err)
		} else {
			logger.Infof("leave: client %d (%s)", peer.ID(), peer.Name())
		}
		_ = srv.BroadcastReliable(typeAnnouncement, []byte(peer.Name()+" left"))
	})

	go statsLoop(ctx, srv)

	<-ctx.Done()
	logger.Info("serve: shutting down")
}

// statsLoop renders a table of the registered clients every ten
// seconds until ctx is cancelled.
func statsLoop(ctx context.Context, srv *link.Server) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			renderStats(srv)
		case <-ctx.Done():
			return
		}
	}
}

func renderStats(srv *link.Server) {
	peers := srv.Peers()
	if len(peers) == 0 {
		return
	}
	rows := pterm.TableData{{"ID", "NAME", "ENDPOINT", "RTT", "TIER"}}
	for _, peer := range peers {
		stats := peer.RTTStats()
		rows = append(rows, []string{
			strconv.Itoa(int(peer.ID())),
			peer.Name(),
			peer.RemoteEndpoint(),
			stats.AvgRtt.Round(time.Millisecond).String(),
			peer.CongestionTier().String(),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// openStore opens the sqlite database for the ban and peer commands.
func openStore(cfg *config.Config) *storage.Store {
	if cfg.StoragePath() == "" {
		fmt.Println("fatal: this command needs --storage or a storage entry in the config file")
		os.Exit(1)
	}
	store, err := storage.Open(cfg.StoragePath())
	if err != nil {
		fatal(err)
	}
	return store
}

func runBan(cfg *config.Config, host, reason string) {
	store := openStore(cfg)
	defer store.Close()
	if err := store.AddBan(host, reason); err != nil {
		fatal(err)
	}
	pterm.Success.Printfln("banned %s: %s", host, reason)
}

func runUnban(cfg *config.Config, host string) {
	store := openStore(cfg)
	defer store.Close()
	if err := store.RemoveBan(host); err != nil {
		fatal(err)
	}
	pterm.Success.Printfln("unbanned %s", host)
}

func runBans(cfg *config.Config) {
	store := openStore(cfg)
	defer store.Close()
	bans, err := store.Bans()
	if err != nil {
		fatal(err)
	}
	if len(bans) == 0 {
		pterm.Info.Println("no bans recorded")
		return
	}
	rows := pterm.TableData{{"HOST", "REASON", "CREATED"}}
	for _, ban := range bans {
		rows = append(rows, []string{ban.Host, ban.Reason, ban.CreatedAt.Format(time.DateTime)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runPeers(cfg *config.Config) {
	store := openStore(cfg)
	defer store.Close()
	peers, err := store.Peers()
	if err != nil {
		fatal(err)
	}
	if len(peers) == 0 {
		pterm.Info.Println("no peers recorded")
		return
	}
	rows := pterm.TableData{{"TOKEN", "NAME", "FIRST SEEN", "LAST SEEN"}}
	for _, peer := range peers {
		rows = append(rows, []string{
			peer.Token,
			peer.Name,
			peer.FirstSeen.Format(time.DateTime),
			peer.LastSeen.Format(time.DateTime),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
