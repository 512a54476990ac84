package link

import (
	"context"
	"fmt"

	"github.com/minilink-dev/minilink/internal/dtlstransport"
	"github.com/minilink-dev/minilink/internal/handshake"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/rtctransport"
	"github.com/minilink-dev/minilink/internal/update"
	"github.com/minilink-dev/minilink/internal/workers"
	"github.com/minilink-dev/minilink/pkg/config"
)

// Dial establishes a link with a serving peer over the configured
// backend and performs the handshake. The context bounds the whole
// attempt. On success the returned peer's workers are running and its
// producer API is ready to use.
func Dial(ctx context.Context, cfg *config.Config) (*Peer, error) {
	transport, err := dialTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	modelConfig := cfg.ModelConfig()
	manager := update.NewManager(modelConfig, transport)
	workersManager := workers.NewManager(modelConfig.Logger())
	peer := newPeer(manager, transport, workersManager)

	// A link dying mid-handshake cancels the attempt.
	handshakeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	manager.OnTerminal(func(err error) {
		peer.finish(err)
		_ = transport.Close()
		cancel()
	})
	manager.StartWorkers(workersManager)

	exchange := handshake.NewClient(modelConfig, manager, transport.RemoteEndpoint())
	info, err := exchange.Run(handshakeCtx)
	if err != nil {
		manager.Stop()
		workersManager.WaitWorkersShutdown()
		_ = transport.Close()
		// prefer the engine's reason over the bare cancellation
		if terminalErr := peer.Err(); terminalErr != nil {
			err = terminalErr
		}
		return nil, err
	}
	peer.addons = info.Addons
	peer.id = info.ClientID
	peer.message = info.Message
	peer.name = info.Name
	modelConfig.Logger().Infof("link: connected to %q as client %d", info.Name, info.ClientID)
	return peer, nil
}

// dialTransport dials the configured backend.
func dialTransport(ctx context.Context, cfg *config.Config) (model.Transport, error) {
	switch cfg.Backend() {
	case config.BackendDTLS:
		transport, err := dtlstransport.Dial(ctx, &dtlstransport.Config{
			Certificates:       cfg.Certificates(),
			HandshakeTimeout:   cfg.DialTimeout(),
			InsecureSkipVerify: cfg.InsecureSkipVerify(),
			Logger:             cfg.Logger(),
			ServerName:         cfg.ServerName(),
		}, cfg.ServerAddress())
		if err != nil {
			return nil, err
		}
		return transport, nil

	case config.BackendRelay:
		transport, err := rtctransport.DialRelay(ctx, rtcConfig(cfg, true))
		if err != nil {
			return nil, err
		}
		return transport, nil

	case config.BackendPunch:
		transport, err := rtctransport.DialPunch(ctx, rtcConfig(cfg, true))
		if err != nil {
			return nil, err
		}
		return transport, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend())
	}
}

// rtcConfig maps the public configuration to the WebRTC backends.
func rtcConfig(cfg *config.Config, initiator bool) *rtctransport.Config {
	return &rtctransport.Config{
		DialTimeout:   cfg.DialTimeout(),
		Initiator:     initiator,
		Lobby:         cfg.Lobby(),
		Logger:        cfg.Logger(),
		RendezvousURL: cfg.RendezvousURL(),
		STUNServers:   cfg.STUNServers(),
		TURNPassword:  cfg.TURNPassword(),
		TURNServers:   cfg.TURNServers(),
		TURNUsername:  cfg.TURNUsername(),
	}
}
