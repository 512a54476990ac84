package rtctransport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/pionlog"
	"github.com/minilink-dev/minilink/internal/rendezvous"
	"github.com/pion/webrtc/v4"
)

// DialRelay establishes a TURN-relayed session with the peer in the
// configured lobby and returns once the data channel is open. The
// channel is ordered and lossless, so the engine runs with all of its
// guarantees switched off.
func DialRelay(ctx context.Context, config *Config) (*Transport, error) {
	if len(config.TURNServers) <= 0 {
		return nil, ErrNoTURNServers
	}
	return dial(ctx, config, true)
}

// DialPunch establishes a hole-punched session with the peer in the
// configured lobby and returns once the data channel is open. The
// channel is unordered and lossy, so the engine provides sequencing,
// reliability and pacing itself.
func DialPunch(ctx context.Context, config *Config) (*Transport, error) {
	return dial(ctx, config, false)
}

func dial(ctx context.Context, config *Config, reliable bool) (*Transport, error) {
	logger := config.logger()
	ctx, cancel := context.WithTimeout(ctx, config.dialTimeout())
	defer cancel()

	client, err := rendezvous.Join(ctx, logger, config.RendezvousURL, config.Lobby)
	if err != nil {
		return nil, err
	}
	// the lobby is only for signaling, so we leave as soon as the
	// dial resolves one way or the other
	defer client.Close()

	peerID, err := client.AwaitPeer(ctx)
	if err != nil {
		return nil, err
	}
	logger.Infof("rtc: paired with %s in lobby %s", peerID, config.Lobby)

	peering, err := newPeerConnection(config, reliable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDial, err)
	}

	peering.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		// the client may already be gone after the channel opens,
		// in which case late candidates are moot anyway
		_ = client.Send(rendezvous.OpCandidate, string(payload))
	})

	opened := make(chan *webrtc.DataChannel, 1)
	if config.Initiator {
		channel, err := peering.CreateDataChannel("minilink", channelInit(reliable))
		if err != nil {
			peering.Close()
			return nil, fmt.Errorf("%w: %s", ErrDial, err)
		}
		channel.OnOpen(func() {
			opened <- channel
		})
		if err := sendOffer(client, peering); err != nil {
			peering.Close()
			return nil, err
		}
	} else {
		peering.OnDataChannel(func(channel *webrtc.DataChannel) {
			channel.OnOpen(func() {
				opened <- channel
			})
		})
	}

	fatal := make(chan error, 1)
	go signalLoop(ctx, logger, client, peering, config.Initiator, fatal)

	select {
	case channel := <-opened:
		logger.Infof("rtc: data channel open: label=%s", channel.Label())
		return newTransport(logger, peering, channel, reliable), nil
	case err := <-fatal:
		peering.Close()
		return nil, err
	case <-client.Done():
		peering.Close()
		return nil, ErrSignalingLost
	case <-ctx.Done():
		peering.Close()
		return nil, fmt.Errorf("%w: %s", ErrDial, ctx.Err())
	}
}

// newPeerConnection builds a peer connection whose ICE policy matches
// the backend: relay-only through the configured TURN servers for
// relay, STUN for punch.
func newPeerConnection(config *Config, reliable bool) (*webrtc.PeerConnection, error) {
	engine := webrtc.SettingEngine{}
	engine.LoggerFactory = pionlog.NewFactory(config.logger())
	api := webrtc.NewAPI(webrtc.WithSettingEngine(engine))
	rtcConfig := webrtc.Configuration{}
	if reliable {
		rtcConfig.ICEServers = []webrtc.ICEServer{{
			URLs:       config.TURNServers,
			Username:   config.TURNUsername,
			Credential: config.TURNPassword,
		}}
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	} else {
		rtcConfig.ICEServers = []webrtc.ICEServer{{
			URLs: config.stunServers(),
		}}
	}
	return api.NewPeerConnection(rtcConfig)
}

// channelInit returns the data channel options for the backend: an
// ordered reliable channel for relay, an unordered channel with zero
// retransmits for punch.
func channelInit(reliable bool) *webrtc.DataChannelInit {
	if reliable {
		ordered := true
		return &webrtc.DataChannelInit{Ordered: &ordered}
	}
	ordered := false
	retransmits := uint16(0)
	return &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits}
}

// sendOffer creates and publishes the local offer.
func sendOffer(client *rendezvous.Client, peering *webrtc.PeerConnection) error {
	offer, err := peering.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDial, err)
	}
	if err := peering.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: %s", ErrDial, err)
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDial, err)
	}
	if err := client.Send(rendezvous.OpOffer, string(payload)); err != nil {
		return fmt.Errorf("%w: %s", ErrDial, err)
	}
	return nil
}

// signalLoop consumes signaling messages until the dial resolves. ICE
// candidates that trickle in before the remote description are queued
// and flushed right after it lands.
func signalLoop(ctx context.Context, logger model.Logger, client *rendezvous.Client,
	peering *webrtc.PeerConnection, initiator bool, fatal chan<- error) {
	var pending []webrtc.ICECandidateInit
	haveRemote := false
	addCandidate := func(candidate webrtc.ICECandidateInit) {
		if err := peering.AddICECandidate(candidate); err != nil {
			logger.Debugf("rtc: cannot add candidate: %s", err.Error())
		}
	}
	for {
		var msg rendezvous.Message
		select {
		case msg = <-client.Receive():
		case <-client.Done():
			return
		case <-ctx.Done():
			return
		}
		switch msg.Op {
		case rendezvous.OpOffer:
			if initiator {
				logger.Debug("rtc: ignoring offer glare")
				continue
			}
			var offer webrtc.SessionDescription
			if err := json.Unmarshal([]byte(msg.Payload), &offer); err != nil {
				fatal <- fmt.Errorf("%w: bad offer: %s", ErrDial, err)
				return
			}
			if err := peering.SetRemoteDescription(offer); err != nil {
				fatal <- fmt.Errorf("%w: %s", ErrDial, err)
				return
			}
			answer, err := peering.CreateAnswer(nil)
			if err != nil {
				fatal <- fmt.Errorf("%w: %s", ErrDial, err)
				return
			}
			if err := peering.SetLocalDescription(answer); err != nil {
				fatal <- fmt.Errorf("%w: %s", ErrDial, err)
				return
			}
			payload, err := json.Marshal(answer)
			if err != nil {
				fatal <- fmt.Errorf("%w: %s", ErrDial, err)
				return
			}
			if err := client.Send(rendezvous.OpAnswer, string(payload)); err != nil {
				fatal <- fmt.Errorf("%w: %s", ErrDial, err)
				return
			}
			haveRemote = true
			for _, candidate := range pending {
				addCandidate(candidate)
			}
			pending = nil

		case rendezvous.OpAnswer:
			if !initiator {
				logger.Debug("rtc: ignoring answer glare")
				continue
			}
			var answer webrtc.SessionDescription
			if err := json.Unmarshal([]byte(msg.Payload), &answer); err != nil {
				fatal <- fmt.Errorf("%w: bad answer: %s", ErrDial, err)
				return
			}
			if err := peering.SetRemoteDescription(answer); err != nil {
				fatal <- fmt.Errorf("%w: %s", ErrDial, err)
				return
			}
			haveRemote = true
			for _, candidate := range pending {
				addCandidate(candidate)
			}
			pending = nil

		case rendezvous.OpCandidate:
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Payload), &candidate); err != nil {
				logger.Debugf("rtc: bad candidate: %s", err.Error())
				continue
			}
			if !haveRemote {
				pending = append(pending, candidate)
				continue
			}
			addCandidate(candidate)

		default:
			logger.Debugf("rtc: ignoring signaling op %s", msg.Op)
		}
	}
}
