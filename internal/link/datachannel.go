package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/pion/webrtc/v3"
)

// DefaultChannelLabel is the data channel the bridge peer must open
const DefaultChannelLabel = "uart"

// ErrNoPeer is returned when no peer opened the data channel before the deadline
var ErrNoPeer = errors.New("no data channel peer")

// DataChannelBridge accepts one WebRTC peer (for example a phone page relaying
// to a BLE UART) and exposes its "uart" data channel as a link transport.
type DataChannelBridge struct {
	api    *webrtc.API
	config webrtc.Configuration
	label  string

	mu    sync.Mutex
	peer  *webrtc.PeerConnection
	ready chan *webrtc.DataChannel
}

// NewDataChannelBridge creates a bridge using the given STUN servers
func NewDataChannelBridge(stunServers []string, label string) *DataChannelBridge {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	if label == "" {
		label = DefaultChannelLabel
	}

	settingsEngine := webrtc.SettingEngine{LoggerFactory: logger.PionFactory{Prefix: "WebRTC"}}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &DataChannelBridge{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		config: webrtc.Configuration{ICEServers: iceServers},
		label:  label,
		ready:  make(chan *webrtc.DataChannel, 1),
	}
}

// HandleOffer answers a peer's SDP offer. A new offer replaces the previous peer.
func (b *DataChannelBridge) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	peerConn, err := b.api.NewPeerConnection(b.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != b.label {
			logger.Debug("DataChannel", "Ignoring channel %q", dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Info("DataChannel", "Channel %q open", dc.Label())
			// Keep only the newest channel
			select {
			case <-b.ready:
			default:
			}
			b.ready <- dc
		})
		dc.OnClose(func() {
			logger.Info("DataChannel", "Channel %q closed", dc.Label())
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("DataChannel", "Peer connection state: %s", state.String())
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}

	b.mu.Lock()
	previous := b.peer
	b.peer = peerConn
	b.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	return json.Marshal(localDesc)
}

// Dialer waits for the peer's channel to open
func (b *DataChannelBridge) Dialer() Dialer {
	return func(ctx context.Context) (io.WriteCloser, error) {
		select {
		case dc := <-b.ready:
			return &dataChannelConn{dc: dc}, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNoPeer, ctx.Err())
		}
	}
}

// Close tears down the current peer
func (b *DataChannelBridge) Close() error {
	b.mu.Lock()
	peer := b.peer
	b.peer = nil
	b.mu.Unlock()
	if peer == nil {
		return nil
	}
	return peer.Close()
}

// dataChannelConn adapts a data channel to io.WriteCloser
type dataChannelConn struct {
	dc *webrtc.DataChannel
}

func (c *dataChannelConn) Write(p []byte) (int, error) {
	if err := c.dc.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *dataChannelConn) Close() error {
	return c.dc.Close()
}
