package facade

import (
	"context"
	"fmt"
	"sync"

	"github.com/sentinelfs/sentinelfs/internal/transport"
	"github.com/sentinelfs/sentinelfs/internal/transport/webrtc"
)

// signalFramePrefix tags a Send payload as carrying an out-of-band
// WebRTC signaling message rather than application data, so
// onDataReceived can route it to the WebRTC transport's HandleSignal
// instead of the Session Manager's decrypt path. WebRTC itself has no
// listening port (spec.md §4.3), so every offer/answer/candidate must
// ride another already-connected transport.
const signalFramePrefix = 0xFE

type webrtcSignaling struct {
	mu   sync.Mutex
	f    *Facade
	wrtc *webrtc.Transport
	via  transport.Kind
}

// EnableWebRTCSignaling routes wrtc's SDP/ICE exchange through via
// (typically KindTCP or KindQUIC, whichever is already connected to the
// target peer). Call once per WebRTC transport registered with
// RegisterTransport.
func (f *Facade) EnableWebRTCSignaling(wrtc *webrtc.Transport, via transport.Kind) {
	sig := &webrtcSignaling{f: f, wrtc: wrtc, via: via}
	wrtc.SetSignaler(sig)

	f.mu.Lock()
	f.webrtcSignal = sig
	f.mu.Unlock()
}

// SendSignal implements webrtc.Signaler by marshaling msg and sending it
// as a tagged, unencrypted frame directly over the configured carrier
// transport (bypassing Facade.Send's envelope encryption: a signaling
// message must be readable before any session key exchange with the
// WebRTC leg exists).
func (s *webrtcSignaling) SendSignal(ctx context.Context, peer transport.PeerID, msg webrtc.SignalMessage) error {
	s.mu.Lock()
	via := s.via
	s.mu.Unlock()

	data, err := webrtc.MarshalSignal(msg)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	framed := make([]byte, 1+len(data))
	framed[0] = signalFramePrefix
	copy(framed[1:], data)

	t, err := s.f.reg.Transport(via)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	if err := t.Send(ctx, peer, framed); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}

// handleSignalFrame unmarshals a tagged inbound signaling payload and
// hands it to the registered WebRTC transport, if any.
func (f *Facade) handleSignalFrame(peer transport.PeerID, data []byte) {
	f.mu.Lock()
	sig := f.webrtcSignal
	f.mu.Unlock()
	if sig == nil {
		f.log.Warn("received webrtc signal with no signaling configured", "peer", peer)
		return
	}

	msg, err := webrtc.UnmarshalSignal(data)
	if err != nil {
		f.log.Warn("unmarshal webrtc signal failed", "peer", peer, "error", err)
		return
	}

	if err := sig.wrtc.HandleSignal(context.Background(), msg); err != nil {
		f.log.Warn("handle webrtc signal failed", "peer", peer, "error", err)
	}
}
