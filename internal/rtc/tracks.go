package rtc

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/vad"
)

// pliInterval is how often a keyframe is requested for inbound video. Without
// periodic PLI a receiver that joins mid-stream can wait a long time for a
// decodable frame.
const pliInterval = 3 * time.Second

// AttachLocal adds the capture's tracks for sending. Kinds the capture lacks
// get recvonly transceivers instead, so CreateOffer/CreateAnswer always emits
// valid m-lines and remote media still arrives — a video call answered from a
// camera-less machine keeps its inbound video.
func (p *PeerConn) AttachLocal(capture *media.Capture, wantVideo bool) error {
	var haveAudio, haveVideo bool

	if capture != nil {
		for _, track := range capture.Tracks() {
			sender, err := p.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add track: %w", err)
			}
			go p.drainSenderRTCP(sender)
			p.mu.Lock()
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				p.audioSender, p.audioTrack = sender, track
				haveAudio = true
			case webrtc.RTPCodecTypeVideo:
				p.videoSender, p.videoTrack = sender, track
				haveVideo = true
			}
			p.mu.Unlock()
		}
	}

	if !haveAudio {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if wantVideo && !haveVideo {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

// drainSenderRTCP keeps the sender's RTCP read loop alive so interceptors
// (NACK, reports) can do their work.
func (p *PeerConn) drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// SetMicEnabled pauses or resumes the outbound audio track. Pausing swaps the
// sender to a nil track, which keeps the m-line while sending nothing.
func (p *PeerConn) SetMicEnabled(enabled bool) error {
	p.mu.Lock()
	sender, track := p.audioSender, p.audioTrack
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// SetCameraEnabled pauses or resumes the outbound video track.
func (p *PeerConn) SetCameraEnabled(enabled bool) error {
	p.mu.Lock()
	sender, track := p.videoSender, p.videoTrack
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// handleTrack merges an inbound track into the remote container and starts
// the per-track reader: audio feeds the VAD level source, video gets a
// periodic keyframe request loop.
func (p *PeerConn) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.remote.AddTrack(track)

	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		extID := audioLevelExtensionID(receiver)
		p.mu.Lock()
		if p.remoteLevels == nil {
			p.remoteLevels = vad.NewRTPLevelSource(extID)
		}
		levels := p.remoteLevels
		p.mu.Unlock()
		go p.pumpAudio(track, levels)
	case webrtc.RTPCodecTypeVideo:
		go p.requestKeyframes(track)
	}
}

// audioLevelExtensionID finds the negotiated RFC 6464 extension ID, 0 when
// the peer did not negotiate it (the level source then just reads silence).
func audioLevelExtensionID(receiver *webrtc.RTPReceiver) uint8 {
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// pumpAudio reads inbound audio RTP and feeds packet levels to the VAD.
func (p *PeerConn) pumpAudio(track *webrtc.TrackRemote, levels *vad.RTPLevelSource) {
	for {
		select {
		case <-p.done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		levels.Observe(pkt)
	}
}

// requestKeyframes sends a PLI for the track's SSRC every pliInterval.
func (p *PeerConn) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}
