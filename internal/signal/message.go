// Package signal defines the call-signaling wire schema and the transport
// port the call engine speaks through. The engine never owns a connection;
// it is handed a Transport and addresses everything by user ID and call ID.
package signal

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type is the value of the "type" field in every signaling message.
type Type string

const (
	TypeOffer     Type = "call-offer"      // caller → callee: initiate negotiation
	TypeAnswerAck Type = "call-answer-ack" // callee → caller: accepted, SDP follows
	TypeAnswerSDP Type = "call-answer-sdp" // callee → caller: completes negotiation
	TypeICE       Type = "ice-candidate"   // either → other: one trickle candidate
	TypeReject    Type = "call-reject"     // callee declined or auto-rejected
	TypeEnd       Type = "call-end"        // either side hangs up
)

// MediaKind selects what the caller wants to send. Immutable per call.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video" // voice + video
)

// Message is one signaling event. The transport does not interpret it; the
// call engine routes on Type and correlates on CallID only.
type Message struct {
	Type   Type   `json:"type"`
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to"`

	MediaKind MediaKind                  `json:"media_kind,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

var errMissingField = errors.New("signal: missing field")

// Validate checks structural completeness for the message type. Transports
// call this before handing a message to subscribers so malformed payloads
// never reach the state machine.
func (m *Message) Validate() error {
	if m.CallID == "" || m.From == "" || m.To == "" {
		return fmt.Errorf("%w: call_id/from/to required (type %q)", errMissingField, m.Type)
	}
	switch m.Type {
	case TypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("%w: offer payload on %s", errMissingField, m.Type)
		}
		if m.MediaKind != MediaVoice && m.MediaKind != MediaVideo {
			return fmt.Errorf("signal: unknown media kind %q", m.MediaKind)
		}
	case TypeAnswerSDP:
		if m.Answer == nil {
			return fmt.Errorf("%w: answer payload on %s", errMissingField, m.Type)
		}
	case TypeICE:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate payload on %s", errMissingField, m.Type)
		}
	case TypeAnswerAck, TypeReject, TypeEnd:
		// header-only messages
	default:
		return fmt.Errorf("signal: unknown message type %q", m.Type)
	}
	return nil
}
