package rtc

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T) *PeerConn {
	t.Helper()
	p, err := New(Config{}, Events{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// remoteOffer produces a real audio offer from a throwaway peer.
func remoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	caller := newTestPeer(t)
	require.NoError(t, caller.AttachLocal(nil, false))
	offer, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)
	return *offer
}

func hostCandidate() webrtc.ICECandidateInit {
	mid := "0"
	return webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:    &mid,
	}
}

func TestEarlyCandidateDroppedNotBuffered(t *testing.T) {
	callee := newTestPeer(t)
	require.NoError(t, callee.AttachLocal(nil, false))

	// Before any remote description the candidate is discarded silently.
	// Forwarding it would surface pion's "remote description is not set"
	// error, so a nil return proves the drop.
	require.NoError(t, callee.AddRemoteCandidate(hostCandidate()))

	require.NoError(t, callee.SetRemoteDescription(remoteOffer(t)))

	// Nothing was queued behind the description; re-sending the candidate
	// now that the description exists is what makes it land.
	require.NoError(t, callee.AddRemoteCandidate(hostCandidate()))
}

func TestDuplicateRemoteDescriptionIgnored(t *testing.T) {
	callee := newTestPeer(t)
	require.NoError(t, callee.AttachLocal(nil, false))

	offer := remoteOffer(t)
	require.NoError(t, callee.SetRemoteDescription(offer))
	require.NoError(t, callee.SetRemoteDescription(offer), "duplicate delivery is a no-op")
}

func TestLocalDescriptionsCreatedAtMostOnce(t *testing.T) {
	caller := newTestPeer(t)
	require.NoError(t, caller.AttachLocal(nil, false))

	_, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)
	_, err = caller.CreateOffer(context.Background())
	assert.Error(t, err)

	callee := newTestPeer(t)
	require.NoError(t, callee.AttachLocal(nil, false))
	require.NoError(t, callee.SetRemoteDescription(remoteOffer(t)))
	_, err = callee.CreateAnswer(context.Background())
	require.NoError(t, err)
	_, err = callee.CreateAnswer(context.Background())
	assert.Error(t, err)
}
