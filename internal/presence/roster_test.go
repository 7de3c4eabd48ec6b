package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertMarksPeerOnline(t *testing.T) {
	r := NewRoster()
	r.Upsert("peer1", "Alice", []string{"/ip4/10.0.0.2/tcp/4001"})

	p, ok := r.Get("peer1")
	require.True(t, ok)
	assert.True(t, p.Online)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, []string{"peer1"}, r.IDs())
}

func TestPruneStaleExpiresAndDrops(t *testing.T) {
	r := NewRoster()
	r.Upsert("peer1", "Alice", nil)

	// TTL in the future: nothing happens.
	r.PruneStale(time.Now().Add(-time.Minute), time.Now().Add(-time.Hour))
	p, _ := r.Get("peer1")
	assert.True(t, p.Online)

	// TTL cutoff after the heartbeat: peer goes offline but stays listed.
	r.PruneStale(time.Now().Add(time.Second), time.Now().Add(-time.Hour))
	p, ok := r.Get("peer1")
	require.True(t, ok)
	assert.False(t, p.Online)

	// Grace cutoff after the offline moment: peer is dropped.
	r.PruneStale(time.Now().Add(time.Second), time.Now().Add(time.Second))
	_, ok = r.Get("peer1")
	assert.False(t, ok)
}

func TestRemoveOnOfflineAnnouncement(t *testing.T) {
	r := NewRoster()
	r.Upsert("peer1", "Alice", nil)
	r.Remove("peer1")
	_, ok := r.Get("peer1")
	assert.False(t, ok)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	r := NewRoster()
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Upsert("peer1", "Alice", nil)
	select {
	case evt := <-ch:
		assert.Equal(t, "update", evt.Type)
		assert.Equal(t, "peer1", evt.PeerID)
		require.NotNil(t, evt.Peer)
		assert.True(t, evt.Peer.Online)
	case <-time.After(time.Second):
		t.Fatal("no roster event")
	}

	r.Remove("peer1")
	select {
	case evt := <-ch:
		assert.Equal(t, "remove", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no remove event")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRoster()
	r.Upsert("peer1", "Alice", nil)

	snap := r.Snapshot()
	delete(snap, "peer1")
	_, ok := r.Get("peer1")
	assert.True(t, ok, "mutating the snapshot must not touch the roster")
}
