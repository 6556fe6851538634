package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testRoom() *Room {
	return New("room-1", "owner-1", "", Config{
		RefreshInterval:       25 * time.Second,
		ActiveSpeakerInterval: 100 * time.Millisecond,
		PendingJoinTTL:        60 * time.Second,
	})
}

func TestRoom_AppendActiveSpeaker_Dedupes(t *testing.T) {
	r := testRoom()
	r.AppendActiveSpeaker("PA")
	r.AppendActiveSpeaker("PB")
	r.AppendActiveSpeaker("PA")

	assert.Equal(t, []string{"PA", "PB"}, r.ActiveSpeakerList())
}

func TestRoom_PromoteToHead(t *testing.T) {
	r := testRoom()
	r.SetActiveSpeakerList([]string{"PA", "PB"})

	assert.False(t, r.PromoteToHead("PA"), "expected no churn when PA already at head")

	assert.True(t, r.PromoteToHead("PB"), "expected promotion of PB to report a change")
	assert.Equal(t, []string{"PB", "PA"}, r.ActiveSpeakerList())
}

func TestRoom_PromoteToHead_InsertsAbsentId(t *testing.T) {
	r := testRoom()
	r.SetActiveSpeakerList([]string{"PA"})

	r.PromoteToHead("PC")
	assert.Equal(t, []string{"PC", "PA"}, r.ActiveSpeakerList())
}

func TestRoom_RemoveFromActiveSpeakerList(t *testing.T) {
	r := testRoom()
	r.SetActiveSpeakerList([]string{"PA", "PB", "PC"})
	r.RemoveFromActiveSpeakerList("PB")

	assert.Equal(t, []string{"PA", "PC"}, r.ActiveSpeakerList())
}

func TestRoom_Blocklist_RejectsWhileActive(t *testing.T) {
	r := testRoom()
	now := time.Now()
	r.Block("u-banned", now.Add(1*time.Hour))

	assert.True(t, r.IsBlocked("u-banned", now), "expected u-banned to be blocked")
	assert.False(t, r.IsBlocked("u-banned", now.Add(2*time.Hour)), "expected ban to have expired")
	assert.False(t, r.IsBlocked("u-other", now), "expected unrelated user to not be blocked")
}

func TestRoom_AddRemovePeer(t *testing.T) {
	r := testRoom()
	p := NewPeer("u1", "Alice", "s1")

	r.AddPeer(p)
	assert.Equal(t, 1, r.PeerCount(), "expected 1 peer after add")
	got, ok := r.PeerByUserID("u1")
	assert.True(t, ok, "expected to find peer by user id")
	assert.Same(t, p, got)

	r.RemovePeer(p)
	assert.Equal(t, 0, r.PeerCount(), "expected 0 peers after remove")
	assert.Nil(t, p.Room(), "expected peer's room to be cleared after removal")
}
