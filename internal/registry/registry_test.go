package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binding(cid, owner string, status domain.PeerConnectionState, tracks int) domain.StreamBinding {
	var stream *domain.MediaStream
	if tracks > 0 {
		stream = &domain.MediaStream{ID: "stream-" + cid}
		for i := 0; i < tracks; i++ {
			stream.Tracks = append(stream.Tracks, domain.TrackInfo{ID: fmt.Sprintf("t%d", i), Kind: "video"})
		}
	}
	return domain.StreamBinding{CandidateID: cid, SessionID: "s-" + cid, Owner: owner, Stream: stream, Status: status}
}

func TestSetGetRemove(t *testing.T) {
	r := New()

	r.Set(binding("a", "h1", domain.StateConnected, 1))
	b, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, b.Status)
	assert.False(t, b.UpdatedAt.IsZero())

	assert.False(t, r.Remove("a", "h2"), "foreign owner must not remove the entry")
	_, ok = r.Get("a")
	assert.True(t, ok)

	assert.True(t, r.Remove("a", "h1"))
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.False(t, r.Remove("a", "h1"))
}

func TestReplacedOwnerCannotRemoveSuccessor(t *testing.T) {
	r := New()
	r.Set(binding("a", "old", domain.StateConnected, 1))
	r.Set(binding("a", "new", domain.StateNegotiating, 0))

	assert.False(t, r.Remove("a", "old"))
	b, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", b.Owner)
	assert.Equal(t, 1, r.Len())
}

func TestReturnedStreamsAreCopies(t *testing.T) {
	r := New()
	r.Set(binding("a", "h1", domain.StateConnected, 1))

	b, _ := r.Get("a")
	b.Stream.Tracks[0].ID = "mutated"

	again, _ := r.Get("a")
	assert.Equal(t, "t0", again.Stream.Tracks[0].ID)
}

func TestSnapshotSorted(t *testing.T) {
	r := New()
	r.Set(binding("c", "h", domain.StateConnected, 0))
	r.Set(binding("a", "h", domain.StateConnected, 0))
	r.Set(binding("b", "h", domain.StateConnected, 0))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].CandidateID, snap[1].CandidateID, snap[2].CandidateID})
}

func TestSubscribersSeeConsistentBindingsInOrder(t *testing.T) {
	r := New()

	var mu sync.Mutex
	var seen []Update
	cancel := r.Subscribe(func(u Update) {
		// a connected binding always carries its stream, an earlier state never does
		if u.Kind == UpdateSet {
			if u.Binding.Status == domain.StateConnected {
				assert.NotNil(t, u.Binding.Stream)
			} else {
				assert.Nil(t, u.Binding.Stream)
			}
		}
		mu.Lock()
		seen = append(seen, u)
		mu.Unlock()
	})

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		cid := fmt.Sprintf("c%d", w)
		owner := fmt.Sprintf("h%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Set(binding(cid, owner, domain.StateNegotiating, 0))
				r.Set(binding(cid, owner, domain.StateConnected, 2))
			}
			r.Remove(cid, owner)
		}()
	}
	wg.Wait()
	cancel()

	r.Set(binding("late", "h", domain.StateConnected, 1))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, writers*101)

	last := map[string]UpdateKind{}
	for _, u := range seen {
		last[u.Binding.CandidateID] = u.Kind
	}
	for w := 0; w < writers; w++ {
		assert.Equal(t, UpdateRemoved, last[fmt.Sprintf("c%d", w)])
	}
	assert.Equal(t, 1, r.Len())
}
