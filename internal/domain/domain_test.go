package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]PeerConnectionState{
		{StateIdle, StateDiscovering},
		{StateDiscovering, StateNegotiating},
		{StateNegotiating, StateConnected},
		{StateConnected, StateDegraded},
		{StateDegraded, StateReconnecting},
		{StateDegraded, StateConnected},
		{StateReconnecting, StateConnected},
		{StateReconnecting, StateClosed},
		{StateNegotiating, StateClosed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]PeerConnectionState{
		{StateConnected, StateNegotiating},
		{StateConnected, StateReconnecting},
		{StateReconnecting, StateDegraded},
		{StateClosed, StateIdle},
		{StateClosed, StateConnected},
		{StateConnected, StateConnected},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestLiveByCandidate(t *testing.T) {
	now := time.Now()
	sessions := []CandidateSession{
		{CandidateID: "a", SessionID: "s1", Status: SessionLive, StartedAt: now.Add(-time.Minute)},
		{CandidateID: "a", SessionID: "s2", Status: SessionLive, StartedAt: now},
		{CandidateID: "b", SessionID: "s3", Status: SessionPending},
		{CandidateID: "c", SessionID: "s4", Status: SessionEnded},
		{CandidateID: "", SessionID: "s5", Status: SessionLive},
	}

	live := LiveByCandidate(sessions)

	assert.Len(t, live, 1)
	assert.Equal(t, "s2", live["a"].SessionID)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "signaling", ErrorKind(&SignalingError{Op: "offer", Err: errors.New("boom")}))
	assert.Equal(t, "discovery", ErrorKind(fmt.Errorf("poll: %w", &DiscoveryError{Err: errors.New("x")})))
	assert.Equal(t, "timeout", ErrorKind(&TimeoutError{Phase: "negotiation"}))
	assert.Equal(t, "media", ErrorKind(&MediaError{Reason: "no track"}))
	assert.Equal(t, "internal", ErrorKind(errors.New("other")))

	err := &MediaError{CandidateID: "a", Reason: "lost", Err: ErrReconnectExhausted}
	assert.ErrorIs(t, err, ErrReconnectExhausted)
}
