package domain

import (
	"sort"
	"time"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionLive    SessionStatus = "live"
	SessionEnded   SessionStatus = "ended"
)

// CandidateSession is one candidate's backend proctoring session as reported by
// discovery. The supervisor never constructs these on its own.
type CandidateSession struct {
	CandidateID string        `json:"candidateId"`
	SessionID   string        `json:"sessionId"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
}

func (s CandidateSession) IsLive() bool {
	return s.Status == SessionLive
}

// LiveByCandidate keeps only live sessions, one per candidate. When the backend
// reports several live sessions for a candidate the most recently started wins.
func LiveByCandidate(sessions []CandidateSession) map[string]CandidateSession {
	live := make(map[string]CandidateSession, len(sessions))
	for _, s := range sessions {
		if !s.IsLive() || s.CandidateID == "" || s.SessionID == "" {
			continue
		}
		if prev, ok := live[s.CandidateID]; ok && !s.StartedAt.After(prev.StartedAt) {
			continue
		}
		live[s.CandidateID] = s
	}
	return live
}

func SortedCandidateIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
