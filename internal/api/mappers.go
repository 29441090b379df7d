package api

import (
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
)

func ToApiCandidateStream(b domain.StreamBinding) CandidateStream {
	cs := CandidateStream{
		CandidateID: b.CandidateID,
		SessionID:   b.SessionID,
		Tracks:      []TrackStatus{},
		Status:      b.Status.String(),
		UpdatedAt:   b.UpdatedAt,
	}

	if b.Stream != nil {
		id := b.Stream.ID
		cs.StreamID = &id
		for _, t := range b.Stream.Tracks {
			cs.Tracks = append(cs.Tracks, TrackStatus{ID: t.ID, Kind: t.Kind, Codec: t.Codec})
		}
	}

	if b.Error != "" {
		msg, kind := b.Error, b.ErrorKind
		cs.Error = &msg
		cs.ErrorKind = &kind
		cs.Retryable = true
	}

	return cs
}

func ToApiCandidateStreams(bindings []domain.StreamBinding) []CandidateStream {
	streams := make([]CandidateStream, len(bindings))
	for i, b := range bindings {
		streams[i] = ToApiCandidateStream(b)
	}
	return streams
}
