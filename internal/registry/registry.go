// Package registry holds the per-dashboard map from candidate id to its
// current stream and connection status.
//
// Every candidate entry has exactly one writer at a time, identified by the
// Owner of the binding. Remove is checked against that owner so a handle that
// was replaced cannot delete its successor's entry. Subscribers receive every
// write in order, with the stream and status of a binding always consistent.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
)

type UpdateKind string

const (
	UpdateSet     UpdateKind = "set"
	UpdateRemoved UpdateKind = "removed"
)

type Update struct {
	Kind    UpdateKind
	Binding domain.StreamBinding
}

type Subscriber func(Update)

type Registry struct {
	mu      sync.RWMutex
	entries map[string]domain.StreamBinding

	// notifyMu is taken before mu is released so callbacks observe writes in
	// the order they were applied.
	notifyMu    sync.Mutex
	subscribers map[uint64]Subscriber
	nextSubID   uint64

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		entries:     make(map[string]domain.StreamBinding),
		subscribers: make(map[uint64]Subscriber),
		now:         time.Now,
	}
}

// Set stores b as the candidate's binding, replacing any previous one.
func (r *Registry) Set(b domain.StreamBinding) {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = r.now()
	}
	b.Stream = b.Stream.Clone()

	r.mu.Lock()
	r.entries[b.CandidateID] = b
	r.publishLocked(Update{Kind: UpdateSet, Binding: b})
}

func (r *Registry) Get(candidateID string) (domain.StreamBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.entries[candidateID]
	if ok {
		b.Stream = b.Stream.Clone()
	}
	return b, ok
}

// Remove deletes the candidate's entry if it is still owned by owner.
func (r *Registry) Remove(candidateID, owner string) bool {
	r.mu.Lock()
	b, ok := r.entries[candidateID]
	if !ok || b.Owner != owner {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, candidateID)
	r.publishLocked(Update{Kind: UpdateRemoved, Binding: b})
	return true
}

// Snapshot returns all bindings ordered by candidate id.
func (r *Registry) Snapshot() []domain.StreamBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bindings := make([]domain.StreamBinding, 0, len(r.entries))
	for _, b := range r.entries {
		b.Stream = b.Stream.Clone()
		bindings = append(bindings, b)
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].CandidateID < bindings[j].CandidateID
	})
	return bindings
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe registers fn for all future updates. fn runs on the writer's
// goroutine and must not write to the registry.
func (r *Registry) Subscribe(fn Subscriber) (cancel func()) {
	r.notifyMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	r.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.notifyMu.Lock()
			delete(r.subscribers, id)
			r.notifyMu.Unlock()
		})
	}
}

// publishLocked must be called with mu held; it releases mu.
func (r *Registry) publishLocked(u Update) {
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	u.Binding.Stream = u.Binding.Stream.Clone()
	for _, fn := range r.subscribers {
		fn(u)
	}
}
