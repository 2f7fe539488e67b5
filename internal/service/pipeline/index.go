// Package pipeline connects live capture to the transcription worker and the
// worker's results to the event publisher.
package pipeline

import (
	"sync"

	"subtitle-stt-engine/internal/service/segment"
)

// DefaultMaxPendingFinals bounds final requests still waiting for a result.
const DefaultMaxPendingFinals = 128

// tracked ties a worker request to the phrase it was cut from.
type tracked struct {
	phrase  *segment.Lifecycle
	isFinal bool
}

// PhraseIndex maps request IDs to phrases. The live session writes it and the
// forwarder reads it, so it is shared between two goroutines.
//
// The worker stays silent for jobs it drops or that recognize nothing, so a
// final request may never be answered. At most maxPending finals are kept; the
// oldest beyond that is evicted and its phrase dropped.
type PhraseIndex struct {
	mu         sync.Mutex
	requests   map[string]tracked
	finals     []string
	maxPending int
}

// NewPhraseIndex returns an empty index holding up to DefaultMaxPendingFinals
// unanswered finals.
func NewPhraseIndex() *PhraseIndex {
	return NewBoundedPhraseIndex(DefaultMaxPendingFinals)
}

// NewBoundedPhraseIndex returns an empty index holding up to maxPending
// unanswered finals. It should exceed the number of jobs the worker can hold.
func NewBoundedPhraseIndex(maxPending int) *PhraseIndex {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingFinals
	}
	return &PhraseIndex{
		requests:   make(map[string]tracked),
		maxPending: maxPending,
	}
}

// Track records a request. Requests of terminal phrases, and live requests of
// phrases that are no longer open, are pruned first; their results would be
// discarded anyway.
func (x *PhraseIndex) Track(requestID string, phrase *segment.Lifecycle, isFinal bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for id, t := range x.requests {
		if t.phrase.IsClosed() || (!t.isFinal && !t.phrase.IsOpen()) {
			delete(x.requests, id)
		}
	}
	x.requests[requestID] = tracked{phrase: phrase, isFinal: isFinal}
	if isFinal {
		x.finals = append(x.finals, requestID)
		x.evict()
	}
}

// evict compacts the final queue and drops the oldest unanswered finals over
// the limit.
func (x *PhraseIndex) evict() {
	pending := x.finals[:0]
	for _, id := range x.finals {
		if _, ok := x.requests[id]; ok {
			pending = append(pending, id)
		}
	}
	clear(x.finals[len(pending):])
	x.finals = pending

	for len(x.finals) > x.maxPending {
		id := x.finals[0]
		x.finals = x.finals[1:]
		if t, ok := x.requests[id]; ok {
			delete(x.requests, id)
			t.phrase.Drop()
		}
	}
}

// Lookup returns the phrase for a request.
func (x *PhraseIndex) Lookup(requestID string) (*segment.Lifecycle, bool, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, ok := x.requests[requestID]
	if !ok {
		return nil, false, false
	}
	return t.phrase, t.isFinal, true
}

// Forget removes a request.
func (x *PhraseIndex) Forget(requestID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.requests, requestID)
}

// Len returns the number of tracked requests.
func (x *PhraseIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.requests)
}
