package queue

import "sync"

// subscriberRegistry tracks, per fingerprint, the set of session-channel
// identifiers currently waiting for that fingerprint's completion.
type subscriberRegistry struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{} // fingerprint -> session ids
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{sets: make(map[string]map[string]struct{})}
}

// AddSubscriber registers sessionID as waiting for fingerprint. Safe to
// call multiple times for the same (fingerprint, sessionID) pair.
func (s *Substrate) AddSubscriber(fingerprint, sessionID string) {
	r := s.subs
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[fingerprint]
	if !ok {
		set = make(map[string]struct{})
		r.sets[fingerprint] = set
	}
	set[sessionID] = struct{}{}
}

// PopSubscribers atomically drains and deletes the subscriber set for
// fingerprint, returning the session ids that were registered. Called
// exactly once per finalize by the result consumer.
func (s *Substrate) PopSubscribers(fingerprint string) []string {
	r := s.subs
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[fingerprint]
	if !ok {
		return nil
	}
	delete(r.sets, fingerprint)

	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}
