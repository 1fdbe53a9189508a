package hub

import (
	"fmt"
	"sync"
)

// loadThreshold is the fraction of an adapter kind's capacity above which the
// selector refuses to place new sessions on it.
const loadThreshold = 0.85

// DefaultKindLimits is the capacity ceiling per adapter kind used when the
// operator does not configure one.
var DefaultKindLimits = map[AdapterKind]int{
	KindWAWeb:     100,
	KindWACloud:   100,
	KindInstagram: 200,
	KindFacebook:  200,
}

// Registry tracks, per adapter kind, the set of session keys with an
// initialized transport instance. It is a derived cache over the persistence
// store: counters feed capacity decisions, membership is the de-duplication
// guard before a reconnect. Remove only drops the membership; it never
// closes the adapter handle.
type Registry struct {
	mu      sync.Mutex
	limits  map[AdapterKind]int
	members map[AdapterKind]map[string]struct{}
}

func NewRegistry(limits map[AdapterKind]int) *Registry {
	r := &Registry{
		limits:  map[AdapterKind]int{},
		members: map[AdapterKind]map[string]struct{}{},
	}
	for kind, limit := range DefaultKindLimits {
		r.limits[kind] = limit
	}
	for kind, limit := range limits {
		if limit > 0 {
			r.limits[kind] = limit
		}
	}
	return r
}

// Add records a session key under a kind. It reports false when the key was
// already present, which callers use to suppress concurrent reconnects.
func (r *Registry) Add(key string, kind AdapterKind) bool {
	if key == "" || kind == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[kind]
	if !ok {
		set = map[string]struct{}{}
		r.members[kind] = set
	}
	if _, exists := set[key]; exists {
		return false
	}
	set[key] = struct{}{}
	return true
}

// Remove drops the membership for a key. Counters only; the adapter handle
// stays open until the session layer closes it.
func (r *Registry) Remove(key string, kind AdapterKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.members[kind]; ok {
		delete(set, key)
	}
}

func (r *Registry) Contains(key string, kind AdapterKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[kind]
	if !ok {
		return false
	}
	_, exists := set[key]
	return exists
}

func (r *Registry) ActiveCount(kind AdapterKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[kind])
}

func (r *Registry) Limit(kind AdapterKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits[kind]
}

// Load is activeCount(kind)/limit(kind). A kind with no configured limit is
// treated as saturated.
func (r *Registry) Load(kind AdapterKind) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(kind)
}

func (r *Registry) loadLocked(kind AdapterKind) float64 {
	limit := r.limits[kind]
	if limit <= 0 {
		return 1
	}
	return float64(len(r.members[kind])) / float64(limit)
}

// Select picks the adapter kind for a brand-new session on a channel.
// Existing sessions never re-select: their persisted binding is sticky.
// With a single eligible kind it is returned unconditionally. With several,
// an explicit preference is honored only while its load stays under the
// threshold; otherwise the least-loaded kind under the threshold wins, and
// when none qualifies the caller gets ErrCapacityExceeded.
func (r *Registry) Select(channel Channel, preference AdapterKind) (AdapterKind, error) {
	eligible := eligibleKinds(channel)
	if len(eligible) == 0 {
		return "", fmt.Errorf("%w: no adapter kind serves channel %q", ErrInvalidInput, channel)
	}
	if len(eligible) == 1 {
		return eligible[0], nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if preference != "" {
		for _, kind := range eligible {
			if kind == preference && r.loadLocked(kind) < loadThreshold {
				return kind, nil
			}
		}
	}

	var best AdapterKind
	bestLoad := loadThreshold
	for _, kind := range eligible {
		if load := r.loadLocked(kind); load < bestLoad {
			best = kind
			bestLoad = load
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: all adapter kinds for channel %q at or above %d%% load",
			ErrCapacityExceeded, channel, int(loadThreshold*100))
	}
	return best, nil
}
