package patterns

import (
	"context"
	"sort"
	"sync"

	"github.com/sqlrecall/sqlrecall/internal/schema"
)

// MemoryStore keeps patterns in process. Records are stored and returned by
// value, so readers never share memory with an in-flight write.
type MemoryStore struct {
	opts Options

	mu    sync.RWMutex
	items map[schema.Fingerprint]map[string]Pattern
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts, items: map[schema.Fingerprint]map[string]Pattern{}}
}

func (s *MemoryStore) Put(_ context.Context, p Pattern, outcome Outcome) (Pattern, error) {
	prepared, err := Prepare(p, s.opts.Now())
	if err != nil {
		return Pattern{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partition := s.items[prepared.Fingerprint]
	var existing *Pattern
	if current, ok := partition[prepared.QuestionKey]; ok {
		existing = &current
	}
	stored, err := Apply(existing, prepared, outcome, s.opts.Rate())
	if err != nil {
		return Pattern{}, err
	}
	if partition == nil {
		partition = map[string]Pattern{}
		s.items[prepared.Fingerprint] = partition
	}
	partition[stored.QuestionKey] = stored
	return stored, nil
}

func (s *MemoryStore) Candidates(_ context.Context, fp schema.Fingerprint) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partition := s.items[fp]
	out := make([]Pattern, 0, len(partition))
	for _, p := range partition {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, fp schema.Fingerprint, policy PrunePolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partition := s.items[fp]
	items := make([]Pattern, 0, len(partition))
	for _, p := range partition {
		items = append(items, p)
	}
	removed := SelectForPrune(items, policy)
	for _, p := range removed {
		delete(partition, p.QuestionKey)
	}
	if len(partition) == 0 {
		delete(s.items, fp)
	}
	return len(removed), nil
}

func (s *MemoryStore) Fingerprints(_ context.Context) ([]schema.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Fingerprint, 0, len(s.items))
	for fp := range s.items {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
