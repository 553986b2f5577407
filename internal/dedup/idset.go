package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/linnemanlabs/go-core/log"
)

// IDSet is the primary feed's store of delivered incident ids.
type IDSet struct {
	mu      sync.Mutex
	name    string
	backend Backend
	logger  log.Logger
	ids     map[string]struct{}
}

// NewIDSet returns an empty IDSet persisted under name. Call Load to restore
// previously saved state.
func NewIDSet(backend Backend, name string, logger log.Logger) *IDSet {
	if logger == nil {
		logger = log.Nop()
	}
	return &IDSet{
		name:    name,
		backend: backend,
		logger:  logger.With("dedup_store", name),
		ids:     make(map[string]struct{}),
	}
}

// Load replaces the in-memory membership with the persisted one. Missing or
// unreadable state leaves the store empty; it never fails.
func (s *IDSet) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = make(map[string]struct{})
	data, err := s.backend.Load(ctx, s.name)
	if errors.Is(err, ErrNotFound) {
		s.logger.Info(ctx, "no persisted dedup state, starting empty")
		return
	}
	if err != nil {
		s.logger.Error(ctx, err, "failed to load dedup state, starting empty", "error_class", "persistence")
		return
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Error(ctx, err, "corrupt dedup state, starting empty", "error_class", "persistence")
		return
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	s.logger.Info(ctx, "loaded dedup state", "entries", len(s.ids))
}

// Contains reports whether id was already delivered.
func (s *IDSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the in-memory membership size, which can exceed MaxStored.
func (s *IDSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Record adds id and synchronously persists the whole store. Recording an id
// that is already present still persists. On persist failure the id stays
// recorded in memory and the error is returned.
func (s *IDSet) Record(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
	return s.persistLocked(ctx)
}

// Persist writes the current membership.
func (s *IDSet) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

// IDs returns the membership in persisted order: ascending, keeping only the
// last MaxStored.
func (s *IDSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundedLocked()
}

func (s *IDSet) boundedLocked() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i], out[j]) })
	if len(out) > MaxStored {
		out = out[len(out)-MaxStored:]
	}
	return out
}

func (s *IDSet) persistLocked(ctx context.Context) error {
	// only the persisted document is capped; membership held since startup is
	// kept so ids below the window are not delivered again
	ids := s.boundedLocked()
	data, err := json.MarshalIndent(ids, "", "    ")
	if err != nil {
		return fmt.Errorf("dedup: marshal ids: %w", err)
	}
	if err := s.backend.Save(ctx, s.name, data); err != nil {
		return fmt.Errorf("dedup: save %s: %w", s.name, err)
	}
	return nil
}

// lessID orders numeric ids numerically and everything else lexicographically.
func lessID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
