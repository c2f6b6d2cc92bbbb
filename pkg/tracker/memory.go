package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

// MemoryStore is an in-process Store. It is the reference
// implementation for the dedup and lease semantics and doubles as the
// test backend.
type MemoryStore struct {
	mu       sync.Mutex
	defects  map[string]*defect.Defect // by ID
	comments map[string][]string       // by defect ID, append-only
	logger   *zap.Logger

	// now is injectable for lease expiry tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		defects:  make(map[string]*defect.Defect),
		comments: make(map[string][]string),
		logger:   logger,
		now:      time.Now,
	}
}

// FindOpenByKey implements Store.
func (s *MemoryStore) FindOpenByKey(ctx context.Context, key string) (*defect.Defect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.findOpenLocked(key)
	if d == nil {
		return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	cp := *d
	return &cp, nil
}

// findOpenLocked returns the oldest open defect for key, or nil.
// Oldest-wins keeps lookups deterministic if a dedup race ever
// produced two open defects for one key.
func (s *MemoryStore) findOpenLocked(key string) *defect.Defect {
	var matches []*defect.Defect
	for _, d := range s.defects {
		if d.State == defect.StateOpen && d.DedupKey == key {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return matches[0]
}

// CreateIfAbsent implements Store. The find-and-create pair runs under
// one lock, so concurrent callers with the same dedup key yield
// exactly one open defect.
func (s *MemoryStore) CreateIfAbsent(ctx context.Context, title, body string, labels []string) (*defect.Defect, bool, error) {
	key := defect.Key(title)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findOpenLocked(key); existing != nil {
		s.comments[existing.ID] = append(s.comments[existing.ID],
			fmt.Sprintf("Duplicate trigger: %q matched existing defect %s.", title, existing.ID))
		s.logger.Debug("duplicate defect trigger",
			zap.String("defect_id", existing.ID),
			zap.String("dedup_key", key))
		cp := *existing
		return &cp, false, nil
	}

	d := &defect.Defect{
		ID:        uuid.New().String(),
		Title:     title,
		Body:      body,
		Labels:    append([]string{}, labels...),
		State:     defect.StateOpen,
		DedupKey:  key,
		CreatedAt: s.now(),
	}
	s.defects[d.ID] = d

	s.logger.Info("defect filed",
		zap.String("defect_id", d.ID),
		zap.String("dedup_key", key))

	cp := *d
	return &cp, true, nil
}

// Comment implements Store.
func (s *MemoryStore) Comment(ctx context.Context, d *defect.Defect, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defects[d.ID]; !ok {
		return fmt.Errorf("%w: id %q", ErrNotFound, d.ID)
	}
	s.comments[d.ID] = append(s.comments[d.ID], text)
	return nil
}

// Close implements Store. Closing an already-closed defect returns
// ErrClosed without appending the comment.
func (s *MemoryStore) Close(ctx context.Context, d *defect.Defect, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.defects[d.ID]
	if !ok {
		return fmt.Errorf("%w: id %q", ErrNotFound, d.ID)
	}
	if stored.State == defect.StateClosed {
		return fmt.Errorf("%w: id %q", ErrClosed, d.ID)
	}

	s.comments[d.ID] = append(s.comments[d.ID], text)
	stored.State = defect.StateClosed
	stored.Lease = defect.Lease{}
	d.State = defect.StateClosed

	s.logger.Info("defect closed", zap.String("defect_id", d.ID))
	return nil
}

// AcquireLease implements Store.
func (s *MemoryStore) AcquireLease(ctx context.Context, d *defect.Defect, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.defects[d.ID]
	if !ok {
		return false, fmt.Errorf("%w: id %q", ErrNotFound, d.ID)
	}

	now := s.now()
	if stored.Lease.Active(now) && stored.Lease.Holder != holder {
		return false, nil
	}

	stored.Lease = defect.Lease{Holder: holder, Expires: now.Add(ttl)}
	d.Lease = stored.Lease
	return true, nil
}

// ReleaseLease implements Store.
func (s *MemoryStore) ReleaseLease(ctx context.Context, d *defect.Defect, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.defects[d.ID]
	if !ok {
		return fmt.Errorf("%w: id %q", ErrNotFound, d.ID)
	}
	if stored.Lease.Holder == holder {
		stored.Lease = defect.Lease{}
		d.Lease = defect.Lease{}
	}
	return nil
}

// Comments returns the append-only comment history of a defect.
// Test and debugging accessor.
func (s *MemoryStore) Comments(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.comments[id]...)
}

// Get returns a copy of a defect by ID. Test and debugging accessor.
func (s *MemoryStore) Get(id string) (*defect.Defect, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defects[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// SetClock overrides the store's clock. Test accessor.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
