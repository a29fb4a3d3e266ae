// Package memory provides in-process implementations of the persistence
// ports. They back development mode (no DATABASE_URL) and the tests of
// the application layer.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
)

// ProgressStore implements progression.Store and progression.Reader.
// ClaimAndScore holds the lock across check and write, so exactly one
// concurrent caller wins.
type ProgressStore struct {
	mu     sync.Mutex
	states map[string]*progression.State
	now    func() time.Time
}

// NewProgressStore creates an empty store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		states: make(map[string]*progression.State),
		now:    time.Now,
	}
}

// GetOrCreate returns a copy of the user's state, creating it if absent.
func (s *ProgressStore) GetOrCreate(_ context.Context, userID string) (*progression.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.getOrCreate(userID)), nil
}

// Get returns shared.ErrProgressNotFound for unknown users.
func (s *ProgressStore) Get(_ context.Context, userID string) (*progression.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userID]
	if !ok {
		return nil, shared.ErrProgressNotFound
	}
	return copyState(st), nil
}

// ClaimAndScore marks the analysis done and adds the totals if not done yet.
func (s *ProgressStore) ClaimAndScore(_ context.Context, userID string, totals progression.Totals) (progression.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreate(userID)
	if st.RetroactiveDone {
		return progression.Claim{}, nil
	}

	now := s.now()
	st.TotalPoints += totals.TotalPoints
	for k, v := range totals.PointsByCategory() {
		st.PointsByCategory[k] = v
	}
	st.EventCount = totals.EventCount
	st.RetroactiveDone = true
	st.Status = progression.StatusCompleted
	st.BlockedReason = ""
	st.CompletedAt = &now
	st.UpdatedAt = now
	return progression.Claim{
		Claimed:          true,
		TotalPoints:      st.TotalPoints,
		PointsByCategory: copyState(st).PointsByCategory,
	}, nil
}

// MarkBlocked blocks a not-yet-done analysis.
func (s *ProgressStore) MarkBlocked(_ context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreate(userID)
	if st.RetroactiveDone {
		return nil
	}
	st.Status = progression.StatusBlocked
	st.BlockedReason = reason
	st.UpdatedAt = s.now()
	return nil
}

// ClearBlocked returns a blocked user to pending.
func (s *ProgressStore) ClearBlocked(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userID]
	if !ok || st.Status != progression.StatusBlocked {
		return nil
	}
	st.Status = progression.StatusPending
	st.BlockedReason = ""
	st.UpdatedAt = s.now()
	return nil
}

// ListBlocked returns blocked users, oldest update first.
func (s *ProgressStore) ListBlocked(_ context.Context, limit int) ([]*progression.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*progression.State
	for _, st := range s.states {
		if st.IsBlocked() {
			out = append(out, copyState(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ProgressStore) getOrCreate(userID string) *progression.State {
	st, ok := s.states[userID]
	if !ok {
		st = progression.NewState(userID, s.now())
		s.states[userID] = st
	}
	return st
}

func copyState(st *progression.State) *progression.State {
	c := *st
	c.PointsByCategory = make(map[string]int, len(st.PointsByCategory))
	for k, v := range st.PointsByCategory {
		c.PointsByCategory[k] = v
	}
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
