package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"bookplace.org/internal/auth"
)

// InMemory implements Ledger with in-process concurrency safety.
// It backs tests and single-node development runs without a database.
type InMemory struct {
	mu     sync.RWMutex
	byTid  map[string]Entry
	byUser map[string]map[string]struct{}
	now    func() time.Time
}

var _ Ledger = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty whitelist.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		byTid:  make(map[string]Entry),
		byUser: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Register(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTid[e.TID]; ok {
		return ErrDuplicateTid
	}
	s.byTid[e.TID] = e
	tids, ok := s.byUser[e.UserID]
	if !ok {
		tids = make(map[string]struct{})
		s.byUser[e.UserID] = tids
	}
	tids[e.TID] = struct{}{}
	return nil
}

func (s *InMemory) Consume(ctx context.Context, tid string, kind auth.Kind) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTid[tid]
	if !ok || e.Kind != kind || !e.ActiveAt(s.now()) {
		return false, nil
	}
	s.deleteLocked(e)
	return true, nil
}

func (s *InMemory) RevokeByTids(ctx context.Context, tids []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tid := range tids {
		if e, ok := s.byTid[tid]; ok {
			s.deleteLocked(e)
			n++
		}
	}
	return n, nil
}

func (s *InMemory) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for tid := range s.byUser[userID] {
		delete(s.byTid, tid)
		n++
	}
	delete(s.byUser, userID)
	return n, nil
}

func (s *InMemory) IsActive(ctx context.Context, tid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byTid[tid]
	return ok && e.ActiveAt(s.now()), nil
}

func (s *InMemory) ActiveForUser(ctx context.Context, userID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var res []Entry
	for tid := range s.byUser[userID] {
		if e := s.byTid[tid]; e.ActiveAt(now) {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *InMemory) SweepExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, e := range s.byTid {
		if !e.ActiveAt(now) {
			s.deleteLocked(e)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTid)
}

func (s *InMemory) deleteLocked(e Entry) {
	delete(s.byTid, e.TID)
	if tids, ok := s.byUser[e.UserID]; ok {
		delete(tids, e.TID)
		if len(tids) == 0 {
			delete(s.byUser, e.UserID)
		}
	}
}
