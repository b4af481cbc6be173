package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookplace.org/internal/auth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func entry(id, tid, user string, kind auth.Kind, created time.Time, ttl time.Duration) Entry {
	return Entry{ID: id, TID: tid, UserID: user, Kind: kind, CreatedAt: created, ExpiresAt: created.Add(ttl)}
}

func TestRegisterAndIsActive(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewInMemory(WithClock(clock.Now))

	if err := s.Register(ctx, entry("e1", "t1", "u1", auth.KindAccess, clock.t, time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(ctx, entry("e2", "t1", "u1", auth.KindAccess, clock.t, time.Minute)); !errors.Is(err, ErrDuplicateTid) {
		t.Fatalf("expected ErrDuplicateTid, got %v", err)
	}
	if err := s.Register(ctx, Entry{ID: "e3", TID: "t3"}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}

	active, err := s.IsActive(ctx, "t1")
	if err != nil || !active {
		t.Fatalf("expected t1 active, got %v err=%v", active, err)
	}
	if active, _ := s.IsActive(ctx, "missing"); active {
		t.Fatal("unknown tid reported active")
	}

	// ExpiresAt == now is already inactive.
	clock.Advance(time.Minute)
	if active, _ := s.IsActive(ctx, "t1"); active {
		t.Fatal("expired tid reported active")
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	s := NewInMemory(WithClock(clock.Now))
	_ = s.Register(ctx, entry("e1", "r1", "u1", auth.KindRefresh, clock.t, time.Hour))
	_ = s.Register(ctx, entry("e2", "a1", "u1", auth.KindAccess, clock.t, time.Hour))

	if ok, _ := s.Consume(ctx, "a1", auth.KindRefresh); ok {
		t.Fatal("access tid consumed as refresh")
	}
	if ok, _ := s.Consume(ctx, "r1", auth.KindRefresh); !ok {
		t.Fatal("expected first consume to succeed")
	}
	if ok, _ := s.Consume(ctx, "r1", auth.KindRefresh); ok {
		t.Fatal("second consume must fail")
	}
}

func TestConsumeRaceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	_ = s.Register(ctx, entry("e1", "r1", "u1", auth.KindRefresh, time.Now(), time.Hour))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Consume(ctx, "r1", auth.KindRefresh); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestConsumeSkipsExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	s := NewInMemory(WithClock(clock.Now))
	_ = s.Register(ctx, entry("e1", "r1", "u1", auth.KindRefresh, clock.t, time.Minute))
	clock.Advance(2 * time.Minute)
	if ok, _ := s.Consume(ctx, "r1", auth.KindRefresh); ok {
		t.Fatal("expired refresh tid must not be consumable")
	}
}

func TestRevocation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	s := NewInMemory(WithClock(clock.Now))
	_ = s.Register(ctx, entry("e1", "a1", "u1", auth.KindAccess, clock.t, time.Hour))
	_ = s.Register(ctx, entry("e2", "r1", "u1", auth.KindRefresh, clock.t.Add(time.Second), time.Hour))
	_ = s.Register(ctx, entry("e3", "a2", "u2", auth.KindAccess, clock.t, time.Hour))

	entries, err := s.ActiveForUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got := TIDs(entries); len(got) != 2 || got[0] != "a1" || got[1] != "r1" {
		t.Fatalf("unexpected active tids: %v", got)
	}

	n, err := s.RevokeByTids(ctx, []string{"a1", "missing"})
	if err != nil || n != 1 {
		t.Fatalf("RevokeByTids n=%d err=%v", n, err)
	}
	if n, err := s.RevokeByTids(ctx, nil); err != nil || n != 0 {
		t.Fatalf("revoking nothing must not fail: n=%d err=%v", n, err)
	}
	if active, _ := s.IsActive(ctx, "a1"); active {
		t.Fatal("revoked tid still active")
	}

	n, err = s.RevokeAllForUser(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAllForUser n=%d err=%v", n, err)
	}
	if active, _ := s.IsActive(ctx, "a2"); !active {
		t.Fatal("other user's tid was revoked")
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	s := NewInMemory(WithClock(clock.Now))
	_ = s.Register(ctx, entry("e1", "a1", "u1", auth.KindAccess, clock.t, time.Minute))
	_ = s.Register(ctx, entry("e2", "r1", "u1", auth.KindRefresh, clock.t, time.Hour))

	clock.Advance(time.Minute)
	sweeper := NewSweeper(s, time.Second, nil)
	n, err := sweeper.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepOnce n=%d err=%v", n, err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one remaining entry, got %d", s.Len())
	}
	entries, _ := s.ActiveForUser(ctx, "u1")
	if len(entries) != 1 || entries[0].TID != "r1" {
		t.Fatalf("unexpected survivors: %+v", entries)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewInMemory(WithClock(clock.Now))
	_ = s.Register(context.Background(), entry("e1", "a1", "u1", auth.KindAccess, clock.t, time.Minute))
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(s, 5*time.Millisecond, nil).Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for s.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not purge expired entry")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewInMemory()
	if err := s.Register(ctx, entry("e1", "a1", "u1", auth.KindAccess, time.Now(), time.Minute)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
