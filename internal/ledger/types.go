package ledger

import (
	"context"
	"errors"
	"time"

	"bookplace.org/internal/auth"
)

// Entry is one whitelisted credential. A credential is usable iff an entry
// with its tid exists and has not expired. Entries are never updated in place.
type Entry struct {
	ID        string    `json:"id"`
	TID       string    `json:"tid"`
	UserID    string    `json:"user_id"`
	Kind      auth.Kind `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActiveAt reports whether the entry is still usable at t.
func (e Entry) ActiveAt(t time.Time) bool { return e.ExpiresAt.After(t) }

// Validate checks the fields every stored entry must have.
func (e Entry) Validate() error {
	switch {
	case e.ID == "", e.TID == "", e.UserID == "":
		return ErrInvalidEntry
	case !e.Kind.Valid():
		return ErrInvalidEntry
	case e.ExpiresAt.IsZero():
		return ErrInvalidEntry
	}
	return nil
}

var (
	ErrDuplicateTid = errors.New("ledger: duplicate tid")
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

// Ledger is the whitelist of currently valid token identifiers.
// Every operation is idempotent with respect to absent rows.
type Ledger interface {
	// Register inserts e; ErrDuplicateTid if the tid is already present.
	Register(ctx context.Context, e Entry) error
	// Consume deletes the non-expired entry with the given tid and kind and
	// reports whether a row was removed. Exactly one concurrent caller wins.
	Consume(ctx context.Context, tid string, kind auth.Kind) (bool, error)
	RevokeByTids(ctx context.Context, tids []string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	IsActive(ctx context.Context, tid string) (bool, error)
	ActiveForUser(ctx context.Context, userID string) ([]Entry, error)
	// SweepExpired deletes every entry with ExpiresAt <= now.
	SweepExpired(ctx context.Context) (int64, error)
}

// TIDs returns the token identifiers of entries.
func TIDs(entries []Entry) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TID)
	}
	return out
}
