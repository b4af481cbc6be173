package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/ledger"
)

// Whitelist implements ledger.Ledger on the whitelist table. Expiry
// predicates use the store clock, not the database clock.
type Whitelist struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Ledger = (*Whitelist)(nil)

func (w *Whitelist) Register(ctx context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = w.now()
	}
	_, err := w.db.ExecContext(ctx, `
		insert into whitelist (id, tid, user_id, kind, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.TID, e.UserID, string(e.Kind), created.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return ledger.ErrDuplicateTid
		}
		return err
	}
	return nil
}

// Consume is a single conditional delete; the affected-row count decides
// which of several concurrent callers won.
func (w *Whitelist) Consume(ctx context.Context, tid string, kind auth.Kind) (bool, error) {
	res, err := w.db.ExecContext(ctx, `
		delete from whitelist
		where tid = $1 and kind = $2 and expires_at > $3
	`, tid, string(kind), w.now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (w *Whitelist) RevokeByTids(ctx context.Context, tids []string) (int64, error) {
	if len(tids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(tids))
	args := make([]any, len(tids))
	for i, tid := range tids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = tid
	}
	query := `delete from whitelist where tid in (` + strings.Join(placeholders, ", ") + `)`
	res, err := w.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (w *Whitelist) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := w.db.ExecContext(ctx, `delete from whitelist where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (w *Whitelist) IsActive(ctx context.Context, tid string) (bool, error) {
	var active bool
	err := w.db.QueryRowContext(ctx, `
		select exists (select 1 from whitelist where tid = $1 and expires_at > $2)
	`, tid, w.now().UTC()).Scan(&active)
	if err != nil {
		return false, err
	}
	return active, nil
}

func (w *Whitelist) ActiveForUser(ctx context.Context, userID string) ([]ledger.Entry, error) {
	rows, err := w.db.QueryContext(ctx, `
		select id, tid, user_id, kind, created_at, expires_at
		from whitelist
		where user_id = $1 and expires_at > $2
		order by created_at asc, id asc
	`, userID, w.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Entry
	for rows.Next() {
		var (
			e    ledger.Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.TID, &e.UserID, &kind, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Kind = auth.Kind(kind)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (w *Whitelist) SweepExpired(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, `delete from whitelist where expires_at <= $1`, w.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
