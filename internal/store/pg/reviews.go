package pg

import (
	"context"
	"database/sql"

	"bookplace.org/internal/policy"
)

// Reviews answers the one derived fact the authorization policies need.
type Reviews struct {
	db *sql.DB
}

var _ policy.ReviewLookup = (*Reviews)(nil)

// ActiveReviewExists reports whether a non-archived review references reservationID.
func (r *Reviews) ActiveReviewExists(ctx context.Context, reservationID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		select exists (
			select 1 from reviews
			where reservation_id = $1 and archived_at is null
		)
	`, reservationID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
