package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"bookplace.org/internal/auth"
)

// Users implements auth.UserStore on the users and user_roles tables.
type Users struct {
	db *sql.DB
}

var _ auth.UserStore = (*Users)(nil)

func (u *Users) Create(ctx context.Context, user *auth.User) (err error) {
	if user == nil || user.ID == "" {
		return auth.ErrInvalidInput
	}
	created := user.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		insert into users (id, email, password_hash, name, surname, phone, profile_picture_url, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, auth.NormalizeEmail(user.Email), user.PasswordHash, user.Name, user.Surname,
		user.Phone, user.ProfilePictureURL, created.UTC()); err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			err = auth.ErrDuplicateAccount
		}
		return err
	}
	for _, role := range auth.NormalizeRoles(user.Roles) {
		if _, err = tx.ExecContext(ctx, `
			insert into user_roles (user_id, role) values ($1, $2)
		`, user.ID, role); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const selectUser = `
	select id, email, password_hash, name, surname, phone, profile_picture_url, created_at
	from users
`

func (u *Users) Find(ctx context.Context, id string) (*auth.User, error) {
	return u.findOne(ctx, selectUser+` where id = $1`, id)
}

func (u *Users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return u.findOne(ctx, selectUser+` where email = $1`, auth.NormalizeEmail(email))
}

func (u *Users) findOne(ctx context.Context, query string, arg string) (*auth.User, error) {
	var user auth.User
	err := u.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.Surname,
		&user.Phone, &user.ProfilePictureURL, &user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	roles, err := u.roles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return &user, nil
}

func (u *Users) roles(ctx context.Context, userID string) ([]string, error) {
	rows, err := u.db.QueryContext(ctx, `
		select role from user_roles where user_id = $1 order by granted_at asc, role asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return auth.NormalizeRoles(roles), nil
}

// AddRole grants role to userID. A unique index on (user_id, lower(role))
// makes a repeated grant a no-op, reported as ErrAlreadyHasRole.
func (u *Users) AddRole(ctx context.Context, userID, role string) error {
	role = strings.TrimSpace(role)
	if userID == "" || role == "" {
		return auth.ErrInvalidInput
	}
	res, err := u.db.ExecContext(ctx, `
		insert into user_roles (user_id, role) values ($1, $2)
		on conflict do nothing
	`, userID, role)
	if err != nil {
		if isPgCode(err, pgErrForeignKeyViolation) {
			return auth.ErrNotFound
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrAlreadyHasRole
	}
	return nil
}
