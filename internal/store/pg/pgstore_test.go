package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/ledger"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
		db.Close()
	})
	return New(db, WithClock(func() time.Time { return fixedNow })), mock
}

func TestWhitelistRegister(t *testing.T) {
	s, mock := newMockStore(t)
	e := ledger.Entry{
		ID:        "01HX",
		TID:       "tid-1",
		UserID:    "u1",
		Kind:      auth.KindAccess,
		CreatedAt: fixedNow,
		ExpiresAt: fixedNow.Add(15 * time.Minute),
	}
	mock.ExpectExec("insert into whitelist").
		WithArgs("01HX", "tid-1", "u1", "access", fixedNow, fixedNow.Add(15*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Whitelist().Register(context.Background(), e); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mock.ExpectExec("insert into whitelist").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if err := s.Whitelist().Register(context.Background(), e); !errors.Is(err, ledger.ErrDuplicateTid) {
		t.Fatalf("expected ErrDuplicateTid, got %v", err)
	}
}

func TestWhitelistRegisterRejectsInvalidEntry(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.Whitelist().Register(context.Background(), ledger.Entry{TID: "t"})
	if !errors.Is(err, ledger.ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestWhitelistConsumeUsesAffectedRows(t *testing.T) {
	s, mock := newMockStore(t)
	wl := s.Whitelist()

	mock.ExpectExec(`delete from whitelist where tid = \$1 and kind = \$2 and expires_at > \$3`).
		WithArgs("tid-r", "refresh", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := wl.Consume(context.Background(), "tid-r", auth.KindRefresh)
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}

	mock.ExpectExec(`delete from whitelist where tid = \$1`).
		WithArgs("tid-r", "refresh", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = wl.Consume(context.Background(), "tid-r", auth.KindRefresh)
	if err != nil || ok {
		t.Fatalf("replayed consume: ok=%v err=%v", ok, err)
	}
}

func TestWhitelistRevokeByTids(t *testing.T) {
	s, mock := newMockStore(t)
	wl := s.Whitelist()

	n, err := wl.RevokeByTids(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("empty revoke: n=%d err=%v", n, err)
	}

	mock.ExpectExec(`delete from whitelist where tid in \(\$1, \$2\)`).
		WithArgs("a", "b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err = wl.RevokeByTids(context.Background(), []string{"a", "b"})
	if err != nil || n != 1 {
		t.Fatalf("revoke: n=%d err=%v", n, err)
	}
}

func TestWhitelistRevokeAllAndSweep(t *testing.T) {
	s, mock := newMockStore(t)
	wl := s.Whitelist()

	mock.ExpectExec(`delete from whitelist where user_id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := wl.RevokeAllForUser(context.Background(), "u1")
	if err != nil || n != 3 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}

	mock.ExpectExec(`delete from whitelist where expires_at <= \$1`).
		WithArgs(fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err = wl.SweepExpired(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
}

func TestWhitelistIsActive(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select exists").
		WithArgs("tid-1", fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	active, err := s.Whitelist().IsActive(context.Background(), "tid-1")
	if err != nil || !active {
		t.Fatalf("IsActive: active=%v err=%v", active, err)
	}

	mock.ExpectQuery("select exists").
		WillReturnError(errors.New("connection reset"))
	if _, err := s.Whitelist().IsActive(context.Background(), "tid-1"); err == nil {
		t.Fatalf("expected store error to surface")
	}
}

func TestWhitelistActiveForUser(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "tid", "user_id", "kind", "created_at", "expires_at"}).
		AddRow("01A", "tid-a", "u1", "access", fixedNow, fixedNow.Add(time.Minute)).
		AddRow("01B", "tid-r", "u1", "refresh", fixedNow, fixedNow.Add(time.Hour))
	mock.ExpectQuery("from whitelist").WithArgs("u1", fixedNow).WillReturnRows(rows)

	entries, err := s.Whitelist().ActiveForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ActiveForUser: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Kind != auth.KindRefresh || entries[0].TID != "tid-a" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestUsersCreate(t *testing.T) {
	s, mock := newMockStore(t)
	u := &auth.User{
		ID:           "u1",
		Email:        " Ada@Example.com ",
		PasswordHash: "hash",
		Name:         "Ada",
		Surname:      "Lovelace",
		Roles:        []string{auth.RoleGuest},
		CreatedAt:    fixedNow,
	}
	mock.ExpectBegin()
	mock.ExpectExec("insert into users").
		WithArgs("u1", "ada@example.com", "hash", "Ada", "Lovelace", "", "", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", auth.RoleGuest).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestUsersCreateDuplicateEmail(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := s.Users().Create(context.Background(), &auth.User{ID: "u2", Email: "ada@example.com"})
	if !errors.Is(err, auth.ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestUsersFindLoadsRoles(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "email", "password_hash", "name", "surname", "phone", "profile_picture_url", "created_at"}
	mock.ExpectQuery("from users where email = \\$1").
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "ada@example.com", "hash", "Ada", "Lovelace", "", "", fixedNow))
	mock.ExpectQuery("select role from user_roles").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("Guest").AddRow("Host"))

	u, err := s.Users().FindByEmail(context.Background(), "ADA@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || len(u.Roles) != 2 || !u.Principal().HasRole(auth.RoleHost) {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestUsersFindMissing(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "email", "password_hash", "name", "surname", "phone", "profile_picture_url", "created_at"}
	mock.ExpectQuery("from users where id = \\$1").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(cols))

	if _, err := s.Users().Find(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsersAddRole(t *testing.T) {
	s, mock := newMockStore(t)
	users := s.Users()

	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", auth.RoleHost).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := users.AddRole(context.Background(), "u1", auth.RoleHost); err != nil {
		t.Fatalf("AddRole: %v", err)
	}

	mock.ExpectExec("insert into user_roles").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := users.AddRole(context.Background(), "u1", auth.RoleHost); !errors.Is(err, auth.ErrAlreadyHasRole) {
		t.Fatalf("expected ErrAlreadyHasRole, got %v", err)
	}

	mock.ExpectExec("insert into user_roles").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := users.AddRole(context.Background(), "ghost", auth.RoleHost); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReviewsActiveReviewExists(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("from reviews").
		WithArgs("res-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	exists, err := s.Reviews().ActiveReviewExists(context.Background(), "res-1")
	if err != nil || exists {
		t.Fatalf("ActiveReviewExists: exists=%v err=%v", exists, err)
	}
}
