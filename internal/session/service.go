package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/ids"
	"bookplace.org/internal/ledger"
	"bookplace.org/internal/obs"
)

const defaultCompensationTimeout = 5 * time.Second

// Service orchestrates credential issuance, rotation and revocation.
// A user's session state is exactly the set of tids registered for them in the ledger.
type Service struct {
	codec  *auth.Codec
	users  auth.UserStore
	ledger ledger.Ledger
	logger *slog.Logger

	compensationTimeout time.Duration
}

// Option configures Service behaviour.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCompensationTimeout bounds the cleanup performed after a partial failure.
func WithCompensationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.compensationTimeout = d
		}
	}
}

// New constructs a Service.
func New(codec *auth.Codec, users auth.UserStore, l ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		codec:               codec,
		users:               users,
		ledger:              l,
		logger:              slog.Default(),
		compensationTimeout: defaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenPair is a registered access + refresh credential pair.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Result is returned by every flow that issues credentials.
type Result struct {
	Pair      TokenPair
	Principal auth.Principal
}

// RegisterInput carries the fields needed to open an account.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Surname  string
	Phone    string
}

func (in RegisterInput) validate() error {
	switch {
	case utf8.RuneCountInString(strings.TrimSpace(in.Name)) < 2:
		return fmt.Errorf("%w: name must be at least 2 characters long", auth.ErrInvalidInput)
	case utf8.RuneCountInString(strings.TrimSpace(in.Surname)) < 2:
		return fmt.Errorf("%w: surname must be at least 2 characters long", auth.ErrInvalidInput)
	case utf8.RuneCountInString(in.Password) < 6:
		return fmt.Errorf("%w: password must be at least 6 characters long", auth.ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil || addr.Address != strings.TrimSpace(in.Email) {
		return fmt.Errorf("%w: invalid email format", auth.ErrInvalidInput)
	}
	return nil
}

// Register opens an account with the default Guest role and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (res Result, err error) {
	defer func() { obs.RecordSession("register", err) }()

	if err := in.validate(); err != nil {
		return Result{}, err
	}
	email := auth.NormalizeEmail(in.Email)
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return Result{}, auth.ErrDuplicateAccount
	} else if !errors.Is(err, auth.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup account: %w", err)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}
	user := &auth.User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Surname:      strings.TrimSpace(in.Surname),
		Phone:        strings.TrimSpace(in.Phone),
		Roles:        []string{auth.RoleGuest},
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, auth.ErrDuplicateAccount) {
			return Result{}, auth.ErrDuplicateAccount
		}
		return Result{}, fmt.Errorf("create account: %w", err)
	}

	principal := user.Principal()
	pair, err := s.issuePair(ctx, principal)
	if err != nil {
		return Result{}, err
	}
	s.logger.InfoContext(ctx, "account registered", "user_id", user.ID)
	return Result{Pair: pair, Principal: principal}, nil
}

// Login verifies credentials, revokes every prior session of the user and
// issues a new pair. Unknown email and wrong password fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (res Result, err error) {
	defer func() { obs.RecordSession("login", err) }()

	user, err := s.users.FindByEmail(ctx, auth.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			auth.BurnPasswordCheck(password)
			return Result{}, auth.ErrInvalidCredentials
		}
		return Result{}, fmt.Errorf("lookup account: %w", err)
	}
	if err := auth.VerifyPassword(user.PasswordHash, password); err != nil {
		return Result{}, auth.ErrInvalidCredentials
	}

	// Revoke and register are not atomic: a request landing in between sees
	// no active session for this user, which is accepted.
	active, err := s.ledger.ActiveForUser(ctx, user.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list active tokens: %w", err)
	}
	if tids := ledger.TIDs(active); len(tids) > 0 {
		if _, err := s.ledger.RevokeByTids(ctx, tids); err != nil {
			return Result{}, fmt.Errorf("revoke prior sessions: %w", err)
		}
	}

	principal := user.Principal()
	pair, err := s.issuePair(ctx, principal)
	if err != nil {
		return Result{}, err
	}
	s.logger.InfoContext(ctx, "login", "user_id", user.ID, "revoked", len(active))
	return Result{Pair: pair, Principal: principal}, nil
}

// Refresh rotates a refresh credential. The old tid is consumed with a
// conditional delete before anything is minted, so a replayed token loses.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (res Result, err error) {
	defer func() { obs.RecordSession("refresh", err) }()

	claims, err := s.codec.Decode(refreshToken, true)
	if err != nil {
		s.logger.WarnContext(ctx, "refresh token rejected", "tid", auth.PeekTID(refreshToken), "err", err)
		return Result{}, err
	}
	if claims.Kind != auth.KindRefresh {
		s.logger.WarnContext(ctx, "refresh with wrong token kind", "tid", claims.TID(), "kind", claims.Kind.String())
		return Result{}, auth.ErrWrongTokenKind
	}

	user, err := s.users.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Result{}, auth.ErrUnknownUser
		}
		return Result{}, fmt.Errorf("lookup account: %w", err)
	}

	consumed, err := s.ledger.Consume(ctx, claims.TID(), auth.KindRefresh)
	if err != nil {
		return Result{}, fmt.Errorf("consume refresh tid: %w", err)
	}
	if !consumed {
		s.logger.WarnContext(ctx, "refresh token already rotated or revoked", "tid", claims.TID(), "user_id", user.ID)
		return Result{}, auth.ErrRevoked
	}

	principal := user.Principal()
	pair, err := s.issuePair(ctx, principal)
	if err != nil {
		return Result{}, err
	}
	return Result{Pair: pair, Principal: principal}, nil
}

// Logout revokes the presented tokens that belong to callerID. Tokens owned
// by anybody else are ignored; if nothing remains, ErrNoValidTokens.
func (s *Service) Logout(ctx context.Context, callerID, accessToken, refreshToken string) (revoked int64, err error) {
	defer func() { obs.RecordSession("logout", err) }()

	callerID = strings.TrimSpace(callerID)
	var tids []string
	for _, token := range []string{accessToken, refreshToken} {
		if strings.TrimSpace(token) == "" {
			continue
		}
		claims, err := s.codec.Decode(token, true)
		if err != nil {
			s.logger.WarnContext(ctx, "logout token rejected", "tid", auth.PeekTID(token), "err", err)
			continue
		}
		if callerID == "" || claims.Subject != callerID {
			s.logger.WarnContext(ctx, "logout token belongs to another subject", "tid", claims.TID(), "user_id", callerID)
			continue
		}
		tids = append(tids, claims.TID())
	}
	if len(tids) == 0 {
		return 0, auth.ErrNoValidTokens
	}
	n, err := s.ledger.RevokeByTids(ctx, tids)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return n, nil
}

// RevokeAll signs the user out of every device.
func (s *Service) RevokeAll(ctx context.Context, userID string) (revoked int64, err error) {
	defer func() { obs.RecordSession("revoke_all", err) }()

	n, err := s.ledger.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all tokens: %w", err)
	}
	return n, nil
}

// Promote grants the Host role and issues a pair that carries it. Other
// sessions of the user are left to expire naturally.
func (s *Service) Promote(ctx context.Context, userID string) (res Result, err error) {
	defer func() { obs.RecordSession("promote", err) }()

	user, err := s.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Result{}, auth.ErrUnknownUser
		}
		return Result{}, fmt.Errorf("lookup account: %w", err)
	}
	principal := user.Principal()
	if principal.HasRole(auth.RoleHost) {
		return Result{}, auth.ErrAlreadyHasRole
	}
	if err := s.users.AddRole(ctx, user.ID, auth.RoleHost); err != nil {
		if errors.Is(err, auth.ErrAlreadyHasRole) {
			return Result{}, auth.ErrAlreadyHasRole
		}
		return Result{}, fmt.Errorf("grant role: %w", err)
	}

	principal = principal.WithRole(auth.RoleHost)
	pair, err := s.issuePair(ctx, principal)
	if err != nil {
		return Result{}, err
	}
	s.logger.InfoContext(ctx, "account promoted", "user_id", user.ID, "role", auth.RoleHost)
	return Result{Pair: pair, Principal: principal}, nil
}

// Me returns the current profile of userID.
func (s *Service) Me(ctx context.Context, userID string) (auth.Principal, error) {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, auth.ErrUnknownUser
		}
		return auth.Principal{}, fmt.Errorf("lookup account: %w", err)
	}
	return user.Principal(), nil
}

// issuePair mints both credentials and whitelists them. If the refresh entry
// cannot be stored the access entry is revoked again, so no half-registered
// pair survives.
func (s *Service) issuePair(ctx context.Context, p auth.Principal) (TokenPair, error) {
	access, err := s.codec.Mint(auth.KindAccess, p)
	if err != nil {
		return TokenPair{}, fmt.Errorf("mint access token: %w", err)
	}
	refresh, err := s.codec.Mint(auth.KindRefresh, p)
	if err != nil {
		return TokenPair{}, fmt.Errorf("mint refresh token: %w", err)
	}

	if err := s.ledger.Register(ctx, entryFor(p.ID, access)); err != nil {
		return TokenPair{}, fmt.Errorf("register access token: %w", err)
	}
	if err := s.ledger.Register(ctx, entryFor(p.ID, refresh)); err != nil {
		s.compensate(ctx, p.ID, access.TID)
		return TokenPair{}, fmt.Errorf("register refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *Service) compensate(ctx context.Context, userID string, tids ...string) {
	// The caller's context may already be cancelled; cleanup must still run.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()
	if _, err := s.ledger.RevokeByTids(cctx, tids); err != nil {
		s.logger.ErrorContext(ctx, "compensating revoke failed", "user_id", userID, "tids", tids, "err", err)
	}
}

func entryFor(userID string, m auth.Minted) ledger.Entry {
	return ledger.Entry{
		ID:        ids.NewAt(m.IssuedAt),
		TID:       m.TID,
		UserID:    userID,
		Kind:      m.Kind,
		CreatedAt: m.IssuedAt,
		ExpiresAt: m.ExpiresAt,
	}
}
