package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// User is a registered account.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Name              string
	Surname           string
	Phone             string
	ProfilePictureURL string
	Roles             []string
	CreatedAt         time.Time
}

// Principal projects the account onto the identity used for tokens and policies.
func (u *User) Principal() Principal {
	if u == nil {
		return Principal{}
	}
	return Principal{
		ID:                u.ID,
		Email:             u.Email,
		Name:              u.Name,
		Surname:           u.Surname,
		Phone:             u.Phone,
		ProfilePictureURL: u.ProfilePictureURL,
		Roles:             NormalizeRoles(u.Roles),
	}
}

// UserStore manages accounts and their role sets.
type UserStore interface {
	// Create fails with ErrDuplicateAccount when the email is taken.
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// AddRole fails with ErrAlreadyHasRole when the role is already granted.
	AddRole(ctx context.Context, userID, role string) error
}

// NormalizeEmail is the canonical form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryUserStore implements UserStore in process memory.
type MemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

var _ UserStore = (*MemoryUserStore)(nil)

// NewMemoryUserStore creates an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryUserStore) Create(ctx context.Context, u *User) error {
	if u == nil || u.ID == "" {
		return ErrInvalidInput
	}
	email := NormalizeEmail(u.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return ErrDuplicateAccount
	}
	if _, ok := s.byID[u.ID]; ok {
		return ErrDuplicateAccount
	}
	stored := cloneUser(u)
	stored.Email = email
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.byID[u.ID] = stored
	s.byEmail[email] = u.ID
	return nil
}

func (s *MemoryUserStore) Find(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *MemoryUserStore) AddRole(ctx context.Context, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	if u.Principal().HasRole(role) {
		return ErrAlreadyHasRole
	}
	u.Roles = NormalizeRoles(append(u.Roles, role))
	return nil
}

func cloneUser(u *User) *User {
	out := *u
	out.Roles = slices.Clone(u.Roles)
	return &out
}
