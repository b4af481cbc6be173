package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest HS256 secret the codec accepts.
const MinSecretLength = 32

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	// Allow a small clock skew of 5 seconds when validating issued-at.
	issuedAtSkew = 5 * time.Second
)

// Kind tells access credentials apart from refresh credentials.
// It is always signed into the token under the "kind" claim.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

func (k Kind) String() string { return string(k) }

// CodecConfig is the immutable codec configuration. It is copied into the
// codec at construction time and never read from the environment afterwards.
type CodecConfig struct {
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Claims represents JWT claims carried by both credential kinds.
// Roles, Email and GivenName are only populated for access credentials.
type Claims struct {
	Kind      Kind     `json:"kind"`
	Roles     []string `json:"roles,omitempty"`
	Email     string   `json:"email,omitempty"`
	GivenName string   `json:"given_name,omitempty"`
	jwt.RegisteredClaims
}

// TID returns the token identifier, the unit of revocation.
func (c *Claims) TID() string { return c.ID }

// Minted is a freshly signed credential together with the facts the
// whitelist needs to mirror it.
type Minted struct {
	Token     string
	TID       string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec signs and verifies HS256 bearer credentials.
type Codec struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	newTID     func() string
}

// CodecOption configures Codec behaviour.
type CodecOption func(*Codec)

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithTIDGenerator overrides how token identifiers are generated.
func WithTIDGenerator(fn func() string) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.newTID = fn
		}
	}
}

// NewCodec validates cfg and constructs a Codec.
func NewCodec(cfg CodecConfig, opts ...CodecOption) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrInvalidInput, MinSecretLength)
	}
	c := &Codec{
		secret:     slices.Clone(cfg.Secret),
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
		newTID:     uuid.NewString,
	}
	if c.accessTTL <= 0 {
		c.accessTTL = defaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = defaultRefreshTTL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the lifetime used for the given kind.
func (c *Codec) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Mint signs a new credential of the given kind for p. Every call gets a
// fresh random tid. Refresh credentials carry only subject, tid and kind.
func (c *Codec) Mint(kind Kind, p Principal) (Minted, error) {
	if !kind.Valid() {
		return Minted{}, fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}
	subject := strings.TrimSpace(p.ID)
	if subject == "" {
		return Minted{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}

	// NumericDate has second precision; truncate so the returned expiry
	// matches what a later Decode will report.
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(c.TTL(kind))
	tid := c.newTID()

	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        tid,
		},
	}
	if c.audience != "" {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}
	if kind == KindAccess {
		claims.Roles = NormalizeRoles(p.Roles)
		claims.Email = p.Email
		claims.GivenName = p.Name
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return Minted{}, fmt.Errorf("sign token: %w", err)
	}
	return Minted{
		Token:     signed,
		TID:       tid,
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

// Decode verifies the signature and structure of token. With ignoreExpiry set
// the expiry check alone is skipped; everything else is still enforced.
func (c *Codec) Decode(token string, ignoreExpiry bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSignature
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrMalformedToken
		}
		return nil, ErrInvalidSignature
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	if err := c.validateClaims(claims, ignoreExpiry); err != nil {
		return nil, err
	}
	claims.Roles = NormalizeRoles(claims.Roles)
	return claims, nil
}

func (c *Codec) validateClaims(claims *Claims, ignoreExpiry bool) error {
	if !claims.Kind.Valid() {
		return fmt.Errorf("%w: kind missing", ErrMalformedToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return fmt.Errorf("%w: subject missing", ErrMalformedToken)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return fmt.Errorf("%w: tid missing", ErrMalformedToken)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return fmt.Errorf("%w: timestamps missing", ErrMalformedToken)
	}
	if claims.Issuer != c.issuer {
		return fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if c.audience != "" && !slices.Contains(claims.Audience, c.audience) {
		return fmt.Errorf("%w: unexpected audience", ErrInvalidToken)
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return fmt.Errorf("%w: expiry precedes issued-at", ErrInvalidToken)
	}
	now := c.now().UTC()
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	if ignoreExpiry {
		return nil
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	return nil
}

// PeekTID extracts the tid without verifying anything. The result is only
// fit for log lines about tokens that failed verification.
func PeekTID(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.ID
}
