package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCodec(t *testing.T, clock *testClock) *Codec {
	t.Helper()
	codec, err := NewCodec(CodecConfig{
		Secret:     []byte(testSecret),
		Issuer:     "bookplace-test",
		Audience:   "bookplace",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, WithCodecClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func testPrincipal() Principal {
	return Principal{
		ID:    "user-42",
		Email: "a@x.com",
		Name:  "Ada",
		Roles: []string{"Guest", "guest", " Host "},
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewCodec(CodecConfig{Secret: []byte("short")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMintAccessCarriesRolesAndContact(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)

	minted, err := codec.Mint(KindAccess, testPrincipal())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if minted.TID == "" || minted.Kind != KindAccess {
		t.Fatalf("unexpected minted token: %+v", minted)
	}
	if want := clock.t.Add(15 * time.Minute); !minted.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", minted.ExpiresAt, want)
	}

	claims, err := codec.Decode(minted.Token, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.Kind != KindAccess || claims.Subject != "user-42" || claims.TID() != minted.TID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Email != "a@x.com" || claims.GivenName != "Ada" {
		t.Fatalf("contact claims missing: %+v", claims)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "Guest" || claims.Roles[1] != "Host" {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestMintRefreshCarriesOnlyIdentity(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)

	minted, err := codec.Mint(KindRefresh, testPrincipal())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if want := clock.t.Add(7 * 24 * time.Hour); !minted.ExpiresAt.Equal(want) {
		t.Fatalf("expires at %v, want %v", minted.ExpiresAt, want)
	}
	claims, err := codec.Decode(minted.Token, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.Kind != KindRefresh {
		t.Fatalf("expected refresh kind, got %q", claims.Kind)
	}
	if len(claims.Roles) != 0 || claims.Email != "" || claims.GivenName != "" {
		t.Fatalf("refresh token leaked access claims: %+v", claims)
	}
}

func TestMintGeneratesDistinctTids(t *testing.T) {
	codec := newTestCodec(t, &testClock{t: time.Now()})
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		m, err := codec.Mint(KindAccess, testPrincipal())
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		if _, dup := seen[m.TID]; dup {
			t.Fatalf("duplicate tid %s", m.TID)
		}
		seen[m.TID] = struct{}{}
	}
}

func TestMintRejectsBadInput(t *testing.T) {
	codec := newTestCodec(t, &testClock{t: time.Now()})
	if _, err := codec.Mint(Kind("session"), testPrincipal()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown kind, got %v", err)
	}
	if _, err := codec.Mint(KindAccess, Principal{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty subject, got %v", err)
	}
}

func TestDecodeExpiry(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)
	minted, err := codec.Mint(KindAccess, testPrincipal())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	clock.Advance(16 * time.Minute)

	if _, err := codec.Decode(minted.Token, false); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if !errors.Is(ErrTokenExpired, ErrInvalidToken) {
		t.Fatalf("ErrTokenExpired must wrap ErrInvalidToken")
	}
	claims, err := codec.Decode(minted.Token, true)
	if err != nil {
		t.Fatalf("Decode with ignoreExpiry: %v", err)
	}
	if claims.TID() != minted.TID {
		t.Fatalf("unexpected tid %s", claims.TID())
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	clock := &testClock{t: time.Now()}
	codec := newTestCodec(t, clock)
	minted, err := codec.Mint(KindAccess, testPrincipal())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	other, err := NewCodec(CodecConfig{
		Secret:   []byte(strings.Repeat("z", MinSecretLength)),
		Issuer:   "bookplace-test",
		Audience: "bookplace",
	}, WithCodecClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	foreign, err := other.Mint(KindAccess, testPrincipal())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	parts := strings.Split(minted.Token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	flipped := parts[0] + "." + parts[1] + "." + string(sig)

	cases := map[string]struct {
		token string
		want  error
	}{
		"empty":          {token: "", want: ErrMalformedToken},
		"garbage":        {token: "not-a-jwt", want: ErrMalformedToken},
		"foreign secret": {token: foreign.Token, want: ErrInvalidSignature},
		"flipped sig":    {token: flipped, want: ErrInvalidSignature},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode(tc.token, true)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected error to wrap ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestDecodeRejectsAlgorithmSubstitution(t *testing.T) {
	clock := &testClock{t: time.Now()}
	codec := newTestCodec(t, clock)
	claims := Claims{
		Kind: KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bookplace-test",
			Audience:  jwt.ClaimStrings{"bookplace"},
			Subject:   "user-42",
			ID:        "tid-1",
			IssuedAt:  jwt.NewNumericDate(clock.t),
			ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Hour)),
		},
	}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign HS512: %v", err)
	}
	if _, err := codec.Decode(hs512, false); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected HS512 to be rejected, got %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := codec.Decode(none, true); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg=none to be rejected, got %v", err)
	}
}

func TestDecodeRequiresKindClaim(t *testing.T) {
	clock := &testClock{t: time.Now()}
	codec := newTestCodec(t, clock)
	// A correctly signed token that lacks the kind claim must not be guessed at.
	claims := jwt.MapClaims{
		"iss": "bookplace-test",
		"aud": "bookplace",
		"sub": "user-42",
		"jti": "tid-2",
		"iat": clock.t.Unix(),
		"exp": clock.t.Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := codec.Decode(token, true); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestDecodeRejectsForeignIssuerAndAudience(t *testing.T) {
	clock := &testClock{t: time.Now()}
	codec := newTestCodec(t, clock)

	for name, cfg := range map[string]CodecConfig{
		"issuer":   {Secret: []byte(testSecret), Issuer: "someone-else", Audience: "bookplace"},
		"audience": {Secret: []byte(testSecret), Issuer: "bookplace-test", Audience: "admin"},
	} {
		t.Run(name, func(t *testing.T) {
			other, err := NewCodec(cfg, WithCodecClock(clock.Now))
			if err != nil {
				t.Fatalf("NewCodec: %v", err)
			}
			minted, err := other.Mint(KindAccess, testPrincipal())
			if err != nil {
				t.Fatalf("Mint: %v", err)
			}
			if _, err := codec.Decode(minted.Token, true); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestPeekTID(t *testing.T) {
	codec := newTestCodec(t, &testClock{t: time.Now()})
	minted, err := codec.Mint(KindRefresh, testPrincipal())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got := PeekTID(minted.Token); got != minted.TID {
		t.Fatalf("PeekTID=%q, want %q", got, minted.TID)
	}
	if got := PeekTID("garbage"); got != "" {
		t.Fatalf("expected empty tid for garbage, got %q", got)
	}
}
