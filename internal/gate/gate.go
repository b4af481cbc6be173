// Package gate decides, once per inbound request, whether a presented
// credential may be used at all. It runs before any authorization policy.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/ledger"
	"bookplace.org/internal/obs"
)

// Gate verifies access credentials and checks them against the whitelist on
// every call. There is no cache, so a revocation is visible on the next request.
type Gate struct {
	codec  *auth.Codec
	ledger ledger.Ledger
	logger *slog.Logger
}

// Option configures Gate.
type Option func(*Gate)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New constructs a Gate.
func New(codec *auth.Codec, l ledger.Ledger, opts ...Option) *Gate {
	g := &Gate{codec: codec, ledger: l, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check validates token. An empty token yields (nil, nil): the request
// continues unauthenticated. Otherwise the token must decode with expiry
// enforced, be an access credential, and still be whitelisted.
func (g *Gate) Check(ctx context.Context, token string) (*auth.Claims, error) {
	if token == "" {
		obs.RecordGate(obs.GateAnonymous)
		return nil, nil
	}
	claims, err := g.codec.Decode(token, false)
	if err != nil {
		obs.RecordGate(obs.GateInvalid)
		g.logger.WarnContext(ctx, "credential rejected", "tid", auth.PeekTID(token), "err", err)
		return nil, err
	}
	if claims.Kind != auth.KindAccess {
		obs.RecordGate(obs.GateInvalid)
		g.logger.WarnContext(ctx, "non-access credential presented", "tid", claims.TID(), "kind", claims.Kind.String())
		return nil, auth.ErrWrongTokenKind
	}
	active, err := g.ledger.IsActive(ctx, claims.TID())
	if err != nil {
		obs.RecordGate(obs.GateError)
		return nil, fmt.Errorf("whitelist lookup: %w", err)
	}
	if !active {
		obs.RecordGate(obs.GateRevoked)
		g.logger.InfoContext(ctx, "credential not whitelisted", "tid", claims.TID(), "user_id", claims.Subject)
		return nil, auth.ErrRevoked
	}
	obs.RecordGate(obs.GateAccepted)
	return claims, nil
}

// Authenticate runs Check and, on success, attaches the principal and claims
// to the returned context.
func (g *Gate) Authenticate(ctx context.Context, token string) (context.Context, error) {
	claims, err := g.Check(ctx, token)
	if err != nil || claims == nil {
		return ctx, err
	}
	ctx = auth.ContextWithClaims(ctx, claims)
	return auth.ContextWithPrincipal(ctx, auth.PrincipalFromClaims(claims)), nil
}

// IsUnauthenticated reports whether err should map to a 401-style response.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrRevoked)
}
