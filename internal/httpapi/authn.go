package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/gate"
	"bookplace.org/internal/policy"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
)

// Routes that issue credentials or serve probes never run the gate, so a
// stale cookie cannot lock a client out of logging in again.
var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withGate runs the request gate on the presented access credential. With no
// credential the request continues anonymously; routes that need a caller
// wrap themselves in requireAuth.
func (a *API) withGate(next http.Handler) http.Handler {
	if a == nil || a.gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := accessToken(r)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		ctx, err := a.gate.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case gate.IsUnauthenticated(err):
				unauthorized(w, r, "Token is not active")
			default:
				a.logger.ErrorContext(r.Context(), "gate failure", "err", err, "request_id", RequestIDFromContext(r.Context()))
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth rejects requests the gate let through anonymously.
func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.PrincipalFromContext(r.Context()); !ok {
			unauthorized(w, r, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePolicy guards a route with a requirement that needs no resource,
// such as HostRole or GuestOnlyForPromotion.
func (a *API) RequirePolicy(req policy.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *auth.Principal
			if p, ok := auth.PrincipalFromContext(r.Context()); ok {
				principal = &p
			}
			d, err := a.policy.Evaluate(r.Context(), principal, req, nil)
			if err != nil {
				a.logger.ErrorContext(r.Context(), "policy evaluation failed", "requirement", req.String(), "err", err)
				writeError(w, r, http.StatusInternalServerError, "authorization error")
				return
			}
			if d != policy.Allow {
				if principal == nil {
					unauthorized(w, r, "authentication required")
					return
				}
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accessToken prefers the Authorization header and falls back to the
// access_token cookie. No credential at all is not an error.
func accessToken(r *http.Request) (string, error) {
	if h := r.Header.Get(authHeader); strings.TrimSpace(h) != "" {
		return extractBearerToken(h)
	}
	if c, err := r.Cookie(accessCookie); err == nil {
		return strings.TrimSpace(c.Value), nil
	}
	return "", nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="bookplace"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}
