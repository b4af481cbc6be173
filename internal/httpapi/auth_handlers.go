package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"bookplace.org/internal/audit"
	"bookplace.org/internal/auth"
	"bookplace.org/internal/session"
)

const refreshCookiePath = "/v1/auth"

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Surname  string `json:"surname"`
	Phone    string `json:"phone,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// authResponse is returned by every route that issues credentials. The
// tokens are duplicated in the body for clients that do not keep cookies.
type authResponse struct {
	ExpiresAt        time.Time      `json:"expires_at"`
	User             auth.Principal `json:"user"`
	AccessToken      string         `json:"access_token"`
	RefreshToken     string         `json:"refresh_token"`
	RefreshExpiresAt time.Time      `json:"refresh_expires_at"`
}

type logoutResponse struct {
	TokensInvalidated int64 `json:"tokens_invalidated"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.sessions.Register(r.Context(), session.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Surname:  req.Surname,
		Phone:    req.Phone,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"subject": res.Principal.ID,
	})
	a.writeAuthResult(w, http.StatusCreated, res)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	res, err := a.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"email": auth.NormalizeEmail(req.Email),
			})
		}
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"subject": res.Principal.ID,
	})
	a.writeAuthResult(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := refreshToken(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if token == "" {
		unauthorized(w, r, "refresh token is required")
		return
	}
	res, err := a.sessions.Refresh(r.Context(), token)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	a.writeAuthResult(w, http.StatusOK, res)
}

// handleLogout revokes the caller's presented access and refresh tokens.
// Cookies are cleared whatever the ledger reports.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, _ := auth.UserIDFromContext(r.Context())
	access, err := accessToken(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	refresh, err := refreshToken(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	n, err := a.sessions.Logout(r.Context(), caller, access, refresh)
	a.clearCookies(w)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"tokens_invalidated": n,
	})
	writeJSON(w, http.StatusOK, logoutResponse{TokensInvalidated: n})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, _ := auth.UserIDFromContext(r.Context())
	n, err := a.sessions.RevokeAll(r.Context(), caller)
	a.clearCookies(w)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout_all", map[string]any{
		"tokens_invalidated": n,
	})
	writeJSON(w, http.StatusOK, logoutResponse{TokensInvalidated: n})
}

func (a *API) handlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, _ := auth.UserIDFromContext(r.Context())
	res, err := a.sessions.Promote(r.Context(), caller)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.promote", map[string]any{
		"role": auth.RoleHost,
	})
	a.writeAuthResult(w, http.StatusOK, res)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, _ := auth.UserIDFromContext(r.Context())
	p, err := a.sessions.Me(r.Context(), caller)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p})
}

func (a *API) writeAuthResult(w http.ResponseWriter, code int, res session.Result) {
	a.setCookie(w, accessCookie, "/", res.Pair.AccessToken, res.Pair.AccessExpiresAt)
	a.setCookie(w, refreshCookie, refreshCookiePath, res.Pair.RefreshToken, res.Pair.RefreshExpiresAt)
	writeJSON(w, code, authResponse{
		ExpiresAt:        res.Pair.AccessExpiresAt,
		User:             res.Principal,
		AccessToken:      res.Pair.AccessToken,
		RefreshToken:     res.Pair.RefreshToken,
		RefreshExpiresAt: res.Pair.RefreshExpiresAt,
	})
}

func (a *API) setCookie(w http.ResponseWriter, name, path, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{accessCookie, "/"},
		{refreshCookie, refreshCookiePath},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   a.cookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// refreshToken reads the refresh_token cookie, or a JSON body when no
// cookie was sent. An absent token is returned as "".
func refreshToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(refreshCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return "", nil
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return "", err
	}
	return strings.TrimSpace(req.RefreshToken), nil
}

// handleAuthError maps domain errors onto HTTP statuses. Messages stay
// generic for anything credential related.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": "))
	case errors.Is(err, auth.ErrInvalidCredentials):
		unauthorized(w, r, "invalid email or password")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrRevoked):
		unauthorized(w, r, "invalid or revoked token")
	case errors.Is(err, auth.ErrUnknownUser):
		unauthorized(w, r, "unknown user")
	case errors.Is(err, auth.ErrNoValidTokens):
		unauthorized(w, r, "no valid tokens to invalidate")
	case errors.Is(err, auth.ErrDenied):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrDuplicateAccount):
		writeError(w, r, http.StatusConflict, "account already exists")
	case errors.Is(err, auth.ErrAlreadyHasRole):
		writeError(w, r, http.StatusConflict, "role already granted")
	default:
		a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
