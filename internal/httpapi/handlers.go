package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"bookplace.org/internal/gate"
	"bookplace.org/internal/obs"
	"bookplace.org/internal/policy"
	"bookplace.org/internal/session"
)

const (
	defaultRateBurst  = 10
	defaultRatePerSec = 5
	maxBodyBytes      = 1 << 20
)

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the HTTP layer to the session core.
type Config struct {
	Sessions *session.Service
	Gate     *gate.Gate
	Policy   *policy.Evaluator
	Ready    ReadyProbe
	Version  string
	Logger   *slog.Logger

	// CookieSecure sets the Secure attribute on credential cookies.
	CookieSecure bool
	RatePerSec   float64
	RateBurst    int
	// TrustedProxies are peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
}

// API is the HTTP surface.
type API struct {
	mux      *http.ServeMux
	sessions *session.Service
	gate     *gate.Gate
	policy   *policy.Evaluator
	ready    ReadyProbe
	version  string
	logger   *slog.Logger

	cookieSecure bool
	ratePerSec   float64
	rateBurst    int
	trusted      []netip.Prefix
}

func New(cfg Config) *API {
	a := &API{
		mux:          http.NewServeMux(),
		sessions:     cfg.Sessions,
		gate:         cfg.Gate,
		policy:       cfg.Policy,
		ready:        cfg.Ready,
		version:      cfg.Version,
		logger:       cfg.Logger,
		cookieSecure: cfg.CookieSecure,
		ratePerSec:   cfg.RatePerSec,
		rateBurst:    cfg.RateBurst,
		trusted:      cfg.TrustedProxies,
	}
	if a.logger == nil {
		a.logger = obs.Logger()
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = defaultRatePerSec
	}
	if a.rateBurst <= 0 {
		a.rateBurst = defaultRateBurst
	}
	if a.policy == nil {
		a.policy = policy.NewEvaluator(nil)
	}

	// One bucket per client shared by the credential-issuing routes.
	limiter := NewRateLimiter(a.ratePerSec, a.rateBurst, a.trusted...)
	limited := func(h http.HandlerFunc) http.Handler {
		return limiter.Wrap(h)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/v1/auth/register", limited(a.handleRegister))
	a.mux.Handle("/v1/auth/login", limited(a.handleLogin))
	a.mux.Handle("/v1/auth/refresh", limited(a.handleRefresh))
	a.mux.Handle("/v1/auth/logout", requireAuth(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("/v1/auth/logout-all", requireAuth(http.HandlerFunc(a.handleLogoutAll)))
	a.mux.Handle("/v1/auth/promote", requireAuth(
		a.RequirePolicy(policy.GuestOnlyForPromotion)(http.HandlerFunc(a.handlePromote)),
	))
	a.mux.Handle("/v1/auth/me", requireAuth(http.HandlerFunc(a.handleMe)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for http.Server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withGate(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "bookplace-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads exactly one JSON document into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
