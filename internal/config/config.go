// Package config loads process configuration from BOOKPLACE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/obs"
)

// ErrConfig is wrapped by every configuration error together with the offending key.
var ErrConfig = errors.New("invalid configuration")

// Config is read once at startup and passed by value afterwards.
type Config struct {
	JWTSecret   []byte
	JWTIssuer   string
	JWTAudience string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	PGDSN    string
	HTTPAddr string
	GRPCAddr string

	SweepInterval time.Duration
	CookieSecure  bool
	LogLevel      slog.Level

	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies are peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// Default returns the development defaults. JWTSecret has no default.
func Default() Config {
	return Config{
		JWTIssuer:      "bookplace",
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		SweepInterval:  10 * time.Minute,
		CookieSecure:   true,
		LogLevel:       slog.LevelInfo,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
}

// Load reads the environment on top of Default.
//
// Required:
//   - BOOKPLACE_JWT_SECRET (at least auth.MinSecretLength bytes)
//
// Durations use Go duration syntax. BOOKPLACE_TRUSTED_PROXIES is a comma
// separated list of CIDRs or bare addresses. An empty BOOKPLACE_PG_DSN selects the
// in-memory stores.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()

	secret := getenv("BOOKPLACE_JWT_SECRET")
	if len(secret) < auth.MinSecretLength {
		return Config{}, fmt.Errorf("%w: BOOKPLACE_JWT_SECRET must be at least %d bytes", ErrConfig, auth.MinSecretLength)
	}
	cfg.JWTSecret = []byte(secret)

	if v := strings.TrimSpace(getenv("BOOKPLACE_JWT_ISSUER")); v != "" {
		cfg.JWTIssuer = v
	}
	cfg.JWTAudience = strings.TrimSpace(getenv("BOOKPLACE_JWT_AUDIENCE"))
	cfg.PGDSN = strings.TrimSpace(getenv("BOOKPLACE_PG_DSN"))
	if v := strings.TrimSpace(getenv("BOOKPLACE_HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(getenv("BOOKPLACE_GRPC_ADDR")); v != "" {
		cfg.GRPCAddr = v
	}

	var err error
	if cfg.AccessTTL, err = duration(getenv, "BOOKPLACE_ACCESS_TTL", cfg.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = duration(getenv, "BOOKPLACE_REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return Config{}, fmt.Errorf("%w: BOOKPLACE_REFRESH_TTL must exceed BOOKPLACE_ACCESS_TTL", ErrConfig)
	}
	if cfg.SweepInterval, err = duration(getenv, "BOOKPLACE_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}

	if v := strings.TrimSpace(getenv("BOOKPLACE_COOKIE_SECURE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: BOOKPLACE_COOKIE_SECURE: %v", ErrConfig, err)
		}
		cfg.CookieSecure = b
	}
	if v := strings.TrimSpace(getenv("BOOKPLACE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = obs.ParseLevel(v)
	}
	if v := strings.TrimSpace(getenv("BOOKPLACE_RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return Config{}, fmt.Errorf("%w: BOOKPLACE_RATE_LIMIT_RPS must be a positive number", ErrConfig)
		}
		cfg.RateLimitRPS = f
	}
	if v := strings.TrimSpace(getenv("BOOKPLACE_RATE_LIMIT_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: BOOKPLACE_RATE_LIMIT_BURST must be a positive integer", ErrConfig)
		}
		cfg.RateLimitBurst = n
	}
	if cfg.TrustedProxies, err = prefixes(getenv, "BOOKPLACE_TRUSTED_PROXIES"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func prefixes(getenv func(string) string, key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrConfig, key, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfig, key, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration", ErrConfig, key)
	}
	return d, nil
}

// Codec projects the credential settings handed to auth.NewCodec.
func (c Config) Codec() auth.CodecConfig {
	return auth.CodecConfig{
		Secret:     append([]byte(nil), c.JWTSecret...),
		Issuer:     c.JWTIssuer,
		Audience:   c.JWTAudience,
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
	}
}
