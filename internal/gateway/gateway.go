// Package gateway implements the security pipeline in front of the tool
// dispatcher: authentication, CORS, rate limiting, security headers, and
// audit counters. Each guard short-circuits on failure; a request that
// clears Admit has a valid identity and remaining budget.
package gateway

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/svcfields"
)

// AuthCookieName is the cookie consulted for transports that cannot set an
// Authorization header.
const AuthCookieName = "taskd_token"

// Identity is the authenticated caller of one request. Key partitions the
// rate limiter: the token when present, otherwise the client IP.
type Identity struct {
	Token string
	Key   string
}

// Config wires a Gateway.
type Config struct {
	// Tokens is the bearer-token allow-list. Empty means no caller can
	// authenticate; the gateway refuses to run open.
	Tokens []string
	// AllowedOrigins is the CORS allow-list; "*" allows any origin.
	AllowedOrigins []string
	// RateLimit is requests per minute per identity.
	RateLimit int
	// RateLimitBurst is the extra allowance on top of RateLimit.
	RateLimitBurst int
	// EnableHSTS adds Strict-Transport-Security to every response.
	EnableHSTS bool
	// Limiter overrides the built-in window limiter when set.
	Limiter RateLimiter
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Gateway is the composed guard pipeline.
type Gateway struct {
	tokens      []string
	origins     map[string]struct{}
	anyOrigin   bool
	enableHSTS  bool
	limiter     RateLimiter
	audit       *Audit
	logger      pslog.Logger
	windowSweep *WindowLimiter
}

// New builds the gateway pipeline.
func New(cfg Config) (*Gateway, error) {
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("gateway: at least one auth token is required")
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	g := &Gateway{
		enableHSTS: cfg.EnableHSTS,
		audit:      NewAudit(cl.Now()),
		logger:     svcfields.WithSubsystem(logger, "gateway"),
		origins:    make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	for _, token := range cfg.Tokens {
		token = strings.TrimSpace(token)
		if token != "" {
			g.tokens = append(g.tokens, token)
		}
	}
	if len(g.tokens) == 0 {
		return nil, fmt.Errorf("gateway: auth token list is empty after trimming")
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			g.anyOrigin = true
			continue
		}
		if origin != "" {
			g.origins[strings.ToLower(origin)] = struct{}{}
		}
	}
	if cfg.Limiter != nil {
		g.limiter = cfg.Limiter
	} else {
		wl := NewWindowLimiter(cfg.RateLimit, cfg.RateLimitBurst, time.Minute, cl)
		g.limiter = wl
		g.windowSweep = wl
	}
	return g, nil
}

// Limiter exposes the built-in window limiter for lifecycle wiring (sweep
// goroutine); nil when a custom limiter was injected.
func (g *Gateway) Limiter() *WindowLimiter {
	return g.windowSweep
}

// Audit exposes the audit counters.
func (g *Gateway) Audit() *Audit {
	return g.audit
}

// Admit runs the guard pipeline for r: security headers, origin check,
// authentication, then rate limiting. It returns the caller identity or an
// api.Failure describing the first guard that rejected the request.
func (g *Gateway) Admit(w http.ResponseWriter, r *http.Request) (Identity, error) {
	g.ApplySecurityHeaders(w)
	if err := g.applyCORS(w, r); err != nil {
		g.audit.CORSDenied(r.Context())
		return Identity{}, err
	}
	identity, err := g.Authenticate(r)
	if err != nil {
		g.audit.AuthFailure(r.Context())
		return Identity{}, err
	}
	g.audit.AuthSuccess(r.Context())

	decision := g.limiter.Allow(identity.Key)
	if !decision.Allowed {
		g.audit.RateLimited(r.Context())
		retry := int64(decision.RetryAfter / time.Second)
		if retry < 1 {
			retry = 1
		}
		g.logger.Warn("gateway.ratelimit.reject",
			"identity", identity.Key,
			"count", decision.Count,
			"limit", decision.Limit,
			"retry_after_seconds", retry,
		)
		return Identity{}, api.Failure{
			Code:       api.CodeRateLimitExceeded,
			Detail:     "request budget exhausted for this identity",
			Hint:       "reduce request rate or wait for the window to reset",
			RetryAfter: retry,
			HTTPStatus: http.StatusTooManyRequests,
		}
	}
	return identity, nil
}

// Authenticate resolves the caller identity from the Authorization header or
// the auth cookie. Token comparison is constant time per candidate.
func (g *Gateway) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(AuthCookieName); err == nil {
			token = strings.TrimSpace(cookie.Value)
		}
	}
	if token == "" {
		return Identity{}, api.Failure{
			Code:       api.CodeMissingAuthToken,
			Detail:     "authentication token required",
			Hint:       "send Authorization: Bearer <token> or the " + AuthCookieName + " cookie",
			HTTPStatus: http.StatusUnauthorized,
		}
	}
	for _, candidate := range g.tokens {
		if len(candidate) == len(token) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return Identity{Token: token, Key: "token:" + token}, nil
		}
	}
	g.logger.Warn("gateway.auth.invalid_token", "remote", clientIP(r))
	return Identity{}, api.Failure{
		Code:       api.CodeInvalidAuthToken,
		Detail:     "authentication token not recognized",
		HTTPStatus: http.StatusForbidden,
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
