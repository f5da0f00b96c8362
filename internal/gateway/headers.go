package gateway

import (
	"net/http"
	"strings"

	"pkt.systems/taskd/api"
)

// ApplySecurityHeaders stamps the hardening header set on every response,
// success or failure.
func (g *Gateway) ApplySecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	if g.enableHSTS {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
}

// HandlePreflight answers a CORS preflight request. It returns true when the
// request was a preflight and has been fully handled.
func (g *Gateway) HandlePreflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions || r.Header.Get("Origin") == "" {
		return false
	}
	g.ApplySecurityHeaders(w)
	if err := g.applyCORS(w, r); err != nil {
		g.audit.CORSDenied(r.Context())
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept")
	h.Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// applyCORS validates the Origin header and, when allowed, mirrors it into
// the response. Requests without an Origin header pass untouched; a
// disallowed origin fails the request instead of proceeding without CORS
// headers.
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	if !g.originAllowed(origin) {
		g.logger.Warn("gateway.cors.reject", "origin", origin)
		return api.Failure{
			Code:       api.CodeOriginNotAllowed,
			Detail:     "origin is not in the allow-list",
			HTTPStatus: http.StatusForbidden,
		}
	}
	h := w.Header()
	if g.anyOrigin {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	return nil
}

func (g *Gateway) originAllowed(origin string) bool {
	if g.anyOrigin {
		return true
	}
	_, ok := g.origins[strings.ToLower(origin)]
	return ok
}
