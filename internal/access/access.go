// Package access implements origin-side authorization, path allow-listing,
// and per-IP rate limiting for exposure sessions.
package access

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/openclaw/cfshare/internal/policy"
)

// BasicUsername is the fixed username for basic-auth exposures.
const BasicUsername = "cfshare"

// TokenHeader is the custom header accepted as a token credential.
const TokenHeader = "X-Cfshare-Token"

// State holds the credentials guarding one session's origin.
type State struct {
	Mode          string `json:"mode"` // token, basic, none
	Token         string `json:"token,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ProtectOrigin bool   `json:"protect_origin"`
}

// Authorize reports whether the request carries valid credentials for this
// state. mode=none and unprotected origins always pass.
func (s *State) Authorize(r *http.Request) bool {
	if s == nil || !s.ProtectOrigin || s.Mode == policy.AccessNone {
		return true
	}
	switch s.Mode {
	case policy.AccessToken:
		for _, supplied := range tokenCandidates(r) {
			if constantTimeEqual(supplied, s.Token) {
				return true
			}
		}
		return false
	case policy.AccessBasic:
		user, pass, ok := r.BasicAuth()
		if !ok {
			return false
		}
		return constantTimeEqual(user, s.Username) && constantTimeEqual(pass, s.Password)
	default:
		return false
	}
}

// tokenCandidates collects every place a token may be supplied: query
// parameter, custom header, bearer authorization.
func tokenCandidates(r *http.Request) []string {
	var out []string
	if t := r.URL.Query().Get("token"); t != "" {
		out = append(out, t)
	}
	if t := r.Header.Get(TokenHeader); t != "" {
		out = append(out, t)
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		out = append(out, strings.TrimPrefix(auth, "Bearer "))
	}
	return out
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// WriteUnauthorized sends the 401 response for a failed authorization.
func (s *State) WriteUnauthorized(w http.ResponseWriter) {
	if s != nil && s.Mode == policy.AccessBasic {
		w.Header().Set("WWW-Authenticate", `Basic realm="cfshare"`)
	}
	WriteError(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
}

// Allowlist is an ordered set of path prefixes. Empty means allow all.
type Allowlist []string

// Allows reports whether reqPath equals one of the prefixes or starts with
// a prefix followed by a path separator (exact segment match).
func (a Allowlist) Allows(reqPath string) bool {
	if len(a) == 0 {
		return true
	}
	for _, prefix := range a {
		if reqPath == prefix || strings.HasPrefix(reqPath, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// WriteError writes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// MaskSecret renders a secret for display: first three and last two
// characters with the middle elided.
func MaskSecret(s string) string {
	if len(s) <= 5 {
		return "***"
	}
	return s[:3] + "***" + s[len(s)-2:]
}

// BasicAuthHeader returns the Authorization header value for this state's
// basic credentials.
func (s *State) BasicAuthHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(s.Username+":"+s.Password))
}
