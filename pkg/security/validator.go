// Package security decides whether an inbound request may reach the
// transport layer. Validation is a pure function of the request and the
// configured policy: it checks the Origin header against the allowed list,
// then client authentication, then an optional custom authorization hook,
// and returns a decision for the router to map onto a response. It never
// writes to the response itself.
package security

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const bearerPrefix = "Bearer "

// Policy configures request validation.
type Policy struct {
	// AllowedOrigins lists Origin values permitted for browser clients.
	// Empty or containing "*" allows any origin. An entry without a port
	// matches any port on the same scheme and host.
	AllowedOrigins []string

	// AuthToken, when set, requires clients to present it as a bearer
	// token. Compared in constant time.
	AuthToken string

	// AuthTokenHash, when set, is a bcrypt hash the presented bearer
	// token must match. Takes precedence over AuthToken.
	AuthTokenHash string

	// JWTSigningKey, when set, requires the bearer token to be a valid
	// HMAC-signed JWT instead of a shared secret. Takes precedence over
	// AuthToken and AuthTokenHash.
	JWTSigningKey []byte

	// Authorize is an optional custom hook consulted after the built-in
	// checks pass. Returning false denies the request; returning an error
	// fails it with a 500.
	Authorize func(r *http.Request, sessionID string) (bool, error)
}

// Decision is the outcome of validating one request. It is produced fresh
// per request and never persisted.
type Decision struct {
	Allowed    bool
	CORSOrigin string
	StatusCode int
	Err        string
}

// clientAuthConfigured reports whether any bearer-token requirement is set.
func (p Policy) clientAuthConfigured() bool {
	return p.AuthToken != "" || p.AuthTokenHash != "" || len(p.JWTSigningKey) > 0
}

func allow(corsOrigin string) Decision {
	return Decision{Allowed: true, CORSOrigin: corsOrigin}
}

func deny(corsOrigin string, status int, msg string) Decision {
	return Decision{CORSOrigin: corsOrigin, StatusCode: status, Err: msg}
}

// Validate runs the full decision chain: origin, client authentication, and
// the custom authorization hook. sessionID may be empty for requests that
// have not resolved a session yet.
func Validate(r *http.Request, policy Policy, sessionID string) Decision {
	d := ValidateOrigin(r, policy)
	if !d.Allowed {
		return d
	}

	if policy.clientAuthConfigured() {
		if ad := validateClientAuth(r, policy); !ad.Allowed {
			ad.CORSOrigin = d.CORSOrigin
			return ad
		}
	}

	if policy.Authorize != nil {
		ok, err := policy.Authorize(r, sessionID)
		if err != nil {
			return deny(d.CORSOrigin, http.StatusInternalServerError, "Authorization check failed")
		}
		if !ok {
			return deny(d.CORSOrigin, http.StatusForbidden, "Authorization denied")
		}
	}

	return d
}

// ValidateOrigin applies only the Origin check. The health endpoint uses
// this directly since it bypasses client authentication.
func ValidateOrigin(r *http.Request, policy Policy) Decision {
	if len(policy.AllowedOrigins) == 0 || contains(policy.AllowedOrigins, "*") {
		return allow("*")
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header and are exempt.
		return allow(policy.AllowedOrigins[0])
	}

	for _, allowed := range policy.AllowedOrigins {
		if originMatches(origin, allowed) {
			return allow(origin)
		}
	}

	return deny(policy.AllowedOrigins[0], http.StatusForbidden, "Origin not allowed")
}

// originMatches reports whether origin satisfies the allowed entry: an exact
// match, or a scheme+host match when the entry names no port.
func originMatches(origin, allowed string) bool {
	if origin == allowed {
		return true
	}

	allowedURL, err := url.Parse(allowed)
	if err != nil || allowedURL.Port() != "" {
		return false
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return originURL.Scheme == allowedURL.Scheme &&
		originURL.Hostname() == allowedURL.Hostname()
}

func validateClientAuth(r *http.Request, policy Policy) Decision {
	header := r.Header.Get("Authorization")
	if header == "" {
		return deny("", http.StatusUnauthorized, "Client authentication required")
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return deny("", http.StatusUnauthorized, "Invalid client authentication format")
	}
	token := header[len(bearerPrefix):]

	if !tokenValid(token, policy) {
		return deny("", http.StatusUnauthorized, "Invalid client authentication token")
	}
	return allow("")
}

func tokenValid(token string, policy Policy) bool {
	switch {
	case len(policy.JWTSigningKey) > 0:
		parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
			return policy.JWTSigningKey, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		return err == nil && parsed.Valid
	case policy.AuthTokenHash != "":
		return bcrypt.CompareHashAndPassword([]byte(policy.AuthTokenHash), []byte(token)) == nil
	default:
		return constantTimeEqual(token, policy.AuthToken)
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
