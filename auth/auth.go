// Package auth validates bearer tokens on stream requests.
//
// Tokens are compact HMAC-SHA256 credentials: a base64url JSON payload
// joined to a base64url signature with a dot. Any of the project's
// signing secrets may verify a token, which lets secrets rotate without
// invalidating outstanding credentials.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class wrapping auth failures.
var Error = errs.Class("auth")

// Scope names carried in token payloads.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// Claims is the token payload.
type Claims struct {
	Subject string `json:"sub"`
	Scope   string `json:"scope"`
	Expires int64  `json:"exp"` // unix seconds, 0 means no expiry
}

// Decision is the outcome of an authorization check. A zero Status
// means the request is allowed.
type Decision struct {
	Status  int
	Message string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Status == 0 }

// Authorizer decides whether a request may read or write a stream.
type Authorizer interface {
	// Authorize checks the request against the project's secrets.
	// write selects the required scope.
	Authorize(r *http.Request, secrets []string, write bool) Decision
}

// Open allows every request. Used when a project has no signing
// secrets configured.
type Open struct{}

func (Open) Authorize(*http.Request, []string, bool) Decision { return Decision{} }

// Tokens verifies HMAC bearer tokens from the Authorization header.
type Tokens struct {
	Now func() time.Time // defaults to time.Now
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tokens) Authorize(r *http.Request, secrets []string, write bool) Decision {
	if len(secrets) == 0 {
		return Decision{}
	}
	raw := bearer(r)
	if raw == "" {
		return Decision{Status: http.StatusUnauthorized, Message: "missing bearer token"}
	}
	claims, err := Verify(raw, secrets, t.now())
	if err != nil {
		return Decision{Status: http.StatusUnauthorized, Message: "invalid token"}
	}
	if write && claims.Scope != ScopeWrite {
		return Decision{Status: http.StatusForbidden, Message: "write scope required"}
	}
	return Decision{}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Sign creates a token for the claims using the given secret.
func Sign(claims Claims, secret string) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Error.Wrap(err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + signature(body, secret), nil
}

// Verify checks the token against each secret in turn and returns the
// claims on the first match. Expired tokens fail regardless of
// signature validity.
func Verify(token string, secrets []string, now time.Time) (Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, Error.New("malformed token")
	}
	verified := false
	for _, secret := range secrets {
		if hmac.Equal([]byte(sig), []byte(signature(body, secret))) {
			verified = true
			break
		}
	}
	if !verified {
		return Claims{}, Error.New("signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, Error.Wrap(err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, Error.Wrap(err)
	}
	if claims.Expires != 0 && now.Unix() > claims.Expires {
		return Claims{}, Error.New("token expired")
	}
	return claims, nil
}

func signature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
