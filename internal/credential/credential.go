// Package credential verifies the bearer credential presented by callers.
package credential

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes the two failure dispositions spec.md §4.1 requires:
// a missing credential (403) versus one that is present but invalid
// (401).
type Kind int

const (
	// KindNone indicates success — no error.
	KindNone Kind = iota
	// KindMissing means no credential was supplied on a protected route.
	KindMissing
	// KindInvalid means a credential was supplied but failed signature,
	// decode, expiry, or subject validation.
	KindInvalid
)

// Error wraps a verification failure with its disposition.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func missingErr() error { return &Error{Kind: KindMissing, Msg: "missing bearer credential"} }
func invalidErr(msg string) error {
	if msg == "" {
		msg = "invalid bearer credential"
	}
	return &Error{Kind: KindInvalid, Msg: msg}
}

// Claim is the identity derived from a verified credential. Its lifetime
// is a single request.
type Claim struct {
	SubjectID string
	RawClaims jwt.MapClaims
}

// Verifier validates a compact HS256 JWT against the gateway's shared
// secret.
type Verifier struct {
	secret []byte
}

// New builds a Verifier over the configured signing key.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyToken decodes and validates a raw token string, requiring HS256,
// a future exp, and a non-empty sub claim.
func (v *Verifier) VerifyToken(tokenStr string) (*Claim, error) {
	if tokenStr == "" {
		return nil, missingErr()
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return nil, invalidErr("")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || !exp.After(time.Now()) {
		return nil, invalidErr("")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, invalidErr("")
	}

	return &Claim{SubjectID: sub, RawClaims: claims}, nil
}

// VerifyHTTPRequest extracts the bearer credential from the Authorization
// header (form "Bearer <token>") and verifies it.
func (v *Verifier) VerifyHTTPRequest(r *http.Request) (*Claim, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return nil, missingErr()
	}
	tokStr, ok := cutBearer(authz)
	if !ok {
		return nil, missingErr()
	}
	return v.VerifyToken(tokStr)
}

// VerifyWebSocketRequest reads the credential from the "token" query
// parameter; if absent, it falls back to the Authorization header. Either
// form is accepted (spec.md §9's resolution of the source's parse_qs
// bug).
func (v *Verifier) VerifyWebSocketRequest(r *http.Request) (*Claim, error) {
	tokStr := r.URL.Query().Get("token")
	if tokStr == "" {
		authz := r.Header.Get("Authorization")
		if authz != "" {
			if t, ok := cutBearer(authz); ok {
				tokStr = t
			}
		}
	}
	if tokStr == "" {
		return nil, missingErr()
	}
	return v.VerifyToken(tokStr)
}

func cutBearer(authz string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix)), true
}

// IsMissing reports whether err is a missing-credential failure.
func IsMissing(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindMissing
}

// IsInvalid reports whether err is an invalid-credential failure.
func IsInvalid(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindInvalid
}
