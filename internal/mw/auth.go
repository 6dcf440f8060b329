package mw

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tracklore/gateway/internal/credential"
)

type subjectKeyType string

const subjectKey subjectKeyType = "sub"

func withSubject(r *http.Request, sub string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), subjectKey, sub))
}

// Subject returns the verified subject_id for the request, if the route
// went through RequireAuth.
func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok
}

// RequireAuth enforces the AUTHED route policy: missing credential is
// 403, invalid credential is 401 with the Could-not-validate body and
// WWW-Authenticate header, matching FastAPI's HTTPBearer dependency.
func RequireAuth(verifier *credential.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claim, err := verifier.VerifyHTTPRequest(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, withSubject(r, claim.SubjectID))
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if credential.IsMissing(err) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Not authenticated"})
		return
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
}
