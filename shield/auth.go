package shield

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/pagekeep/kit"
)

// BasicAuth guards a route group with HTTP Basic credentials. passwordHash is
// a bcrypt hash. On success the user name is stored with kit.WithOperator.
func BasicAuth(realm, user, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
			// Always run bcrypt so a wrong user name costs the same time.
			passErr := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p))
			if !ok || !userOK || passErr != nil {
				slog.Warn("auth: rejected", "path", r.URL.Path, "ip", ExtractIP(r))
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := kit.WithOperator(r.Context(), u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
