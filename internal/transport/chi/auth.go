package chi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// exemptPaths are routes that bypass authentication (health, metrics).
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// BearerAuthMiddleware returns a middleware that validates Bearer tokens.
// A token is accepted when it is one of apiKeys or, with a non-empty
// jwtSecret, an HS256 JWT signed with it. If both are empty, authentication
// is disabled (pass-through).
func BearerAuthMiddleware(apiKeys []string, jwtSecret string) func(http.Handler) http.Handler {
	validKeys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			validKeys[k] = struct{}{}
		}
	}
	secret := []byte(jwtSecret)

	return func(next http.Handler) http.Handler {
		// Auth disabled: pass everything through
		if len(validKeys) == 0 && len(secret) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exempt paths
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, ErrorCodeUnauthorized, "missing authorization header")
				return
			}

			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(auth, bearerPrefix) {
				writeError(w, http.StatusUnauthorized,
					ErrorCodeUnauthorized, "authorization header must use Bearer scheme")
				return
			}

			token := auth[len(bearerPrefix):]
			if _, ok := validKeys[token]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if len(secret) > 0 && validJWT(token, secret) {
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, http.StatusUnauthorized, ErrorCodeUnauthorized, "invalid credentials")
		})
	}
}

func validJWT(token string, secret []byte) bool {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return err == nil && parsed.Valid
}
