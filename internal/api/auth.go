package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Credentials is the API key pair a reader or client must present.
type Credentials struct {
	Key    string
	Secret string
}

// match compares in constant time. An unset key matches nothing.
func (c Credentials) match(key, secret string) bool {
	if c.Key == "" {
		return false
	}
	k := subtle.ConstantTimeCompare([]byte(key), []byte(c.Key))
	s := subtle.ConstantTimeCompare([]byte(secret), []byte(c.Secret))
	return k&s == 1
}

// requestCredentials accepts "Authorization: token <key>:<secret>" and HTTP Basic.
func requestCredentials(r *http.Request) (key, secret string, ok bool) {
	if key, secret, ok := r.BasicAuth(); ok {
		return key, secret, true
	}
	scheme, rest, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "token") {
		return "", "", false
	}
	return strings.Cut(strings.TrimSpace(rest), ":")
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, secret, ok := requestCredentials(r)
		if !ok || !s.creds.match(key, secret) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rfidgw"`)
			s.writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
