package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

const apiKeyHeader = "X-API-Key"

// APIKeyAuth guards every handler behind it with a constant-time API
// key comparison. An empty configured key rejects all guarded requests.
func APIKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeError(w, r, fmt.Errorf("%w: api key not configured", domain.ErrUnauthorized), nil)
				return
			}
			got := r.Header.Get(apiKeyHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, r, fmt.Errorf("%w: bad api key", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
