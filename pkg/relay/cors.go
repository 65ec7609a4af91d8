package relay

import (
	"io"
	"net/http"
)

// AllowedHeaders lists the request headers browsers may send to relay and
// webhook routes.
const AllowedHeaders = "Content-Type, Stripe-Signature, X-HOTMART-HOTTOK"

// CORS sets permissive CORS headers on every response and answers preflight
// requests with 200 "ok".
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", AllowedHeaders)

		if r.Method == http.MethodOptions {
			h.Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "ok")
			return
		}
		next.ServeHTTP(w, r)
	})
}
