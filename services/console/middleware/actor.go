package middleware

import (
	"net/http"
	"strings"

	"github.com/ramiqadoumi/go-chart-flow/internal/workflow"
)

// ActorHeader names the caller performing the request.
const ActorHeader = "X-Actor"

// Actor copies the X-Actor header into the request context so task events
// record who made each change.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			r = r.WithContext(workflow.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
