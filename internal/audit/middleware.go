package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-checkout/internal/obs"
)

// HTTPRecorder records state-changing requests after they were handled.
type HTTPRecorder struct {
	Service Service
	OnError func(error)
}

// Middleware records every non-read request. Reads pass through untouched.
func (h HTTPRecorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Service.Enabled || isRead(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		rec := obs.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)

		metadata := map[string]any(nil)
		if q := r.URL.RawQuery; q != "" {
			metadata = map[string]any{"query": q}
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			r = r.WithContext(obs.WithRoutePattern(r.Context(), rctx.RoutePattern()))
		}
		if err := h.Service.Record(r.Context(), r, rec.Status(), "", "", resourceID(r), metadata); err != nil {
			if h.OnError != nil {
				h.OnError(err)
				return
			}
			h.Service.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("audit record failed")
		}
	})
}

func isRead(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// resourceID returns the last URL parameter matched by chi, if any.
func resourceID(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Values) == 0 {
		return ""
	}
	return rctx.URLParams.Values[len(rctx.URLParams.Values)-1]
}
