package httpapi

import (
	"net/http"
)

// SetupRouter sets up HTTP routes. Everything except /version requires
// apiKey when it is set.
func SetupRouter(handler *Handler, apiKey string) http.Handler {
	mux := http.NewServeMux()

	// GET /version
	mux.HandleFunc("/version", handler.GetVersion)

	// GET /units
	mux.HandleFunc("/units", handler.ListUnits)

	// GET /units/{unitId}
	mux.HandleFunc("/units/", handler.GetUnit)

	wrapped := AuthMiddleware(mux, apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/version" {
			mux.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}
