package app

import (
	"encoding/json"
	"net/http"
)

// registerHTTP mounts the broker routes. /ws carries its own origin policy
// and is kept outside the CORS layer, which would reject every tab origin.
func registerHTTP(mux *http.ServeMux, a *App) {
	api := http.NewServeMux()

	api.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	api.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ready(r.Context()); err != nil {
			a.log.Info("readyz.not_ready", "store", a.storeKind, "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	// Non-sensitive summary for local tooling.
	api.HandleFunc("GET /statusz", func(w http.ResponseWriter, r *http.Request) {
		st := a.broker.State(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"store":       a.storeKind,
			"initialized": st.Initialized,
			"locked":      st.Locked,
			"active_ship": st.ActiveShip,
			"consumers":   a.consumers.Len(),
			"wires":       a.router.Wires(),
		})
	})

	if a.metrics != nil {
		api.Handle("GET /metrics", a.metrics.Handler())
	}

	mux.Handle("/ws", a.gateway)
	mux.Handle("/", WithSecurityHeaders(WithCORS(api, a.cfg, a.log)))
}
