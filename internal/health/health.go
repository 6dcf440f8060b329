// Package health implements the public /health endpoint: a snapshot of
// each service's locally observed circuit breaker state. No backend is
// ever probed.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/tracklore/gateway/internal/breaker"
	"github.com/tracklore/gateway/internal/registry"
)

type serviceStatus struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

type response struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Services map[string]serviceStatus `json:"services"`
}

// Handler returns an http.Handler serving GET /health for the given
// registry and build version string.
func Handler(reg *registry.Registry, version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]serviceStatus, len(reg.Names()))
		for _, name := range reg.Names() {
			entry := reg.Lookup(name)
			services[name] = serviceStatus{
				URL:    entry.BaseURL.String(),
				Status: statusFor(entry.Breaker.Stats().State),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{
			Status:   "ok",
			Version:  version,
			Services: services,
		})
	})
}

func statusFor(s breaker.State) string {
	switch s {
	case breaker.Closed:
		return "healthy"
	case breaker.Open:
		return "unavailable"
	case breaker.HalfOpen:
		return "recovering"
	default:
		return "unknown"
	}
}
