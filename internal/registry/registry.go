// Package registry holds the closed set of supported downstream services.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/tracklore/gateway/internal/breaker"
)

// Entry pairs one service's base URL with its own circuit breaker.
type Entry struct {
	Name    string
	BaseURL *url.URL
	Breaker *breaker.Breaker
}

// Registry is the fixed name -> Entry mapping. The set is closed at
// startup; there is no dynamic registration.
type Registry struct {
	entries map[string]*Entry
	order   []string
}

// New builds a Registry from a name -> base URL map, constructing one
// breaker per service with the given gateway-wide defaults (spec.md's
// gateway default is failureThreshold=3, timeout=30s).
func New(services map[string]string, failureThreshold int, timeout time.Duration) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry, len(services))}
	for name, raw := range services {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("service %q: invalid base url %q: %w", name, raw, err)
		}
		r.entries[name] = &Entry{
			Name:    name,
			BaseURL: u,
			Breaker: breaker.New(failureThreshold, timeout),
		}
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r, nil
}

// Lookup returns the entry for name, or nil if name is not a registered
// service.
func (r *Registry) Lookup(name string) *Entry {
	return r.entries[name]
}

// Names returns the registered service names in a stable order (sorted
// alphabetically), used by the health endpoint.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
