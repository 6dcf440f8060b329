package proxy

import "strings"

// AuthPolicy is the auth disposition a route table entry carries.
type AuthPolicy int

const (
	// Public routes never require a credential at the gateway.
	Public AuthPolicy = iota
	// Authed routes require a valid bearer credential at the gateway.
	Authed
	// Upgrade marks the WebSocket bridge entry; its own auth rules are
	// described in spec.md §4.1 and implemented by the wsbridge package.
	Upgrade
)

// Route binds a URL pattern and method set to a downstream service, an
// auth policy, and a function that rewrites the matched path into the
// path sent to the backend.
type Route struct {
	Service string
	Auth    AuthPolicy
	Methods map[string]bool

	// exact, when non-empty, requires the path match exactly.
	exact string
	// prefix, when exact is empty, requires the path to start with this
	// prefix.
	prefix string

	Rewrite func(path string) string
}

func methodSet(methods ...string) map[string]bool {
	m := make(map[string]bool, len(methods))
	for _, mo := range methods {
		m[mo] = true
	}
	return m
}

// stripPrefix removes prefix from path, keeping the remainder
// unanchored (no leading slash).
func stripPrefix(path, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
}

// keepFull drops only the leading slash, preserving the rest of the
// path verbatim — used by routes whose downstream path repeats the
// service's own name (user, auth's public carve-outs, messaging).
func keepFull(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Table is the ordered, data-driven route table described in spec.md
// §4.3 and §9 ("model this as a single route table — data, not code").
// Exact-path entries are checked before prefix entries so the auth
// service's literal carve-outs win over its generic PUT/DELETE catch-all.
type Table struct {
	exactRoutes  []Route
	prefixRoutes []Route
}

// NewDefaultTable builds the fixed route table for this gateway's eight
// logical services, including the three auth carve-outs and the
// user-service plural rewrite, both preserved verbatim from spec.md §4.3.
func NewDefaultTable() *Table {
	t := &Table{}

	// --- auth: three literal public carve-outs (signup/login/refresh)
	for _, p := range []string{"/auth/signup", "/auth/login", "/auth/refresh"} {
		t.addExact(Route{
			Service: "auth",
			Auth:    Public,
			Methods: methodSet("POST"),
			exact:   p,
			Rewrite: keepFull,
		})
	}

	// --- auth: public-at-gateway, but forwarded for auth's own validation
	t.addExact(Route{
		Service: "auth",
		Auth:    Public,
		Methods: methodSet("GET"),
		exact:   "/auth/me",
		Rewrite: keepFull,
	})
	t.addExact(Route{
		Service: "auth",
		Auth:    Public,
		Methods: methodSet("POST"),
		exact:   "/auth/logout",
		Rewrite: keepFull,
	})

	// --- auth: everything else under /auth/* with PUT or DELETE is
	// validated at the gateway. Downstream path drops the "/auth/" prefix.
	t.addPrefix(Route{
		Service: "auth",
		Auth:    Authed,
		Methods: methodSet("PUT", "DELETE"),
		prefix:  "/auth/",
		Rewrite: func(path string) string { return stripPrefix(path, "/auth/") },
	})

	// --- user: plural path kept verbatim downstream ("/users/x" -> "users/x")
	t.addPrefix(Route{
		Service: "user",
		Auth:    Authed,
		Methods: methodSet("GET", "POST", "PUT", "DELETE"),
		prefix:  "/users/",
		Rewrite: keepFull,
	})

	// --- badge/feed/notification/project/new: downstream drops the
	// service-name prefix.
	for _, svc := range []string{"badge", "feed", "notification", "project", "new"} {
		prefix := "/" + svc + "/"
		t.addPrefix(Route{
			Service: svc,
			Auth:    Authed,
			Methods: methodSet("GET", "POST", "PUT", "DELETE"),
			prefix:  prefix,
			Rewrite: func(p string) string { return stripPrefix(p, prefix) },
		})
	}

	// --- messaging: WebSocket bridge entry, checked ahead of the general
	// messaging prefix below so the upgrade path never falls through to
	// the REST rule.
	t.addPrefix(Route{
		Service: "messaging",
		Auth:    Upgrade,
		Methods: methodSet("GET"),
		prefix:  "/api/v1/messaging/ws/",
		Rewrite: keepFull,
	})

	// --- messaging: REST conversations/messages endpoints, full path
	// kept verbatim downstream (it already carries "api/v1/messaging/...").
	t.addPrefix(Route{
		Service: "messaging",
		Auth:    Authed,
		Methods: methodSet("GET", "POST", "PUT", "DELETE"),
		prefix:  "/api/v1/messaging/",
		Rewrite: keepFull,
	})

	return t
}

func (t *Table) addExact(r Route)  { t.exactRoutes = append(t.exactRoutes, r) }
func (t *Table) addPrefix(r Route) { t.prefixRoutes = append(t.prefixRoutes, r) }

// Match finds the route for method+path. It returns (route, true) on a
// full match, (nil, true) if the path matched a pattern but the method
// did not (so callers can answer 404, per spec.md §4.3 — the gateway
// does not emit a distinct 405), and (nil, false) if nothing matched at
// all.
func (t *Table) Match(method, path string) (*Route, bool) {
	for i := range t.exactRoutes {
		r := &t.exactRoutes[i]
		if path == r.exact {
			if r.Methods[method] {
				return r, true
			}
			return nil, true
		}
	}
	for i := range t.prefixRoutes {
		r := &t.prefixRoutes[i]
		if strings.HasPrefix(path, r.prefix) {
			if r.Methods[method] {
				return r, true
			}
			return nil, true
		}
	}
	return nil, false
}
