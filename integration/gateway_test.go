package integration_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracklore/gateway/internal/credential"
	"github.com/tracklore/gateway/internal/health"
	"github.com/tracklore/gateway/internal/metrics"
	"github.com/tracklore/gateway/internal/mw"
	"github.com/tracklore/gateway/internal/proxy"
	"github.com/tracklore/gateway/internal/registry"
	"github.com/tracklore/gateway/internal/wsbridge"
)

const gatewaySecret = "integration-secret"

func signToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(gatewaySecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// harness wires a real registry, route table, proxy engine, and auth
// middleware into one handler — the same composition cmd/gateway/main.go
// builds, exercised here against in-process test upstreams.
type harness struct {
	mux     *http.ServeMux
	reg     *registry.Registry
	engine  *proxy.Engine
	table   *proxy.Table
	v       *credential.Verifier
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, services map[string]string) *harness {
	t.Helper()
	reg, err := registry.New(services, 2, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	v := credential.New(gatewaySecret)
	table := proxy.NewDefaultTable()
	transport := proxy.NewTransport(proxy.TransportConfig{
		ConnectTimeout:    time.Second,
		MaxConnectionPool: 10,
		MaxKeepaliveConns: 10,
		KeepaliveExpiry:   30 * time.Second,
	})
	client := proxy.NewClient(transport, 2*time.Second)
	engine := proxy.NewEngine(client, 1<<20)
	m := metrics.New(prometheus.NewRegistry())

	h := &harness{reg: reg, engine: engine, table: table, v: v, metrics: m}

	h.mux = http.NewServeMux()
	h.mux.Handle("/health", health.Handler(reg, "test"))
	h.mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, matched := table.Match(r.Method, r.URL.Path)
		if !matched || route == nil {
			http.NotFound(w, r)
			return
		}
		entry := reg.Lookup(route.Service)
		if entry == nil {
			http.NotFound(w, r)
			return
		}
		downstreamPath := route.Rewrite(r.URL.Path)
		if route.Auth == proxy.Authed {
			mw.RequireAuth(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				engine.Forward(w, r, entry, downstreamPath)
			})).ServeHTTP(w, r)
			return
		}
		engine.Forward(w, r, entry, downstreamPath)
	}))
	return h
}

func (h *harness) server() *httptest.Server { return httptest.NewServer(h.mux) }

func TestPublicAuthCarveOutsBypassCredentialCheck(t *testing.T) {
	authUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"token":"issued"}`))
	}))
	defer authUp.Close()

	h := newHarness(t, map[string]string{
		"user": "http://unused.invalid", "auth": authUp.URL, "badge": "http://unused.invalid",
		"feed": "http://unused.invalid", "messaging": "http://unused.invalid",
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	})
	gw := h.server()
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/auth/login", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthedRouteRejectsMissingAndInvalidCredentials(t *testing.T) {
	userUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer userUp.Close()

	h := newHarness(t, map[string]string{
		"user": userUp.URL, "auth": "http://unused.invalid", "badge": "http://unused.invalid",
		"feed": "http://unused.invalid", "messaging": "http://unused.invalid",
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	})
	gw := h.server()
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/users/profile")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for missing credential, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/users/profile", nil)
	req.Header.Set("Authorization", "Bearer invalidtoken")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid credential, got %d", resp2.StatusCode)
	}
}

func TestAuthedRouteSucceedsWithValidCredentialAndRewritesPath(t *testing.T) {
	var gotPath string
	userUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer userUp.Close()

	h := newHarness(t, map[string]string{
		"user": userUp.URL, "auth": "http://unused.invalid", "badge": "http://unused.invalid",
		"feed": "http://unused.invalid", "messaging": "http://unused.invalid",
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	})
	gw := h.server()
	defer gw.Close()

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/users/profile", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testuser123"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotPath != "/users/profile" {
		t.Fatalf("expected plural prefix kept verbatim, got %q", gotPath)
	}
}

func TestRepeatedBackendFailuresTripBreakerThenProbeAfterCooldown(t *testing.T) {
	badgeUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	badgeUp.Close() // closed immediately: every call is a connect-phase failure

	h := newHarness(t, map[string]string{
		"user": "http://unused.invalid", "auth": "http://unused.invalid", "badge": badgeUp.URL,
		"feed": "http://unused.invalid", "messaging": "http://unused.invalid",
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	})
	gw := h.server()
	defer gw.Close()

	tok := signToken(t, "testuser123")
	doReq := func() int {
		req, _ := http.NewRequest(http.MethodGet, gw.URL+"/badge/collection", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	first := doReq()
	if first != http.StatusBadGateway {
		t.Fatalf("expected 502 on connect failure, got %d", first)
	}
	second := doReq()
	if second != http.StatusBadGateway {
		t.Fatalf("expected second 502, got %d", second)
	}
	third := doReq()
	if third != http.StatusServiceUnavailable {
		t.Fatalf("expected breaker to open on the third call (threshold=2), got %d", third)
	}

	time.Sleep(250 * time.Millisecond) // exceeds the harness's 200ms breaker timeout

	fourth := doReq()
	if fourth != http.StatusBadGateway {
		t.Fatalf("expected half-open probe to hit the (still-down) backend and fail as 502, got %d", fourth)
	}
}

func TestWebSocketBridgeEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	messagingUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, []byte("echo:"+string(data))); err != nil {
				return
			}
		}
	}))
	defer messagingUp.Close()

	reg, err := registry.New(map[string]string{
		"user": "http://unused.invalid", "auth": "http://unused.invalid", "badge": "http://unused.invalid",
		"feed": "http://unused.invalid", "messaging": messagingUp.URL,
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	}, 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	v := credential.New(gatewaySecret)
	bridge := wsbridge.New(v, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/messaging/ws/")
		bridge.Handler(w, r, id)
	}))
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/api/v1/messaging/ws/7?token=" + signToken(t, "testuser123")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "echo:hi" {
		t.Fatalf("expected echo:hi, got %q", string(data))
	}
}

func TestWebSocketBridgeRejectsMissingCredential(t *testing.T) {
	reg, err := registry.New(map[string]string{
		"user": "http://unused.invalid", "auth": "http://unused.invalid", "badge": "http://unused.invalid",
		"feed": "http://unused.invalid", "messaging": "http://unused.invalid",
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	}, 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	v := credential.New(gatewaySecret)
	bridge := wsbridge.New(v, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridge.Handler(w, r, "7")
	}))
	defer gw.Close()

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != 1008 {
		t.Fatalf("expected close code 1008, got %v", err)
	}
}

func TestHealthEndpointReflectsBreakerState(t *testing.T) {
	deadUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	deadUp.Close() // closed immediately so every call fails to connect

	liveUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer liveUp.Close()

	h := newHarness(t, map[string]string{
		"user": liveUp.URL, "auth": "http://unused.invalid", "badge": deadUp.URL,
		"feed": "http://unused.invalid", "messaging": "http://unused.invalid",
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	})
	gw := h.server()
	defer gw.Close()

	tok := signToken(t, "testuser123")
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, gw.URL+"/badge/collection", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if string(h.reg.Lookup("badge").Breaker.Stats().State) != "open" {
		t.Fatalf("expected badge breaker open before checking health, got %v", h.reg.Lookup("badge").Breaker.Stats().State)
	}

	resp, err := http.Get(gw.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Services map[string]struct {
			URL    string `json:"url"`
			Status string `json:"status"`
		} `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Services["user"].Status != "healthy" {
		t.Fatalf("expected user healthy, got %q", body.Services["user"].Status)
	}
	if body.Services["badge"].Status != "unavailable" {
		t.Fatalf("expected badge unavailable, got %q", body.Services["badge"].Status)
	}
}

func TestUnknownServicePathIs404(t *testing.T) {
	h := newHarness(t, map[string]string{
		"user": "http://unused.invalid", "auth": "http://unused.invalid", "badge": "http://unused.invalid",
		"feed": "http://unused.invalid", "messaging": "http://unused.invalid",
		"notification": "http://unused.invalid", "project": "http://unused.invalid", "new": "http://unused.invalid",
	})
	gw := h.server()
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/nope/whatever")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
