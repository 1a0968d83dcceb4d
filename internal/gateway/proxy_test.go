package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/deploybay/engine/internal/models"
)

func newTestProxy(src *fakeSources, opts ResolverOptions) *Proxy {
	r := NewResolver(src, src, src, opts)
	return NewProxy(r, nil, ProxyOptions{ForwardTimeout: 5 * time.Second})
}

func dispatch(p *Proxy, method, host, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "http://"+host+path, body)
	req.Host = host
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out["error"]
}

func TestDispatchUnknownDomain(t *testing.T) {
	p := newTestProxy(newFakeSources(), ResolverOptions{})

	w := dispatch(p, http.MethodGet, "nobody.example.com", "/", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "unknown domain", errorMessage(t, w))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestDispatchNotDeployed(t *testing.T) {
	src := newFakeSources()
	src.bind("app.example.com", uuid.New(), nil)
	p := newTestProxy(src, ResolverOptions{})

	w := dispatch(p, http.MethodGet, "app.example.com", "/", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "not deployed", errorMessage(t, w))
}

func TestDispatchForwardsToActiveUnit(t *testing.T) {
	var gotPath, gotForwardedHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotForwardedHost = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("X-Unit", "a")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "hello from unit")
	}))
	defer backend.Close()

	src := newFakeSources()
	projectID := uuid.New()
	src.bind("app.example.com", projectID, nil)
	dep := activeDeployment(projectID, backend.URL)
	src.setActive(projectID, dep)
	p := newTestProxy(src, ResolverOptions{})

	w := dispatch(p, http.MethodGet, "app.example.com", "/v1/widgets?limit=3", nil)
	require.Equal(t, http.StatusTeapot, w.Code)
	require.Equal(t, "hello from unit", w.Body.String())
	require.Equal(t, "/v1/widgets?limit=3", gotPath)
	require.Equal(t, "app.example.com", gotForwardedHost)
	require.Equal(t, "a", w.Header().Get("X-Unit"))
	require.Equal(t, dep.ID.String(), w.Header().Get("X-Deploybay-Deployment"))
}

func TestDispatchRetriesOnceAgainstFreshRoute(t *testing.T) {
	backendA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	var hitsB atomic.Int32
	backendB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		io.WriteString(w, "from b")
	}))
	defer backendB.Close()

	src := newFakeSources()
	projectID := uuid.New()
	src.bind("app.example.com", projectID, nil)
	depA := activeDeployment(projectID, backendA.URL)
	src.setActive(projectID, depA)
	p := newTestProxy(src, ResolverOptions{RouteTTL: time.Minute})

	// Warm the route cache against A, then kill A and activate B. The cached
	// route still points at the dead unit.
	w := dispatch(p, http.MethodGet, "app.example.com", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	backendA.Close()

	depB := activeDeployment(projectID, backendB.URL)
	src.setActive(projectID, depB)

	w = dispatch(p, http.MethodGet, "app.example.com", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "from b", w.Body.String())
	require.Equal(t, depB.ID.String(), w.Header().Get("X-Deploybay-Deployment"))
	require.Equal(t, int32(1), hitsB.Load())
}

func TestDispatchRetryReplaysBufferedBody(t *testing.T) {
	backendA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	var gotBody atomic.Value
	backendB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody.Store(string(b))
		w.WriteHeader(http.StatusCreated)
	}))
	defer backendB.Close()

	src := newFakeSources()
	projectID := uuid.New()
	src.bind("app.example.com", projectID, nil)
	src.setActive(projectID, activeDeployment(projectID, backendA.URL))
	p := newTestProxy(src, ResolverOptions{RouteTTL: time.Minute})

	w := dispatch(p, http.MethodGet, "app.example.com", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	backendA.Close()
	src.setActive(projectID, activeDeployment(projectID, backendB.URL))

	w = dispatch(p, http.MethodPost, "app.example.com", "/submit", strings.NewReader(`{"n":42}`))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, `{"n":42}`, gotBody.Load())
}

func TestDispatchGivesUpAfterSingleRetry(t *testing.T) {
	// Reserve a port with a listener that is closed before dispatching, so
	// both attempts hit a dead endpoint.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	src := newFakeSources()
	projectID := uuid.New()
	src.bind("app.example.com", projectID, nil)
	src.setActive(projectID, activeDeployment(projectID, deadURL))
	p := newTestProxy(src, ResolverOptions{RouteTTL: time.Minute})

	src.mu.Lock()
	src.activeCalls = 0
	src.mu.Unlock()

	w := dispatch(p, http.MethodGet, "app.example.com", "/", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "upstream unreachable", errorMessage(t, w))

	// Initial miss plus exactly one cache-bypassing re-resolution.
	src.mu.Lock()
	calls := src.activeCalls
	src.mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestDispatchRetryUnavailableWhenRegistryDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	src := newFakeSources()
	projectID := uuid.New()
	src.bind("app.example.com", projectID, nil)
	src.setActive(projectID, activeDeployment(projectID, deadURL))
	p := newTestProxy(src, ResolverOptions{RouteTTL: time.Minute})

	// First dispatch warms nothing useful; make the registry unreachable so
	// the bypass re-resolution cannot produce a route either.
	w := dispatch(p, http.MethodGet, "app.example.com", "/", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)

	src.setFetchErr(io.ErrUnexpectedEOF)
	w = dispatch(p, http.MethodGet, "app.example.com", "/", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "temporarily unavailable", errorMessage(t, w))
}

func TestDispatchPinnedPreviewHost(t *testing.T) {
	livePinned := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pinned")
	}))
	defer livePinned.Close()

	src := newFakeSources()
	projectID := uuid.New()
	src.setActive(projectID, activeDeployment(projectID, "http://unit-live.local"))

	pinned := activeDeployment(projectID, livePinned.URL)
	pinned.Status = models.StatusSuperseded
	src.mu.Lock()
	src.deployments[pinned.ID] = pinned
	src.mu.Unlock()
	src.bind("preview.example.com", projectID, &pinned.ID)

	p := newTestProxy(src, ResolverOptions{})
	w := dispatch(p, http.MethodGet, "preview.example.com", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pinned", w.Body.String())
	require.Equal(t, pinned.ID.String(), w.Header().Get("X-Deploybay-Deployment"))
}
