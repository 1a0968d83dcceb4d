package provisioner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/deploybay/engine/pkg/logger"
	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestCreateReturnsUnit(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/units", r.URL.Path)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		var in CreateInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		gotKey = in.IdempotencyKey
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Unit{Ref: "unit-1", Endpoint: "http://unit-1.local"})
	}))
	defer srv.Close()

	p := NewSubstrateProvisioner(srv.URL, "sekrit", time.Second)
	u, err := p.Create(context.Background(), CreateInput{ArtifactRef: "sha256:abc", IdempotencyKey: "dep-1"})
	require.NoError(t, err)
	require.Equal(t, "unit-1", u.Ref)
	require.Equal(t, "http://unit-1.local", u.Endpoint)
	require.Equal(t, "dep-1", gotKey)
}

func TestCreateSubstrateRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := NewSubstrateProvisioner(srv.URL, "", time.Second)
	_, err := p.Create(context.Background(), CreateInput{ArtifactRef: "sha256:abc", IdempotencyKey: "dep-1"})
	require.Error(t, err)
	require.True(t, appErr.IsUnavailable(err))
}

func TestProbeReady(t *testing.T) {
	ready := false
	unitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer unitSrv.Close()

	p := NewSubstrateProvisioner("http://substrate.invalid", "", time.Second)
	u := &Unit{Ref: "unit-1", Endpoint: unitSrv.URL}

	ok, err := p.ProbeReady(context.Background(), u)
	require.NoError(t, err)
	require.False(t, ok)

	ready = true
	ok, err = p.ProbeReady(context.Background(), u)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProbeUnreachableIsNotReady(t *testing.T) {
	p := NewSubstrateProvisioner("http://substrate.invalid", "", 200*time.Millisecond)
	ok, err := p.ProbeReady(context.Background(), &Unit{Ref: "unit-1", Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDestroyIdempotent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewSubstrateProvisioner(srv.URL, "", time.Second)
	require.NoError(t, p.Destroy(context.Background(), "unit-1"))
	// Second destroy of an already-gone unit still succeeds.
	require.NoError(t, p.Destroy(context.Background(), "unit-1"))
	require.Equal(t, 2, calls)
}
