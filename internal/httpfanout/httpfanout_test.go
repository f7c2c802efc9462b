package httpfanout

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delayServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok:"+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFanoutSuccess(t *testing.T) {
	srv := delayServer(t)
	rng := rand.New(rand.NewSource(1))

	results, err := Fanout(context.Background(), srv.Client(), srv.URL, rng)
	require.NoError(t, err)

	for _, r := range results {
		assert.Equal(t, http.StatusOK, r.StatusCode)
		assert.Contains(t, r.Body, "ok:/delay/")
		assert.GreaterOrEqual(t, r.DurationMS, float64(0))
	}
}

func TestFanoutDelayWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var seenPaths []string
	captureSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPaths = append(seenPaths, r.URL.Path)
		fmt.Fprint(w, "ok")
	}))
	defer captureSrv.Close()

	_, err := Fanout(context.Background(), captureSrv.Client(), captureSrv.URL, rng)
	require.NoError(t, err)
	require.Len(t, seenPaths, callCount)
	for _, p := range seenPaths {
		var d float64
		_, scanErr := fmt.Sscanf(p, "/delay/%f", &d)
		require.NoError(t, scanErr)
		assert.GreaterOrEqual(t, d, delayMin)
		assert.Less(t, d, delayMax)
	}
}

func TestFanoutConnectionFailure(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	client := &http.Client{Timeout: time.Second}

	_, err := Fanout(context.Background(), client, "http://127.0.0.1:1", rng)
	assert.Error(t, err)
}

func TestFanoutNon2xxIsNotAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "teapot")
	}))
	defer srv.Close()

	rng := rand.New(rand.NewSource(3))
	results, err := Fanout(context.Background(), srv.Client(), srv.URL, rng)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, http.StatusTeapot, r.StatusCode)
	}
}
