package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confsync/confsync/internal/client"
	"github.com/confsync/confsync/internal/transport/httprpc"
)

// Two caches on the in-process bus: an update from one propagates to the
// other, a rejected update changes nothing anywhere.
func TestScenario_TwoClientsOverBus(t *testing.T) {
	h := newHarness(t)

	epA, err := h.bus.Endpoint("client-a")
	require.NoError(t, err)
	cacheA := client.New(epA, client.Options{Logger: logrus.New()})
	defer cacheA.Close()

	epB, err := h.bus.Endpoint("client-b")
	require.NoError(t, err)
	cacheB := client.New(epB, client.Options{Logger: logrus.New()})
	defer cacheB.Close()

	ctx := context.Background()

	// B warms its cache with the default.
	rec, err := cacheB.Get(ctx, "refresh_interval")
	require.NoError(t, err)
	require.Equal(t, float64(300), rec.Value)

	// A updates; the change reaches B's cache without B asking.
	_, err = cacheA.Update(ctx, "refresh_interval", 120)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, freshness, ok := cacheB.Peek("refresh_interval")
		return ok && freshness == client.Fresh && got.Value == float64(120)
	}, 2*time.Second, 10*time.Millisecond)

	// A's own cache was patched by the response, not by an echo.
	got, freshness, ok := cacheA.Peek("refresh_interval")
	require.True(t, ok)
	assert.Equal(t, client.Fresh, freshness)
	assert.Equal(t, float64(120), got.Value)

	// An out-of-range update is rejected and nothing moves.
	_, err = cacheA.Update(ctx, "refresh_interval", 9999)
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)

	rec, err = cacheB.Get(ctx, "refresh_interval")
	require.NoError(t, err)
	assert.Equal(t, float64(120), rec.Value)
}

// Same protocol bridged over HTTP: rpc endpoint plus SSE event stream.
func TestScenario_TwoClientsOverHTTP(t *testing.T) {
	h := newHarness(t)
	logger := logrus.New()

	hs := NewHTTPServer("unused", h.bus, h.coord, nil, logger)
	ts := httptest.NewServer(hs.srv.Handler)
	defer ts.Close()

	epA := httprpc.New(ts.URL, httprpc.Options{ClientID: "http-a", Logger: logger})
	cacheA := client.New(epA, client.Options{Logger: logger})
	defer cacheA.Close()

	epB := httprpc.New(ts.URL, httprpc.Options{ClientID: "http-b", Logger: logger})
	cacheB := client.New(epB, client.Options{Logger: logger})
	defer cacheB.Close()

	// Both event streams must be registered before the update fans out.
	require.Eventually(t, func() bool {
		ids := h.bus.Endpoints()
		return len(ids) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()

	rec, err := cacheB.Get(ctx, "theme")
	require.NoError(t, err)
	require.Equal(t, "system", rec.Value)

	_, err = cacheA.Update(ctx, "theme", "dark")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, freshness, ok := cacheB.Peek("theme")
		return ok && freshness == client.Fresh && got.Value == "dark"
	}, 3*time.Second, 20*time.Millisecond)
}

// Reset over HTTP invalidates remote caches wholesale.
func TestScenario_ResetInvalidatesRemoteCache(t *testing.T) {
	h := newHarness(t)

	epA, err := h.bus.Endpoint("client-a")
	require.NoError(t, err)
	cacheA := client.New(epA, client.Options{Logger: logrus.New()})
	defer cacheA.Close()

	epB, err := h.bus.Endpoint("client-b")
	require.NoError(t, err)
	cacheB := client.New(epB, client.Options{Logger: logrus.New()})
	defer cacheB.Close()

	ctx := context.Background()

	_, err = cacheA.Update(ctx, "theme", "dark")
	require.NoError(t, err)
	_, err = cacheB.Get(ctx, "theme")
	require.NoError(t, err)

	count, err := cacheA.Reset(ctx)
	require.NoError(t, err)
	assert.NotZero(t, count)

	require.Eventually(t, func() bool {
		_, freshness, ok := cacheB.Peek("theme")
		return ok && freshness == client.Unknown
	}, 2*time.Second, 10*time.Millisecond)

	// B's next read refetches the default.
	rec, err := cacheB.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "system", rec.Value)
}
