package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confsync/confsync/internal/schema"
	"github.com/confsync/confsync/internal/transport"
)

// fakeRequester scripts responses per message type and records broadcast
// listeners so tests can push broadcasts by hand.
type fakeRequester struct {
	mu        sync.Mutex
	responses map[transport.MessageType]transport.Response
	errs      map[transport.MessageType]error
	calls     map[transport.MessageType]int
	listeners []func(transport.Broadcast)
	closed    bool
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		responses: make(map[transport.MessageType]transport.Response),
		errs:      make(map[transport.MessageType]error),
		calls:     make(map[transport.MessageType]int),
	}
}

func (f *fakeRequester) ID() string { return "client-test" }

func (f *fakeRequester) Request(ctx context.Context, msg transport.Message) (transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[msg.Type]++
	if err, ok := f.errs[msg.Type]; ok {
		return transport.Response{}, err
	}
	return f.responses[msg.Type], nil
}

func (f *fakeRequester) OnBroadcast(fn func(transport.Broadcast)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeRequester) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeRequester) push(bc transport.Broadcast) {
	f.mu.Lock()
	listeners := append(([]func(transport.Broadcast))(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(bc)
	}
}

func (f *fakeRequester) callCount(t transport.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[t]
}

func settingPayload(t *testing.T, rec *schema.Record) transport.Response {
	t.Helper()
	raw, err := json.Marshal(transport.SettingResponse{Setting: rec})
	require.NoError(t, err)
	return transport.Response{Payload: raw}
}

func newTestCache(t *testing.T, f *fakeRequester) *Cache {
	t.Helper()
	c := New(f, Options{Logger: logrus.New(), Timeout: 200 * time.Millisecond})
	t.Cleanup(c.Close)
	return c
}

func TestCache_GetFetchesThenServesLocally(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgGetSetting] = settingPayload(t, &schema.Record{
		Key: "theme", Type: schema.TypeText, Value: "dark",
	})
	c := newTestCache(t, f)

	rec, err := c.Get(context.Background(), "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", rec.Value)
	assert.Equal(t, 1, f.callCount(transport.MsgGetSetting))

	// Second read is a cache hit: no additional round-trip.
	rec, err = c.Get(context.Background(), "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", rec.Value)
	assert.Equal(t, 1, f.callCount(transport.MsgGetSetting))

	got, freshness, ok := c.Peek("theme")
	require.True(t, ok)
	assert.Equal(t, Fresh, freshness)
	assert.Equal(t, "dark", got.Value)
}

func TestCache_RemoteErrorNotRetried(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgGetSetting] = transport.Response{Error: "setting not found: bogus"}
	c := newTestCache(t, f)

	_, err := c.Get(context.Background(), "bogus")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Msg, "not found")
	assert.Equal(t, 1, f.callCount(transport.MsgGetSetting), "remote rejections must not retry")
}

func TestCache_TransportErrorRetries(t *testing.T) {
	f := newFakeRequester()
	f.errs[transport.MsgPing] = transport.ErrUnreachable
	c := New(f, Options{Logger: logrus.New(), MaxRetries: 2, Timeout: 100 * time.Millisecond})
	defer c.Close()

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnreachable)
	assert.Equal(t, 3, f.callCount(transport.MsgPing), "initial attempt plus two retries")
}

func TestCache_GetFallsBackToStaleOnTransportFailure(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgGetSetting] = settingPayload(t, &schema.Record{
		Key: "theme", Type: schema.TypeText, Value: "dark",
	})
	c := New(f, Options{Logger: logrus.New(), MaxRetries: 1, Timeout: 100 * time.Millisecond})
	defer c.Close()

	_, err := c.Get(context.Background(), "theme")
	require.NoError(t, err)

	// Invalidate so the next Get takes the live path, then cut the wire.
	f.push(transport.Broadcast{Type: transport.BroadcastReset, Payload: json.RawMessage(`{"count":1}`)})
	f.mu.Lock()
	f.errs[transport.MsgGetSetting] = transport.ErrTimeout
	f.mu.Unlock()

	rec, err := c.Get(context.Background(), "theme")
	require.NoError(t, err, "stale fallback must mask the transport failure")
	assert.Equal(t, "dark", rec.Value)

	_, freshness, ok := c.Peek("theme")
	require.True(t, ok)
	assert.Equal(t, Unknown, freshness)
}

func TestCache_GetNoFallbackWithoutCachedEntry(t *testing.T) {
	f := newFakeRequester()
	f.errs[transport.MsgGetSetting] = transport.ErrTimeout
	c := New(f, Options{Logger: logrus.New(), MaxRetries: 1, Timeout: 100 * time.Millisecond})
	defer c.Close()

	_, err := c.Get(context.Background(), "theme")
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestCache_ChangedBroadcastPatchesEntries(t *testing.T) {
	f := newFakeRequester()
	c := newTestCache(t, f)

	var mu sync.Mutex
	var notified [][]string
	c.OnChange(func(keys []string) {
		mu.Lock()
		notified = append(notified, keys)
		mu.Unlock()
	})

	raw, err := json.Marshal(transport.ChangedBroadcast{Changes: map[string]*schema.Record{
		"refresh_interval": {Key: "refresh_interval", Type: schema.TypeNumber, Value: float64(120)},
	}})
	require.NoError(t, err)
	f.push(transport.Broadcast{Type: transport.BroadcastChanged, Payload: raw})

	rec, freshness, ok := c.Peek("refresh_interval")
	require.True(t, ok)
	assert.Equal(t, Fresh, freshness)
	assert.Equal(t, float64(120), rec.Value)

	// The patched entry serves locally with no round-trip.
	got, err := c.Get(context.Background(), "refresh_interval")
	require.NoError(t, err)
	assert.Equal(t, float64(120), got.Value)
	assert.Zero(t, f.callCount(transport.MsgGetSetting))

	mu.Lock()
	require.Len(t, notified, 1)
	assert.Equal(t, []string{"refresh_interval"}, notified[0])
	mu.Unlock()
}

func TestCache_ImportBroadcastInvalidatesAll(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgGetSetting] = settingPayload(t, &schema.Record{
		Key: "theme", Type: schema.TypeText, Value: "dark",
	})
	c := newTestCache(t, f)

	_, err := c.Get(context.Background(), "theme")
	require.NoError(t, err)

	var mu sync.Mutex
	var notified [][]string
	c.OnChange(func(keys []string) {
		mu.Lock()
		notified = append(notified, keys)
		mu.Unlock()
	})

	f.push(transport.Broadcast{Type: transport.BroadcastImported, Payload: json.RawMessage(`{"applied":5}`)})

	_, freshness, ok := c.Peek("theme")
	require.True(t, ok)
	assert.Equal(t, Unknown, freshness, "import must drop every entry to unknown")

	mu.Lock()
	require.Len(t, notified, 1)
	assert.Nil(t, notified[0], "wholesale invalidation notifies with nil keys")
	mu.Unlock()

	// Next Get refetches.
	_, err = c.Get(context.Background(), "theme")
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount(transport.MsgGetSetting))
}

func TestCache_UpdatePatchesCache(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgUpdateSetting] = settingPayload(t, &schema.Record{
		Key: "theme", Type: schema.TypeText, Value: "dark",
	})
	c := newTestCache(t, f)

	rec, err := c.Update(context.Background(), "theme", "dark")
	require.NoError(t, err)
	assert.Equal(t, "dark", rec.Value)

	_, freshness, ok := c.Peek("theme")
	require.True(t, ok)
	assert.Equal(t, Fresh, freshness)
}

func TestCache_UpdateManyTimeoutMarksTouchedKeysUnknown(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgGetSetting] = settingPayload(t, &schema.Record{
		Key: "theme", Type: schema.TypeText, Value: "dark",
	})
	c := New(f, Options{Logger: logrus.New(), MaxRetries: 1, Timeout: 100 * time.Millisecond})
	defer c.Close()

	_, err := c.Get(context.Background(), "theme")
	require.NoError(t, err)

	f.mu.Lock()
	f.errs[transport.MsgUpdateSettings] = transport.ErrTimeout
	f.mu.Unlock()

	_, err = c.UpdateMany(context.Background(), map[string]any{"theme": "light"})
	require.ErrorIs(t, err, transport.ErrTimeout)

	// The update may have been applied coordinator-side; the entry cannot
	// be trusted anymore.
	_, freshness, ok := c.Peek("theme")
	require.True(t, ok)
	assert.Equal(t, Unknown, freshness)
}

func TestCache_OnChangeRemoval(t *testing.T) {
	f := newFakeRequester()
	c := newTestCache(t, f)

	calls := 0
	remove := c.OnChange(func([]string) { calls++ })

	f.push(transport.Broadcast{Type: transport.BroadcastReset, Payload: json.RawMessage(`{}`)})
	assert.Equal(t, 1, calls)

	remove()
	f.push(transport.Broadcast{Type: transport.BroadcastReset, Payload: json.RawMessage(`{}`)})
	assert.Equal(t, 1, calls)
}

func TestCache_CloseClosesEndpoint(t *testing.T) {
	f := newFakeRequester()
	c := New(f, Options{Logger: logrus.New()})

	c.Close()
	c.Close() // idempotent
	assert.True(t, f.closed)
}

func TestCache_ExportRoundTrip(t *testing.T) {
	f := newFakeRequester()
	raw, err := json.Marshal(schema.Envelope{
		Version:    schema.EnvelopeVersion,
		ExportedAt: 123,
		Settings: map[string]*schema.Record{
			"theme": {Key: "theme", Value: "dark"},
		},
	})
	require.NoError(t, err)
	f.responses[transport.MsgExportSettings] = transport.Response{Payload: raw}
	c := newTestCache(t, f)

	env, err := c.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.EnvelopeVersion, env.Version)
	assert.Contains(t, env.Settings, "theme")
}

func TestCache_ResetInvalidates(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgGetSetting] = settingPayload(t, &schema.Record{
		Key: "theme", Type: schema.TypeText, Value: "dark",
	})
	f.responses[transport.MsgResetSettings] = transport.Response{Payload: json.RawMessage(`{"count":10}`)}
	c := newTestCache(t, f)

	_, err := c.Get(context.Background(), "theme")
	require.NoError(t, err)

	count, err := c.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	_, freshness, _ := c.Peek("theme")
	assert.Equal(t, Unknown, freshness)
}

func TestCache_ImportSurfacesRemoteRejection(t *testing.T) {
	f := newFakeRequester()
	f.responses[transport.MsgImportSettings] = transport.Response{Error: "no importable settings in payload"}
	c := newTestCache(t, f)

	_, _, err := c.Import(context.Background(), schema.Envelope{Version: schema.EnvelopeVersion})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, errors.As(err, &remote))
}
