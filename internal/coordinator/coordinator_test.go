package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confsync/confsync/internal/backend"
	"github.com/confsync/confsync/internal/schema"
	"github.com/confsync/confsync/internal/validate"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	entries := []schema.Entry{
		{
			Key:         "refresh_interval",
			Type:        schema.TypeNumber,
			Default:     float64(300),
			Constraints: schema.Constraints{Min: schema.FloatPtr(1), Max: schema.FloatPtr(3600)},
		},
		{
			Key:         "theme",
			Type:        schema.TypeText,
			Default:     "system",
			Constraints: schema.Constraints{MaxLength: schema.IntPtr(32)},
		},
		{Key: "notifications_enabled", Type: schema.TypeBoolean, Default: true},
		{Key: "filter_rules", Type: schema.TypeJSON, Default: map[string]any{"rules": []any{}}},
	}
	r, err := schema.NewRegistry(entries, []string{"legacy_key"})
	require.NoError(t, err)
	return r
}

// recordingBroadcaster captures broadcaster calls.
type recordingBroadcaster struct {
	mu       sync.Mutex
	changed  []map[string]*schema.Record
	origins  []string
	imported int
	reset    int
}

func (b *recordingBroadcaster) SettingsChanged(origin string, changed map[string]*schema.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changed = append(b.changed, changed)
	b.origins = append(b.origins, origin)
}

func (b *recordingBroadcaster) SettingsImported(origin string, applied int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imported++
}

func (b *recordingBroadcaster) SettingsReset(origin string, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset++
}

func newTestCoordinator(t *testing.T, store backend.Store) (*Coordinator, *recordingBroadcaster) {
	t.Helper()
	bc := &recordingBroadcaster{}
	c := New(testRegistry(t), store, Options{Broadcaster: bc, Logger: logrus.New()})
	return c, bc
}

func TestInitialize_Defaults(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))

	assert.Equal(t, StateUninitialized, c.State())
	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, StateReady, c.State())

	all, err := c.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, float64(300), all["refresh_interval"].Value)
	assert.Equal(t, "system", all["theme"].Value)
	assert.Equal(t, true, all["notifications_enabled"].Value)
}

func TestInitialize_OverlaysPersistedValues(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(0)

	c1, _ := newTestCoordinator(t, store)
	require.NoError(t, c1.Initialize(ctx))
	_, err := c1.UpdateMany(ctx, "", map[string]any{"refresh_interval": 120})
	require.NoError(t, err)

	// A second coordinator over the same backend sees the persisted value.
	c2, _ := newTestCoordinator(t, store)
	require.NoError(t, c2.Initialize(ctx))

	rec, err := c2.Get(ctx, "refresh_interval")
	require.NoError(t, err)
	assert.Equal(t, float64(120), rec.Value)
}

func TestInitialize_DropsInvalidPersistedValue(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(0)

	// Persisted value violates the schema max; it must fall back to default.
	store.InjectExternalChange(map[string][]byte{
		"setting:refresh_interval": []byte(`{"key":"refresh_interval","type":"number","value":99999}`),
	})

	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Initialize(ctx))

	rec, err := c.Get(ctx, "refresh_interval")
	require.NoError(t, err)
	assert.Equal(t, float64(300), rec.Value)
}

func TestInitialize_FallsBackToEmbeddedDefaults(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(0)
	store.FailReads(errors.New("backend down"))

	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, StateReady, c.State())

	rec, err := c.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "system", rec.Value)
}

func TestInitialize_RemovesDeprecatedKeys(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(0)
	store.InjectExternalChange(map[string][]byte{
		"setting:legacy_key": []byte(`{"value":"old"}`),
	})

	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Initialize(ctx))

	got, err := store.Get(ctx, []string{"setting:legacy_key"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOperations_RequireReady(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))

	_, err := c.Get(ctx, "theme")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.GetAll(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.UpdateMany(ctx, "", map[string]any{"theme": "dark"})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.ExportAll(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	_, err := c.Get(ctx, "no_such_key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMany_SkipsUnknownKeys(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	got, err := c.GetMany(ctx, []string{"theme", "no_such_key"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "theme")
}

func TestUpdateMany_Success(t *testing.T) {
	ctx := context.Background()
	c, bc := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	changed, err := c.UpdateMany(ctx, "client-a", map[string]any{
		"refresh_interval": 120,
		"theme":            "dark",
	})
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, float64(120), changed["refresh_interval"].Value)

	// Broadcast carries the exact changed set and the origin.
	bc.mu.Lock()
	require.Len(t, bc.changed, 1)
	assert.Len(t, bc.changed[0], 2)
	assert.Equal(t, "client-a", bc.origins[0])
	bc.mu.Unlock()
}

func TestUpdateMany_AtomicAbortOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	c, bc := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	before, err := c.GetAll(ctx)
	require.NoError(t, err)

	_, err = c.UpdateMany(ctx, "", map[string]any{
		"theme":            "dark",          // valid
		"refresh_interval": float64(99999),  // above max
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, validate.ErrRejected)

	var rejected *validate.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "refresh_interval", rejected.Key)

	// No partial writes: the map is unchanged.
	after, err := c.GetAll(ctx)
	require.NoError(t, err)
	for key := range before {
		assert.Equal(t, before[key].Value, after[key].Value, key)
	}

	bc.mu.Lock()
	assert.Empty(t, bc.changed, "failed batch must not broadcast")
	bc.mu.Unlock()
}

func TestUpdateMany_UnknownKeyAborts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	_, err := c.UpdateMany(ctx, "", map[string]any{
		"theme":       "dark",
		"no_such_key": 1,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := c.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "system", rec.Value)
}

func TestUpdateMany_QuotaExceededSurfacesVerbatim(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(0)
	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Initialize(ctx))

	store.FailWrites(backend.ErrQuotaExceeded)
	_, err := c.UpdateMany(ctx, "", map[string]any{"theme": "dark"})
	assert.ErrorIs(t, err, backend.ErrQuotaExceeded)

	// Map untouched after a failed persist.
	rec, err := c.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "system", rec.Value)
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	_, err := c.UpdateMany(ctx, "", map[string]any{
		"refresh_interval": 900,
		"theme":            "dark",
	})
	require.NoError(t, err)

	env, err := c.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.EnvelopeVersion, env.Version)
	assert.NotZero(t, env.ExportedAt)

	before, err := c.GetAll(ctx)
	require.NoError(t, err)

	applied, skipped, err := c.ImportAll(ctx, "", env)
	require.NoError(t, err)
	assert.Equal(t, len(before), applied)
	assert.Empty(t, skipped)

	after, err := c.GetAll(ctx)
	require.NoError(t, err)
	for key := range before {
		assert.Equal(t, before[key].Value, after[key].Value, key)
	}
}

func TestImportAll_SkipsUnknownKeys(t *testing.T) {
	ctx := context.Background()
	c, bc := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	env := schema.Envelope{
		Version: schema.EnvelopeVersion,
		Settings: map[string]*schema.Record{
			"theme":       {Key: "theme", Value: "dark"},
			"not_in_schema": {Key: "not_in_schema", Value: 1},
		},
	}

	applied, skipped, err := c.ImportAll(ctx, "", env)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{"not_in_schema"}, skipped)

	bc.mu.Lock()
	assert.Equal(t, 1, bc.imported)
	bc.mu.Unlock()
}

func TestImportAll_FailsWhenNothingValidates(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	env := schema.Envelope{
		Version: schema.EnvelopeVersion,
		Settings: map[string]*schema.Record{
			"bogus": {Key: "bogus", Value: 1},
			"theme": {Key: "theme", Value: 42}, // wrong type
		},
	}

	_, _, err := c.ImportAll(ctx, "", env)
	assert.ErrorIs(t, err, ErrNothingToImport)
}

func TestImportAll_RejectsNewerEnvelope(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	_, _, err := c.ImportAll(ctx, "", schema.Envelope{Version: schema.EnvelopeVersion + 1})
	assert.ErrorIs(t, err, ErrEnvelopeVersion)
}

func TestResetToDefaults(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(0)
	c, bc := newTestCoordinator(t, store)
	require.NoError(t, c.Initialize(ctx))

	_, err := c.UpdateMany(ctx, "", map[string]any{"theme": "dark"})
	require.NoError(t, err)

	count, err := c.ResetToDefaults(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	rec, err := c.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "system", rec.Value)

	bc.mu.Lock()
	assert.Equal(t, 1, bc.reset)
	bc.mu.Unlock()

	// The reset state is persisted, not just in-memory.
	c2, _ := newTestCoordinator(t, store)
	require.NoError(t, c2.Initialize(ctx))
	rec, err = c2.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "system", rec.Value)
}

func TestRestartResilience(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(0)
	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Initialize(ctx))

	_, err := c.UpdateMany(ctx, "", map[string]any{
		"refresh_interval": 1800,
		"theme":            "dark",
	})
	require.NoError(t, err)

	// Simulated termination: all in-memory state is lost.
	c.Invalidate()
	assert.Equal(t, StateUninitialized, c.State())
	_, err = c.Get(ctx, "theme")
	assert.ErrorIs(t, err, ErrUnavailable)

	// A fresh Initialize reconstructs the last persisted state, not the
	// embedded defaults.
	require.NoError(t, c.Initialize(ctx))
	all, err := c.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1800), all["refresh_interval"].Value)
	assert.Equal(t, "dark", all["theme"].Value)
}

func TestQuotaStatus(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore(1000)
	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Initialize(ctx))

	status, err := c.QuotaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), status.QuotaBytes)
	assert.False(t, status.Warning)

	// Push usage past the warning threshold.
	store.InjectExternalChange(map[string][]byte{"pad": make([]byte, 900)})
	status, err = c.QuotaStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Warning)
	assert.Greater(t, status.Percent, 80.0)
}

func TestScenario_UpdateThenRejectedUpdate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, backend.NewMemoryStore(0))
	require.NoError(t, c.Initialize(ctx))

	changed, err := c.UpdateMany(ctx, "client-a", map[string]any{"refresh_interval": 120})
	require.NoError(t, err)
	assert.Equal(t, float64(120), changed["refresh_interval"].Value)

	_, err = c.UpdateMany(ctx, "client-a", map[string]any{"refresh_interval": 9999})
	require.Error(t, err)
	assert.ErrorIs(t, err, validate.ErrRejected)

	rec, err := c.Get(ctx, "refresh_interval")
	require.NoError(t, err)
	assert.Equal(t, float64(120), rec.Value)
}
