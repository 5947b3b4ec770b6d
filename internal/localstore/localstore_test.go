package localstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/store"
	"github.com/roach88/ritual/internal/testutil"
	"github.com/roach88/ritual/internal/version"
)

const testKey = "mystical-desires-v1.2.0"

func newTestAdapter(t *testing.T, kv KV) *Adapter {
	t.Helper()
	return New(kv, testKey,
		WithClock(testutil.NewDeterministicClock()),
		WithIDs(testutil.NewSequentialIDs("local")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAdd_ThenList(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, openStore(t, ":memory:"))

	rec, err := a.Add(ctx, "  write code  ", intention.Manifest)
	require.NoError(t, err)
	assert.Equal(t, "write code", rec.Text)
	assert.Equal(t, intention.Manifest, rec.Kind)
	assert.False(t, rec.Sealed)
	assert.Equal(t, "local-0001", rec.ID)

	list := a.List(ctx, intention.Manifest)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
	assert.Equal(t, rec.Text, list[0].Text)
	assert.True(t, rec.CreatedAt.Equal(list[0].CreatedAt))

	assert.Empty(t, a.List(ctx, intention.Release))
}

func TestAdd_RejectsEmptyText(t *testing.T) {
	a := newTestAdapter(t, openStore(t, ":memory:"))

	_, err := a.Add(context.Background(), " \n ", intention.Manifest)
	require.ErrorIs(t, err, intention.ErrValidation)
}

func TestList_NewestFirstByKind(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, openStore(t, ":memory:"))

	_, err := a.Add(ctx, "first", intention.Manifest)
	require.NoError(t, err)
	_, err = a.Add(ctx, "let go", intention.Release)
	require.NoError(t, err)
	_, err = a.Add(ctx, "second", intention.Manifest)
	require.NoError(t, err)

	manifests := a.List(ctx, intention.Manifest)
	require.Len(t, manifests, 2)
	assert.Equal(t, "second", manifests[0].Text)
	assert.Equal(t, "first", manifests[1].Text)

	releases := a.List(ctx, intention.Release)
	require.Len(t, releases, 1)
	assert.Equal(t, "let go", releases[0].Text)
}

func TestToggleSeal(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, openStore(t, ":memory:"))

	rec, err := a.Add(ctx, "write code", intention.Manifest)
	require.NoError(t, err)

	toggled, found, err := a.ToggleSeal(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, toggled.Sealed)
	assert.True(t, a.List(ctx, intention.Manifest)[0].Sealed)

	toggled, _, err = a.ToggleSeal(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Sealed)

	_, found, err = a.ToggleSeal(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemove_Idempotent(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, openStore(t, ":memory:"))

	rec, err := a.Add(ctx, "write code", intention.Manifest)
	require.NoError(t, err)

	removed, err := a.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, a.List(ctx, intention.Manifest), 1)

	removed, err = a.Remove(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, a.List(ctx, intention.Manifest))
}

func TestRoundTrip_AcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	s1, err := store.Open(path)
	require.NoError(t, err)
	a1 := New(s1, testKey) // real clock and IDs
	rec, err := a1.Add(ctx, "write code", intention.Release)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	a2 := New(openStore(t, path), testKey)
	list := a2.List(ctx, intention.Release)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
	assert.Equal(t, rec.Text, list[0].Text)
	assert.Equal(t, rec.Kind, list[0].Kind)
	assert.True(t, rec.CreatedAt.Equal(list[0].CreatedAt), "createdAt %v != %v", rec.CreatedAt, list[0].CreatedAt)
}

func TestNamespaces_DoNotCollide(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:")

	v1 := New(s, "mystical-desires-v1")
	v2 := New(s, "mystical-desires-v1.2.0")

	_, err := v1.Add(ctx, "old version", intention.Manifest)
	require.NoError(t, err)

	assert.Len(t, v1.List(ctx, intention.Manifest), 1)
	assert.Empty(t, v2.List(ctx, intention.Manifest))
}

func TestCorruptPayload_TreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:")
	require.NoError(t, s.Set(ctx, testKey, []byte(`{not json`)))

	a := newTestAdapter(t, s)
	assert.Empty(t, a.List(ctx, intention.Manifest))

	// The next write discards the corrupt payload.
	_, err := a.Add(ctx, "fresh start", intention.Manifest)
	require.NoError(t, err)
	assert.Len(t, a.List(ctx, intention.Manifest), 1)
}

func TestCorruptEntry_UnknownKind(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:")
	require.NoError(t, s.Set(ctx, testKey, []byte(`[{"id":"1","text":"x","kind":"desire","createdAt":"2025-07-24T09:00:00Z"}]`)))

	a := newTestAdapter(t, s)
	assert.Empty(t, a.List(ctx, intention.Manifest))
}

func TestLegacyDesireFormat(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:")
	legacy := `[{"id":"1753347600000","text":"abundance","createdAt":"2025-07-24T09:00:00.000Z","isSealed":true}]`
	require.NoError(t, s.Set(ctx, testKey, []byte(legacy)))

	a := newTestAdapter(t, s)
	list := a.List(ctx, intention.Manifest)
	require.Len(t, list, 1)
	assert.Equal(t, "abundance", list[0].Text)
	assert.True(t, list[0].Sealed)
}

func TestLegacyDesireFormat_V1DeviceKey(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:")
	v1, err := version.ByID("v1.0.0")
	require.NoError(t, err)
	legacy := `[{"id":"1753347600000","text":"abundance","createdAt":"2025-07-24T09:00:00.000Z","isSealed":false}]`
	require.NoError(t, s.Set(ctx, "mystical-desires-v1", []byte(legacy)))

	a := New(s, v1.StorageKey(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	list := a.List(ctx, intention.Manifest)
	require.Len(t, list, 1)
	assert.Equal(t, "abundance", list[0].Text)
	assert.False(t, list[0].Sealed)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, openStore(t, ":memory:"))

	_, err := a.Add(ctx, "write code", intention.Manifest)
	require.NoError(t, err)
	require.NoError(t, a.Clear(ctx))
	assert.Empty(t, a.List(ctx, intention.Manifest))
}

// failingKV simulates a store that cannot be read or written.
type failingKV struct{ err error }

func (f failingKV) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingKV) Set(context.Context, string, []byte) error        { return f.err }
func (f failingKV) Delete(context.Context, string) error             { return f.err }

func TestStoreFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk gone")
	a := newTestAdapter(t, failingKV{err: boom})

	assert.Empty(t, a.List(ctx, intention.Manifest), "List never fails")

	_, err := a.Add(ctx, "write code", intention.Manifest)
	require.ErrorIs(t, err, boom)

	_, err = a.Remove(ctx, "x")
	require.ErrorIs(t, err, boom)
}

var _ KV = (*store.Store)(nil)
