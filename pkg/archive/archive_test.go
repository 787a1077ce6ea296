package archive

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/mesh"
)

var grid = mesh.Grid{MaxX: 20, MaxY: 20, NX: 3, NY: 3}

func testMesh(t *testing.T, centre float64) *mesh.Mesh {
	t.Helper()
	m, err := mesh.New(grid)
	require.NoError(t, err)
	for ix := 0; ix < 3; ix++ {
		for iy := 0; iy < 2; iy++ {
			require.NoError(t, m.SetVertex(ix, iy, 0))
		}
	}
	require.NoError(t, m.SetVertex(1, 1, centre))
	return m
}

// fakeClock advances one second per call.
func fakeClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t0 = t0.Add(time.Second)
		return t0
	}
}

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshes.db")
	s, err := Open(context.Background(), path, WithClock(fakeClock()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenAppliesMigrations(t *testing.T) {
	t.Parallel()
	s, path := openTest(t)

	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// reopening an up-to-date archive is a no-op
	again, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestSaveGetRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTest(t)
	m := testMesh(t, 0.5)

	snap, err := s.Save(ctx, "default", m)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, snap.ID)
	assert.Equal(t, 6, snap.Defined)

	got, err := s.Get(ctx, snap.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(snap, got, cmpopts.IgnoreUnexported(Snapshot{})); diff != "" {
		t.Errorf("snapshot mismatch (-saved +got):\n%s", diff)
	}
	decoded, err := got.Mesh()
	require.NoError(t, err)
	assert.True(t, m.Equal(decoded))

	target, _ := mesh.New(grid)
	require.NoError(t, s.Restore(ctx, snap.ID, target))
	assert.True(t, m.Equal(target))
	z, ok := target.Vertex(1, 2)
	assert.False(t, ok, "undefined vertices survive the archive: %v", z)
}

func TestRestoreRejectsOtherGrid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTest(t)
	snap, err := s.Save(ctx, "default", testMesh(t, 1))
	require.NoError(t, err)

	other, _ := mesh.New(mesh.Grid{MaxX: 30, MaxY: 20, NX: 3, NY: 3})
	before := other.Clone()
	err = s.Restore(ctx, snap.ID, other)
	assert.True(t, errors.Is(err, errors.ErrMeshInvalid), "got %v", err)
	assert.True(t, before.Equal(other))
}

func TestLatestAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTest(t)

	first, err := s.Save(ctx, "pla", testMesh(t, 0.1))
	require.NoError(t, err)
	_, err = s.Save(ctx, "petg", testMesh(t, 0.2))
	require.NoError(t, err)
	third, err := s.Save(ctx, "pla", testMesh(t, 0.3))
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "pla")
	require.NoError(t, err)
	assert.Equal(t, third.ID, latest.ID)
	m, err := latest.Mesh()
	require.NoError(t, err)
	z, _ := m.Vertex(1, 1)
	assert.InDelta(t, 0.3, z, 1e-6)

	all, err := s.List(ctx)
	require.NoError(t, err)
	names := make([]string, len(all))
	for i, snap := range all {
		names[i] = snap.Name
	}
	assert.Equal(t, []string{"pla", "petg", "pla"}, names)
	assert.Equal(t, first.ID, all[2].ID)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))
}

func TestAnnotateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTest(t)
	snap, err := s.Save(ctx, "default", testMesh(t, 0))
	require.NoError(t, err)

	require.NoError(t, s.Annotate(ctx, snap.ID, "after nozzle swap"))
	got, err := s.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "after nozzle swap", got.Note)

	require.NoError(t, s.Delete(ctx, snap.ID))
	_, err = s.Get(ctx, snap.ID)
	assert.True(t, stderrors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, errors.ErrArchive))

	err = s.Delete(ctx, snap.ID)
	assert.True(t, stderrors.Is(err, ErrNotFound))
	_, err = s.Latest(ctx, "default")
	assert.True(t, stderrors.Is(err, ErrNotFound))
}

func TestSaveRejectsEmptyName(t *testing.T) {
	t.Parallel()
	s, _ := openTest(t)
	_, err := s.Save(context.Background(), "", testMesh(t, 0))
	assert.True(t, errors.Is(err, errors.ErrMeshInvalid))
}
