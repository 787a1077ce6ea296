package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmotion/pkg/archive"
	"meshmotion/pkg/log"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := fmt.Sprintf(`[bed_mesh]
mesh_min: 0, 0
mesh_max: 20, 20
probe_count: 3, 3
fade_height: 10
storage_path: %s
archive_path: %s

[planner]
buffer_size: 8
`, filepath.Join(dir, "eeprom.bin"), filepath.Join(dir, "meshes.db"))
	path := filepath.Join(dir, "machine.cfg")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestParseFlags(t *testing.T) {
	_, err := parseFlags(nil, io.Discard)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-config", "x.cfg", "-dump", "yaml"}, io.Discard)
	assert.ErrorContains(t, err, "text, csv or json")

	o, err := parseFlags([]string{"-config", "x.cfg", "-slot", "2", "-load", "-dump", "csv"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, &options{configPath: "x.cfg", slot: 2, load: true, dump: "csv"}, o)
}

func TestDemoThenLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	pngPath := filepath.Join(dir, "mesh.png")
	ctx := context.Background()

	var out bytes.Buffer
	err := run(ctx, &options{
		configPath: cfgPath,
		slot:       1,
		demo:       true,
		dump:       "json",
		png:        pngPath,
		archive:    "first",
	}, &out, log.Discard())
	require.NoError(t, err)

	var dumped struct {
		ProbeCount [2]int       `json:"probe_count"`
		ZValues    [][]*float64 `json:"z_values"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &dumped), out.String())
	assert.Equal(t, [2]int{3, 3}, dumped.ProbeCount)
	require.Len(t, dumped.ZValues, 3)
	for _, row := range dumped.ZValues {
		for _, z := range row {
			assert.NotNil(t, z)
		}
	}

	f, err := os.Open(pngPath)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	require.NoError(t, err)

	out.Reset()
	err = run(ctx, &options{configPath: cfgPath, slot: 1, load: true, dump: "csv"}, &out, log.Discard())
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, rows, 3)
	assert.NotContains(t, out.String(), "NaN", "every vertex was probed and stored")

	store, err := archive.Open(ctx, filepath.Join(dir, "meshes.db"))
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.Latest(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Defined)
}

func TestArchiveNeedsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.cfg")
	require.NoError(t, os.WriteFile(path, []byte("[bed_mesh]\nmesh_min: 0,0\nmesh_max: 10,10\n"), 0o644))

	err := run(context.Background(), &options{configPath: path, archive: "x"}, io.Discard, log.Discard())
	assert.ErrorContains(t, err, "archive_path")
}

func TestLoadEmptySlotFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.cfg")
	require.NoError(t, os.WriteFile(path, []byte("[bed_mesh]\nmesh_min: 0,0\nmesh_max: 10,10\nstorage_size: 0\n"), 0o644))

	err := run(context.Background(), &options{configPath: path, load: true}, io.Discard, log.Discard())
	assert.Error(t, err)
}
