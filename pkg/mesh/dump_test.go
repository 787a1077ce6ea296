package mesh

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteText(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	m.SetVertex(0, 2, math.NaN())

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "(3x3)")
	// far row first
	assert.True(t, strings.HasPrefix(lines[2], "  2 | "), lines[2])
	assert.Equal(t, []string{".", "+0.000", "+0.000"}, strings.Fields(lines[2])[2:])
	assert.Equal(t, []string{"+0.000", "+1.000", "+0.000"}, strings.Fields(lines[3])[2:])
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	m.SetVertex(2, 0, math.NaN())
	m.SetVertex(1, 2, -0.25)

	var buf bytes.Buffer
	require.NoError(t, m.WriteCSV(&buf))
	want := "0,0,NaN\n0,1,0\n0,-0.25,0\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("WriteCSV mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalJSON(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	m.SetVertex(0, 0, math.NaN())

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got struct {
		MeshMin    []float64    `json:"mesh_min"`
		MeshMax    []float64    `json:"mesh_max"`
		ProbeCount []int        `json:"probe_count"`
		ZValues    [][]*float64 `json:"z_values"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []float64{0, 0}, got.MeshMin)
	assert.Equal(t, []float64{20, 20}, got.MeshMax)
	assert.Equal(t, []int{3, 3}, got.ProbeCount)
	require.Len(t, got.ZValues, 3)
	assert.Nil(t, got.ZValues[0][0])
	require.NotNil(t, got.ZValues[1][1])
	assert.Equal(t, 1.0, *got.ZValues[1][1])
}
