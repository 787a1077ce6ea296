package mesh

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// WriteText prints the grid with the far row first so the output reads
// like a top view of the bed. Undefined vertices print as '.'.
func (m *Mesh) WriteText(w io.Writer) error {
	rows := m.Matrix()
	g := m.grid
	var b strings.Builder
	fmt.Fprintf(&b, "Bed Topography (%dx%d) (%.3f,%.3f)-(%.3f,%.3f)\n", g.NX, g.NY, g.MinX, g.MinY, g.MaxX, g.MaxY)
	b.WriteString("      ")
	for ix := 0; ix < g.NX; ix++ {
		fmt.Fprintf(&b, "%8d", ix)
	}
	b.WriteByte('\n')
	for iy := g.NY - 1; iy >= 0; iy-- {
		fmt.Fprintf(&b, "%3d | ", iy)
		for _, z := range rows[iy] {
			if math.IsNaN(z) {
				fmt.Fprintf(&b, "%8s", ".")
			} else {
				fmt.Fprintf(&b, "%+8.3f", z)
			}
		}
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteCSV writes one record per row, nearest row first, with NaN for
// undefined vertices.
func (m *Mesh) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	for _, row := range m.Matrix() {
		rec := make([]string, len(row))
		for i, z := range row {
			rec[i] = strconv.FormatFloat(z, 'f', -1, 32)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type meshJSON struct {
	MeshMin    [2]float64   `json:"mesh_min"`
	MeshMax    [2]float64   `json:"mesh_max"`
	ProbeCount [2]int       `json:"probe_count"`
	ZValues    [][]*float64 `json:"z_values"`
}

// MarshalJSON reports the mesh in the status layout; undefined vertices
// are null.
func (m *Mesh) MarshalJSON() ([]byte, error) {
	g := m.grid
	out := meshJSON{
		MeshMin:    [2]float64{g.MinX, g.MinY},
		MeshMax:    [2]float64{g.MaxX, g.MaxY},
		ProbeCount: [2]int{g.NX, g.NY},
	}
	for _, row := range m.Matrix() {
		vals := make([]*float64, len(row))
		for i, z := range row {
			if !math.IsNaN(z) {
				vals[i] = &z
			}
		}
		out.ZValues = append(out.ZValues, vals)
	}
	return json.Marshal(out)
}
