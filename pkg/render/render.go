// Package render draws a bed mesh as a heat map, either as a PNG image
// or as an interactive HTML page.
package render

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"meshmotion/pkg/mesh"
)

// Size of the PNG image.
var (
	ImageWidth  = 6 * vg.Inch
	ImageHeight = 5 * vg.Inch
)

// undefinedColor fills vertices without a height.
var undefinedColor = color.Gray{Y: 0xc0}

// Diverging blue to red, low to high.
var htmlColors = []string{"#3b4cc0", "#6788ee", "#9abbff", "#c9d7f0", "#edd1c2", "#f7a889", "#e26952", "#b40426"}

// meshGrid adapts a mesh to plotter.GridXYZ.
type meshGrid struct {
	g mesh.Grid
	z [][]float64
}

func (mg meshGrid) Dims() (c, r int) { return mg.g.NX, mg.g.NY }
func (mg meshGrid) Z(c, r int) float64 { return mg.z[r][c] }
func (mg meshGrid) X(c int) float64 { return mg.g.XPos(c) }
func (mg meshGrid) Y(r int) float64 { return mg.g.YPos(r) }

// zRange is the colour scale: the defined height range, widened when it
// is empty or flat.
func zRange(m *mesh.Mesh) (float64, float64) {
	s := m.Stats()
	lo, hi := s.Min, s.Max
	if s.Count == 0 {
		lo, hi = 0, 0
	}
	if hi-lo < 1e-3 {
		lo -= 0.05
		hi += 0.05
	}
	return lo, hi
}

// HeatmapPNG writes m as a PNG with every vertex labelled by its height.
func HeatmapPNG(w io.Writer, m *mesh.Mesh) error {
	g := m.Grid()
	z := m.Matrix()
	lo, hi := zRange(m)

	cm := moreland.SmoothBlueRed()
	cm.SetMin(lo)
	cm.SetMax(hi)

	p := plot.New()
	s := m.Stats()
	p.Title.Text = fmt.Sprintf("Bed mesh %dx%d  range %.3f mm", g.NX, g.NY, s.Max-s.Min)
	p.X.Label.Text = "X (mm)"
	p.Y.Label.Text = "Y (mm)"

	hm := plotter.NewHeatMap(meshGrid{g: g, z: z}, cm.Palette(255))
	hm.Min, hm.Max = lo, hi
	hm.NaN = undefinedColor
	p.Add(hm)

	var lbl plotter.XYLabels
	for iy, row := range z {
		for ix, v := range row {
			lbl.XYs = append(lbl.XYs, plotter.XY{X: g.XPos(ix), Y: g.YPos(iy)})
			if math.IsNaN(v) {
				lbl.Labels = append(lbl.Labels, ".")
			} else {
				lbl.Labels = append(lbl.Labels, fmt.Sprintf("%+.3f", v))
			}
		}
	}
	labels, err := plotter.NewLabels(lbl)
	if err != nil {
		return fmt.Errorf("render: labels: %w", err)
	}
	p.Add(labels)

	wt, err := p.WriterTo(ImageWidth, ImageHeight, "png")
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// HeatmapHTML writes m as a standalone go-echarts page.
func HeatmapHTML(w io.Writer, m *mesh.Mesh) error {
	g := m.Grid()
	z := m.Matrix()
	lo, hi := zRange(m)

	xs := make([]string, g.NX)
	for ix := range xs {
		xs[ix] = fmt.Sprintf("%.1f", g.XPos(ix))
	}
	ys := make([]string, g.NY)
	for iy := range ys {
		ys[iy] = fmt.Sprintf("%.1f", g.YPos(iy))
	}

	data := make([]opts.HeatMapData, 0, g.Size())
	for iy, row := range z {
		for ix, v := range row {
			var val interface{} = "-"
			if !math.IsNaN(v) {
				val = math.Round(v*1e4) / 1e4
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{ix, iy, val}})
		}
	}

	s := m.Stats()
	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Bed mesh", Width: "800px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Bed mesh %dx%d", g.NX, g.NY),
			Subtitle: fmt.Sprintf("defined=%d mean=%.3f sigma=%.4f", s.Count, s.Mean, s.Sigma),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "X (mm)", Data: xs}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "Y (mm)", Data: ys}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: htmlColors},
		}),
	)
	hm.SetXAxis(xs).AddSeries("height", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true)}))
	return hm.Render(w)
}
