package training

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/agrisense/agroml/mlerr"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	trainColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	validColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	lrColor    = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

type series struct {
	label string
	color color.Color
	value func(EpochRecord) float64
}

// WriteHistoryPlot renders loss, accuracy and learning-rate curves of h as a
// single PNG with three stacked panels.
func WriteHistoryPlot(w io.Writer, h *History) error {
	records := h.Records()
	if len(records) == 0 {
		return fmt.Errorf("%w: history has no epochs to plot", mlerr.ErrInvalidArgument)
	}

	panels := []struct {
		title, ylabel string
		series        []series
	}{
		{"Model Loss", "Loss", []series{
			{"train", trainColor, func(r EpochRecord) float64 { return r.TrainLoss }},
			{"validation", validColor, func(r EpochRecord) float64 { return r.ValLoss }},
		}},
		{"Model Accuracy", "Accuracy (%)", []series{
			{"train", trainColor, func(r EpochRecord) float64 { return r.TrainAccuracy * 100 }},
			{"validation", validColor, func(r EpochRecord) float64 { return r.ValAccuracy * 100 }},
		}},
		{"Learning Rate", "LR", []series{
			{"lr", lrColor, func(r EpochRecord) float64 { return r.LearningRate }},
		}},
	}

	plots := make([][]*plot.Plot, len(panels))
	for i, panel := range panels {
		p := plot.New()
		p.Title.Text = panel.title
		p.X.Label.Text = "Epoch"
		p.Y.Label.Text = panel.ylabel
		p.Add(plotter.NewGrid())

		for _, s := range panel.series {
			pts := make(plotter.XYs, len(records))
			for j, r := range records {
				pts[j] = plotter.XY{X: float64(r.Epoch + 1), Y: s.value(r)}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return fmt.Errorf("plot %s: %w", panel.title, err)
			}
			line.Color = s.color
			line.Width = vg.Points(1.5)
			p.Add(line)
			p.Legend.Add(s.label, line)
		}
		p.Legend.Top = true
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
		plots[i] = []*plot.Plot{p}
	}

	img := vgimg.New(8*vg.Inch, 10*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      len(panels),
		Cols:      1,
		PadX:      vg.Millimeter,
		PadY:      4 * vg.Millimeter,
		PadTop:    vg.Points(4),
		PadBottom: vg.Points(4),
		PadLeft:   vg.Points(4),
		PadRight:  vg.Points(8),
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(w); err != nil {
		return fmt.Errorf("encode training curves: %w", err)
	}
	return nil
}

// RenderHistoryPlot returns the PNG bytes produced by WriteHistoryPlot.
func RenderHistoryPlot(h *History) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteHistoryPlot(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PlotHistory writes the training curves of h to path as PNG.
func PlotHistory(h *History, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return WriteHistoryPlot(f, h)
}
