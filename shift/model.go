package shift

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"

	"github.com/JaderDias/movingmedian"
	chartjs "github.com/brentp/go-chartjs"
	"github.com/brentp/go-chartjs/types"
	"github.com/brentp/faidx"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// smoothWindow is the number of offsets in the running median of the curve.
const smoothWindow = 5

// vs holds chart points. It satisfies chartjs.Values and plotter.XYer.
type vs struct {
	xs []float64
	ys []float64
}

func (v *vs) Xs() []float64 { return v.xs }
func (v *vs) Ys() []float64 { return v.ys }
func (v *vs) Rs() []float64 { return nil }
func (v *vs) Len() int      { return len(v.xs) }

func (v *vs) XY(i int) (x, y float64) {
	return v.xs[i], v.ys[i]
}

// Smooth is the running median of curve over window points centered on
// each offset. The ends use the partial windows.
func Smooth(curve []float64, window int) []float64 {
	out := make([]float64, len(curve))
	if len(curve) == 0 {
		return out
	}
	if window > len(curve) {
		window = len(curve)
	}
	half := window / 2
	mm := movingmedian.NewMovingMedian(window)
	for i := 0; i < half; i++ {
		mm.Push(curve[i])
	}
	for i := range curve {
		if j := i + half; j < len(curve) {
			mm.Push(curve[j])
		}
		out[i] = mm.Median()
	}
	return out
}

// Model writes a report of the estimate: a table at prefix.shift_model.txt
// and the mean R² curve as prefix.shift_model.html and .png. If fasta is not
// empty the GC content of each sampled region is added to the table.
func Model(prefix string, r *Result, fasta string) ([]string, error) {
	var fa *faidx.Faidx
	if fasta != "" {
		var err error
		if fa, err = faidx.New(fasta); err != nil {
			return nil, errors.Wrapf(err, "shift: reading %s", fasta)
		}
	}
	txt := prefix + ".shift_model.txt"
	f, err := os.Create(txt)
	if err != nil {
		return nil, errors.Wrap(err, "shift: writing model")
	}
	if err := WriteTable(f, r, fa); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	chart, err := curveChart(r)
	if err != nil {
		return nil, err
	}
	html := prefix + ".shift_model.html"
	w, err := os.Create(html)
	if err != nil {
		return nil, errors.Wrap(err, "shift: writing model chart")
	}
	if err := chart.SaveHTML(w, map[string]interface{}{"width": 850, "height": 550}); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "shift: writing model chart")
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	png := prefix + ".shift_model.png"
	if err := asPng(png, chart, 6, 4); err != nil {
		return nil, err
	}
	return []string{txt, html, png}, nil
}

// WriteTable writes one line per sampled region followed by the R² curve.
func WriteTable(w io.Writer, r *Result, fa *faidx.Faidx) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# shift\t%d\n# mean\t%.2f\n# sd\t%.2f\n", r.Value, r.Mean, r.SD)
	bw.WriteString("#chrom\tstart\tend\tcount\toffset\tr2\tkept")
	if fa != nil {
		bw.WriteString("\tgc")
	}
	bw.WriteByte('\n')
	for _, s := range r.Samples {
		off, fit := ".", "."
		if s.OK {
			off, fit = fmt.Sprint(s.Offset), fmt.Sprintf("%.4f", s.Fit)
		}
		fmt.Fprintf(bw, "%s\t%d\t%d\t%d\t%s\t%s\t%t", s.Ref.Name(), s.Start, s.End, s.Count, off, fit, s.Kept)
		if fa != nil {
			st, err := fa.Stats(s.Ref.Name(), s.Start, s.End)
			if err != nil {
				return errors.Wrapf(err, "shift: gc for %s:%d-%d", s.Ref.Name(), s.Start, s.End)
			}
			fmt.Fprintf(bw, "\t%.3f", st.GC)
		}
		bw.WriteByte('\n')
	}
	curve := r.MeanCurve()
	smooth := Smooth(curve, smoothWindow)
	bw.WriteString("#offset\tmean_r2\tsmoothed_r2\n")
	for i, o := range Offsets() {
		fmt.Fprintf(bw, "%d\t%.4f\t%.4f\n", o, curve[i], smooth[i])
	}
	return bw.Flush()
}

func curveChart(r *Result) (chartjs.Chart, error) {
	chart := chartjs.Chart{Label: "shift model"}
	xa, err := chart.AddXAxis(chartjs.Axis{Type: chartjs.Linear, Position: chartjs.Bottom,
		ScaleLabel: &chartjs.ScaleLabel{FontSize: 16, LabelString: "strand offset (bp)", Display: chartjs.True}})
	if err != nil {
		return chart, err
	}
	ya, err := chart.AddYAxis(chartjs.Axis{Type: chartjs.Linear, Position: chartjs.Left,
		Tick:       &chartjs.Tick{Min: 0, Max: 1},
		ScaleLabel: &chartjs.ScaleLabel{FontSize: 16, LabelString: "mean R²", Display: chartjs.True}})
	if err != nil {
		return chart, err
	}
	curve := r.MeanCurve()
	for i, d := range []struct {
		label string
		ys    []float64
		c     *types.RGBA
	}{
		{"mean R²", curve, &types.RGBA{R: 31, G: 119, B: 180, A: 240}},
		{"smoothed", Smooth(curve, smoothWindow), &types.RGBA{R: 214, G: 39, B: 40, A: 240}},
	} {
		xys := &vs{}
		for j, o := range Offsets() {
			xys.xs = append(xys.xs, float64(o))
			xys.ys = append(xys.ys, d.ys[j])
		}
		dataset := chartjs.Dataset{Data: xys, Label: d.label, Fill: chartjs.False, PointRadius: 2, BorderWidth: 2,
			BorderColor: d.c, BackgroundColor: d.c, PointHitRadius: 6}
		if i == 1 {
			dataset.PointRadius = 0
		}
		dataset.XAxisID = xa
		dataset.YAxisID = ya
		chart.AddDataset(dataset)
	}
	chart.Options.Responsive = chartjs.False
	chart.Options.Tooltip = &chartjs.Tooltip{Mode: "nearest"}
	return chart, nil
}

// asPng draws the line datasets of chart with gonum/plot.
func asPng(path string, chart chartjs.Chart, wInches, hInches float64) error {
	p := plot.New()
	p.Title.Text = chart.Label
	p.X.Label.Text = chart.Options.Scales.XAxes[0].ScaleLabel.LabelString
	p.Y.Label.Text = chart.Options.Scales.YAxes[0].ScaleLabel.LabelString
	for _, ds := range chart.Data.Datasets {
		data := ds.Data.(*vs)
		bad := false
		for _, y := range data.ys {
			if math.IsNaN(y) {
				bad = true
				break
			}
		}
		if bad {
			continue
		}
		l, err := plotter.NewLine(data)
		if err != nil {
			return errors.Wrap(err, "shift: plotting model")
		}
		c := color.RGBA(*ds.BorderColor)
		c.A = 255
		l.LineStyle.Width = vg.Points(1)
		l.Color = c
		p.Add(l)
		p.Legend.Add(ds.Label, l)
	}
	if err := p.Save(vg.Length(wInches)*vg.Inch, vg.Length(hInches)*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "shift: saving %s", path)
	}
	return nil
}
