// Package shift estimates the distance between the 5' ends of forward and
// reverse reads from the same ChIP fragments. High-coverage windows are
// sampled, forward and reverse start profiles are collected in 10bp bins, and
// the reverse profile is slid against the forward one to find the offset with
// the best linear fit.
package shift

import (
	"container/heap"
	"math"
	"sync"

	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/biotoolbox/gotoolbox/wig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go4.org/sort"
	"gonum.org/v1/gonum/stat"
)

// ErrNoShift is returned when no sampled region gives a usable fit.
var ErrNoShift = errors.New("shift: unable to determine shift value")

const (
	// Window is the size of the windows ranked by coverage.
	Window = 500
	// Flank is added on either side of a window before profiling.
	Flank = 400
	// BinSize is the profile resolution.
	BinSize = 10
	// MaxOffset is the largest displacement tested.
	MaxOffset = 400
)

// Options control sampling.
type Options struct {
	// Chroms is the number of longest references sampled.
	Chroms int
	// Sample is the number of windows kept per reference.
	Sample int
	// MinR2 is the smallest R² accepted for a region.
	MinR2   float64
	MinMapQ int
	NoDup   bool
	Exclude wig.Excluder
	CPU     int
}

// DefaultOptions returns the standard sampling settings.
func DefaultOptions() Options {
	return Options{Chroms: 2, Sample: 200, MinR2: 0.25, CPU: 1}
}

// Region is a 0-based half-open interval on Ref.
type Region struct {
	Ref        *sam.Reference
	Start, End int
	// Count is the number of alignments starting in the window.
	Count int
}

// Sample is one profiled region and its fit.
type Sample struct {
	Region
	Forward, Reverse []float64
	// R2 has the R² at each tested offset; NaN where undefined.
	R2 []float64
	// Offset is the best displacement in bp and Fit its R². Both are only
	// meaningful when OK.
	Offset int
	Fit    float64
	OK     bool
	// Kept is false when OK but trimmed as an outlier.
	Kept bool
}

// Result is the outcome of Estimate.
type Result struct {
	// Value is the trimmed mean of the best offsets in bp.
	Value int
	// Mean and SD are computed over all regions with a fit, before trimming.
	Mean, SD float64
	Samples  []*Sample
}

// Offsets lists the displacements that are tested, in bp.
func Offsets() []int {
	out := make([]int, 0, MaxOffset/BinSize+1)
	for o := 0; o <= MaxOffset; o += BinSize {
		out = append(out, o)
	}
	return out
}

// MeanCurve averages R² at each offset over the regions with a fit.
func (r *Result) MeanCurve() []float64 {
	curve := make([]float64, MaxOffset/BinSize+1)
	n := 0
	for _, s := range r.Samples {
		if !s.OK {
			continue
		}
		n++
		for i, v := range s.R2 {
			if !math.IsNaN(v) {
				curve[i] += v
			}
		}
	}
	if n > 0 {
		for i := range curve {
			curve[i] /= float64(n)
		}
	}
	return curve
}

func (o Options) policy() wig.Policy {
	return wig.Policy{Position: wig.Start, Stranded: true, MinMapQ: o.MinMapQ, NoDup: o.NoDup, Exclude: o.Exclude}
}

// Longest returns up to n refs ordered by decreasing length, ties by header order.
func Longest(refs []*sam.Reference, n int) []*sam.Reference {
	out := append([]*sam.Reference(nil), refs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Len() != out[j].Len() {
			return out[i].Len() > out[j].Len()
		}
		return out[i].ID() < out[j].ID()
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Estimate samples the longest references of refs and returns the shift.
func Estimate(src bamsrc.Source, refs []*sam.Reference, o Options) (*Result, error) {
	if o.Chroms < 1 || o.Sample < 1 {
		return nil, errors.Errorf("shift: need at least one chromosome and one sample, got %d and %d", o.Chroms, o.Sample)
	}
	p := o.policy()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	chroms := Longest(refs, o.Chroms)

	var mu sync.Mutex
	var samples []*Sample
	err := wig.Each(src, chroms, o.CPU, func(wsrc bamsrc.Source, _ int, ref *sam.Reference) error {
		regions, err := TopWindows(wsrc, ref, p, o.Sample)
		if err != nil {
			return err
		}
		log := logrus.WithField("chrom", ref.Name())
		log.Debugf("profiling %d windows", len(regions))
		var local []*Sample
		for _, reg := range regions {
			s, err := Profile(wsrc, reg, p)
			if err != nil {
				return err
			}
			s.R2 = Fits(s.Forward, s.Reverse)
			s.Offset, s.Fit, s.OK = Best(s.R2, o.MinR2)
			local = append(local, s)
		}
		mu.Lock()
		samples = append(samples, local...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if a.Ref.ID() != b.Ref.ID() {
			return a.Ref.ID() < b.Ref.ID()
		}
		return a.Start < b.Start
	})

	res := &Result{Samples: samples}
	var vals []float64
	var fitted []*Sample
	for _, s := range samples {
		if s.OK {
			vals = append(vals, float64(s.Offset))
			fitted = append(fitted, s)
		}
	}
	if len(vals) == 0 {
		return res, errors.Wrapf(ErrNoShift, "no region of %d had R² >= %.2f", len(samples), o.MinR2)
	}
	v, keep := TrimmedMean(vals, 1.5)
	for i, s := range fitted {
		s.Kept = keep[i]
	}
	res.Mean, res.SD = stat.MeanStdDev(vals, nil)
	res.Value = int(math.Round(v))
	logrus.WithFields(logrus.Fields{"regions": len(vals), "mean": res.Mean, "sd": res.SD}).Debugf("estimated shift %d", res.Value)
	return res, nil
}

// windowHeap is a min-heap on Count; ties put the later window on top so
// that it is replaced first.
type windowHeap []Region

func (h windowHeap) Len() int { return len(h) }
func (h windowHeap) Less(i, j int) bool {
	if h[i].Count != h[j].Count {
		return h[i].Count < h[j].Count
	}
	return h[i].Start > h[j].Start
}
func (h windowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *windowHeap) Push(x interface{}) { *h = append(*h, x.(Region)) }
func (h *windowHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// TopWindows counts qualifying alignment starts in disjoint Window-sized
// windows of ref and keeps the k with the highest count. A window only
// displaces the current minimum when its count is strictly greater so the
// first seen wins ties. Windows without alignments are never kept. The result
// is in position order.
func TopWindows(src bamsrc.Source, ref *sam.Reference, p wig.Policy, k int) ([]Region, error) {
	rc, err := wig.NewRecorder(p)
	if err != nil {
		return nil, err
	}
	counts := make([]int, (ref.Len()+Window-1)/Window)
	it, err := src.Query(ref, 0, ref.Len())
	if err != nil {
		return nil, err
	}
	for it.Next() {
		rec := it.Record()
		if rc.Qualifies(rec) && rec.Pos < ref.Len() {
			counts[rec.Pos/Window]++
		}
	}
	if err := it.Close(); err != nil {
		return nil, errors.Wrapf(err, "shift: scanning %s", ref.Name())
	}

	h := make(windowHeap, 0, k)
	for i, c := range counts {
		if c == 0 {
			continue
		}
		w := Region{Ref: ref, Start: i * Window, End: min(ref.Len(), (i+1)*Window), Count: c}
		if h.Len() < k {
			heap.Push(&h, w)
		} else if c > h[0].Count {
			h[0] = w
			heap.Fix(&h, 0)
		}
	}
	out := []Region(h)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// Profile widens reg by Flank on each side and returns the forward and
// reverse 5' end counts in BinSize bins.
func Profile(src bamsrc.Source, reg Region, p wig.Policy) (*Sample, error) {
	p.Stranded, p.Position, p.Bin = true, wig.Start, 1
	rc, err := wig.NewRecorder(p)
	if err != nil {
		return nil, err
	}
	wide := Region{Ref: reg.Ref, Start: max(0, reg.Start-Flank), End: min(reg.Ref.Len(), reg.End+Flank), Count: reg.Count}
	it, err := src.Query(reg.Ref, wide.Start, wide.End)
	if err != nil {
		return nil, err
	}
	for it.Next() {
		if _, err := rc.Record(it.Record()); err != nil {
			it.Close()
			return nil, err
		}
	}
	if err := it.Close(); err != nil {
		return nil, errors.Wrapf(err, "shift: profiling %s:%d-%d", reg.Ref.Name(), wide.Start, wide.End)
	}
	n := (wide.End - wide.Start + BinSize - 1) / BinSize
	s := &Sample{Region: wide, Forward: make([]float64, n), Reverse: make([]float64, n)}
	fill := func(dst []float64, acc *wig.Accumulator) {
		// 1-based positions inside the region are wide.Start+1 .. wide.End.
		for _, pt := range acc.DrainCounts(wide.End) {
			if pt.Pos <= wide.Start {
				continue
			}
			dst[(pt.Pos-wide.Start-1)/BinSize] += pt.Value
		}
	}
	fill(s.Forward, rc.Forward())
	fill(s.Reverse, rc.Reverse())
	return s, nil
}

// Fits returns the R² of regressing fwd[i] on rev[i+k] for each tested offset
// of k bins.
func Fits(fwd, rev []float64) []float64 {
	out := make([]float64, MaxOffset/BinSize+1)
	for k := range out {
		n := len(fwd) - k
		if n < 3 {
			out[k] = math.NaN()
			continue
		}
		x, y := rev[k:k+n], fwd[:n]
		a, b := stat.LinearRegression(x, y, nil, false)
		out[k] = stat.RSquared(x, y, nil, a, b)
	}
	return out
}

// Best picks the offset with the highest R² at or above minR2. Earlier
// offsets win ties.
func Best(r2 []float64, minR2 float64) (offset int, fit float64, ok bool) {
	fit = math.Inf(-1)
	for k, v := range r2 {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < minR2 {
			continue
		}
		if v > fit {
			fit, offset, ok = v, k*BinSize, true
		}
	}
	if !ok {
		return 0, math.NaN(), false
	}
	return offset, fit, true
}

// TrimmedMean is the mean of vals after dropping those more than nsd sample
// standard deviations from the mean. keep reports which values were used.
func TrimmedMean(vals []float64, nsd float64) (float64, []bool) {
	keep := make([]bool, len(vals))
	if len(vals) == 0 {
		return math.NaN(), keep
	}
	for i := range keep {
		keep[i] = true
	}
	if len(vals) == 1 {
		return vals[0], keep
	}
	m, sd := stat.MeanStdDev(vals, nil)
	var sum float64
	n := 0
	for i, v := range vals {
		if math.Abs(v-m) > nsd*sd {
			keep[i] = false
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return m, keep
	}
	return sum / float64(n), keep
}
