package wig_test

import (
	"bufio"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/biotoolbox/gotoolbox/wig"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartUnstranded(t *testing.T) {
	src, chr1 := example(t, 1000)
	fwd, rev := process(t, src, chr1, wig.Policy{Position: wig.Start})
	assert.Equal(t, "variableStep chrom=chr1\n10\t2\n60\t1\n", fwd)
	assert.Equal(t, "", rev)
}

func TestStartStranded(t *testing.T) {
	src, chr1 := example(t, 1000)
	fwd, rev := process(t, src, chr1, wig.Policy{Position: wig.Start, Stranded: true})
	assert.Equal(t, "variableStep chrom=chr1\n10\t2\n", fwd)
	assert.Equal(t, "variableStep chrom=chr1\n60\t1\n", rev)
}

func TestBinnedStart(t *testing.T) {
	src, chr1 := example(t, 100)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, Bin: 10})
	exp := "fixedStep chrom=chr1 start=1 step=10 span=10\n2\n0\n0\n0\n0\n1\n0\n0\n0\n0\n"
	assert.Equal(t, exp, fwd)
}

func TestBinOneIsUnbinned(t *testing.T) {
	src, chr1 := example(t, 1000)
	a, _ := process(t, src, chr1, wig.Policy{Position: wig.Mid})
	b, _ := process(t, src, chr1, wig.Policy{Position: wig.Mid, Bin: 1})
	assert.Equal(t, a, b)
	assert.Equal(t, "variableStep chrom=chr1\n15\t1\n17\t1\n55\t1\n", a)
}

func TestShiftedStart(t *testing.T) {
	src, chr1 := example(t, 1000)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, Shift: true, ShiftValue: 5})
	assert.Equal(t, "variableStep chrom=chr1\n15\t2\n55\t1\n", fwd)
}

func TestShiftWithoutValue(t *testing.T) {
	src, chr1 := example(t, 1000)
	var buf strings.Builder
	_, err := wig.ProcessChrom(src, chr1, wig.Policy{Position: wig.Start, Shift: true}, &buf, nil)
	require.Error(t, err)
	assert.Equal(t, wig.ErrPolicy, errors.Cause(err))
}

func TestSpan(t *testing.T) {
	src, chr1 := example(t, 100)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Span})
	assert.Equal(t, "chr1\t9\t20\t2\nchr1\t20\t25\t1\nchr1\t49\t60\t1\n", fwd)
}

func TestExtend(t *testing.T) {
	src, chr1 := example(t, 100)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Extend, ShiftValue: 20})
	assert.Equal(t, "chr1\t9\t29\t2\nchr1\t39\t59\t1\n", fwd)

	// a lone reverse read 50-60 tagged at 60 - 20.
	chr2 := newRef(t, "chr2", 100)
	rsrc, err := bamsrc.NewMemSource([]*sam.Reference{chr2}, []*sam.Record{aln(chr2, 50, 60, true)})
	require.NoError(t, err)
	fwd, _ = process(t, rsrc, chr2, wig.Policy{Position: wig.Extend, ShiftValue: 20})
	assert.Equal(t, "chr2\t39\t59\t1\n", fwd)
}

func TestMaxDup(t *testing.T) {
	chr1 := newRef(t, "chr1", 100)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{
		aln(chr1, 10, 20, false), aln(chr1, 10, 20, false), aln(chr1, 10, 30, false),
	})
	require.NoError(t, err)

	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, MaxDup: 2})
	assert.Equal(t, "variableStep chrom=chr1\n10\t2\n", fwd)

	// the two identical tags are kept; the longer third one is discarded.
	fwd, _ = process(t, src, chr1, wig.Policy{Position: wig.Span, MaxDup: 2})
	assert.Equal(t, "chr1\t9\t20\t2\n", fwd)
}

func TestInterpolate(t *testing.T) {
	chr1 := newRef(t, "chr1", 5)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{aln(chr1, 2, 4, false), aln(chr1, 3, 5, true)})
	require.NoError(t, err)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, Interpolate: true})
	assert.Equal(t, "variableStep chrom=chr1\n1\t0\n2\t1\n3\t0\n4\t0\n5\t1\n", fwd)
}

func TestFilters(t *testing.T) {
	chr1 := newRef(t, "chr1", 1000)
	low := aln(chr1, 30, 40, false)
	low.MapQ = 5
	dup := aln(chr1, 50, 60, false)
	dup.Flags |= sam.Duplicate
	sec := aln(chr1, 70, 80, false)
	sec.Flags |= sam.Secondary
	unmapped := aln(chr1, 90, 100, false)
	unmapped.Flags |= sam.Unmapped
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{
		aln(chr1, 10, 20, false), low, dup, sec, unmapped,
	})
	require.NoError(t, err)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, MinMapQ: 10, NoDup: true})
	assert.Equal(t, "variableStep chrom=chr1\n10\t1\n", fwd)
	fwd, _ = process(t, src, chr1, wig.Policy{Position: wig.Start})
	assert.Equal(t, "variableStep chrom=chr1\n10\t1\n30\t1\n50\t1\n", fwd)
}

type excludeChr1 struct{ start, end int }

func (e excludeChr1) Overlaps(chrom string, start, end int) bool {
	return chrom == "chr1" && start < e.end && end > e.start
}

func TestExclude(t *testing.T) {
	src, chr1 := example(t, 1000)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, Exclude: excludeChr1{55, 58}})
	assert.Equal(t, "variableStep chrom=chr1\n10\t2\n", fwd)
}

func TestPairedSpanAndMid(t *testing.T) {
	chr1 := newRef(t, "chr1", 1000)
	l, r := pair(chr1, 100, 299, 50)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{l, r})
	require.NoError(t, err)

	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Span, Paired: true})
	assert.Equal(t, "chr1\t99\t299\t1\n", fwd)
	fwd, _ = process(t, src, chr1, wig.Policy{Position: wig.Mid, Paired: true})
	assert.Equal(t, "variableStep chrom=chr1\n199\t1\n", fwd)
}

func TestPairedStrandTag(t *testing.T) {
	chr1 := newRef(t, "chr1", 1000)
	l1, r1 := pair(chr1, 100, 299, 50)
	l2, r2 := pair(chr1, 400, 599, 50)
	xs, err := sam.NewAux(sam.NewTag("XS"), "-")
	require.NoError(t, err)
	l2.AuxFields = sam.AuxFields{xs}
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{l1, r1, l2, r2})
	require.NoError(t, err)

	fwd, rev := process(t, src, chr1, wig.Policy{Position: wig.Start, Paired: true, Stranded: true})
	assert.Equal(t, "variableStep chrom=chr1\n100\t1\n", fwd)
	assert.Equal(t, "variableStep chrom=chr1\n599\t1\n", rev)
}

func TestBadStrandTag(t *testing.T) {
	chr1 := newRef(t, "chr1", 1000)
	l, r := pair(chr1, 100, 299, 50)
	xs, err := sam.NewAux(sam.NewTag("XS"), "?")
	require.NoError(t, err)
	l.AuxFields = sam.AuxFields{xs}
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{l, r})
	require.NoError(t, err)

	var fwd, rev strings.Builder
	_, err = wig.ProcessChrom(src, chr1, wig.Policy{Position: wig.Start, Paired: true, Stranded: true}, &fwd, &rev)
	assert.Equal(t, wig.ErrBadStrandTag, errors.Cause(err))
}

func TestSpliced(t *testing.T) {
	chr1 := newRef(t, "chr1", 1000)
	rec := aln(chr1, 100, 109, false)
	rec.Cigar = []sam.CigarOp{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarSkipped, 100),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{rec})
	require.NoError(t, err)

	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, Spliced: true})
	assert.Equal(t, "variableStep chrom=chr1\n100\t1\n210\t1\n", fwd)
	fwd, _ = process(t, src, chr1, wig.Policy{Position: wig.Span, Spliced: true})
	assert.Equal(t, "chr1\t99\t109\t1\nchr1\t209\t219\t1\n", fwd)
}

func TestCoverage(t *testing.T) {
	src, chr1 := example(t, 30)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Coverage, Bin: 10})
	assert.Equal(t, "fixedStep chrom=chr1 start=1 step=10 span=10\n0.2000\n2\n0.5000\n", fwd)

	fwd, _ = process(t, src, chr1, wig.Policy{Position: wig.Coverage})
	lines := strings.Split(strings.TrimSpace(fwd), "\n")
	require.Len(t, lines, 31)
	assert.Equal(t, "fixedStep chrom=chr1 start=1 step=1 span=1", lines[0])
	assert.Equal(t, "0", lines[9])
	assert.Equal(t, "2", lines[10])
	assert.Equal(t, "2", lines[20])
	assert.Equal(t, "1", lines[21])
	assert.Equal(t, "0", lines[26])
}

func TestRPMAndLog(t *testing.T) {
	src, chr1 := example(t, 1000)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Start, RPM: true, Total: 3})
	assert.Equal(t, "variableStep chrom=chr1\n10\t666666.6667\n60\t333333.3333\n", fwd)

	fwd, _ = process(t, src, chr1, wig.Policy{Position: wig.Start, LogBase: 2})
	assert.Equal(t, "variableStep chrom=chr1\n10\t1.0000\n60\t0.0000\n", fwd)

	_, err := wig.ProcessChrom(src, chr1, wig.Policy{Position: wig.Start, RPM: true}, &strings.Builder{}, nil)
	assert.Error(t, err)
}

func TestRPMScaleInvariance(t *testing.T) {
	chr1 := newRef(t, "chr1", 5000)
	base := randomReads(chr1, 200, 3000, 7)
	var tripled []*sam.Record
	for _, r := range base {
		for k := 0; k < 3; k++ {
			c := *r
			tripled = append(tripled, &c)
		}
	}
	src1, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, base)
	require.NoError(t, err)
	a, _ := process(t, src1, chr1, wig.Policy{Position: wig.Start, RPM: true, Total: 200})

	chr1b := newRef(t, "chr1", 5000)
	for _, r := range tripled {
		r.Ref = chr1b
	}
	src3, err := bamsrc.NewMemSource([]*sam.Reference{chr1b}, tripled)
	require.NoError(t, err)
	b, _ := process(t, src3, chr1b, wig.Policy{Position: wig.Start, RPM: true, Total: 600})
	assert.Equal(t, a, b)
}

// parseVariableStep returns the positions and values of a variableStep track.
func parseVariableStep(t *testing.T, s string) ([]int, []float64) {
	var pos []int
	var vals []float64
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "variableStep") {
			continue
		}
		f := strings.Split(line, "\t")
		require.Len(t, f, 2)
		p, err := strconv.Atoi(f[0])
		require.NoError(t, err)
		v, err := strconv.ParseFloat(f[1], 64)
		require.NoError(t, err)
		pos = append(pos, p)
		vals = append(vals, v)
	}
	return pos, vals
}

func TestConservationAndOrder(t *testing.T) {
	chr1 := newRef(t, "chr1", 5000)
	recs := randomReads(chr1, 500, 4000, 1)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, recs)
	require.NoError(t, err)

	for _, p := range []wig.Policy{
		{Position: wig.Start},
		{Position: wig.Start, Buffer: 60, Count: 1},
		{Position: wig.Mid, Buffer: 60, Count: 7},
	} {
		fwd, _ := process(t, src, chr1, p)
		pos, vals := parseVariableStep(t, fwd)
		var sum float64
		for i, v := range vals {
			sum += v
			if i > 0 && pos[i] <= pos[i-1] {
				t.Fatalf("positions out of order: %d after %d", pos[i], pos[i-1])
			}
		}
		assert.Equal(t, float64(len(recs)), sum)
	}
}

// output must not depend on how often the buffer is flushed as long as the
// buffer exceeds the longest contribution.
func TestFlushTimingInvariance(t *testing.T) {
	chr1 := newRef(t, "chr1", 5000)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, randomReads(chr1, 400, 4000, 3))
	require.NoError(t, err)

	for _, p := range []wig.Policy{
		{Position: wig.Start},
		{Position: wig.Start, Stranded: true},
		{Position: wig.Mid, Bin: 25},
		{Position: wig.Start, Shift: true, ShiftValue: 5},
		{Position: wig.Span},
		{Position: wig.Extend, ShiftValue: 100},
		{Position: wig.Coverage, Bin: 10},
	} {
		whole := p
		whole.Count = 1 << 30
		eager := p
		eager.Buffer, eager.Count = 200, 1
		a1, a2 := process(t, src, chr1, whole)
		b1, b2 := process(t, src, chr1, eager)
		assert.Equal(t, a1, b1, "policy %+v", p)
		assert.Equal(t, a2, b2, "policy %+v", p)
	}
}

// a fragment longer than the distance between flushes is still counted once
// and in full.
func TestBoundaryRetention(t *testing.T) {
	chr1 := newRef(t, "chr1", 2000)
	recs := []*sam.Record{aln(chr1, 100, 1099, false)}
	for s := 150; s < 1500; s += 50 {
		recs = append(recs, aln(chr1, s, s+9, false))
	}
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, recs)
	require.NoError(t, err)

	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Span, Buffer: 100, Count: 2})
	var covered int
	sc := bufio.NewScanner(strings.NewReader(fwd))
	prevEnd := -1
	for sc.Scan() {
		f := strings.Split(sc.Text(), "\t")
		require.Len(t, f, 4)
		s, _ := strconv.Atoi(f[1])
		e, _ := strconv.Atoi(f[2])
		v, _ := strconv.Atoi(f[3])
		require.True(t, s >= prevEnd, "overlapping intervals at %s", sc.Text())
		prevEnd = e
		covered += (e - s) * v
	}
	assert.Equal(t, 1000+27*10, covered)
}

func TestDroppedBeforeStart(t *testing.T) {
	chr1 := newRef(t, "chr1", 1000)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{aln(chr1, 3, 10, true), aln(chr1, 20, 30, true)})
	require.NoError(t, err)
	var buf strings.Builder
	st, err := wig.ProcessChrom(src, chr1, wig.Policy{Position: wig.Start, Shift: true, ShiftValue: 15}, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, "variableStep chrom=chr1\n15\t1\n", buf.String())
}

func TestBeyondChromosomeEnd(t *testing.T) {
	chr1 := newRef(t, "chr1", 100)
	for _, tc := range []struct {
		name   string
		recs   []*sam.Record
		p      wig.Policy
		exp    string
		beyond int
	}{
		{"variableStep", []*sam.Record{aln(chr1, 10, 15, false), aln(chr1, 90, 95, false)},
			wig.Policy{Position: wig.Start, Shift: true, ShiftValue: 20},
			"variableStep chrom=chr1\n30\t1\n", 1},
		{"fixedStep", []*sam.Record{aln(chr1, 10, 15, false), aln(chr1, 90, 95, false)},
			wig.Policy{Position: wig.Start, Shift: true, ShiftValue: 20, Bin: 10},
			"fixedStep chrom=chr1 start=1 step=10 span=10\n0\n0\n1\n0\n0\n0\n0\n0\n0\n0\n", 1},
		{"bedGraph", []*sam.Record{aln(chr1, 90, 105, false)},
			wig.Policy{Position: wig.Span},
			"chr1\t89\t100\t1\n", 5},
	} {
		src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, tc.recs)
		require.NoError(t, err)
		var buf strings.Builder
		st, err := wig.ProcessChrom(src, chr1, tc.p, &buf, nil)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.exp, buf.String(), tc.name)
		assert.Equal(t, tc.beyond, st.Beyond, tc.name)
	}
}

func TestBedGraphFinalFlushIsBounded(t *testing.T) {
	chr1 := newRef(t, "chr1", 100000000)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{aln(chr1, 10, 20, false)})
	require.NoError(t, err)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	fwd, _ := process(t, src, chr1, wig.Policy{Position: wig.Span})
	runtime.ReadMemStats(&after)

	assert.Equal(t, "chr1\t9\t20\t1\n", fwd)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(32<<20))
}

func TestWideIntrons(t *testing.T) {
	chr1 := newRef(t, "chr1", 10000)
	spliced := func(intron int) *sam.Record {
		rec := aln(chr1, 100, 109, false)
		rec.Cigar = []sam.CigarOp{
			sam.NewCigarOp(sam.CigarMatch, 10),
			sam.NewCigarOp(sam.CigarSkipped, intron),
			sam.NewCigarOp(sam.CigarMatch, 10),
		}
		return rec
	}
	rc, err := wig.NewRecorder(wig.Policy{Position: wig.Span, Spliced: true})
	require.NoError(t, err)
	for _, n := range []int{100, wig.DefaultBuffer, wig.DefaultBuffer + 1} {
		ok, err := rc.Record(spliced(n))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, rc.WideIntrons())
	rc.Reset()
	assert.Equal(t, 0, rc.WideIntrons())
}
