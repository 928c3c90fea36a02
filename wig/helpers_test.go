package wig_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/biotoolbox/gotoolbox/wig"
)

func newRef(t *testing.T, name string, length int) *sam.Reference {
	t.Helper()
	r, err := sam.NewReference(name, "", "", length, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// aln makes a single-end alignment covering the 1-based closed [start, end].
func aln(ref *sam.Reference, start, end int, reverse bool) *sam.Record {
	r := &sam.Record{
		Name:  "r",
		Ref:   ref,
		Pos:   start - 1,
		MapQ:  30,
		Cigar: []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, end-start+1)},
	}
	if reverse {
		r.Flags |= sam.Reverse
	}
	return r
}

// pair returns the left and right mates of a proper pair whose fragment covers
// the 1-based closed [start, end] with reads of length rlen.
func pair(ref *sam.Reference, start, end, rlen int) (*sam.Record, *sam.Record) {
	isize := end - start + 1
	left := aln(ref, start, start+rlen-1, false)
	left.Flags |= sam.Paired | sam.ProperPair | sam.MateReverse
	left.MateRef = ref
	left.MatePos = end - rlen
	left.TempLen = isize
	right := aln(ref, end-rlen+1, end, true)
	right.Flags |= sam.Paired | sam.ProperPair | sam.Read2
	right.MateRef = ref
	right.MatePos = start - 1
	right.TempLen = -isize
	return left, right
}

// example is the three alignment scenario used throughout: two forward reads
// starting at 10 and one reverse read ending at 60.
func example(t *testing.T, length int) (*bamsrc.MemSource, *sam.Reference) {
	t.Helper()
	chr1 := newRef(t, "chr1", length)
	src, err := bamsrc.NewMemSource([]*sam.Reference{chr1}, []*sam.Record{
		aln(chr1, 10, 20, false),
		aln(chr1, 10, 25, false),
		aln(chr1, 50, 60, true),
	})
	if err != nil {
		t.Fatal(err)
	}
	return src, chr1
}

// randomReads makes n reads of length 20-50 starting in [200, 200+span).
func randomReads(ref *sam.Reference, n, span int, seed int64) []*sam.Record {
	rng := rand.New(rand.NewSource(seed))
	recs := make([]*sam.Record, n)
	for i := range recs {
		start := 200 + rng.Intn(span)
		recs[i] = aln(ref, start, start+20+rng.Intn(31)-1, rng.Intn(2) == 1)
	}
	return recs
}

func process(t *testing.T, src bamsrc.Source, ref *sam.Reference, p wig.Policy) (string, string) {
	t.Helper()
	var fwd, rev bytes.Buffer
	if _, err := wig.ProcessChrom(src, ref, p, &fwd, &rev); err != nil {
		t.Fatal(err)
	}
	return fwd.String(), rev.String()
}
