package wig

import (
	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/pkg/errors"
)

// coverageChunk is the span in bp of each region pileup in coverage mode.
const coverageChunk = 1 << 20

// addDepth adds 1 to depth for every aligned (M, =, X) base of rec that falls
// in the 0-based window starting at beg.
func addDepth(depth []float64, beg int, rec *sam.Record) {
	pos := rec.Pos
	end := beg + len(depth)
	for _, co := range rec.Cigar {
		t := co.Type()
		n := co.Len() * t.Consumes().Reference
		switch t {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			s, e := pos, pos+n
			if s < beg {
				s = beg
			}
			if e > end {
				e = end
			}
			for i := s; i < e; i++ {
				depth[i-beg]++
			}
		}
		pos += n
	}
}

// binMeans averages depth in consecutive bins; the last bin may be short.
func binMeans(depth []float64, bin int) []float64 {
	if bin <= 1 {
		return depth
	}
	out := make([]float64, 0, len(depth)/bin+1)
	for i := 0; i < len(depth); i += bin {
		j := i + bin
		if j > len(depth) {
			j = len(depth)
		}
		var s float64
		for _, d := range depth[i:j] {
			s += d
		}
		out = append(out, s/float64(j-i))
	}
	return out
}

// processCoverage writes per-base (or per-bin mean) depth of aligned bases.
// Each chunk is a complete pileup of every alignment overlapping it so no
// buffering across chunks is needed.
func processCoverage(src bamsrc.Source, ref *sam.Reference, p *Policy, em *fixedStep) (Stats, error) {
	var st Stats
	// a filter-only recorder; coverage has no per-alignment position.
	filter := &Recorder{p: *p}
	chunk := coverageChunk / p.Bin * p.Bin
	for beg := 0; beg < ref.Len(); beg += chunk {
		end := beg + chunk
		if end > ref.Len() {
			end = ref.Len()
		}
		depth := make([]float64, end-beg)
		it, err := src.Query(ref, beg, end)
		if err != nil {
			return st, err
		}
		for it.Next() {
			rec := it.Record()
			if !filter.Passes(rec) {
				continue
			}
			if rec.Pos >= beg {
				st.Records++
			}
			addDepth(depth, beg, rec)
		}
		if err := it.Close(); err != nil {
			return st, errors.Wrapf(err, "wig: coverage of %s:%d-%d", ref.Name(), beg, end)
		}
		n, err := em.dense(binMeans(depth, p.Bin))
		st.Lines += n
		if err != nil {
			return st, err
		}
	}
	em.report()
	return st, nil
}
