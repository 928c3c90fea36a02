// Package intervals holds per-chromosome interval trees used to exclude
// alignments from blacklisted regions.
package intervals

import (
	"io"

	"github.com/biogo/biogo/io/featio"
	"github.com/biogo/biogo/io/featio/bed"
	"github.com/biogo/store/interval"
	"github.com/brentp/xopen"
	"github.com/pkg/errors"
)

// Integer-specific intervals
type irange struct {
	Start, End int
	UID        uintptr
}

func (i irange) Overlap(b interval.IntRange) bool {
	// Half-open interval indexing.
	return i.End > b.Start && i.Start < b.End
}
func (i irange) ID() uintptr              { return i.UID }
func (i irange) Range() interval.IntRange { return interval.IntRange{Start: i.Start, End: i.End} }

// Set maps chromosome names to trees of 0-based half-open intervals.
type Set map[string]*interval.IntTree

// Overlaps checks for overlaps without pulling intervals from the tree.
// A nil Set overlaps nothing.
func (s Set) Overlaps(chrom string, start, end int) bool {
	if s == nil {
		return false
	}
	tree, ok := s[chrom]
	if !ok || tree == nil {
		return false
	}
	q := irange{Start: start, End: end, UID: uintptr(tree.Len())}

	overlaps := false
	tree.DoMatching(func(iv interval.IntInterface) bool {
		overlaps = true
		return true
	}, q)
	return overlaps
}

// Len is the number of intervals across all chromosomes.
func (s Set) Len() int {
	n := 0
	for _, t := range s {
		n += t.Len()
	}
	return n
}

// Add inserts [start, end) on chrom.
func (s Set) Add(chrom string, start, end int) error {
	if end <= start {
		return errors.Errorf("intervals: empty interval %s:%d-%d", chrom, start, end)
	}
	if _, ok := s[chrom]; !ok {
		s[chrom] = &interval.IntTree{}
	}
	return s[chrom].Insert(irange{Start: start, End: end, UID: uintptr(s.Len())}, false)
}

// Read parses BED (plain or gzipped) from r.
func Read(r io.Reader) (Set, error) {
	br, err := bed.NewReader(r, 3)
	if err != nil {
		return nil, errors.Wrap(err, "intervals: bed reader")
	}
	s := make(Set, 10)
	sc := featio.NewScanner(br)
	for sc.Next() {
		f := sc.Feat()
		if err := s.Add(f.Location().Name(), f.Start(), f.End()); err != nil {
			return nil, err
		}
	}
	if err := sc.Error(); err != nil {
		return nil, errors.Wrap(err, "intervals: reading bed")
	}
	return s, nil
}

// ReadTree takes a bed file and returns a map of trees. An empty path gives a nil Set.
func ReadTree(p string) (Set, error) {
	if p == "" {
		return nil, nil
	}
	r, err := xopen.Ropen(p)
	if err != nil {
		return nil, errors.Wrapf(err, "intervals: opening %s", p)
	}
	defer r.Close()
	return Read(r)
}
