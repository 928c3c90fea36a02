package bamsrc

import (
	"sort"

	"github.com/biogo/hts/sam"
	"github.com/pkg/errors"
)

// MemSource serves a fixed set of records. It is used by tests and by callers
// that already hold alignments in memory.
type MemSource struct {
	header *sam.Header
	byRef  map[*sam.Reference][]*sam.Record
}

// NewMemSource builds a header from refs (assigning their IDs) and indexes recs
// by reference. Records are sorted by position as they would be in a sorted bam.
func NewMemSource(refs []*sam.Reference, recs []*sam.Record) (*MemSource, error) {
	h, err := sam.NewHeader(nil, refs)
	if err != nil {
		return nil, errors.Wrap(err, "bamsrc: building header")
	}
	m := &MemSource{header: h, byRef: make(map[*sam.Reference][]*sam.Record, len(refs))}
	for _, r := range recs {
		if r.Ref == nil {
			continue
		}
		m.byRef[r.Ref] = append(m.byRef[r.Ref], r)
	}
	for _, rs := range m.byRef {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Pos < rs[j].Pos })
	}
	return m, nil
}

// Header returns the generated header.
func (m *MemSource) Header() *sam.Header { return m.header }

// Refs implements Source.
func (m *MemSource) Refs() []*sam.Reference { return m.header.Refs() }

// Query implements Source.
func (m *MemSource) Query(ref *sam.Reference, beg, end int) (Iterator, error) {
	var out []*sam.Record
	for _, r := range m.byRef[ref] {
		if r.Pos >= end {
			break
		}
		if r.End() <= beg {
			continue
		}
		out = append(out, r)
	}
	return &sliceIterator{recs: out, i: -1}, nil
}

// Clone implements Source. The records are never mutated so the clone shares them.
func (m *MemSource) Clone() (Source, error) { return m, nil }

// Close implements Source.
func (m *MemSource) Close() error { return nil }

type sliceIterator struct {
	recs []*sam.Record
	i    int
}

func (s *sliceIterator) Next() bool {
	if s.i < len(s.recs) {
		s.i++
	}
	return s.i < len(s.recs)
}

func (s *sliceIterator) Record() *sam.Record { return s.recs[s.i] }

func (s *sliceIterator) Close() error { return nil }
