// Package bamsrc provides region-restricted access to alignments in an indexed BAM.
// Each worker that needs to read in parallel should call Clone to get a handle
// with its own file descriptor and decompression state.
package bamsrc

import (
	"os"
	"strings"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/bgzf/index"
	"github.com/biogo/hts/sam"
	"github.com/pkg/errors"
)

// Source is anything that can report its reference sequences and iterate
// over the alignments that overlap a region of one of them.
type Source interface {
	// Refs returns the reference sequences in header order.
	Refs() []*sam.Reference
	// Query returns alignments overlapping the 0-based half-open [beg, end) on ref.
	Query(ref *sam.Reference, beg, end int) (Iterator, error)
	// Clone opens an independent handle on the same data.
	Clone() (Source, error)
	Close() error
}

// Iterator walks alignments. bam.Iterator satisfies it.
type Iterator interface {
	Next() bool
	Record() *sam.Record
	Close() error
}

// Reader is a Source backed by a BAM file and its .bai index.
type Reader struct {
	Path      string
	IndexPath string

	fh  *os.File
	br  *bam.Reader
	idx *bam.Index
}

// IndexFor finds the index for a bam, checking $bam.bai and then $prefix.bai.
func IndexFor(path string) (string, error) {
	if _, err := os.Stat(path + ".bai"); err == nil {
		return path + ".bai", nil
	}
	if strings.HasSuffix(path, ".bam") {
		p := path[:len(path)-4] + ".bai"
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.Errorf("bamsrc: no index found for %s", path)
}

// Open opens the bam at path along with its index.
func Open(path string) (*Reader, error) {
	ipath, err := IndexFor(path)
	if err != nil {
		return nil, err
	}
	return OpenWithIndex(path, ipath)
}

// OpenWithIndex opens the bam at path using the given index file.
func OpenWithIndex(path, indexPath string) (*Reader, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "bamsrc: opening %s", path)
	}
	br, err := bam.NewReader(fh, 1)
	if err != nil {
		fh.Close()
		return nil, errors.Wrapf(err, "bamsrc: reading bam header from %s", path)
	}
	ifh, err := os.Open(indexPath)
	if err != nil {
		br.Close()
		fh.Close()
		return nil, errors.Wrapf(err, "bamsrc: opening index %s", indexPath)
	}
	defer ifh.Close()
	idx, err := bam.ReadIndex(ifh)
	if err != nil {
		br.Close()
		fh.Close()
		return nil, errors.Wrapf(err, "bamsrc: reading index %s", indexPath)
	}
	return &Reader{Path: path, IndexPath: indexPath, fh: fh, br: br, idx: idx}, nil
}

// Header returns the sam header of the underlying bam.
func (r *Reader) Header() *sam.Header { return r.br.Header() }

// Refs implements Source.
func (r *Reader) Refs() []*sam.Reference { return r.br.Header().Refs() }

// Index returns the parsed bai.
func (r *Reader) Index() *bam.Index { return r.idx }

// Query implements Source.
func (r *Reader) Query(ref *sam.Reference, beg, end int) (Iterator, error) {
	if beg < 0 {
		beg = 0
	}
	if end > ref.Len() {
		end = ref.Len()
	}
	if end <= beg {
		return &sliceIterator{}, nil
	}
	chunks, err := r.idx.Chunks(ref, beg, end)
	if err == index.ErrNoReference {
		return &sliceIterator{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "bamsrc: chunks for %s:%d-%d", ref.Name(), beg, end)
	}
	it, err := bam.NewIterator(r.br, chunks)
	if err != nil {
		return nil, errors.Wrapf(err, "bamsrc: iterator for %s:%d-%d", ref.Name(), beg, end)
	}
	return &regionIterator{it: it, ref: ref, beg: beg, end: end}, nil
}

// Clone re-opens the bam and index so the result shares no state with r.
func (r *Reader) Clone() (Source, error) {
	return OpenWithIndex(r.Path, r.IndexPath)
}

// Close implements Source.
func (r *Reader) Close() error {
	if err := r.br.Close(); err != nil {
		r.fh.Close()
		return err
	}
	return r.fh.Close()
}

// the chunks from the index are a superset of the region so records are
// re-checked for overlap here.
type regionIterator struct {
	it       *bam.Iterator
	ref      *sam.Reference
	beg, end int
	rec      *sam.Record
}

func (ri *regionIterator) Next() bool {
	for ri.it.Next() {
		rec := ri.it.Record()
		if rec.Ref == nil || rec.Ref.ID() != ri.ref.ID() {
			continue
		}
		if rec.Pos >= ri.end {
			continue
		}
		if rec.End() <= ri.beg {
			continue
		}
		ri.rec = rec
		return true
	}
	return false
}

func (ri *regionIterator) Record() *sam.Record { return ri.rec }

func (ri *regionIterator) Close() error {
	if err := ri.it.Error(); err != nil {
		ri.it.Close()
		return err
	}
	return ri.it.Close()
}
