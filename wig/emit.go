package wig

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// emitter writes one strand of one chromosome. Each flush writes every
// position up to boundary, in increasing order, exactly once; positions after
// boundary stay buffered. A final flush uses the chromosome length.
type emitter interface {
	header() error
	flush(acc *Accumulator, boundary int, final bool) (int, error)
	lost() (late, beyond int)
}

// track holds the state shared by all formats.
type track struct {
	w        *bufio.Writer
	p        *Policy
	chrom    string
	chromLen int
	// offset is the first position not yet written.
	offset int
	// late counts values that arrived for positions already written.
	late int
	// beyond counts values past the end of the chromosome.
	beyond int
	log    *logrus.Entry
}

func newTrack(w *bufio.Writer, p *Policy, chrom string, chromLen int, strand string) track {
	return track{
		w:        w,
		p:        p,
		chrom:    chrom,
		chromLen: chromLen,
		offset:   1,
		log:      logrus.WithFields(logrus.Fields{"chrom": chrom, "strand": strand}),
	}
}

func newEmitter(w *bufio.Writer, p *Policy, chrom string, chromLen int, strand string) emitter {
	t := newTrack(w, p, chrom, chromLen, strand)
	switch p.Format() {
	case FixedStep:
		return &fixedStep{track: t}
	case BedGraph:
		return &bedGraph{track: t}
	}
	return &variableStep{track: t}
}

// clamp keeps a flush boundary within the chromosome.
func (t *track) clamp(boundary int, final bool) int {
	if final || boundary > t.chromLen {
		return t.chromLen
	}
	return boundary
}

func (t *track) lost() (late, beyond int) { return t.late, t.beyond }

func (t *track) report() {
	if t.late > 0 {
		t.log.Debugf("dropped %d values for positions already written; consider a larger buffer", t.late)
	}
	if t.beyond > 0 {
		t.log.Debugf("dropped %d values beyond chromosome length %d", t.beyond, t.chromLen)
	}
}

// drainRest empties whatever is left past the chromosome end.
func (t *track) drainRest(acc *Accumulator) {
	for _, pt := range acc.DrainCounts(int(^uint(0) >> 1)) {
		t.beyond += int(pt.Value)
	}
	for _, tg := range acc.DrainLengths(int(^uint(0) >> 1)) {
		t.beyond += len(tg.Lengths)
	}
}

type variableStep struct {
	track
}

func (e *variableStep) header() error {
	_, err := fmt.Fprintf(e.w, "variableStep chrom=%s\n", e.chrom)
	return err
}

func (e *variableStep) line(pos int, v float64) error {
	e.w.WriteString(strconv.Itoa(pos))
	e.w.WriteByte('\t')
	e.w.WriteString(e.p.formatValue(v))
	return e.w.WriteByte('\n')
}

func (e *variableStep) flush(acc *Accumulator, boundary int, final bool) (int, error) {
	boundary = e.clamp(boundary, final)
	if boundary < e.offset && !final {
		return 0, nil
	}
	pts := acc.DrainCounts(boundary)
	n := 0
	next := e.offset
	for _, pt := range pts {
		if pt.Pos < e.offset {
			e.late++
			continue
		}
		if e.p.Interpolate {
			for ; next < pt.Pos; next++ {
				if err := e.line(next, 0); err != nil {
					return n, err
				}
				n++
			}
		}
		v := pt.Value
		if e.p.MaxDup > 0 && v > float64(e.p.MaxDup) {
			v = float64(e.p.MaxDup)
		}
		if err := e.line(pt.Pos, v); err != nil {
			return n, err
		}
		n++
		next = pt.Pos + 1
	}
	if e.p.Interpolate {
		for ; next <= boundary; next++ {
			if err := e.line(next, 0); err != nil {
				return n, err
			}
			n++
		}
	}
	e.offset = boundary + 1
	if final {
		e.drainRest(acc)
		e.report()
	}
	return n, nil
}

// fixedStep writes one value per bin for every bin from 1, filling gaps with 0.
type fixedStep struct {
	track
}

func (e *fixedStep) header() error {
	_, err := fmt.Fprintf(e.w, "fixedStep chrom=%s start=1 step=%d span=%d\n", e.chrom, e.p.Bin, e.p.Bin)
	return err
}

func (e *fixedStep) line(v float64) error {
	e.w.WriteString(e.p.formatValue(v))
	return e.w.WriteByte('\n')
}

func (e *fixedStep) flush(acc *Accumulator, boundary int, final bool) (int, error) {
	bin := e.p.Bin
	// last bin start that may be written: a bin is only complete once its
	// final base is behind the boundary.
	limit := e.clamp(boundary, false) - bin + 1
	if final {
		limit = e.chromLen
	}
	if limit < e.offset && !final {
		return 0, nil
	}
	pts := acc.DrainCounts(limit)
	n, i := 0, 0
	a := e.offset
	for ; a <= limit; a += bin {
		v := 0.0
		for i < len(pts) && pts[i].Pos < a {
			e.late++
			i++
		}
		if i < len(pts) && pts[i].Pos == a {
			v = pts[i].Value
			i++
		}
		if err := e.line(v); err != nil {
			return n, err
		}
		n++
	}
	e.late += len(pts) - i
	e.offset = a
	if final {
		e.drainRest(acc)
		e.report()
	}
	return n, nil
}

// dense writes consecutive bin values starting at the current offset. It is
// used by the coverage path, which computes whole chunks at once.
func (e *fixedStep) dense(vals []float64) (int, error) {
	for i, v := range vals {
		if e.offset > e.chromLen {
			e.beyond += len(vals) - i
			break
		}
		if err := e.line(v); err != nil {
			return i, err
		}
		e.offset += e.p.Bin
	}
	return len(vals), nil
}

type run struct {
	start, end int
	v          float64
}

// bedGraph expands length tags into per-base depth and writes runs of equal
// depth. Depth for positions past the boundary contributed by already-drained
// fragments is carried to the next flush; the last run is held open so that
// identical neighbors across flushes merge.
type bedGraph struct {
	track
	carry   []float64
	pending run
	open    bool
}

func (e *bedGraph) header() error { return nil }

func uniform(lens []int) bool {
	for _, l := range lens[1:] {
		if l != lens[0] {
			return false
		}
	}
	return true
}

func (e *bedGraph) writeRun() error {
	_, err := fmt.Fprintf(e.w, "%s\t%d\t%d\t%s\n", e.chrom, e.pending.start-1, e.pending.end, e.p.formatValue(e.pending.v))
	return err
}

// extend adds pos with value v to the pending run. It returns the number of lines written.
func (e *bedGraph) extend(pos int, v float64) (int, error) {
	if e.open && v == e.pending.v && pos == e.pending.end+1 {
		e.pending.end = pos
		return 0, nil
	}
	n := 0
	if e.open {
		if err := e.writeRun(); err != nil {
			return 0, err
		}
		n = 1
	}
	e.open = v != 0
	e.pending = run{start: pos, end: pos, v: v}
	return n, nil
}

func (e *bedGraph) flush(acc *Accumulator, boundary int, final bool) (int, error) {
	boundary = e.clamp(boundary, final)
	if boundary < e.offset && !final {
		return 0, nil
	}
	tags := acc.DrainLengths(boundary)
	off := e.offset

	// hi is the last position with any depth; nothing after it is allocated.
	hi := off + len(e.carry) - 1
	for _, t := range tags {
		for _, l := range t.Lengths {
			if end := t.Pos + l - 1; end > hi {
				hi = end
			}
		}
	}
	size := hi - off + 1
	if size < 0 {
		size = 0
	}
	diff := make([]float64, size+1)
	add := func(pos, length int, k float64) {
		s, end := pos, pos+length-1
		if s < off {
			e.late += int(k)
			s = off
		}
		if end < s {
			return
		}
		diff[s-off] += k
		diff[end-off+1] -= k
	}
	for _, t := range tags {
		lens := t.Lengths
		if e.p.MaxDup > 0 && len(lens) > e.p.MaxDup {
			lens = lens[:e.p.MaxDup]
		}
		if uniform(lens) {
			add(t.Pos, lens[0], float64(len(lens)))
			continue
		}
		for _, l := range lens {
			add(t.Pos, l, 1)
		}
	}

	depth := make([]float64, size)
	var cur float64
	for i := range depth {
		cur += diff[i]
		depth[i] = cur
		if i < len(e.carry) {
			depth[i] += e.carry[i]
		}
	}

	n := 0
	last := min(boundary, hi)
	for i := 0; i <= last-off; i++ {
		k, err := e.extend(off+i, depth[i])
		if err != nil {
			return n, err
		}
		n += k
	}
	if last < boundary {
		// the rest of the window is empty.
		k, err := e.extend(last+1, 0)
		if err != nil {
			return n, err
		}
		n += k
	}

	var rest []float64
	if boundary-off+1 < size {
		rest = depth[boundary-off+1:]
	}
	e.offset = boundary + 1
	if final {
		for _, v := range rest {
			if v != 0 {
				e.beyond++
			}
		}
		e.carry = nil
		if e.open {
			if err := e.writeRun(); err != nil {
				return n, err
			}
			n++
			e.open = false
		}
		e.drainRest(acc)
		e.report()
		return n, nil
	}
	e.carry = append(e.carry[:0:0], rest...)
	return n, nil
}
