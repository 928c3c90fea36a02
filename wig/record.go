package wig

import (
	"github.com/biogo/hts/sam"
	"github.com/pkg/errors"
)

// ErrBadStrandTag is returned when an XS tag is neither + nor -.
var ErrBadStrandTag = errors.New("wig: unrecognized XS strand tag")

// skipFlags are never recorded.
const skipFlags = sam.Unmapped | sam.Secondary | sam.QCFail | sam.Supplementary

var xsTag = []byte("XS")

type recordFunc func(r *Recorder, rec *sam.Record) error

// Recorder applies a Policy to alignments, filling a forward and (when
// stranded) a reverse Accumulator. The recording function is chosen once
// when the Recorder is made.
type Recorder struct {
	p        Policy
	fwd, rev *Accumulator
	record   recordFunc
	// positions < 1 that were discarded.
	dropped int
	// introns longer than the retention buffer.
	wide int
}

// NewRecorder validates p and binds the recording function for it. Coverage
// has no per-alignment recording and is rejected here.
func NewRecorder(p Policy) (*Recorder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.NeedsShift() {
		return nil, policyErr("%s requires a shift value", p.Position)
	}
	r := &Recorder{p: p, fwd: NewAccumulator()}
	if p.Stranded {
		r.rev = NewAccumulator()
	}
	switch p.Position {
	case Start, Mid:
		if p.Paired {
			r.record = recordPairedPoint
		} else {
			r.record = recordPoint
		}
	case Span:
		if p.Paired {
			r.record = recordPairedSpan
		} else {
			r.record = recordSpan
		}
	case Extend:
		r.record = recordExtend
	default:
		return nil, policyErr("no alignment recorder for %s", p.Position)
	}
	return r, nil
}

// Policy returns the validated policy.
func (r *Recorder) Policy() Policy { return r.p }

// Forward is the + strand accumulator, or the only one when unstranded.
func (r *Recorder) Forward() *Accumulator { return r.fwd }

// Reverse is the - strand accumulator; nil when unstranded.
func (r *Recorder) Reverse() *Accumulator { return r.rev }

// Max is the largest buffered position on either strand.
func (r *Recorder) Max() int {
	if r.rev != nil && r.rev.Max() > r.fwd.Max() {
		return r.rev.Max()
	}
	return r.fwd.Max()
}

// Dropped is the number of positions < 1 discarded since the last Reset.
func (r *Recorder) Dropped() int { return r.dropped }

// WideIntrons is the number of skipped regions longer than the retention
// buffer seen in spliced mode. Each can move the flush boundary past bases
// that reads in the exon before it still cover.
func (r *Recorder) WideIntrons() int { return r.wide }

// Reset clears all accumulated state.
func (r *Recorder) Reset() {
	r.fwd.Clear()
	if r.rev != nil {
		r.rev.Clear()
	}
	r.dropped = 0
	r.wide = 0
}

// Passes applies the flag, quality, and exclusion filters shared by every mode.
func (r *Recorder) Passes(rec *sam.Record) bool {
	if rec.Flags&skipFlags != 0 {
		return false
	}
	if r.p.NoDup && rec.Flags&sam.Duplicate != 0 {
		return false
	}
	if int(rec.MapQ) < r.p.MinMapQ {
		return false
	}
	if r.p.Exclude != nil && rec.Ref != nil && r.p.Exclude.Overlaps(rec.Ref.Name(), rec.Pos, rec.End()) {
		return false
	}
	return true
}

// leftMate is true for the forward, leftmost read of a proper pair with both
// mates on the same reference. Only this read represents the fragment.
func leftMate(rec *sam.Record) bool {
	const need = sam.Paired | sam.ProperPair | sam.MateReverse
	if rec.Flags&need != need || rec.Flags&(sam.Reverse|sam.MateUnmapped) != 0 {
		return false
	}
	if rec.MateRef == nil || rec.Ref == nil || rec.MateRef.ID() != rec.Ref.ID() {
		return false
	}
	return rec.TempLen > 0
}

// Qualifies reports whether rec would be recorded: it passes the filters and,
// in paired mode, is the read that stands for its fragment.
func (r *Recorder) Qualifies(rec *sam.Record) bool {
	if !r.Passes(rec) {
		return false
	}
	if r.p.Paired {
		return leftMate(rec)
	}
	return true
}

// Record adds rec according to the policy. It returns false when rec does not qualify.
func (r *Recorder) Record(rec *sam.Record) (bool, error) {
	if !r.Qualifies(rec) {
		return false, nil
	}
	return true, r.record(r, rec)
}

func (r *Recorder) bucket(strand int8) *Accumulator {
	if strand < 0 && r.rev != nil {
		return r.rev
	}
	return r.fwd
}

func (r *Recorder) point(acc *Accumulator, pos int) {
	if pos < 1 {
		r.dropped++
		return
	}
	acc.Increment(r.p.snap(pos), 1)
}

func (r *Recorder) length(acc *Accumulator, pos, length int) {
	if !acc.AppendLength(pos, length) {
		r.dropped++
	}
}

// pointAt is the recorded 1-based position of the interval [start, end] for
// a read on strand, before binning.
func (r *Recorder) pointAt(start, end int, strand int8) int {
	var pos int
	if r.p.Position == Mid {
		pos = (start + end) / 2
	} else if strand < 0 {
		pos = end
	} else {
		pos = start
	}
	if r.p.Shift {
		if strand < 0 {
			pos -= r.p.ShiftValue
		} else {
			pos += r.p.ShiftValue
		}
	}
	return pos
}

// block is a 1-based closed interval on the reference.
type block struct{ start, end int }

// blocks splits an alignment at skipped (N) cigar operations. Deletions stay
// inside their block.
func blocks(rec *sam.Record) []block {
	var out []block
	pos := rec.Pos
	cur := block{start: -1}
	for _, co := range rec.Cigar {
		t := co.Type()
		n := co.Len() * t.Consumes().Reference
		if t == sam.CigarSkipped {
			if cur.start >= 0 {
				out = append(out, cur)
				cur = block{start: -1}
			}
			pos += n
			continue
		}
		if n > 0 {
			if cur.start < 0 {
				cur.start = pos + 1
			}
			cur.end = pos + n
		}
		pos += n
	}
	if cur.start >= 0 {
		out = append(out, cur)
	}
	return out
}

// spliced returns the blocks of rec and counts its wide introns.
func (r *Recorder) spliced(rec *sam.Record) []block {
	bs := blocks(rec)
	for i := 1; i < len(bs); i++ {
		if bs[i].start-bs[i-1].end-1 > r.p.Buffer {
			r.wide++
		}
	}
	return bs
}

func recordPoint(r *Recorder, rec *sam.Record) error {
	strand := rec.Strand()
	acc := r.bucket(strand)
	if r.p.Spliced {
		for _, b := range r.spliced(rec) {
			r.point(acc, r.pointAt(b.start, b.end, strand))
		}
		return nil
	}
	r.point(acc, r.pointAt(rec.Pos+1, rec.End(), strand))
	return nil
}

func recordSpan(r *Recorder, rec *sam.Record) error {
	acc := r.bucket(rec.Strand())
	if r.p.Spliced {
		for _, b := range r.spliced(rec) {
			r.length(acc, b.start, b.end-b.start+1)
		}
		return nil
	}
	// the length is the number of aligned reference bases, end - start + 1
	// in 1-based closed coordinates.
	r.length(acc, rec.Pos+1, rec.End()-rec.Pos)
	return nil
}

// recordExtend tags a fragment of ShiftValue bases. Forward reads start it at
// their first base, reverse reads at end - ShiftValue.
func recordExtend(r *Recorder, rec *sam.Record) error {
	l := r.p.ShiftValue
	if rec.Strand() < 0 {
		r.length(r.fwd, rec.End()-l, l)
		return nil
	}
	r.length(r.fwd, rec.Pos+1, l)
	return nil
}

// fragmentStrand reads the XS tag in stranded paired mode; + when absent.
func (r *Recorder) fragmentStrand(rec *sam.Record) (int8, error) {
	if !r.p.Stranded {
		return 1, nil
	}
	aux, ok := rec.Tag(xsTag)
	if !ok {
		return 1, nil
	}
	var c byte
	switch v := aux.Value().(type) {
	case byte:
		c = v
	case string:
		if len(v) == 1 {
			c = v[0]
		}
	}
	switch c {
	case '+':
		return 1, nil
	case '-':
		return -1, nil
	}
	return 0, errors.Wrapf(ErrBadStrandTag, "%s at %s:%d: %v", rec.Name, rec.Ref.Name(), rec.Pos+1, aux.Value())
}

func recordPairedPoint(r *Recorder, rec *sam.Record) error {
	strand, err := r.fragmentStrand(rec)
	if err != nil {
		return err
	}
	start := rec.Pos + 1
	r.point(r.bucket(strand), r.pointAt(start, start+rec.TempLen-1, strand))
	return nil
}

func recordPairedSpan(r *Recorder, rec *sam.Record) error {
	strand, err := r.fragmentStrand(rec)
	if err != nil {
		return err
	}
	r.length(r.bucket(strand), rec.Pos+1, rec.TempLen)
	return nil
}
