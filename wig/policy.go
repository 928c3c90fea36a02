// Package wig converts streams of alignments into UCSC wiggle (fixedStep,
// variableStep) and bedGraph tracks. Alignments are recorded into sparse
// per-strand accumulators that are flushed in increasing position order once
// no later alignment can still change them.
package wig

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Position selects which part of an alignment (or fragment) is recorded.
type Position int

const (
	// Start records the 5' end: alignment start on +, alignment end on -.
	Start Position = iota
	// Mid records the midpoint.
	Mid
	// Span records coverage over the alignment (or paired fragment).
	Span
	// Extend records coverage over a fixed-length fragment from the 5' end.
	Extend
	// Coverage records per-base depth of aligned bases.
	Coverage
)

var positionNames = [...]string{"start", "mid", "span", "extend", "coverage"}

func (p Position) String() string {
	if p < 0 || int(p) >= len(positionNames) {
		return "Position(" + strconv.Itoa(int(p)) + ")"
	}
	return positionNames[p]
}

// ParsePosition parses one of start, mid, span, extend, coverage.
func ParsePosition(s string) (Position, error) {
	for i, n := range positionNames {
		if strings.EqualFold(s, n) {
			return Position(i), nil
		}
	}
	return 0, errors.Wrapf(ErrPolicy, "unknown position %q", s)
}

// Format is the text format of the output track.
type Format int

const (
	VariableStep Format = iota
	FixedStep
	BedGraph
)

// Ext is the file extension used for tracks of this format.
func (f Format) Ext() string {
	if f == BedGraph {
		return ".bdg"
	}
	return ".wig"
}

func (f Format) String() string {
	switch f {
	case FixedStep:
		return "fixedStep"
	case BedGraph:
		return "bedGraph"
	}
	return "variableStep"
}

// Excluder reports whether a 0-based half-open region should be ignored.
// intervals.Set satisfies it.
type Excluder interface {
	Overlaps(chrom string, start, end int) bool
}

const (
	// DefaultBuffer is the retention window in bp kept behind the furthest
	// buffered position before values are written.
	DefaultBuffer = 1200
	// DefaultCount is the number of recorded alignments between flushes.
	DefaultCount = 10000
)

// ErrPolicy is returned for incompatible policy settings.
var ErrPolicy = errors.New("wig: incompatible recording policy")

// Policy fixes how alignments are recorded and how values are written for a run.
type Policy struct {
	Position Position
	Stranded bool
	Shift    bool
	// ShiftValue is the 3' shift for Shift and the fragment length for Extend.
	ShiftValue int
	Paired     bool
	Spliced    bool
	Bin        int
	MinMapQ    int
	// MaxDup caps the number of alignments counted at one position. 0 is no cap.
	MaxDup int
	NoDup  bool

	RPM bool
	// Total is the number of mapped fragments used for RPM.
	Total float64
	// LogBase is 0 (none), 2 or 10.
	LogBase     int
	Interpolate bool

	Buffer int
	Count  int

	Exclude Excluder
}

func policyErr(format string, args ...interface{}) error {
	return errors.Wrapf(ErrPolicy, format, args...)
}

// Validate checks for incompatible settings and fills in defaults. It does not
// require ShiftValue or Total, which may be computed after validation.
func (p *Policy) Validate() error {
	if p.Position < Start || p.Position > Coverage {
		return policyErr("unknown position %d", p.Position)
	}
	if p.Bin < 1 {
		p.Bin = 1
	}
	if p.Buffer <= 0 {
		p.Buffer = DefaultBuffer
	}
	if p.Count <= 0 {
		p.Count = DefaultCount
	}
	if p.MinMapQ < 0 || p.MaxDup < 0 {
		return policyErr("quality and max duplicates must be >= 0")
	}
	if p.LogBase != 0 && p.LogBase != 2 && p.LogBase != 10 {
		return policyErr("log base must be 2 or 10, got %d", p.LogBase)
	}
	if p.Position == Extend {
		p.Shift = false
	}
	if p.Shift {
		switch {
		case p.Paired:
			return policyErr("shift is not compatible with paired-end")
		case p.Spliced:
			return policyErr("shift is not compatible with splices")
		case p.Position == Span:
			return policyErr("shift is not compatible with span; use extend")
		case p.Position == Coverage:
			return policyErr("shift is not compatible with coverage")
		case p.Stranded:
			return policyErr("shift is not compatible with strand")
		}
	}
	switch p.Position {
	case Extend:
		switch {
		case p.Paired:
			return policyErr("extend is not compatible with paired-end; use span")
		case p.Spliced:
			return policyErr("extend is not compatible with splices")
		case p.Stranded:
			return policyErr("extend is not compatible with strand")
		}
	case Coverage:
		if p.Stranded || p.Paired || p.Spliced {
			return policyErr("coverage is not compatible with strand, paired-end or splices")
		}
	}
	if p.Paired && p.Spliced {
		return policyErr("paired-end is not compatible with splices")
	}
	if p.Bin > 1 && (p.Position == Span || p.Position == Extend) {
		return policyErr("bin is not compatible with %s", p.Position)
	}
	return nil
}

// NeedsShift is true when a shift or extension length is required but unset.
func (p Policy) NeedsShift() bool {
	return (p.Shift || p.Position == Extend) && p.ShiftValue <= 0
}

// Format reports the output format implied by the policy.
func (p Policy) Format() Format {
	switch {
	case p.Position == Span || p.Position == Extend:
		return BedGraph
	case p.Position == Coverage || p.Bin > 1:
		return FixedStep
	}
	return VariableStep
}

// snap moves a 1-based position to the 1-based start of its bin.
func (p *Policy) snap(pos int) int {
	if p.Bin <= 1 {
		return pos
	}
	return (pos-1)/p.Bin*p.Bin + 1
}

// transform applies RPM and then log scaling.
func (p *Policy) transform(v float64) float64 {
	if p.RPM {
		v = v * 1e6 / p.Total
	}
	if p.LogBase != 0 {
		if v == 0 {
			return 0
		}
		v = math.Log(v) / math.Log(float64(p.LogBase))
	}
	return v
}

// formatValue renders v after transform. Whole numbers print as integers,
// anything else with 4 decimals.
func (p *Policy) formatValue(v float64) string {
	if p.RPM || p.LogBase != 0 {
		return strconv.FormatFloat(p.transform(v), 'f', 4, 64)
	}
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
