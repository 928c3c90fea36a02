package wig

import (
	"sync/atomic"

	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/pkg/errors"
)

// CountFragments is the pre-pass for RPM: the number of alignments (or, in
// paired mode, fragments) on refs that the recording filters of p accept.
// References are counted in parallel on up to cpu workers.
func CountFragments(src bamsrc.Source, refs []*sam.Reference, p Policy, cpu int) (float64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	filter := &Recorder{p: p}
	var total int64
	err := Each(src, refs, cpu, func(wsrc bamsrc.Source, _ int, ref *sam.Reference) error {
		it, err := wsrc.Query(ref, 0, ref.Len())
		if err != nil {
			return err
		}
		var n int64
		for it.Next() {
			if filter.Qualifies(it.Record()) {
				n++
			}
		}
		if err := it.Close(); err != nil {
			return errors.Wrapf(err, "wig: counting %s", ref.Name())
		}
		atomic.AddInt64(&total, n)
		return nil
	})
	return float64(total), err
}
