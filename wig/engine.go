package wig

import (
	"bufio"
	"io"

	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stats summarizes the work done on one chromosome.
type Stats struct {
	Records int
	Lines   int
	// Dropped counts positions before the chromosome start.
	Dropped int
	// Late counts values for positions that were already written and Beyond
	// those past the chromosome end. Neither is written.
	Late, Beyond int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Records += o.Records
	s.Lines += o.Lines
	s.Dropped += o.Dropped
	s.Late += o.Late
	s.Beyond += o.Beyond
}

// chromWriter ties a Recorder to the emitter of each strand for one chromosome.
type chromWriter struct {
	rc       *Recorder
	fwd, rev emitter
	stats    Stats
}

func (c *chromWriter) flush(final bool) error {
	boundary := c.rc.Max() - c.rc.p.Buffer
	n, err := c.fwd.flush(c.rc.Forward(), boundary, final)
	c.stats.Lines += n
	if err != nil {
		return err
	}
	if c.rev != nil {
		n, err = c.rev.flush(c.rc.Reverse(), boundary, final)
		c.stats.Lines += n
	}
	return err
}

// lost totals the values each emitter could not write.
func (c *chromWriter) lost() {
	for _, em := range []emitter{c.fwd, c.rev} {
		if em == nil {
			continue
		}
		late, beyond := em.lost()
		c.stats.Late += late
		c.stats.Beyond += beyond
	}
}

// ProcessChrom streams all alignments on ref from src and writes the track
// for it to fwd (and rev when the policy is stranded). Flushes happen every
// p.Count recorded alignments and at the end of the chromosome.
func ProcessChrom(src bamsrc.Source, ref *sam.Reference, p Policy, fwd, rev io.Writer) (Stats, error) {
	if err := p.Validate(); err != nil {
		return Stats{}, err
	}
	if p.RPM && p.Total <= 0 {
		return Stats{}, policyErr("rpm requires a positive total")
	}
	if p.Stranded && rev == nil {
		return Stats{}, errors.New("wig: stranded output requires a reverse writer")
	}
	fw := bufio.NewWriterSize(fwd, 1<<16)
	defer fw.Flush()
	var rw *bufio.Writer
	if p.Stranded {
		rw = bufio.NewWriterSize(rev, 1<<16)
		defer rw.Flush()
	}

	if p.Position == Coverage {
		em := newEmitter(fw, &p, ref.Name(), ref.Len(), "+").(*fixedStep)
		if err := em.header(); err != nil {
			return Stats{}, err
		}
		st, err := processCoverage(src, ref, &p, em)
		st.Late, st.Beyond = em.lost()
		if err != nil {
			return st, err
		}
		return st, fw.Flush()
	}

	rc, err := NewRecorder(p)
	if err != nil {
		return Stats{}, err
	}
	c := &chromWriter{rc: rc}
	c.fwd = newEmitter(fw, &rc.p, ref.Name(), ref.Len(), "+")
	if p.Stranded {
		c.rev = newEmitter(rw, &rc.p, ref.Name(), ref.Len(), "-")
	}
	if err := c.fwd.header(); err != nil {
		return Stats{}, err
	}
	if c.rev != nil {
		if err := c.rev.header(); err != nil {
			return Stats{}, err
		}
	}

	it, err := src.Query(ref, 0, ref.Len())
	if err != nil {
		return Stats{}, err
	}
	since := 0
	for it.Next() {
		ok, err := rc.Record(it.Record())
		if err != nil {
			it.Close()
			return c.stats, err
		}
		if !ok {
			continue
		}
		c.stats.Records++
		if since++; since >= rc.p.Count {
			since = 0
			if err := c.flush(false); err != nil {
				it.Close()
				return c.stats, err
			}
		}
	}
	if err := it.Close(); err != nil {
		return c.stats, errors.Wrapf(err, "wig: reading %s", ref.Name())
	}
	if err := c.flush(true); err != nil {
		return c.stats, err
	}
	c.lost()
	c.stats.Dropped = rc.Dropped()
	log := logrus.WithField("chrom", ref.Name())
	if c.stats.Dropped > 0 {
		log.Debugf("dropped %d positions before the chromosome start", c.stats.Dropped)
	}
	if n := rc.WideIntrons(); n > 0 {
		log.Debugf("%d introns are longer than the %dbp buffer; values in the exons before them may be lost", n, rc.p.Buffer)
	}
	if err := fw.Flush(); err != nil {
		return c.stats, err
	}
	if rw != nil {
		return c.stats, rw.Flush()
	}
	return c.stats, nil
}
