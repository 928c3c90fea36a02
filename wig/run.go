package wig

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/brentp/xopen"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Output says where and how the final tracks are written.
type Output struct {
	// Prefix is the output path without strand suffix or extension.
	Prefix string
	Gzip   bool
	// Name is used in the UCSC track line. No track line is written when empty.
	Name string
}

// Paths returns the track files for p in strand order: one file, or the
// _f and _r files when stranded.
func (o Output) Paths(p Policy) []string {
	ext := p.Format().Ext()
	if o.Gzip {
		ext += ".gz"
	}
	if p.Stranded {
		return []string{o.Prefix + "_f" + ext, o.Prefix + "_r" + ext}
	}
	return []string{o.Prefix + ext}
}

func (o Output) trackLine(p Policy, strand int) string {
	name := o.Name
	if p.Stranded {
		name += [...]string{"_f", "_r"}[strand]
	}
	typ := "wiggle_0"
	if p.Format() == BedGraph {
		typ = "bedGraph"
	}
	return fmt.Sprintf("track type=%s name=%s\n", typ, strconv.Quote(name))
}

// Run converts every ref in refs, on up to cpu workers, and writes the
// tracks named by o.Paths. Each reference is written to its own temporary
// file and the files are then joined in refs order. On error no output is
// left behind.
func Run(src bamsrc.Source, refs []*sam.Reference, p Policy, o Output, cpu int) ([]string, Stats, error) {
	var total Stats
	if err := p.Validate(); err != nil {
		return nil, total, err
	}
	if p.NeedsShift() {
		return nil, total, policyErr("%s requires a shift value", p.Position)
	}
	tmp, err := os.MkdirTemp("", "bam2wig")
	if err != nil {
		return nil, total, errors.Wrap(err, "wig: making temp dir")
	}
	defer os.RemoveAll(tmp)

	nstrand := 1
	if p.Stranded {
		nstrand = 2
	}
	part := func(i, s int) string {
		return filepath.Join(tmp, fmt.Sprintf("%06d.%d", i, s))
	}

	var mu sync.Mutex
	err = Each(src, refs, cpu, func(wsrc bamsrc.Source, i int, ref *sam.Reference) error {
		fw, err := os.Create(part(i, 0))
		if err != nil {
			return errors.Wrap(err, "wig: making temp file")
		}
		var rw *os.File
		var rev io.Writer
		if nstrand == 2 {
			if rw, err = os.Create(part(i, 1)); err != nil {
				fw.Close()
				return errors.Wrap(err, "wig: making temp file")
			}
			rev = rw
		}
		st, err := ProcessChrom(wsrc, ref, p, fw, rev)
		if cerr := closeParts(fw, rw); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "wig: processing %s", ref.Name())
		}
		logrus.WithFields(logrus.Fields{"chrom": ref.Name(), "records": st.Records, "lines": st.Lines}).Debug("finished")
		mu.Lock()
		total.Add(st)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, total, err
	}

	paths := o.Paths(p)
	for s, path := range paths {
		if err := o.merge(path, p, s, len(refs), func(i int) string { return part(i, s) }); err != nil {
			for _, q := range paths {
				os.Remove(q)
			}
			return nil, total, err
		}
	}
	return paths, total, nil
}

// closeParts closes the temp files of one reference and returns the first
// error, so that a failed write is never merged.
func closeParts(fs ...*os.File) error {
	var first error
	for _, f := range fs {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// merge joins the per-reference parts of one strand into path.
func (o Output) merge(path string, p Policy, strand, n int, part func(int) string) error {
	w, err := xopen.Wopen(path)
	if err != nil {
		return errors.Wrapf(err, "wig: opening %s", path)
	}
	if o.Name != "" {
		if _, err := w.WriteString(o.trackLine(p, strand)); err != nil {
			w.Close()
			return errors.Wrapf(err, "wig: writing %s", path)
		}
	}
	for i := 0; i < n; i++ {
		if err := appendFile(w, part(i)); err != nil {
			w.Close()
			return errors.Wrapf(err, "wig: writing %s", path)
		}
	}
	return w.Close()
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
