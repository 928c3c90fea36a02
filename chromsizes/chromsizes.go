// Package chromsizes writes the two-column chromosome size table used by the
// UCSC bigWig converters from the header of a bam, cram or sam.
package chromsizes

import (
	"fmt"
	"io"
	"os"
	"regexp"

	arg "github.com/alexflint/go-arg"
	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/brentp/smoove/shared"
	"github.com/brentp/xopen"
	"github.com/fatih/color"
	"github.com/pkg/errors"
)

type cliargs struct {
	Fasta     string `arg:"-f,--fasta,help:fasta file. required for cram format"`
	ChromSkip string `arg:"--chrskip,help:regular expression of chromosomes to leave out."`
	Mapped    bool   `arg:"-m,--mapped,help:add a third column with the mapped read count from the bam index."`
	Out       string `arg:"-o,--out,help:output path. default is stdout."`
	Bam       string `arg:"positional,required,help:bam cram or sam to read the header from."`
}

// header reads just the header of path.
func header(path, fasta string) (*sam.Header, error) {
	br, err := shared.NewReader(path, 1, fasta)
	if err != nil {
		return nil, errors.Wrapf(err, "chromsizes: reading %s", path)
	}
	defer br.Close()
	return br.Header(), nil
}

// mappedCounter is satisfied by *bamsrc.Reader.
type mappedCounter interface {
	IndexMapped(refs []*sam.Reference) (uint64, bool)
}

// writeMapped writes name, length and mapped count for each ref.
func writeMapped(w io.Writer, rdr mappedCounter, refs []*sam.Reference) error {
	for _, ref := range refs {
		n, ok := rdr.IndexMapped([]*sam.Reference{ref})
		if !ok {
			return errors.Errorf("chromsizes: no index statistics for %s", ref.Name())
		}
		if _, err := fmt.Fprintf(w, "%s\t%d\t%d\n", ref.Name(), ref.Len(), n); err != nil {
			return err
		}
	}
	return nil
}

func run(w io.Writer, c *cliargs) error {
	var skip *regexp.Regexp
	if c.ChromSkip != "" {
		var err error
		if skip, err = regexp.Compile(c.ChromSkip); err != nil {
			return errors.Wrap(err, "bad --chrskip")
		}
	}
	if c.Mapped {
		rdr, err := bamsrc.Open(c.Bam)
		if err != nil {
			return err
		}
		defer rdr.Close()
		return writeMapped(w, rdr, bamsrc.Keep(rdr.Refs(), skip))
	}
	h, err := header(c.Bam, c.Fasta)
	if err != nil {
		return err
	}
	return bamsrc.WriteChromSizes(w, bamsrc.Keep(h.Refs(), skip))
}

// Main is called from the dispatcher
func Main() {
	cli := cliargs{Out: "-"}
	arg.MustParse(&cli)
	w, err := xopen.Wopen(cli.Out)
	if err == nil {
		err = run(w, &cli)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		c := color.New(color.BgRed).Add(color.Bold)
		fmt.Fprintf(os.Stderr, "%s\n", c.SprintFunc()(fmt.Sprintf("ERROR: %s", err)))
		os.Exit(1)
	}
}
