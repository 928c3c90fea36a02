// Package bamshift reports the ChIP-seq fragment shift of an indexed bam
// without writing a track.
package bamshift

import (
	"fmt"
	"io"
	"os"
	"regexp"

	arg "github.com/alexflint/go-arg"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/biotoolbox/gotoolbox/intervals"
	"github.com/biotoolbox/gotoolbox/shift"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type cliargs struct {
	Chroms    int     `arg:"--chroms,help:number of longest chromosomes sampled."`
	Sample    int     `arg:"--sample,help:number of windows per chromosome sampled."`
	MinR      float64 `arg:"--minr,help:minimum R² for a window to count."`
	Qual      int     `arg:"-q,--qual,help:minimum mapping quality."`
	NoDup     bool    `arg:"--nodup,help:skip alignments flagged as duplicates."`
	Blacklist string  `arg:"--blacklist,help:bed of regions whose alignments are skipped."`
	ChromSkip string  `arg:"--chrskip,help:regular expression of chromosomes to skip."`
	CPU       int     `arg:"-c,--cpu,env:BAM2WIG_CPU,help:number of chromosomes sampled at once."`
	Model     string  `arg:"--model,help:prefix for the model table and chart."`
	Fasta     string  `arg:"--fasta,help:indexed fasta used to report GC of sampled windows."`
	Verbose   bool    `arg:"-v,--verbose,help:report progress."`
	Bam       string  `arg:"positional,required,help:indexed bam to sample."`
}

func (c *cliargs) options() (shift.Options, error) {
	o := shift.DefaultOptions()
	o.Chroms, o.Sample, o.MinR2, o.CPU = c.Chroms, c.Sample, c.MinR, c.CPU
	o.MinMapQ, o.NoDup = c.Qual, c.NoDup
	if c.Blacklist != "" {
		set, err := intervals.ReadTree(c.Blacklist)
		if err != nil {
			return o, err
		}
		o.Exclude = set
	}
	return o, nil
}

// run estimates the shift of src and writes it, with the per-window fits, to w.
func run(w io.Writer, src bamsrc.Source, c *cliargs) error {
	o, err := c.options()
	if err != nil {
		return err
	}
	var skip *regexp.Regexp
	if c.ChromSkip != "" {
		if skip, err = regexp.Compile(c.ChromSkip); err != nil {
			return errors.Wrap(err, "bad --chrskip")
		}
	}
	res, err := shift.Estimate(src, bamsrc.Keep(src.Refs(), skip), o)
	if c.Model != "" && res != nil && len(res.Samples) > 0 {
		paths, merr := shift.Model(c.Model, res, c.Fasta)
		if merr != nil {
			return merr
		}
		for _, p := range paths {
			logrus.Infof("wrote %s", p)
		}
	}
	if err != nil {
		return err
	}
	fitted, kept := 0, 0
	for _, s := range res.Samples {
		if s.OK {
			fitted++
		}
		if s.Kept {
			kept++
		}
	}
	_, err = fmt.Fprintf(w, "shift\t%d\nextend\t%d\nmean\t%.2f\nsd\t%.2f\nwindows\t%d\nfitted\t%d\nkept\t%d\n",
		res.Value, 2*res.Value, res.Mean, res.SD, len(res.Samples), fitted, kept)
	return err
}

// Main is called from the dispatcher
func Main() {
	cli := cliargs{Chroms: 2, Sample: 200, MinR: 0.25, CPU: 1}
	arg.MustParse(&cli)
	logrus.SetLevel(logrus.WarnLevel)
	if cli.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	rdr, err := bamsrc.Open(cli.Bam)
	if err == nil {
		err = run(os.Stdout, rdr, &cli)
		rdr.Close()
	}
	if err != nil {
		c := color.New(color.BgRed).Add(color.Bold)
		fmt.Fprintf(os.Stderr, "%s\n", c.SprintFunc()(fmt.Sprintf("ERROR: %s", err)))
		os.Exit(1)
	}
}
