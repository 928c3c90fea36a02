// Package bam2wig converts an indexed bam into a wig, bedGraph or bigWig
// track of alignment starts, midpoints, fragment coverage or depth.
package bam2wig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	arg "github.com/alexflint/go-arg"
	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/biotoolbox/gotoolbox/bigwig"
	"github.com/biotoolbox/gotoolbox/intervals"
	"github.com/biotoolbox/gotoolbox/shift"
	"github.com/biotoolbox/gotoolbox/wig"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type cliargs struct {
	In       string `arg:"-i,--in,required,help:indexed bam to convert."`
	Out      string `arg:"-o,--out,help:output path prefix. default is the bam name without .bam"`
	Position string `arg:"-p,--position,help:what to record: start mid span extend or coverage."`

	Paired      bool `arg:"--pe,help:record properly paired fragments instead of reads."`
	Strand      bool `arg:"-s,--strand,help:write separate forward (_f) and reverse (_r) tracks."`
	Shift       bool `arg:"--shift,help:move 5' positions 3' by the strand offset. estimated unless --shiftval is given."`
	ShiftValue  int  `arg:"--shiftval,help:shift value in bp. implies --shift for start and mid."`
	ExtendValue int  `arg:"--extval,help:fragment length in bp for --position extend. default is 2 x shift."`
	Splice      bool `arg:"--splice,help:record each block of a spliced alignment separately."`

	Bin     int  `arg:"-b,--bin,help:bin size in bp for start mid and coverage."`
	Qual    int  `arg:"-q,--qual,help:minimum mapping quality."`
	Max     int  `arg:"--max,help:maximum alignments counted at one position. 0 for no limit."`
	NoDup   bool `arg:"--nodup,help:skip alignments flagged as duplicates."`
	RPM     bool `arg:"--rpm,help:scale values to reads per million."`
	Log     int  `arg:"--log,help:log transform values with base 2 or 10."`
	Interp  bool `arg:"--interpolate,help:write zero lines for empty positions in variableStep output."`
	Verbose bool `arg:"-v,--verbose,help:report progress and lost positions."`

	BigWig bool   `arg:"--bw,help:convert the output to bigWig."`
	BWApp  string `arg:"--bwapp,env:BAM2WIG_BWAPP,help:path to wigToBigWig or bedGraphToBigWig."`
	Gzip   bool   `arg:"--gz,help:gzip the text output."`

	CPU    int `arg:"-c,--cpu,env:BAM2WIG_CPU,help:number of chromosomes processed at once."`
	Buffer int `arg:"--buffer,env:BAM2WIG_BUFFER,help:bp kept behind the furthest buffered position before writing. with --splice use more than the longest intron."`
	Count  int `arg:"--count,help:alignments recorded between flushes."`

	Blacklist string `arg:"--blacklist,help:bed of regions whose alignments are skipped."`
	ChromSkip string `arg:"--chrskip,help:regular expression of chromosomes to skip."`

	Chroms int     `arg:"--chroms,help:number of longest chromosomes sampled for the shift."`
	Sample int     `arg:"--sample,help:number of windows per chromosome sampled for the shift."`
	MinR   float64 `arg:"--minr,help:minimum R² for a sampled window to count toward the shift."`
	Model  bool    `arg:"--model,help:write the shift model as a table and chart."`
	Fasta  string  `arg:"--fasta,help:indexed fasta used to report GC of sampled windows with --model."`
}

func defaults() cliargs {
	return cliargs{
		Position: "start",
		Bin:      1,
		CPU:      runtime.GOMAXPROCS(0),
		Buffer:   wig.DefaultBuffer,
		Count:    wig.DefaultCount,
		Chroms:   2,
		Sample:   200,
		MinR:     0.25,
	}
}

// policy freezes the arguments into a recording policy. The shift value
// may still be unknown.
func (c *cliargs) policy() (wig.Policy, error) {
	pos, err := wig.ParsePosition(c.Position)
	if err != nil {
		return wig.Policy{}, err
	}
	if c.ShiftValue < 0 || c.ExtendValue < 0 {
		return wig.Policy{}, errors.New("shift and extension values must be positive")
	}
	p := wig.Policy{
		Position:    pos,
		Stranded:    c.Strand,
		Shift:       c.Shift || c.ShiftValue > 0,
		ShiftValue:  c.ShiftValue,
		Paired:      c.Paired,
		Spliced:     c.Splice,
		Bin:         c.Bin,
		MinMapQ:     c.Qual,
		MaxDup:      c.Max,
		NoDup:       c.NoDup,
		RPM:         c.RPM,
		LogBase:     c.Log,
		Interpolate: c.Interp,
		Buffer:      c.Buffer,
		Count:       c.Count,
	}
	if pos == wig.Extend {
		switch {
		case c.ExtendValue > 0:
			p.ShiftValue = c.ExtendValue
		case c.ShiftValue > 0:
			p.ShiftValue = 2 * c.ShiftValue
		}
	}
	return p, p.Validate()
}

func (c *cliargs) prefix() string {
	if c.Out != "" {
		return c.Out
	}
	return strings.TrimSuffix(filepath.Base(c.In), ".bam")
}

func (c *cliargs) shiftOptions(p wig.Policy) shift.Options {
	return shift.Options{
		Chroms:  c.Chroms,
		Sample:  c.Sample,
		MinR2:   c.MinR,
		MinMapQ: p.MinMapQ,
		NoDup:   p.NoDup,
		Exclude: p.Exclude,
		CPU:     c.CPU,
	}
}

// convert runs the whole conversion on src and returns the files written.
func convert(src bamsrc.Source, header *sam.Header, c *cliargs, p wig.Policy) ([]string, error) {
	var skip *regexp.Regexp
	if c.ChromSkip != "" {
		var err error
		if skip, err = regexp.Compile(c.ChromSkip); err != nil {
			return nil, errors.Wrap(err, "bad --chrskip")
		}
	}
	refs := bamsrc.Keep(src.Refs(), skip)
	if len(refs) == 0 {
		return nil, errors.New("no chromosomes to process")
	}
	if c.Blacklist != "" {
		set, err := intervals.ReadTree(c.Blacklist)
		if err != nil {
			return nil, err
		}
		logrus.WithField("intervals", set.Len()).Debug("read blacklist")
		p.Exclude = set
	}
	prefix := c.prefix()
	var made []string

	if p.NeedsShift() {
		res, err := shift.Estimate(src, refs, c.shiftOptions(p))
		if c.Model && res != nil && len(res.Samples) > 0 {
			paths, merr := shift.Model(prefix, res, c.Fasta)
			if merr != nil {
				return nil, merr
			}
			made = append(made, paths...)
		}
		if err != nil {
			return made, err
		}
		p.ShiftValue = res.Value
		if p.Position == wig.Extend {
			p.ShiftValue *= 2
		}
		logrus.WithField("value", p.ShiftValue).Info("estimated shift")
		if p.ShiftValue <= 0 {
			return made, errors.Wrapf(shift.ErrNoShift, "estimated %d", res.Value)
		}
	}

	if p.RPM {
		total, err := wig.CountFragments(src, refs, p, c.CPU)
		if err != nil {
			return made, err
		}
		if total == 0 {
			return made, errors.New("no alignments passed the filters; cannot scale to reads per million")
		}
		logrus.WithField("total", total).Info("counted fragments")
		p.Total = total
	}

	out := wig.Output{Prefix: prefix, Gzip: c.Gzip && !c.BigWig}
	if !c.BigWig {
		out.Name = bamsrc.TrackName(header, c.In)
	}
	paths, st, err := wig.Run(src, refs, p, out, c.CPU)
	if err != nil {
		return made, err
	}
	logrus.WithFields(logrus.Fields{"records": st.Records, "lines": st.Lines}).Info("wrote tracks")
	if st.Dropped > 0 {
		logrus.Debugf("dropped %d positions before chromosome starts", st.Dropped)
	}
	if !c.BigWig {
		return append(made, paths...), nil
	}

	app, err := bigwig.Find(c.BWApp, p.Format())
	if err != nil {
		logrus.Warnf("%s; keeping text tracks", err)
		return append(made, paths...), nil
	}
	sizes := prefix + ".chrom.sizes"
	f, err := os.Create(sizes)
	if err != nil {
		return made, errors.Wrap(err, "writing chromosome sizes")
	}
	if err := bamsrc.WriteChromSizes(f, refs); err != nil {
		f.Close()
		return made, err
	}
	if err := f.Close(); err != nil {
		return made, err
	}
	defer os.Remove(sizes)
	bws := bigwig.Convert(app, sizes, paths)
	for _, t := range paths {
		if _, err := os.Stat(t); err == nil {
			made = append(made, t)
		}
	}
	return append(made, bws...), nil
}

func fatal(err error) {
	c := color.New(color.BgRed).Add(color.Bold)
	fmt.Fprintf(os.Stderr, "%s\n", c.SprintFunc()(fmt.Sprintf("ERROR: %s", err)))
	os.Exit(1)
}

// Main is called from the dispatcher
func Main() {
	cli := defaults()
	p := arg.MustParse(&cli)
	logrus.SetLevel(logrus.WarnLevel)
	if cli.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	pol, err := cli.policy()
	if err != nil {
		p.Fail(err.Error())
	}

	rdr, err := bamsrc.Open(cli.In)
	if err != nil {
		fatal(err)
	}
	defer rdr.Close()
	made, err := convert(rdr, rdr.Header(), &cli, pol)
	if err != nil {
		rdr.Close()
		fatal(err)
	}
	for _, m := range made {
		fmt.Fprintln(os.Stdout, m)
	}
}
