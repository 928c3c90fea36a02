package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/biotoolbox/gotoolbox/bam2wig"
	"github.com/biotoolbox/gotoolbox/bamshift"
	"github.com/biotoolbox/gotoolbox/chromsizes"
)

const Version = "0.1.0"

type progPair struct {
	help string
	main func()
}

var progs = map[string]progPair{
	"bam2wig":    progPair{"convert an indexed bam to wig, bedGraph or bigWig", bam2wig.Main},
	"bamshift":   progPair{"estimate the ChIP-seq fragment shift of an indexed bam", bamshift.Main},
	"chromsizes": progPair{"write the chromosome size table from a bam, cram or sam header", chromsizes.Main},
}

func printProgs() {

	var wtr io.Writer = os.Stdout

	fmt.Fprintf(wtr, "gotoolbox Version: %s\n\n", Version)
	var keys []string
	l := 5
	for k := range progs {
		keys = append(keys, k)
		if len(k) > l {
			l = len(k)
		}
	}
	fmtr := "%-" + strconv.Itoa(l) + "s : %s\n"
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(wtr, fmtr, k, progs[k].help)

	}
	os.Exit(1)

}

func main() {

	if len(os.Args) < 2 {
		printProgs()
	}
	var p progPair
	var ok bool
	if p, ok = progs[os.Args[1]]; !ok {
		printProgs()
	}
	// remove the prog name from the call
	os.Args = append(os.Args[:1], os.Args[2:]...)
	p.main()
}
