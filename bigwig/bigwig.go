// Package bigwig converts finished wig and bedGraph tracks to bigWig with the
// UCSC command line tools.
package bigwig

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/biotoolbox/gotoolbox/wig"
	"github.com/brentp/gargs/process"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Tool is the UCSC converter for tracks of format f.
func Tool(f wig.Format) string {
	if f == wig.BedGraph {
		return "bedGraphToBigWig"
	}
	return "wigToBigWig"
}

// Find returns app when it is set and otherwise looks for the converter for f
// on the PATH.
func Find(app string, f wig.Format) (string, error) {
	name := app
	if name == "" {
		name = Tool(f)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "bigwig: converter %s not found", name)
	}
	return path, nil
}

// OutputPath is the bigWig written for a text track.
func OutputPath(track string) string {
	base := strings.TrimSuffix(track, ".gz")
	for _, ext := range []string{".wig", ".bdg"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext) + ".bw"
		}
	}
	return base + ".bw"
}

func quote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// Command is the shell command that converts track.
func Command(app, chromSizes, track string) string {
	return fmt.Sprintf("%s %s %s %s", quote(app), quote(track), quote(chromSizes), quote(OutputPath(track)))
}

// Convert runs app on every track using the chromosome size table and returns
// the bigWig files that were made. A track is removed once its bigWig exists.
// When the converter fails or writes nothing the track is kept and a warning
// logged; that is not an error.
func Convert(app, chromSizes string, tracks []string) []string {
	cmds := make(chan string, len(tracks))
	byCmd := make(map[string]string, len(tracks))
	for _, t := range tracks {
		c := Command(app, chromSizes, t)
		byCmd[c] = t
		cmds <- c
	}
	close(cmds)

	cancel := make(chan bool)
	defer close(cancel)
	for cmd := range process.Runner(cmds, cancel, &process.Options{Retries: 0}) {
		if ex := cmd.ExitCode(); ex != 0 && cmd.Err != io.EOF {
			logrus.WithFields(logrus.Fields{"track": byCmd[cmd.CmdStr], "exit": ex}).Warn("bigwig conversion failed")
		}
		cmd.Cleanup()
	}

	var made []string
	for _, t := range tracks {
		out := OutputPath(t)
		if st, err := os.Stat(out); err != nil || st.Size() == 0 {
			logrus.WithField("track", t).Warnf("no bigwig was made; keeping %s", t)
			continue
		}
		if err := os.Remove(t); err != nil {
			logrus.WithField("track", t).Warn(err)
		}
		made = append(made, out)
	}
	return made
}
