package bamsrc

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/biogo/hts/sam"
)

// SampleNames returns the unique SM values from the read-groups in h.
func SampleNames(h *sam.Header) []string {
	tag := sam.Tag([2]byte{'S', 'M'})
	seen := make(map[string]bool)
	var names []string
	for _, rg := range h.RGs() {
		v := rg.Get(tag)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		names = append(names, v)
	}
	return names
}

// TrackName picks a display name for output tracks: the sample name if the
// bam has exactly one, otherwise the file name without directory or suffix.
func TrackName(h *sam.Header, path string) string {
	if h != nil {
		if names := SampleNames(h); len(names) == 1 {
			return names[0]
		}
	}
	base := filepath.Base(path)
	for _, suff := range []string{".gz", ".bam", ".sam"} {
		base = strings.TrimSuffix(base, suff)
	}
	return base
}

// Keep returns the refs in order, dropping any whose name matches skip and
// any with zero length.
func Keep(refs []*sam.Reference, skip *regexp.Regexp) []*sam.Reference {
	out := make([]*sam.Reference, 0, len(refs))
	for _, r := range refs {
		if r.Len() <= 0 {
			continue
		}
		if skip != nil && skip.MatchString(r.Name()) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// WriteChromSizes writes the two-column name/length table expected by the
// UCSC converters.
func WriteChromSizes(w io.Writer, refs []*sam.Reference) error {
	for _, r := range refs {
		if _, err := fmt.Fprintf(w, "%s\t%d\n", r.Name(), r.Len()); err != nil {
			return err
		}
	}
	return nil
}

// IndexMapped sums the mapped counts recorded in the index for refs. ok is
// false if any reference lacks statistics.
func (r *Reader) IndexMapped(refs []*sam.Reference) (mapped uint64, ok bool) {
	for _, ref := range refs {
		st, found := r.idx.ReferenceStats(ref.ID())
		if !found {
			return 0, false
		}
		mapped += st.Mapped
	}
	return mapped, true
}
