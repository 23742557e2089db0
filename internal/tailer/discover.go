package tailer

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/patterns"
)

// Section is one log file together with everything configured for it
type Section struct {
	Path    string
	Options config.Options
	Rules   []*patterns.Rule
}

// Discover expands the globs of all blocks. A file matched by several
// blocks collects their rules in block order and their merged options.
// Globs that match no file are returned as missing. Sections are sorted by
// path.
func Discover(blocks []config.LogfileBlock) ([]*Section, []string) {
	found := make(map[string]*Section)
	var missing []string

	for _, block := range blocks {
		for _, glob := range block.Globs {
			paths := matchFiles(glob)
			if block.Options.Regex != nil {
				filtered := paths[:0]
				for _, p := range paths {
					if block.Options.Regex.MatchString(p) {
						filtered = append(filtered, p)
					}
				}
				paths = filtered
			}
			if len(paths) == 0 {
				missing = append(missing, glob)
				continue
			}

			for _, p := range paths {
				sec, ok := found[p]
				if !ok {
					sec = &Section{Path: p}
					found[p] = sec
				}
				sec.Rules = append(sec.Rules, block.Rules...)
				sec.Options.Merge(block.Options)
			}
		}
	}

	sections := make([]*Section, 0, len(found))
	for _, sec := range found {
		sections = append(sections, sec)
	}
	sort.Slice(sections, func(i, j int) bool {
		return sections[i].Path < sections[j].Path
	})

	return sections, missing
}

// matchFiles expands a glob, skipping directories. Entries that cannot be
// stat'ed are kept so they surface as cannotopen.
func matchFiles(glob string) []string {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil
	}
	files := matches[:0]
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			continue
		}
		files = append(files, m)
	}
	return files
}
