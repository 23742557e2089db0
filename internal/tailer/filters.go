package tailer

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// DuplicateLineFormat is the context line that replaces a run of repeated lines
const DuplicateLineFormat = "[the above message was repeated %d times]"

// ApplyFilters runs the output filters configured for a file in their fixed
// order: context limiting, output size limiting, duplicate collapsing.
func ApplyFilters(lines []OutputLine, opt config.Options) []OutputLine {
	if opt.MaxContextLines != nil {
		lines = FilterContextLines(lines, opt.MaxContextLines.Before, opt.MaxContextLines.After)
	}
	lines = FilterOutputSize(lines, opt.OutputLimit())
	if opt.SkipDuplicates() {
		lines = CollapseDuplicates(lines, opt.SkipContext())
	}
	return lines
}

// FilterContextLines keeps only lines within before lines ahead of or after
// lines behind a critical or warning line, like grep -B/-A.
func FilterContextLines(lines []OutputLine, before, after int) []OutputLine {
	keep := make([]bool, len(lines))
	for j, l := range lines {
		if l.Level != types.LevelCritical && l.Level != types.LevelWarning {
			continue
		}
		for i := max(0, j-before); i <= j+after && i < len(lines); i++ {
			keep[i] = true
		}
	}

	var out []OutputLine
	for i, l := range lines {
		if keep[i] {
			out = append(out, l)
		}
	}
	return out
}

// FilterOutputSize returns the longest prefix of lines whose formatted size
// does not exceed limit bytes
func FilterOutputSize(lines []OutputLine, limit int) []OutputLine {
	total := 0
	for i, l := range lines {
		total += len(l.String()) + 1
		if total > limit {
			return lines[:i]
		}
	}
	return lines
}

// CollapseDuplicates drops consecutive repetitions of a line. Unless
// noContext is set, each dropped run is replaced by a context line stating
// how often the line was repeated.
func CollapseDuplicates(lines []OutputLine, noContext bool) []OutputLine {
	var out []OutputLine
	for i := 0; i < len(lines); {
		j := i + 1
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		out = append(out, lines[i])
		if repeated := j - i - 1; repeated > 0 && !noContext {
			out = append(out, OutputLine{
				Level: types.LevelContext,
				Text:  fmt.Sprintf(DuplicateLineFormat, repeated),
			})
		}
		i = j
	}
	return out
}
