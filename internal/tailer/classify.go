package tailer

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/patterns"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/reader"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

const (
	// ContinuationSeparator joins a matched line with its continuation lines
	ContinuationSeparator = "\x01"

	truncatedMarker = "[TRUNCATED]"

	// the time budget is only checked on every 100th line
	timeCheckInterval = 100
	timeCheckOffset   = 10
)

// Overflow reasons reported in FileResult
const (
	OverflowMaxLines = "maxlines"
	OverflowMaxTime  = "maxtime"
)

// PositionStore keeps the read position of every log file between runs
type PositionStore interface {
	PositionFor(path string) (types.FilePosition, bool)
	Commit(path string, offset, inode int64)
}

// ProcessOptions tune a single ProcessFile call
type ProcessOptions struct {
	// Debug reads unseen files from the start, like fromstart
	Debug bool
	// Now is the clock used for the maxtime budget
	Now func() time.Time
}

// OutputLine is one classified line of a file
type OutputLine struct {
	Level types.Level
	Text  string
}

// String formats the line the way it is written into the section
func (l OutputLine) String() string {
	return string(l.Level) + " " + l.Text
}

// FileResult is the outcome of processing a single log file
type FileResult struct {
	Path        string
	Attr        types.ItemAttr
	Lines       []OutputLine
	Offset      int64
	Inode       int64
	Worst       int
	LinesParsed int
	Overflow    string
	Err         error
}

// ProcessFile reads the new part of a log file and classifies it. The new
// position is committed to store in every case except an open failure.
// Lines are only returned when at least one of them reached level O.
func ProcessFile(ctx context.Context, sec *Section, store PositionStore, opts ProcessOptions) FileResult {
	res := FileResult{Path: sec.Path, Attr: types.AttrOK, Worst: -1}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r, err := reader.Open(sec.Path, sec.Options.Encoding)
	if err != nil {
		res.Attr = types.AttrCannotOpen
		res.Err = err
		return res
	}
	defer r.Close()

	fi, err := r.Stat()
	if err != nil {
		res.Attr = types.AttrCannotOpen
		res.Err = fmt.Errorf("failed to stat %s: %w", sec.Path, err)
		return res
	}
	size := fi.Size()
	res.Inode = inodeOf(fi)
	res.Offset = size

	prev, seen := store.PositionFor(sec.Path)
	store.Commit(sec.Path, size, res.Inode)

	if !seen && !(sec.Options.ReadFromStart() || opts.Debug) {
		return res
	}

	fromStart := !seen
	if seen && prev.Inode >= 0 && prev.Inode != res.Inode {
		fromStart = true
	}
	if !fromStart && prev.Offset == size {
		return res
	}
	if !fromStart && prev.Offset > size {
		fromStart = true
	}

	var startOffset int64
	if !fromStart {
		startOffset = prev.Offset
		if err := r.SetPosition(startOffset); err != nil {
			res.Err = err
			return res
		}
	}

	opt := sec.Options
	overflow := opt.OverflowLevel()
	start := now()
	var lines []OutputLine

	for {
		line, ok := r.Next()
		if !ok {
			break
		}

		text := line.Text
		if opt.MaxLineSize != nil && utf8.RuneCountInString(text) >= *opt.MaxLineSize {
			text = truncateRunes(text, *opt.MaxLineSize) + truncatedMarker
		}

		res.LinesParsed++
		if opt.MaxLines != nil && res.LinesParsed > *opt.MaxLines {
			lines = append(lines, OutputLine{
				Level: overflow,
				Text:  fmt.Sprintf("Maximum number (%d) of new log messages exceeded.", *opt.MaxLines),
			})
			res.Worst = max(res.Worst, opt.OverflowRank())
			res.Overflow = OverflowMaxLines
			res.Err = r.SkipToEnd()
			break
		}

		if res.LinesParsed%timeCheckInterval == timeCheckOffset {
			if opt.MaxTime != nil && now().Sub(start) > *opt.MaxTime {
				lines = append(lines, OutputLine{
					Level: overflow,
					Text:  fmt.Sprintf("Maximum parsing time (%.1f sec) of this log file exceeded.", opt.MaxTime.Seconds()),
				})
				res.Worst = max(res.Worst, opt.OverflowRank())
				res.Overflow = OverflowMaxTime
				res.Err = r.SkipToEnd()
				break
			}
			if ctx.Err() != nil {
				// resume at this line next time
				r.PushBack(line)
				res.LinesParsed--
				res.Err = ctx.Err()
				break
			}
		}

		level := types.LevelContext
		for _, rule := range sec.Rules {
			m := rule.Match(text)
			if m == nil {
				continue
			}
			level = rule.Level
			res.Worst = max(res.Worst, level.Rank())
			text = readContinuations(r, rule.Continuations, text)
			text = rule.Rewrite(text, m)
			break
		}

		if level == types.LevelInfo {
			level = types.LevelContext
		}
		if level == types.LevelContext && opt.SkipContext() {
			continue
		}
		lines = append(lines, OutputLine{Level: level, Text: text})
	}

	res.Offset = r.Position()
	store.Commit(sec.Path, res.Offset, res.Inode)

	if opt.MaxFileSize != nil && *opt.MaxFileSize > 0 {
		wrap := res.Offset / *opt.MaxFileSize
		if startOffset / *opt.MaxFileSize < wrap {
			lines = append(lines, OutputLine{
				Level: types.LevelWarning,
				Text:  fmt.Sprintf("Maximum allowed logfile size (%d bytes) exceeded for the %dth time.", *opt.MaxFileSize, wrap),
			})
			res.Worst = max(res.Worst, types.LevelWarning.Rank())
		}
	}

	if res.Worst > -1 {
		res.Lines = ApplyFilters(lines, opt)
	}
	return res
}

// readContinuations appends the continuation lines of a match to text
func readContinuations(r *reader.Reader, conts []patterns.Continuation, text string) string {
	for _, c := range conts {
		if c.IsCount() {
			for i := 0; i < c.Lines; i++ {
				next, ok := r.Next()
				if !ok {
					break
				}
				text += ContinuationSeparator + next.Text
			}
			continue
		}
		for {
			next, ok := r.Next()
			if !ok {
				break
			}
			if !c.Pattern.MatchString(next.Text) {
				r.PushBack(next)
				break
			}
			text += ContinuationSeparator + next.Text
		}
	}
	return text
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

