// Package section writes and parses the logwatch agent section
package section

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

const (
	Header      = "<<<logwatch>>>"
	BatchPrefix = "BATCH: "

	attrSeparator = ":"
	continuation  = "\x01"
)

var colors = map[types.Level]string{
	types.LevelCritical: "\033[1;31m",
	types.LevelWarning:  "\033[1;33m",
	types.LevelOk:       "\033[1;32m",
	types.LevelInfo:     "\033[1;34m",
	types.LevelContext:  "",
}

const colorNormal = "\033[0m"

// IsTerminal reports whether w is a terminal, in which case lines are
// written coloured and continuation lines are split for reading
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Writer writes a logwatch section
type Writer struct {
	w     io.Writer
	color bool
}

// NewWriter creates a Writer. With color set lines are written for humans.
func NewWriter(w io.Writer, color bool) *Writer {
	return &Writer{w: w, color: color}
}

func (w *Writer) writeLine(s string) error {
	_, err := io.WriteString(w.w, s+"\n")
	return err
}

// Begin writes the section header
func (w *Writer) Begin() error {
	return w.writeLine(Header)
}

// ConfigError writes an already prefixed configuration error line
func (w *Writer) ConfigError(line string) error {
	return w.writeLine(line)
}

// Missing writes the header of a glob that matched no file
func (w *Writer) Missing(path string) error {
	return w.writeLine(fileHeader(path, types.AttrMissing))
}

// CannotOpen writes the header of a file that could not be opened
func (w *Writer) CannotOpen(path string) error {
	return w.writeLine(fileHeader(path, types.AttrCannotOpen))
}

// File writes the header of a readable file
func (w *Writer) File(path string) error {
	return w.writeLine(fileHeader(path, types.AttrOK))
}

// Batch writes the marker preceding the lines of a batch
func (w *Writer) Batch(id string) error {
	return w.writeLine(BatchPrefix + id)
}

// Line writes one classified line
func (w *Writer) Line(level types.Level, text string) error {
	line := fmt.Sprintf("%s %s", level, text)
	if w.color {
		line = colors[level] + strings.ReplaceAll(line, continuation, "\nCONT:") + colorNormal
	}
	return w.writeLine(line)
}

func fileHeader(path string, attr types.ItemAttr) string {
	if attr == types.AttrOK {
		return "[[[" + path + "]]]"
	}
	return "[[[" + path + attrSeparator + string(attr) + "]]]"
}
