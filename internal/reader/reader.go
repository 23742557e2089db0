// Package reader implements a buffered, encoding aware line source over a
// log file. It keeps exact byte accounting so the position to resume at is
// always known, even with decoding replacements or pushed back lines.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
)

// BlockSize is the number of bytes read from the file at a time
const BlockSize = 8192

// Line is one decoded line. Text has no line terminator; Size is the
// number of raw bytes the line occupied in the file, terminator included.
type Line struct {
	Text string
	Size int
}

// Reader reads complete lines from a file. An unterminated last line is
// never returned, so it is read again once it has been completed.
type Reader struct {
	f        *os.File
	enc      encoding.Encoding
	encName  string
	dec      *encoding.Decoder
	newline  []byte
	cursor   int64
	buf      []byte
	lines    []Line
	eof      bool
	blockBuf []byte
}

// Open opens path for reading. With an empty encoding name the encoding is
// sniffed from a UTF-16 byte order mark, which is consumed, falling back to
// the locale's preferred encoding. "utf-16" without byte order is sniffed
// the same way and falls back to little endian.
func Open(path, encodingName string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, blockBuf: make([]byte, BlockSize)}

	var fallback encoding.Encoding
	fallbackName := ""
	if encodingName != "" {
		enc, err := LookupEncoding(encodingName)
		if err != nil {
			f.Close()
			return nil, err
		}
		fallback, fallbackName = enc, strings.ToLower(encodingName)
	}

	// plain utf-16 takes its byte order from the mark, like an unset encoding
	if fallback == nil || isByteOrderNeutral(encodingName) {
		if err := r.sniff(); err != nil {
			f.Close()
			return nil, err
		}
	}
	if r.enc == nil {
		if fallback != nil {
			r.enc, r.encName = fallback, fallbackName
		} else {
			r.enc, r.encName = PreferredEncoding()
		}
	}

	r.dec = r.enc.NewDecoder()
	nl, err := r.enc.NewEncoder().Bytes([]byte("\n"))
	if err != nil || len(nl) == 0 {
		nl = []byte("\n")
	}
	r.newline = nl

	return r, nil
}

func (r *Reader) sniff() error {
	head := make([]byte, 2)
	n, err := io.ReadFull(r.f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to read %s: %w", r.f.Name(), err)
	}
	head = head[:n]
	r.cursor = int64(n)

	for _, bom := range boms {
		if bytes.HasPrefix(head, bom.mark) {
			r.enc, r.encName = bom.enc, bom.name
			return nil
		}
	}

	r.buf = append(r.buf, head...)
	return nil
}

// Encoding returns the name of the encoding in use
func (r *Reader) Encoding() string {
	return r.encName
}

// Stat returns the file info of the open file
func (r *Reader) Stat() (os.FileInfo, error) {
	return r.f.Stat()
}

// Close closes the underlying file
func (r *Reader) Close() error {
	return r.f.Close()
}

// indexNewline finds the first newline aligned to the code unit size
func (r *Reader) indexNewline(b []byte) int {
	unit := len(r.newline)
	for off := 0; off < len(b); {
		i := bytes.Index(b[off:], r.newline)
		if i < 0 {
			return -1
		}
		pos := off + i
		if pos%unit == 0 {
			return pos
		}
		off = pos + 1
	}
	return -1
}

func (r *Reader) fill() {
	for r.indexNewline(r.buf) < 0 && !r.eof {
		n, err := r.f.Read(r.blockBuf)
		if n > 0 {
			r.buf = append(r.buf, r.blockBuf[:n]...)
			r.cursor += int64(n)
		}
		if err != nil || n == 0 {
			r.eof = true
		}
	}

	for {
		i := r.indexNewline(r.buf)
		if i < 0 {
			break
		}
		size := i + len(r.newline)
		r.lines = append(r.lines, Line{Text: r.decode(r.buf[:i]), Size: size})
		r.buf = r.buf[size:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
}

func (r *Reader) decode(raw []byte) string {
	out, err := r.dec.Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return string(out)
}

// Next returns the next complete line
func (r *Reader) Next() (Line, bool) {
	if len(r.lines) == 0 {
		r.fill()
	}
	if len(r.lines) == 0 {
		return Line{}, false
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, true
}

// PushBack returns a line so the next call to Next yields it again
func (r *Reader) PushBack(line Line) {
	r.lines = append([]Line{line}, r.lines...)
}

// SetPosition discards buffered data and continues reading at offset
func (r *Reader) SetPosition(offset int64) error {
	pos, err := r.f.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("failed to seek %s: %w", r.f.Name(), err)
	}
	r.cursor = pos
	r.buf = nil
	r.lines = nil
	r.eof = false
	return nil
}

// SkipToEnd abandons everything not yet read
func (r *Reader) SkipToEnd() error {
	pos, err := r.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek %s: %w", r.f.Name(), err)
	}
	r.cursor = pos
	r.buf = nil
	r.lines = nil
	r.eof = true
	return nil
}

// Position returns the offset to resume at: the file cursor minus all bytes
// that were read but not consumed.
func (r *Reader) Position() int64 {
	unused := int64(len(r.buf))
	for _, l := range r.lines {
		unused += int64(l.Size)
	}
	return r.cursor - unused
}
