package reader

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// ErrUnknownEncoding is returned for encoding names that cannot be resolved
var ErrUnknownEncoding = errors.New("unknown encoding")

var (
	utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
)

// boms lists the byte order marks sniffed when no encoding is configured
var boms = []struct {
	mark []byte
	enc  encoding.Encoding
	name string
}{
	{[]byte{0xFF, 0xFE}, utf16LE, "utf-16le"},
	{[]byte{0xFE, 0xFF}, utf16BE, "utf-16be"},
}

// LookupEncoding resolves an encoding name as used in the configuration.
// Both WHATWG and IANA names are accepted, underscores are treated as
// hyphens ("utf_16_be" works).
func LookupEncoding(name string) (encoding.Encoding, error) {
	n := normalizeName(name)
	switch n {
	case "":
		return nil, fmt.Errorf("%w: empty name", ErrUnknownEncoding)
	case "utf-8", "utf8":
		return unicode.UTF8, nil
	case "utf-16", "utf16", "utf-16-le", "utf-16le":
		return utf16LE, nil
	case "utf-16-be", "utf-16be":
		return utf16BE, nil
	}

	if enc, err := htmlindex.Get(n); err == nil {
		return enc, nil
	}
	if enc, err := ianaindex.IANA.Encoding(n); err == nil && enc != nil {
		return enc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, name)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
}

// isByteOrderNeutral reports whether name leaves the UTF-16 byte order to
// the byte order mark
func isByteOrderNeutral(name string) bool {
	switch normalizeName(name) {
	case "utf-16", "utf16":
		return true
	}
	return false
}

// PreferredEncoding returns the charset of the process locale. Unset,
// C/POSIX and unresolvable locales fall back to UTF-8.
func PreferredEncoding() (encoding.Encoding, string) {
	locale := ""
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := os.Getenv(key); v != "" {
			locale = v
			break
		}
	}
	charset := localeCharset(locale)
	if charset == "" {
		return unicode.UTF8, "utf-8"
	}
	enc, err := LookupEncoding(charset)
	if err != nil {
		return unicode.UTF8, "utf-8"
	}
	return enc, strings.ToLower(charset)
}

func localeCharset(locale string) string {
	switch locale {
	case "", "C", "POSIX":
		return ""
	}
	if i := strings.IndexByte(locale, '@'); i >= 0 {
		locale = locale[:i]
	}
	i := strings.IndexByte(locale, '.')
	if i < 0 {
		return ""
	}
	charset := locale[i+1:]
	if strings.EqualFold(charset, "ANSI_X3.4-1968") {
		return ""
	}
	return charset
}
