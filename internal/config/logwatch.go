package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kballard/go-shellquote"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/patterns"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/reader"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// Prefixes used when configuration problems are reported in the section
const (
	CannotReadPrefix    = "CANNOT READ CONFIG FILE: "
	InvalidOptionPrefix = "INVALID CONFIGURATION: "
)

// DefaultMaxOutputSize caps the bytes emitted per file unless configured
const DefaultMaxOutputSize = 500000

// ConfigError describes one problem found while reading logwatch config
// files. The offending block, rule or option is skipped.
type ConfigError struct {
	File   string
	Line   int
	Option bool
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	}
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// SectionLine renders the error the way it is reported to the collector
func (e *ConfigError) SectionLine() string {
	if e.Option {
		return InvalidOptionPrefix + e.Error()
	}
	return CannotReadPrefix + e.Error()
}

var (
	ErrMissingBlock = errors.New("missing block definition")
	ErrInvalidLevel = errors.New("invalid level in pattern line")
	ErrNoPattern    = errors.New("missing pattern after level")
	ErrNotUTF8      = errors.New("please use utf-8 encoding")
)

// ContextLines is the maxcontextlines option: context kept before and after
// every critical or warning line.
type ContextLines struct {
	Before int
	After  int
}

// Options are per-block logfile options. Unset options are nil so merging
// keeps earlier values.
type Options struct {
	Encoding                  string
	MaxFileSize               *int64
	MaxLines                  *int
	MaxTime                   *time.Duration
	MaxLineSize               *int
	Regex                     *regexp.Regexp
	Overflow                  *types.Level
	NoContext                 *bool
	MaxContextLines           *ContextLines
	MaxOutputSize             *int
	FromStart                 *bool
	SkipConsecutiveDuplicated *bool
}

var boolValues = map[string]bool{
	"true": true, "false": false,
	"1": true, "0": false,
	"yes": true, "no": false,
}

// Set parses a single key=value option
func (o *Options) Set(opt string) error {
	key, value, ok := strings.Cut(opt, "=")
	if !ok {
		return fmt.Errorf("invalid option: %q", opt)
	}

	switch key {
	case "encoding":
		if _, err := reader.LookupEncoding(value); err != nil {
			return err
		}
		o.Encoding = value
	case "maxlines", "maxlinesize", "maxoutputsize":
		n, err := parseCount(key, value)
		if err != nil {
			return err
		}
		switch key {
		case "maxlines":
			o.MaxLines = &n
		case "maxlinesize":
			o.MaxLineSize = &n
		default:
			o.MaxOutputSize = &n
		}
	case "maxfilesize":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		o.MaxFileSize = &n
	case "maxtime":
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil || secs < 0 {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		d := time.Duration(secs * float64(time.Second))
		o.MaxTime = &d
	case "overflow":
		level, ok := types.ParseLevel(value)
		if !ok || level == types.LevelContext {
			return fmt.Errorf("invalid overflow: %q (choose from C, W, I, O)", value)
		}
		o.Overflow = &level
	case "regex", "iregex":
		expr := value
		if key == "iregex" {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		o.Regex = re
	case "nocontext", "fromstart", "skipconsecutiveduplicated":
		b, ok := boolValues[strings.ToLower(value)]
		if !ok {
			return fmt.Errorf("invalid %s: %q (choose from true, false, 1, 0, yes, no)", key, value)
		}
		switch key {
		case "nocontext":
			o.NoContext = &b
		case "fromstart":
			o.FromStart = &b
		default:
			o.SkipConsecutiveDuplicated = &b
		}
	case "maxcontextlines":
		before, after, ok := strings.Cut(value, ",")
		if !ok {
			return fmt.Errorf("invalid %s: %q (expected before,after)", key, value)
		}
		b, errB := parseCount(key, before)
		a, errA := parseCount(key, after)
		if errB != nil || errA != nil {
			return fmt.Errorf("invalid %s: %q (expected before,after)", key, value)
		}
		o.MaxContextLines = &ContextLines{Before: b, After: a}
	default:
		return fmt.Errorf("invalid option: %q", opt)
	}
	return nil
}

func parseCount(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return n, nil
}

// Merge copies every option set in other over o
func (o *Options) Merge(other Options) {
	if other.Encoding != "" {
		o.Encoding = other.Encoding
	}
	if other.MaxFileSize != nil {
		o.MaxFileSize = other.MaxFileSize
	}
	if other.MaxLines != nil {
		o.MaxLines = other.MaxLines
	}
	if other.MaxTime != nil {
		o.MaxTime = other.MaxTime
	}
	if other.MaxLineSize != nil {
		o.MaxLineSize = other.MaxLineSize
	}
	if other.Regex != nil {
		o.Regex = other.Regex
	}
	if other.Overflow != nil {
		o.Overflow = other.Overflow
	}
	if other.NoContext != nil {
		o.NoContext = other.NoContext
	}
	if other.MaxContextLines != nil {
		o.MaxContextLines = other.MaxContextLines
	}
	if other.MaxOutputSize != nil {
		o.MaxOutputSize = other.MaxOutputSize
	}
	if other.FromStart != nil {
		o.FromStart = other.FromStart
	}
	if other.SkipConsecutiveDuplicated != nil {
		o.SkipConsecutiveDuplicated = other.SkipConsecutiveDuplicated
	}
}

// OverflowLevel returns the level used for overflow lines (default C)
func (o Options) OverflowLevel() types.Level {
	if o.Overflow == nil {
		return types.LevelCritical
	}
	return *o.Overflow
}

// OverflowRank maps the overflow level onto the worst-level scale; I and O
// both count as ok.
func (o Options) OverflowRank() int {
	if r := o.OverflowLevel().Rank(); r > 0 {
		return r
	}
	return 0
}

// OutputLimit returns maxoutputsize or its default
func (o Options) OutputLimit() int {
	if o.MaxOutputSize == nil {
		return DefaultMaxOutputSize
	}
	return *o.MaxOutputSize
}

// ReadFromStart reports whether unseen files are read from the beginning
func (o Options) ReadFromStart() bool {
	return o.FromStart != nil && *o.FromStart
}

// SkipContext reports whether context lines are suppressed
func (o Options) SkipContext() bool {
	return o.NoContext != nil && *o.NoContext
}

// SkipDuplicates reports whether consecutive duplicate lines are collapsed
func (o Options) SkipDuplicates() bool {
	return o.SkipConsecutiveDuplicated != nil && *o.SkipConsecutiveDuplicated
}

// LogfileBlock is one logfile definition: globs, options and compiled rules
type LogfileBlock struct {
	Globs   []string
	Options Options
	Rules   []*patterns.Rule
	Source  string
}

// Cluster maps a set of addresses onto a shared state file
type Cluster struct {
	Name     string
	Networks []netip.Prefix
}

// Contains reports whether addr belongs to one of the cluster's networks
func (c Cluster) Contains(addr netip.Addr) bool {
	for _, p := range c.Networks {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Logwatch is the parsed logwatch configuration
type Logwatch struct {
	Logfiles []LogfileBlock
	Clusters []Cluster
	Errors   []*ConfigError
}

// ConfigFiles lists the config files for a directory: logwatch.cfg followed
// by logwatch.d/*.cfg in lexical order. An explicit file replaces both.
func ConfigFiles(dir, explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	files := []string{filepath.Join(dir, "logwatch.cfg")}
	extra, _ := filepath.Glob(filepath.Join(dir, "logwatch.d", "*.cfg"))
	sort.Strings(extra)
	return append(files, extra...)
}

type configLine struct {
	file string
	num  int
	text string
}

func isIndented(s string) bool {
	return strings.HasPrefix(s, " ") || strings.HasPrefix(s, "\t")
}

// LoadLogwatch reads and parses the given config files. Missing files are
// ignored. Problems are collected in Errors and never abort loading.
func LoadLogwatch(files []string) *Logwatch {
	cfg := &Logwatch{}

	var lines []configLine
	for _, file := range files {
		read, err := readConfigLines(file)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				cfg.Errors = append(cfg.Errors, &ConfigError{File: file, Err: err})
			}
			continue
		}
		lines = append(lines, read...)
	}

	for len(lines) > 0 {
		first := lines[0]
		if isIndented(first.text) {
			cfg.Errors = append(cfg.Errors, &ConfigError{
				File: first.file, Line: first.num,
				Err: fmt.Errorf("%w for line %q", ErrMissingBlock, strings.TrimSpace(first.text)),
			})
			lines = lines[1:]
			continue
		}

		var body []configLine
		rest := lines[1:]
		for len(rest) > 0 && isIndented(rest[0].text) {
			body = append(body, rest[0])
			rest = rest[1:]
		}
		lines = rest

		if strings.HasPrefix(first.text, "CLUSTER ") {
			cfg.parseCluster(first, body)
		} else {
			cfg.parseLogfileBlock(first, body)
		}
	}

	return cfg
}

func readConfigLines(file string) ([]configLine, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("error reading file %q (%w!)", file, ErrNotUTF8)
	}

	var lines []configLine
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	num := 0
	for scanner.Scan() {
		num++
		text := strings.TrimRight(scanner.Text(), " \t\r\n")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, configLine{file: file, num: num, text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return lines, nil
}

func (c *Logwatch) parseCluster(head configLine, body []configLine) {
	cluster := Cluster{Name: strings.TrimSpace(head.text[len("CLUSTER "):])}
	for _, l := range body {
		prefix, err := parseNetwork(strings.TrimSpace(l.text))
		if err != nil {
			c.Errors = append(c.Errors, &ConfigError{File: l.file, Line: l.num, Err: err})
			continue
		}
		cluster.Networks = append(cluster.Networks, prefix)
	}
	c.Clusters = append(c.Clusters, cluster)
}

func parseNetwork(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid subnetwork: %q", s)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address: %q", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// splitPatternLine splits a pattern line at the first run of whitespace
func splitPatternLine(text string) (level, pattern string) {
	text = strings.TrimSpace(text)
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimLeftFunc(text[i:], unicode.IsSpace)
}

func (c *Logwatch) parseLogfileBlock(head configLine, body []configLine) {
	words, err := shellquote.Split(head.text)
	if err != nil {
		c.Errors = append(c.Errors, &ConfigError{File: head.file, Line: head.num, Err: err})
		return
	}

	block := LogfileBlock{Source: fmt.Sprintf("%s:%d", head.file, head.num)}
	for _, w := range words {
		if !strings.Contains(w, "=") {
			block.Globs = append(block.Globs, w)
			continue
		}
		if err := block.Options.Set(w); err != nil {
			c.Errors = append(c.Errors, &ConfigError{File: head.file, Line: head.num, Option: true, Err: err})
		}
	}

	var raws []patterns.RawRule
	var ruleLines []configLine
	for _, l := range body {
		level, pattern := splitPatternLine(l.text)
		if pattern == "" {
			c.Errors = append(c.Errors, &ConfigError{
				File: l.file, Line: l.num,
				Err: fmt.Errorf("%w %q", ErrNoPattern, strings.TrimSpace(l.text)),
			})
			continue
		}

		switch level {
		case "A", "R":
			if len(raws) == 0 {
				c.Errors = append(c.Errors, &ConfigError{
					File: l.file, Line: l.num,
					Err: fmt.Errorf("%s line without preceding pattern: %q", level, strings.TrimSpace(l.text)),
				})
				continue
			}
			last := &raws[len(raws)-1]
			if level == "A" {
				last.Continuations = append(last.Continuations, pattern)
			} else {
				last.Rewrites = append(last.Rewrites, pattern)
			}
		case "C", "W", "I", "O":
			raws = append(raws, patterns.RawRule{Level: level, Pattern: pattern})
			ruleLines = append(ruleLines, l)
		default:
			c.Errors = append(c.Errors, &ConfigError{
				File: l.file, Line: l.num,
				Err: fmt.Errorf("%w %q", ErrInvalidLevel, strings.TrimSpace(l.text)),
			})
		}
	}

	for i, raw := range raws {
		rule, err := patterns.Compile(raw)
		if err != nil {
			l := ruleLines[i]
			c.Errors = append(c.Errors, &ConfigError{File: l.file, Line: l.num, Err: err})
			continue
		}
		block.Rules = append(block.Rules, rule)
	}

	c.Logfiles = append(c.Logfiles, block)
}
