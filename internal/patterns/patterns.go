// Package patterns compiles logwatch pattern definitions into immutable
// match rules with continuation and rewrite handling.
package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// RawRule is a rule as written in the configuration grammar
type RawRule struct {
	Level         string
	Pattern       string
	Continuations []string
	Rewrites      []string
}

// Continuation describes which following lines belong to a matched line.
// Exactly one of Lines and Pattern is set.
type Continuation struct {
	Lines   int
	Pattern *regexp.Regexp
}

// IsCount reports whether the continuation consumes a fixed number of lines
func (c Continuation) IsCount() bool {
	return c.Pattern == nil
}

// Rule is a compiled pattern rule
type Rule struct {
	Level         types.Level
	Raw           string
	Pattern       *regexp.Regexp
	Continuations []Continuation
	Rewrites      []string
}

// PatternError is returned for a rule that cannot be compiled
type PatternError struct {
	Level   string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %s %q: %v", e.Level, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// ErrInvalidLevel is wrapped by PatternError for unknown level codes
var ErrInvalidLevel = errors.New("invalid level")

// Compile turns a raw rule into a Rule. Leading and trailing ".*" are
// stripped from the match expression unless a rewrite template may need
// the captured groups.
func Compile(raw RawRule) (*Rule, error) {
	level, ok := types.ParseLevel(raw.Level)
	if !ok || level == types.LevelContext {
		return nil, &PatternError{Level: raw.Level, Pattern: raw.Pattern, Err: ErrInvalidLevel}
	}

	expr := raw.Pattern
	if len(raw.Rewrites) == 0 {
		expr = OptimizeSearchPattern(expr)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &PatternError{Level: raw.Level, Pattern: raw.Pattern, Err: err}
	}

	rule := &Rule{
		Level:    level,
		Raw:      raw.Pattern,
		Pattern:  re,
		Rewrites: append([]string(nil), raw.Rewrites...),
	}

	for _, spec := range raw.Continuations {
		cont, err := compileContinuation(spec)
		if err != nil {
			return nil, &PatternError{Level: "A", Pattern: spec, Err: err}
		}
		rule.Continuations = append(rule.Continuations, cont)
	}

	return rule, nil
}

// CompileAll compiles every rule it can. Rules that fail are skipped and
// their errors returned; the remaining rules keep their declared order.
func CompileAll(raws []RawRule) ([]*Rule, []error) {
	rules := make([]*Rule, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		rule, err := Compile(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, errs
}

func compileContinuation(spec string) (Continuation, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(spec)); err == nil {
		if n < 0 {
			return Continuation{}, fmt.Errorf("negative continuation count %d", n)
		}
		return Continuation{Lines: n}, nil
	}
	re, err := regexp.Compile(OptimizeSearchPattern(spec))
	if err != nil {
		return Continuation{}, err
	}
	return Continuation{Pattern: re}, nil
}

// OptimizeSearchPattern strips a leading and trailing ".*". Both are
// redundant for an unanchored search. An expression that would become
// empty is returned unchanged.
func OptimizeSearchPattern(expr string) string {
	stripped := expr
	if strings.HasPrefix(stripped, ".*") {
		stripped = stripped[2:]
	}
	if strings.HasSuffix(stripped, ".*") && !strings.HasSuffix(stripped, `\.*`) {
		stripped = stripped[:len(stripped)-2]
	}
	if stripped == "" {
		return expr
	}
	return stripped
}

// Match holds the capture groups of a successful rule match
type Match struct {
	groups []string
	set    []bool
}

// Group returns capture group i and whether it participated in the match
func (m *Match) Group(i int) (string, bool) {
	if m == nil || i < 0 || i >= len(m.groups) {
		return "", false
	}
	return m.groups[i], m.set[i]
}

// Match runs the rule against a line (without line terminator). It
// returns nil when the rule does not match.
func (r *Rule) Match(line string) *Match {
	loc := r.Pattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return nil
	}
	n := len(loc) / 2
	m := &Match{groups: make([]string, n), set: make([]bool, n)}
	for i := 0; i < n; i++ {
		if loc[2*i] >= 0 {
			m.groups[i] = line[loc[2*i]:loc[2*i+1]]
			m.set[i] = true
		}
	}
	return m
}

// Rewrite applies the rule's templates in order. "\0" stands for the
// current line, "\1".."\N" for the groups captured by the match.
func (r *Rule) Rewrite(line string, m *Match) string {
	for _, tpl := range r.Rewrites {
		line = strings.ReplaceAll(tpl, `\0`, strings.TrimRightFunc(line, unicode.IsSpace))
		if m == nil {
			continue
		}
		for i := 1; i < len(m.groups); i++ {
			if !m.set[i] {
				continue
			}
			line = strings.ReplaceAll(line, `\`+strconv.Itoa(i), m.groups[i])
		}
	}
	return line
}
