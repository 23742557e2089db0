// Package reclassify adjusts the level of forwarded lines according to
// site-side rules
package reclassify

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// Rule is one compiled reclassification rule. A rule with a Level always
// yields it; otherwise it counts its matches against Warn and Crit.
type Rule struct {
	Level       types.Level
	Warn        int
	Crit        int
	Pattern     *regexp.Regexp
	Description string
}

// IsCounting reports whether the rule maps its match count to a level
func (r Rule) IsCounting() bool {
	return r.Level == 0
}

// RuleError reports a rule that could not be compiled
type RuleError struct {
	Index int
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("reclassify rule %d: %v", e.Index, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// Reclassifier applies rules in order, falling back to a level remap. Match
// counters live as long as the Reclassifier.
type Reclassifier struct {
	rules  []Rule
	ids    []int
	states map[types.Level]types.Level

	mu     sync.Mutex
	counts map[int]int
}

// New compiles cfg. Malformed rules and state mappings are skipped and
// returned as errors.
func New(cfg config.ReclassifyConfig) (*Reclassifier, []error) {
	r := &Reclassifier{
		states: make(map[types.Level]types.Level),
		counts: make(map[int]int),
	}
	var errs []error

	for i, p := range cfg.Patterns {
		rule, err := compileRule(p)
		if err != nil {
			errs = append(errs, &RuleError{Index: i, Err: err})
			continue
		}
		r.rules = append(r.rules, rule)
		r.ids = append(r.ids, i)
	}

	for key, value := range cfg.States {
		from, ok := parseStateKey(key)
		if !ok {
			errs = append(errs, fmt.Errorf("invalid state mapping %q", key))
			continue
		}
		to, ok := types.ParseLevel(value)
		if !ok {
			errs = append(errs, fmt.Errorf("invalid level %q for state mapping %q", value, key))
			continue
		}
		r.states[from] = to
	}

	return r, errs
}

func compileRule(p config.ReclassifyPattern) (Rule, error) {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
	}
	rule := Rule{Pattern: re, Description: p.Description}

	if p.Level != "" {
		level, ok := types.ParseLevel(p.Level)
		if !ok {
			return Rule{}, fmt.Errorf("invalid level %q", p.Level)
		}
		if p.Warn != 0 || p.Crit != 0 {
			return Rule{}, fmt.Errorf("level %q cannot be combined with thresholds", p.Level)
		}
		rule.Level = level
		return rule, nil
	}

	if p.Warn < 0 || p.Crit < 0 {
		return Rule{}, fmt.Errorf("negative threshold")
	}
	rule.Warn, rule.Crit = p.Warn, p.Crit
	return rule, nil
}

// parseStateKey turns "c_to" style keys into the level they remap
func parseStateKey(key string) (types.Level, bool) {
	prefix, ok := strings.CutSuffix(key, "_to")
	if !ok {
		return 0, false
	}
	return types.ParseLevel(strings.ToUpper(prefix))
}

// Reclassify returns the new level of a line
func (r *Reclassifier) Reclassify(level types.Level, text string) types.Level {
	for i, rule := range r.rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		if !rule.IsCounting() {
			return rule.Level
		}
		return r.count(r.ids[i], rule)
	}

	if to, ok := r.states[level]; ok {
		return to
	}
	return level
}

func (r *Reclassifier) count(id int, rule Rule) types.Level {
	r.mu.Lock()
	r.counts[id]++
	n := r.counts[id]
	r.mu.Unlock()

	switch {
	case rule.Crit > 0 && n >= rule.Crit:
		return types.LevelCritical
	case rule.Warn > 0 && n >= rule.Warn:
		return types.LevelWarning
	default:
		return types.LevelInfo
	}
}

// Line splits a formatted "<L> <text>" line
func Line(line string) (types.Level, string, bool) {
	if len(line) < 2 || line[1] != ' ' {
		return 0, "", false
	}
	level, ok := types.ParseLevel(line[:1])
	if !ok {
		return 0, "", false
	}
	return level, line[2:], true
}
