package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/patterns"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

func TestConfigFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "logwatch.d", "b.cfg"), "")
	writeFile(t, filepath.Join(dir, "logwatch.d", "a.cfg"), "")
	writeFile(t, filepath.Join(dir, "logwatch.d", "ignored.txt"), "")

	files := ConfigFiles(dir, "")
	assert.Equal(t, []string{
		filepath.Join(dir, "logwatch.cfg"),
		filepath.Join(dir, "logwatch.d", "a.cfg"),
		filepath.Join(dir, "logwatch.d", "b.cfg"),
	}, files)

	assert.Equal(t, []string{"/etc/custom.cfg"}, ConfigFiles(dir, "/etc/custom.cfg"))
}

func TestLoadLogwatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logwatch.cfg")
	writeFile(t, path, `# comment
/var/log/messages "/var/log/with space.log" maxlines=100 overflow=W
 C \bERROR\b
 A ^\s+at
 A 2
 W .*warn.*
 R warning: \0
 I ignored

CLUSTER web
 10.1.0.0/16
 192.168.1.7

/var/log/app/*.log fromstart=yes maxcontextlines=2,3 maxtime=1.5
 O started
`)

	cfg := LoadLogwatch(ConfigFiles(dir, ""))
	require.Empty(t, cfg.Errors)
	require.Len(t, cfg.Logfiles, 2)
	require.Len(t, cfg.Clusters, 1)

	first := cfg.Logfiles[0]
	assert.Equal(t, []string{"/var/log/messages", "/var/log/with space.log"}, first.Globs)
	require.NotNil(t, first.Options.MaxLines)
	assert.Equal(t, 100, *first.Options.MaxLines)
	assert.Equal(t, types.LevelWarning, first.Options.OverflowLevel())

	require.Len(t, first.Rules, 3)
	assert.Equal(t, types.LevelCritical, first.Rules[0].Level)
	require.Len(t, first.Rules[0].Continuations, 2)
	assert.False(t, first.Rules[0].Continuations[0].IsCount())
	assert.Equal(t, 2, first.Rules[0].Continuations[1].Lines)
	assert.Equal(t, []string{`warning: \0`}, first.Rules[1].Rewrites)
	assert.Empty(t, first.Rules[2].Continuations)
	assert.Empty(t, first.Rules[2].Rewrites)

	second := cfg.Logfiles[1]
	assert.True(t, second.Options.ReadFromStart())
	assert.Equal(t, &ContextLines{Before: 2, After: 3}, second.Options.MaxContextLines)
	assert.Equal(t, 1500*time.Millisecond, *second.Options.MaxTime)
	assert.Equal(t, DefaultMaxOutputSize, second.Options.OutputLimit())

	cluster := cfg.Clusters[0]
	assert.Equal(t, "web", cluster.Name)
	assert.True(t, cluster.Contains(netip.MustParseAddr("10.1.200.3")))
	assert.True(t, cluster.Contains(netip.MustParseAddr("192.168.1.7")))
	assert.False(t, cluster.Contains(netip.MustParseAddr("192.168.1.8")))
}

func TestLoadLogwatchCollectsErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "logwatch.cfg"), `
 C orphaned
/var/log/a.log maxlines=lots bogus=1
 X nonsense
 C (unclosed
 W fine
`)
	writeFile(t, filepath.Join(dir, "logwatch.d", "latin1.cfg"), "/var/log/\xe9t\xe9.log\n C x\n")

	cfg := LoadLogwatch(ConfigFiles(dir, ""))

	require.Len(t, cfg.Logfiles, 1)
	block := cfg.Logfiles[0]
	assert.Nil(t, block.Options.MaxLines)
	require.Len(t, block.Rules, 1)
	assert.Equal(t, types.LevelWarning, block.Rules[0].Level)

	var lines []string
	for _, e := range cfg.Errors {
		lines = append(lines, e.SectionLine())
	}
	require.Len(t, cfg.Errors, 6, strings.Join(lines, "\n"))

	// file level problems are found while reading, before any block is parsed
	assert.True(t, errors.Is(cfg.Errors[0], ErrNotUTF8))
	assert.True(t, strings.HasPrefix(lines[0], CannotReadPrefix))

	assert.True(t, errors.Is(cfg.Errors[1], ErrMissingBlock))
	assert.True(t, strings.HasPrefix(lines[2], InvalidOptionPrefix))
	assert.True(t, strings.HasPrefix(lines[3], InvalidOptionPrefix))
	assert.True(t, errors.Is(cfg.Errors[4], ErrInvalidLevel))

	var perr *patterns.PatternError
	assert.True(t, errors.As(cfg.Errors[5], &perr))
}

func TestLoadLogwatchPatternLineWhitespace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "logwatch.cfg"), "/var/log/a.log\n\tC\tdisk  full\n W \t low memory\n C\n A\n")

	cfg := LoadLogwatch(ConfigFiles(dir, ""))

	require.Len(t, cfg.Logfiles, 1)
	rules := cfg.Logfiles[0].Rules
	require.Len(t, rules, 2)
	assert.Equal(t, types.LevelCritical, rules[0].Level)
	assert.NotNil(t, rules[0].Match("disk  full"))
	assert.Equal(t, types.LevelWarning, rules[1].Level)
	assert.NotNil(t, rules[1].Match("low memory"))

	require.Len(t, cfg.Errors, 2)
	for _, e := range cfg.Errors {
		assert.True(t, errors.Is(e, ErrNoPattern))
		assert.True(t, strings.HasPrefix(e.SectionLine(), CannotReadPrefix))
	}
	assert.Equal(t, 4, cfg.Errors[0].Line)
}

func TestLoadLogwatchIgnoresMissingFiles(t *testing.T) {
	cfg := LoadLogwatch([]string{filepath.Join(t.TempDir(), "nope.cfg")})
	assert.Empty(t, cfg.Errors)
	assert.Empty(t, cfg.Logfiles)
}

func TestOptionsSetAndMerge(t *testing.T) {
	var base Options
	require.NoError(t, base.Set("maxlines=10"))
	require.NoError(t, base.Set("encoding=utf_16"))
	require.NoError(t, base.Set("iregex=\\.LOG$"))
	require.NoError(t, base.Set("nocontext=True"))

	var later Options
	require.NoError(t, later.Set("maxlines=20"))
	require.NoError(t, later.Set("overflow=I"))

	base.Merge(later)
	assert.Equal(t, 20, *base.MaxLines)
	assert.Equal(t, "utf_16", base.Encoding)
	assert.True(t, base.SkipContext())
	assert.True(t, base.Regex.MatchString("/var/log/APP.log"))
	assert.Equal(t, types.LevelInfo, base.OverflowLevel())
	assert.Equal(t, 0, base.OverflowRank())

	bad := []string{
		"encoding=klingon",
		"overflow=X",
		"fromstart=maybe",
		"maxcontextlines=3",
		"maxtime=soon",
		"regex=(",
		"colour=blue",
	}
	for _, opt := range bad {
		var o Options
		assert.Error(t, o.Set(opt), opt)
	}
}

func TestStatusFilename(t *testing.T) {
	clusters := []Cluster{
		{Name: "a", Networks: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}},
		{Name: "b", Networks: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}},
		{Name: "v6", Networks: []netip.Prefix{netip.MustParsePrefix("2001:db8::/32")}},
	}

	tests := []struct {
		remote string
		tty    bool
		want   string
	}{
		{"", false, "logwatch.state"},
		{"", true, "logwatch.state.local"},
		{"myhost", false, "logwatch.state.myhost"},
		{"10.2.3.4", false, "logwatch.state.a"},
		{"10.1.3.4", false, "logwatch.state.b"},
		{"::ffff:10.2.3.4", false, "logwatch.state.a"},
		{"192.168.0.1", false, "logwatch.state.192.168.0.1"},
		{"::ffff:192.168.0.1", false, "logwatch.state.__ffff_192.168.0.1"},
		{"2001:db8::1", false, "logwatch.state.v6"},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			got := StatusFilename("/state", tt.remote, clusters, tt.tty)
			assert.Equal(t, filepath.Join("/state", tt.want), got)
		})
	}
}

func TestSeedStateFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "logwatch.state.web")

	require.NoError(t, SeedStateFile(dir, target))
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err), "nothing to seed from")

	writeFile(t, filepath.Join(dir, DefaultStateFile), "/var/log/x|10|3\n")
	require.NoError(t, SeedStateFile(dir, target))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/x|10|3\n", string(data))

	writeFile(t, filepath.Join(dir, DefaultStateFile), "/var/log/x|99|3\n")
	require.NoError(t, SeedStateFile(dir, target))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/x|10|3\n", string(data), "existing file is left alone")
}
