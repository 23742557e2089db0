package types

import (
	"fmt"
	"strings"
	"time"
)

// Level is the single-character severity tag attached to a classified line
type Level byte

const (
	LevelCritical Level = 'C'
	LevelWarning  Level = 'W'
	LevelOk       Level = 'O'
	LevelInfo     Level = 'I'
	LevelContext  Level = '.'
)

// ParseLevel converts a level code into a Level
func ParseLevel(s string) (Level, bool) {
	if len(s) != 1 {
		return 0, false
	}
	switch l := Level(s[0]); l {
	case LevelCritical, LevelWarning, LevelOk, LevelInfo, LevelContext:
		return l, true
	}
	return 0, false
}

// Rank orders levels for "worst level" bookkeeping. Info and context share
// the neutral rank.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	case LevelOk:
		return 0
	default:
		return -1
	}
}

func (l Level) String() string {
	return string(l)
}

// FilePosition is the persisted read position of a single log file
type FilePosition struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Inode  int64  `json:"inode"`
}

// ItemAttr describes the state of a log file reported by the agent
type ItemAttr string

const (
	AttrOK         ItemAttr = "ok"
	AttrMissing    ItemAttr = "missing"
	AttrCannotOpen ItemAttr = "cannotopen"
)

// ItemData holds the lines reported for one log file, grouped by batch id
type ItemData struct {
	Attr  ItemAttr            `json:"attr"`
	Lines map[string][]string `json:"lines"`
}

// Section is the parsed form of an agent's logwatch section
type Section struct {
	Errors   []string             `json:"errors,omitempty"`
	Logfiles map[string]*ItemData `json:"logfiles"`
}

// SyslogMessage is a single event handed to the forwarder
type SyslogMessage struct {
	Facility     int       `json:"facility"`
	Severity     int       `json:"severity"`
	Timestamp    time.Time `json:"timestamp"`
	HostName     string    `json:"host_name"`
	Application  string    `json:"application"`
	Text         string    `json:"text"`
	ServiceLevel int       `json:"service_level"`
	IPAddress    string    `json:"ip_address,omitempty"`
}

// SpoolChunk is a batch of undelivered messages held in one spool file
type SpoolChunk struct {
	SpooledAt         time.Time `json:"spooled_at"`
	PreviouslySpooled int       `json:"previously_spooled"`
	Messages          []string  `json:"messages"`
	Path              string    `json:"-"`
	Size              int64     `json:"-"`
}

// ForwardResult is the outcome of one forwarding attempt
type ForwardResult struct {
	Forwarded int    `json:"forwarded"`
	Spooled   int    `json:"spooled"`
	Dropped   int    `json:"dropped"`
	Exception string `json:"exception,omitempty"`
}

// Total returns the number of messages accounted for by the result
func (r ForwardResult) Total() int {
	return r.Forwarded + r.Spooled + r.Dropped
}

// Merge adds the counts of other into r. The most recent exception wins.
func (r *ForwardResult) Merge(other ForwardResult) {
	r.Forwarded += other.Forwarded
	r.Spooled += other.Spooled
	r.Dropped += other.Dropped
	if other.Exception != "" {
		r.Exception = other.Exception
	}
}

// CheckState is the monitoring state of a check result
type CheckState int

const (
	StateOK CheckState = iota
	StateWarn
	StateCrit
	StateUnknown
)

func (s CheckState) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateWarn:
		return "WARN"
	case StateCrit:
		return "CRIT"
	default:
		return "UNKNOWN"
	}
}

// CheckResult is one state with its summary text
type CheckResult struct {
	State CheckState `json:"state"`
	Text  string     `json:"text"`
}

func (r CheckResult) String() string {
	return r.State.String() + " - " + r.Text
}

// CheckResults summarises a forwarding attempt
func (r ForwardResult) CheckResults() []CheckResult {
	var res []CheckResult
	if r.Forwarded > 0 {
		res = append(res, CheckResult{StateOK, fmt.Sprintf("Forwarded %d messages", r.Forwarded)})
	}
	if r.Spooled > 0 {
		res = append(res, CheckResult{StateWarn, fmt.Sprintf("Spooled %d messages", r.Spooled)})
	}
	if r.Dropped > 0 {
		res = append(res, CheckResult{StateCrit, fmt.Sprintf("Dropped %d messages", r.Dropped)})
	}
	if r.Exception != "" {
		res = append(res, CheckResult{StateCrit, "Error forwarding messages: " + r.Exception})
	}
	return res
}

// Syslog severities used for forwarded lines
const (
	SeverityCritical = 2
	SeverityWarning  = 4
	SeverityNotice   = 5
)

// SeverityFor maps a line level to a syslog severity. Only C, W and O lines
// are forwarded.
func SeverityFor(l Level) (int, bool) {
	switch l {
	case LevelCritical:
		return SeverityCritical, true
	case LevelWarning:
		return SeverityWarning, true
	case LevelOk:
		return SeverityNotice, true
	}
	return 0, false
}

// structuredDataID is the private enterprise SD-ID carried by every message
const structuredDataID = "Checkmk@18662"

var sdEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`)

// String renders the message as an RFC 5424 syslog line
func (m SyslogMessage) String() string {
	sd := fmt.Sprintf(`[%s sl="%d"`, structuredDataID, m.ServiceLevel)
	if m.IPAddress != "" {
		sd += fmt.Sprintf(` ipaddress="%s"`, sdEscaper.Replace(m.IPAddress))
	}
	sd += "]"

	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s",
		m.Facility*8+m.Severity,
		m.Timestamp.UTC().Format(time.RFC3339),
		nilValue(m.HostName),
		nilValue(m.Application),
		sd,
		m.Text,
	)
}

func nilValue(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
