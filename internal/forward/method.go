package forward

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
)

// Kind selects the transport of a forwarding method
type Kind int

const (
	KindLocal Kind = iota
	KindPipe
	KindSpoolDir
	KindUDP
	KindTCP
	KindKafka
)

var kindNames = map[Kind]string{
	KindLocal:    "local",
	KindPipe:     "pipe",
	KindSpoolDir: "spool",
	KindUDP:      "udp",
	KindTCP:      "tcp",
	KindKafka:    "kafka",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func kindOf(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Method is a validated forwarding method. It is decided once, when the
// configuration is read.
type Method struct {
	Kind   Kind
	Config config.MethodConfig
}

// Address returns host:port of the network transports
func (m Method) Address() string {
	return net.JoinHostPort(m.Config.Address, strconv.Itoa(m.Config.Port))
}

func (m Method) String() string {
	switch m.Kind {
	case KindUDP, KindTCP:
		return m.Kind.String() + ":" + m.Address()
	case KindKafka:
		if m.Config.Kafka != nil {
			return "kafka:" + m.Config.Kafka.Topic
		}
		return "kafka"
	default:
		return m.Kind.String() + ":" + m.Config.Path
	}
}

// MethodFromConfig validates the yaml method settings. Defaults must already
// be applied.
func MethodFromConfig(cfg config.MethodConfig) (Method, error) {
	if err := cfg.Validate(); err != nil {
		return Method{}, err
	}
	kind, ok := kindOf(cfg.Type)
	if !ok {
		return Method{}, fmt.Errorf("invalid forward method: %s", cfg.Type)
	}
	return Method{Kind: kind, Config: cfg}, nil
}

// ParseMethod reads the textual form of a method:
//
//	""               the local event socket
//	spool:<dir>      files in a spool directory
//	/path            a local socket or named pipe
//	udp:<host>:<port>
//	tcp:<host>:<port>
//
// Network spools are kept below stateDir.
func ParseMethod(spec, stateDir string) (Method, error) {
	var cfg config.MethodConfig

	switch {
	case spec == "":
		cfg.Type = "local"

	case strings.HasPrefix(spec, "spool:"):
		cfg.Type = "spool"
		cfg.Path = strings.TrimPrefix(spec, "spool:")

	case strings.HasPrefix(spec, "/"):
		cfg.Type = "pipe"
		cfg.Path = spec

	case strings.HasPrefix(spec, "udp:"), strings.HasPrefix(spec, "tcp:"):
		proto, hostPort, _ := strings.Cut(spec, ":")
		host, port, err := net.SplitHostPort(hostPort)
		if err != nil {
			return Method{}, fmt.Errorf("invalid %s method %q: %w", proto, spec, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return Method{}, fmt.Errorf("invalid %s method %q: bad port", proto, spec)
		}
		cfg.Type = proto
		cfg.Address = host
		cfg.Port = p

	default:
		return Method{}, fmt.Errorf("invalid forward method: %q", spec)
	}

	cfg.ApplyDefaults(stateDir)
	return MethodFromConfig(cfg)
}
