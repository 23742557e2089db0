package forward

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func testMessages(n int) []types.SyslogMessage {
	msgs := make([]types.SyslogMessage, n)
	for i := range msgs {
		msgs[i] = types.SyslogMessage{
			Facility:     17,
			Severity:     types.SeverityWarning,
			Timestamp:    testNow,
			HostName:     "web01",
			Application:  "/var/log/messages",
			Text:         "disk almost full",
			ServiceLevel: 10,
		}
	}
	return msgs
}

func TestForwardSpoolDirectory(t *testing.T) {
	dir := t.TempDir()
	m, err := ParseMethod("spool:"+dir, t.TempDir())
	require.NoError(t, err)

	c := metrics.NewCollector()
	f, err := New(m, Options{Metrics: c, Now: fixedNow})
	require.NoError(t, err)
	defer f.Close()

	msgs := testMessages(3)
	res := f.Forward(context.Background(), msgs)
	assert.Equal(t, types.ForwardResult{Forwarded: 3}, res)
	assert.Equal(t, len(msgs), res.Total())

	files, err := filepath.Glob(filepath.Join(dir, "spool.*"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	want := msgs[0].String() + "\n" + msgs[1].String() + "\n" + msgs[2].String() + "\n"
	assert.Equal(t, want, string(data))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.ForwardMessages.WithLabelValues("spool", "forwarded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ForwardErrors.WithLabelValues("spool")))
}

func TestSpoolDirCompression(t *testing.T) {
	for _, name := range []string{"gzip", "snappy"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			tr, err := newSpoolDirTransport(dir, name, fixedNow)
			require.NoError(t, err)

			res := tr.Send(context.Background(), []string{"one", "two"})
			assert.Equal(t, 2, res.Forwarded)
			res = tr.Send(context.Background(), []string{"three"})
			assert.Equal(t, 1, res.Forwarded)

			files, err := filepath.Glob(filepath.Join(dir, "spool.*"))
			require.NoError(t, err)
			require.Len(t, files, 2)

			var lines []string
			for _, file := range files {
				assert.Contains(t, filepath.Base(file), tr.compressor.Extension())
				data, err := os.ReadFile(file)
				require.NoError(t, err)
				plain, err := tr.compressor.Decompress(data)
				require.NoError(t, err)
				lines = append(lines, strings.Fields(string(plain))...)
			}
			assert.ElementsMatch(t, []string{"one", "two", "three"}, lines)
		})
	}
}

func TestSpoolDirLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	tr, err := newSpoolDirTransport(filepath.Join(dir, "new"), "none", fixedNow)
	require.NoError(t, err)

	res := tr.Send(context.Background(), []string{"one"})
	assert.Equal(t, 1, res.Forwarded)

	entries, err := os.ReadDir(filepath.Join(dir, "new"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.HasPrefix(entries[0].Name(), "."))
}

func TestLocalMissingDestinationDrops(t *testing.T) {
	tr := newLocalTransport(filepath.Join(t.TempDir(), "no-such-socket"), time.Second)

	res := tr.Send(context.Background(), []string{"a", "b"})
	assert.Equal(t, types.ForwardResult{Dropped: 2}, res)
}

func TestLocalRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	tr := newLocalTransport(path, time.Second)

	res := tr.Send(context.Background(), []string{"a"})
	assert.Equal(t, 1, res.Dropped)
	assert.Contains(t, res.Exception, "neither a socket nor a pipe")
}

func TestUDPSendsOneDatagramPerMessage(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	tr, err := newUDPTransport(pc.LocalAddr().String(), 0, logging.Nop())
	require.NoError(t, err)

	res := tr.Send(context.Background(), []string{"first", "second"})
	assert.Equal(t, types.ForwardResult{Forwarded: 2}, res)

	buf := make([]byte, 1024)
	var got []string
	for range 2 {
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestUDPRateLimitHonoursContext(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	tr, err := newUDPTransport(pc.LocalAddr().String(), 0.5, logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := tr.Send(ctx, []string{"a", "b", "c"})
	assert.Equal(t, 1, res.Forwarded)
	assert.Equal(t, 2, res.Dropped)
	assert.NotEmpty(t, res.Exception)
}

func kafkaMethod() config.MethodConfig {
	return config.MethodConfig{
		Type: "kafka",
		Kafka: &config.KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "logwatch",
			RequiredAcks: 1,
		},
	}
}

func TestKafkaTransport(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	tr, err := newKafkaTransport(kafkaMethod(), producer, logging.Nop())
	require.NoError(t, err)

	res := tr.Send(context.Background(), []string{"a", "b", "c"})
	assert.Equal(t, 2, res.Forwarded)
	assert.Equal(t, 1, res.Dropped)
	assert.Contains(t, res.Exception, "failed to send message to Kafka")
	assert.Equal(t, 3, res.Total())

	require.NoError(t, tr.Close())
}

func TestKafkaTransportCancelled(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	tr, err := newKafkaTransport(kafkaMethod(), producer, logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := tr.Send(ctx, []string{"a", "b"})
	assert.Equal(t, types.ForwardResult{Dropped: 2, Exception: context.Canceled.Error()}, res)
	require.NoError(t, tr.Close())
}

func TestSaramaConfig(t *testing.T) {
	t.Setenv("LOGWATCH_KAFKA_PASSWORD", "s3cret")

	m := kafkaMethod()
	m.ConnectTimeout = 3 * time.Second
	m.Kafka.CompressionCodec = "snappy"
	m.Kafka.Version = "2.8.0"
	m.Kafka.MaxMessageBytes = 4096
	m.Kafka.SASLUsername = "logwatch"
	m.Kafka.SASLPassword = "env:LOGWATCH_KAFKA_PASSWORD"

	sc, err := saramaConfig(m)
	require.NoError(t, err)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.Equal(t, sarama.V2_8_0_0, sc.Version)
	assert.Equal(t, 4096, sc.Producer.MaxMessageBytes)
	assert.Equal(t, "logwatch", sc.ClientID)
	assert.Equal(t, 3*time.Second, sc.Net.DialTimeout)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, "s3cret", sc.Net.SASL.Password)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), sc.Net.SASL.Mechanism)
	assert.False(t, sc.Net.TLS.Enable)
}

func TestSaramaConfigErrors(t *testing.T) {
	m := kafkaMethod()
	m.Kafka.CompressionCodec = "brotli"
	_, err := saramaConfig(m)
	assert.Error(t, err)

	m = kafkaMethod()
	m.Kafka.Version = "not-a-version"
	_, err = saramaConfig(m)
	assert.Error(t, err)

	m = kafkaMethod()
	m.Kafka.SASLUsername = "logwatch"
	m.Kafka.SASLPassword = "env:LOGWATCH_UNSET_PASSWORD"
	_, err = saramaConfig(m)
	assert.Error(t, err)
}

// lineReceiver is a tcp event console that collects received lines
type lineReceiver struct {
	ln    net.Listener
	lines chan string
}

func newLineReceiver(t *testing.T, addr string) *lineReceiver {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	r := &lineReceiver{ln: ln, lines: make(chan string, 100)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				s := bufio.NewScanner(c)
				for s.Scan() {
					r.lines <- s.Text()
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return r
}

func (r *lineReceiver) receive(t *testing.T, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case l := <-r.lines:
			got = append(got, l)
		case <-timeout:
			t.Fatalf("received %d of %d lines", len(got), n)
		}
	}
	return got
}

// unusedAddr returns a local address nothing listens on
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestTCP(t *testing.T, addr string, now func() time.Time, modify func(*config.MethodConfig)) (*tcpTransport, Method) {
	t.Helper()
	m, err := ParseMethod("tcp:"+addr, t.TempDir())
	require.NoError(t, err)
	m.Config.ConnectTimeout = time.Second
	if modify != nil {
		modify(&m.Config)
	}
	tr, err := newTCPTransport(m, tcpOptions{logger: logging.Nop(), now: now})
	require.NoError(t, err)
	return tr, m
}

func spoolFiles(t *testing.T, m Method) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(m.Config.Spool.Dir, "spool.*"))
	require.NoError(t, err)
	return files
}

func TestTCPDelivers(t *testing.T) {
	r := newLineReceiver(t, "127.0.0.1:0")
	tr, m := newTestTCP(t, r.ln.Addr().String(), fixedNow, nil)

	res := tr.Send(context.Background(), []string{"one", "two", "three"})
	assert.Equal(t, types.ForwardResult{Forwarded: 3}, res)
	assert.Equal(t, []string{"one", "two", "three"}, r.receive(t, 3))
	assert.Empty(t, spoolFiles(t, m))
}

func TestTCPSpoolsAndRedelivers(t *testing.T) {
	addr := unusedAddr(t)
	tr, m := newTestTCP(t, addr, fixedNow, nil)

	res := tr.Send(context.Background(), []string{"one", "two"})
	assert.Equal(t, 2, res.Spooled)
	assert.Equal(t, 0, res.Forwarded)
	assert.Contains(t, res.Exception, "failed to connect")
	assert.Len(t, spoolFiles(t, m), 1)

	r := newLineReceiver(t, "127.0.0.1:0")
	tr.addr = r.ln.Addr().String()

	res = tr.Send(context.Background(), []string{"three"})
	assert.Equal(t, types.ForwardResult{Forwarded: 3}, res)
	assert.Equal(t, []string{"one", "two", "three"}, r.receive(t, 3))
	assert.Empty(t, spoolFiles(t, m))
}

func TestTCPSpoolOnlyRedelivery(t *testing.T) {
	tr, m := newTestTCP(t, unusedAddr(t), fixedNow, nil)

	res := tr.Send(context.Background(), []string{"one"})
	assert.Equal(t, 1, res.Spooled)

	r := newLineReceiver(t, "127.0.0.1:0")
	tr.addr = r.ln.Addr().String()

	res = tr.Send(context.Background(), nil)
	assert.Equal(t, types.ForwardResult{Forwarded: 1}, res)
	assert.Equal(t, []string{"one"}, r.receive(t, 1))
	assert.Empty(t, spoolFiles(t, m))
}

func TestTCPDropsExpiredSpool(t *testing.T) {
	now := testNow
	clock := func() time.Time { return now }
	tr, m := newTestTCP(t, unusedAddr(t), clock, func(c *config.MethodConfig) {
		c.Spool.MaxAge = time.Minute
	})

	res := tr.Send(context.Background(), []string{"a", "b", "c"})
	assert.Equal(t, 3, res.Spooled)

	now = now.Add(2 * time.Minute)
	res = tr.Send(context.Background(), []string{"d"})
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 1, res.Spooled)
	assert.Equal(t, 0, res.Forwarded)
	assert.Len(t, spoolFiles(t, m), 1)
}

func TestTCPCircuitBreakerOpens(t *testing.T) {
	tr, _ := newTestTCP(t, unusedAddr(t), fixedNow, func(c *config.MethodConfig) {
		c.CircuitBreaker = &config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour}
	})

	res := tr.Send(context.Background(), []string{"a"})
	assert.Equal(t, 1, res.Spooled)
	assert.NotContains(t, res.Exception, "circuit breaker is open")

	res = tr.Send(context.Background(), []string{"b"})
	assert.Equal(t, 2, res.Spooled)
	assert.Contains(t, res.Exception, "circuit breaker is open")
}

func TestTCPUnusableSpoolDrops(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	tr, _ := newTestTCP(t, unusedAddr(t), fixedNow, func(c *config.MethodConfig) {
		c.Spool.Dir = filepath.Join(blocker, "spool")
	})

	res := tr.Send(context.Background(), []string{"a", "b"})
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 2, res.Total())
	assert.NotEmpty(t, res.Exception)
}

func TestForwardAccountsEveryMessage(t *testing.T) {
	r := newLineReceiver(t, "127.0.0.1:0")
	m, err := ParseMethod("tcp:"+r.ln.Addr().String(), t.TempDir())
	require.NoError(t, err)

	f, err := New(m, Options{Now: fixedNow})
	require.NoError(t, err)
	defer f.Close()

	msgs := testMessages(5)
	res := f.Forward(context.Background(), msgs)
	assert.Equal(t, len(msgs), res.Total())
	assert.Equal(t, 5, res.Forwarded)

	got := r.receive(t, 5)
	assert.Equal(t, msgs[0].String(), got[0])
}

func TestDropAll(t *testing.T) {
	assert.Equal(t, types.ForwardResult{Dropped: 3}, dropAll(3, nil))
	assert.Equal(t, types.ForwardResult{Dropped: 1, Exception: "boom"}, dropAll(1, errors.New("boom")))
}
