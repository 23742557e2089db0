package forward

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/security"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

// kafkaTransport publishes one Kafka message per syslog line. The producer
// is created on first use so an unreachable cluster only drops messages.
type kafkaTransport struct {
	cfg    config.KafkaConfig
	method config.MethodConfig
	logger *logging.Logger

	mu       sync.Mutex
	producer sarama.SyncProducer
}

func newKafkaTransport(method config.MethodConfig, producer sarama.SyncProducer, logger *logging.Logger) (*kafkaTransport, error) {
	if method.Kafka == nil {
		return nil, fmt.Errorf("kafka method has no kafka settings")
	}
	return &kafkaTransport{
		cfg:      *method.Kafka,
		method:   method,
		logger:   logger,
		producer: producer,
	}, nil
}

// saramaConfig maps the method settings onto a producer configuration
func saramaConfig(method config.MethodConfig) (*sarama.Config, error) {
	kc := method.Kafka
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.RequiredAcks(kc.RequiredAcks)
	sc.ClientID = kc.ClientID
	if sc.ClientID == "" {
		sc.ClientID = "logwatch"
	}
	if method.ConnectTimeout > 0 {
		sc.Net.DialTimeout = method.ConnectTimeout
	}

	switch kc.CompressionCodec {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported kafka compression codec: %s", kc.CompressionCodec)
	}

	if kc.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = kc.MaxMessageBytes
	}

	if kc.Version != "" {
		version, err := sarama.ParseKafkaVersion(kc.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		sc.Version = version
	}

	if kc.SASLUsername != "" {
		password, err := security.ResolveSecret(kc.SASLPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve kafka password: %w", err)
		}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = kc.SASLUsername
		sc.Net.SASL.Password = password
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}

	tlsConfig, err := security.LoadTLSConfig(method.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka configuration: %w", err)
	}
	return sc, nil
}

func (t *kafkaTransport) getProducer() (sarama.SyncProducer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.producer != nil {
		return t.producer, nil
	}
	sc, err := saramaConfig(t.method)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewSyncProducer(t.cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	t.producer = p
	return p, nil
}

func (t *kafkaTransport) Send(ctx context.Context, messages []string) types.ForwardResult {
	if len(messages) == 0 {
		return types.ForwardResult{}
	}

	producer, err := t.getProducer()
	if err != nil {
		return dropAll(len(messages), err)
	}

	var res types.ForwardResult
	for i, msg := range messages {
		if err := ctx.Err(); err != nil {
			res.Merge(dropAll(len(messages)-i, err))
			break
		}
		partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
			Topic: t.cfg.Topic,
			Value: sarama.StringEncoder(msg),
		})
		if err != nil {
			res.Dropped++
			res.Exception = fmt.Sprintf("failed to send message to Kafka: %v", err)
			continue
		}
		t.logger.Debug().Int32("partition", partition).Int64("offset", offset).Msg("Message published")
		res.Forwarded++
	}
	return res
}

func (t *kafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.producer == nil {
		return nil
	}
	err := t.producer.Close()
	t.producer = nil
	return err
}
