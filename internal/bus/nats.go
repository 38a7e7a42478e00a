package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/pkg/logger"
	"github.com/threadloom/conversation-sync/pkg/metrics"
)

const (
	// SubjectPrefix is the prefix for all change-feed subjects.
	SubjectPrefix = "change"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// NATSClient wraps a NATS connection and JetStream context shared by the
// NATS-backed bus and the JetStream persistence layer.
type NATSClient struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// ConnectNATS establishes a connection to a NATS server.
func ConnectNATS(ctx context.Context, cfg NATSConfig, log *logger.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSClient{
		conn:   nc,
		js:     js,
		logger: log,
	}, nil
}

// JetStream returns the JetStream context.
func (c *NATSClient) JetStream() jetstream.JetStream {
	return c.js
}

// IsConnected reports whether the connection is live.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close closes the NATS connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ChangeSubject returns the subject for one resource's change events.
func ChangeSubject(resourceType model.ResourceType, resourceID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, resourceType, resourceID)
}

// NATSBus is the change bus backed by core NATS pub/sub, used when multiple
// server processes share one change feed. The delivery contract matches
// MemoryBus: one bounded queue per subscriber, overflow disconnects.
type NATSBus struct {
	client    *NATSClient
	logger    *logger.Logger
	queueSize int
	seq       atomic.Uint64
}

// NewNATSBus creates a NATS-backed change bus.
func NewNATSBus(client *NATSClient, queueSize int, log *logger.Logger) *NATSBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &NATSBus{
		client:    client,
		logger:    log,
		queueSize: queueSize,
	}
}

// Publish sends the event to the resource's change subject. Seq orders
// events from this publisher; across publishers only the per-resource
// order carried by the subject holds.
func (b *NATSBus) Publish(ctx context.Context, event model.ChangeEvent) error {
	event.Seq = b.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	subject := ChangeSubject(event.ResourceType, event.ResourceID)
	if err := b.client.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}

	metrics.BusEventsPublished.WithLabelValues(
		string(event.ResourceType), string(event.EventType),
	).Inc()

	return nil
}

// Subscribe attaches a wildcard subscription covering every tracked
// resource.
func (b *NATSBus) Subscribe() (*Subscription, error) {
	var sub *Subscription
	var natsSub *nats.Subscription

	sub = newSubscription(b.queueSize, func() {
		if natsSub != nil {
			_ = natsSub.Unsubscribe()
		}
		metrics.BusSubscribersActive.Dec()
	})

	natsSub, err := b.client.conn.Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		var event model.ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to decode change event", zap.Error(err))
			return
		}

		// send is serialized against Close, so a delivery still in flight
		// when the subscriber unsubscribes lands as a no-op instead of a
		// write to a closed channel.
		if !sub.send(event) {
			// Same overflow policy as the in-process bus.
			_ = msg.Sub.Unsubscribe()
			sub.drop()
			metrics.BusSubscribersDropped.Inc()
			metrics.BusSubscribersActive.Dec()
			b.logger.Warn("dropped slow bus subscriber",
				zap.String("subject", msg.Subject),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to change feed: %w", err)
	}

	metrics.BusSubscribersActive.Inc()
	return sub, nil
}

// Close is a no-op; the shared NATS connection is owned by the caller.
func (b *NATSBus) Close() {}
