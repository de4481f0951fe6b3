package queue

import (
	"errors"
	"fmt"

	"github.com/dante-gpu/asset-worker/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect establishes a connection to the NATS server with reconnect handling
// suited to a long-running worker.
func Connect(cfg config.NatsConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", cfg.URL))

	opts := []nats.Option{
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Warn("NATS disconnected (no specific error)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Error("Failed to connect to NATS", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// ConnectJetStream returns a JetStream context for nc.
func ConnectJetStream(nc *nats.Conn, logger *zap.Logger) (nats.JetStreamContext, error) {
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		logger.Error("Failed to get NATS JetStream context", zap.Error(err))
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return js, nil
}

// StreamSubjects lists every subject the job stream must capture: the enabled
// queues plus the dead-letter subject.
func StreamSubjects(cfg config.NatsConfig) []string {
	var subjects []string
	for _, q := range []config.QueueSettings{cfg.Reconstruction, cfg.Segmentation} {
		if !q.Disabled && q.Subject != "" {
			subjects = append(subjects, q.Subject)
		}
	}
	if cfg.DeadLetterSubject != "" {
		subjects = append(subjects, cfg.DeadLetterSubject)
	}
	return subjects
}

// EnsureStream creates the job stream when it does not exist yet. Jobs are
// persisted on disk and removed once acknowledged.
func EnsureStream(js nats.JetStreamContext, streamName string, subjects []string, logger *zap.Logger) error {
	logger.Info("Ensuring NATS JetStream stream exists", zap.String("stream_name", streamName), zap.Strings("subjects", subjects))

	info, err := js.StreamInfo(streamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  subjects,
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			logger.Error("Failed to create NATS JetStream stream", zap.String("stream_name", streamName), zap.Error(err))
			return fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}
		logger.Info("Created NATS JetStream stream", zap.String("stream_name", streamName))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info for %s: %w", streamName, err)
	}

	logger.Info("NATS JetStream stream already exists",
		zap.String("stream_name", info.Config.Name),
		zap.Uint64("messages", info.State.Msgs),
	)
	return nil
}

// EnsureConsumer creates the durable pull consumer for a queue when missing.
// MaxAckPending applies to the durable as a whole; each worker still holds one
// job at a time because it fetches one message and dispatches it before the next.
func EnsureConsumer(js nats.JetStreamContext, streamName string, q config.QueueSettings, cfg config.NatsConfig, logger *zap.Logger) error {
	want := &nats.ConsumerConfig{
		Durable:       q.Durable,
		FilterSubject: q.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	info, err := js.ConsumerInfo(streamName, q.Durable)
	if err == nil {
		if info.Config.MaxAckPending == want.MaxAckPending && info.Config.AckWait == want.AckWait {
			return nil
		}
		if _, err := js.UpdateConsumer(streamName, want); err != nil {
			return fmt.Errorf("failed to update consumer %s: %w", q.Durable, err)
		}
		logger.Info("Updated durable consumer",
			zap.String("durable", q.Durable),
			zap.Int("max_ack_pending", want.MaxAckPending),
		)
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for %s: %w", q.Durable, err)
	}

	if _, err := js.AddConsumer(streamName, want); err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", q.Durable, err)
	}
	logger.Info("Created durable consumer", zap.String("durable", q.Durable), zap.String("subject", q.Subject))
	return nil
}
