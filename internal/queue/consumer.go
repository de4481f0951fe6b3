package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dante-gpu/asset-worker/internal/config"
	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one job payload. A nil return acknowledges the message.
type Handler func(ctx context.Context, data []byte) error

// Disposition is what happened to a message after its handler returned.
type Disposition string

const (
	Acked        Disposition = "acked"
	Nacked       Disposition = "nacked"
	DeadLettered Disposition = "dead_lettered"
)

// DeadLetterSink receives jobs that will not be redelivered.
type DeadLetterSink interface {
	Publish(subject string, data []byte) error
}

type jetStreamSink struct {
	js nats.JetStreamContext
}

func (s jetStreamSink) Publish(subject string, data []byte) error {
	_, err := s.js.Publish(subject, data)
	return err
}

// DeadLetter is the envelope published for a job that is given up on.
type DeadLetter struct {
	Queue      string    `json:"queue"`
	JobID      string    `json:"job_id,omitempty"`
	Instance   string    `json:"instance_id,omitempty"`
	ErrorKind  string    `json:"error_kind"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error"`
	Deliveries int       `json:"deliveries"`
	Payload    string    `json:"payload"`
	FailedAt   time.Time `json:"failed_at"`
}

// Consumer pulls jobs one at a time from a durable JetStream consumer and
// settles each message exactly once.
type Consumer struct {
	name       string
	instanceID string
	queue      config.QueueSettings
	cfg        config.NatsConfig
	js         nats.JetStreamContext
	handler    Handler
	dead       DeadLetterSink
	logger     *zap.Logger
}

// NewConsumer creates a consumer for one queue. js may be nil when only
// Dispatch is used.
func NewConsumer(name, instanceID string, queue config.QueueSettings, cfg config.NatsConfig, js nats.JetStreamContext, handler Handler, logger *zap.Logger) *Consumer {
	c := &Consumer{
		name:       name,
		instanceID: instanceID,
		queue:      queue,
		cfg:        cfg,
		js:         js,
		handler:    handler,
		logger:     logger.Named("consumer").With(zap.String("queue", name)),
	}
	if js != nil {
		c.dead = jetStreamSink{js: js}
	}
	return c
}

// WithDeadLetterSink replaces where abandoned jobs are published.
func (c *Consumer) WithDeadLetterSink(sink DeadLetterSink) *Consumer {
	c.dead = sink
	return c
}

// Run binds to the durable consumer and processes messages until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if c.js == nil {
		return fmt.Errorf("JetStream context not available for queue %s", c.name)
	}
	if err := EnsureConsumer(c.js, c.cfg.StreamName, c.queue, c.cfg, c.logger); err != nil {
		return err
	}

	sub, err := c.js.PullSubscribe(c.queue.Subject, c.queue.Durable,
		nats.Bind(c.cfg.StreamName, c.queue.Durable),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("failed to create pull subscription for %s: %w", c.queue.Subject, err)
	}

	c.logger.Info("Consuming jobs",
		zap.String("subject", c.queue.Subject),
		zap.String("durable", c.queue.Durable),
		zap.Duration("ack_wait", c.cfg.AckWait),
	)

	fetchTimeout := c.cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}

	for {
		if ctx.Err() != nil {
			c.logger.Info("Stopping consumer")
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Stopping consumer")
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.logger.Error("Error fetching messages from JetStream", zap.Error(err))
			if !sub.IsValid() {
				return fmt.Errorf("subscription for %s is no longer valid: %w", c.queue.Subject, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			c.Dispatch(ctx, FromNATS(msg))
		}
	}
}

// Dispatch runs the handler for msg and settles it: one Ack on success, one
// Nak on a retryable failure, or a dead letter followed by Term when the job
// cannot succeed or has used up its deliveries.
func (c *Consumer) Dispatch(ctx context.Context, msg Message) Disposition {
	ctx, attemptID := logging.NewAttemptID(ctx)
	jobID := jobIDOf(msg.Data())
	logger := c.logger.With(
		zap.String("job_id", jobID),
		zap.String("attempt_id", attemptID),
		zap.Int("delivery", msg.Deliveries()),
	)

	stop := c.keepAlive(msg, logger)
	err := c.handler(ctx, msg.Data())
	stop()

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Error("Failed to ACK message", zap.Error(ackErr))
		}
		return Acked
	}

	kind := apperrors.KindOf(err)
	logger.Error("Job failed",
		zap.String("stage", apperrors.StageOf(err)),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)

	// A job cut short by shutdown is healthy; it goes back to the queue.
	interrupted := ctx.Err() != nil || errors.Is(err, context.Canceled)
	if !interrupted && c.exhausted(kind, msg.Deliveries()) {
		if dlErr := c.deadLetter(msg, err); dlErr != nil {
			logger.Error("Failed to publish dead letter, leaving job for redelivery", zap.Error(dlErr))
		} else {
			if termErr := msg.Term(); termErr != nil {
				logger.Error("Failed to TERM dead-lettered message", zap.Error(termErr))
			}
			logger.Warn("Job moved to dead letter subject", zap.String("subject", c.cfg.DeadLetterSubject))
			return DeadLettered
		}
	}

	if nakErr := msg.Nak(c.cfg.NakDelay); nakErr != nil {
		logger.Error("Failed to NAK message", zap.Error(nakErr))
	}
	return Nacked
}

// exhausted reports whether a failed job should stop being redelivered. A busy
// workspace means another attempt is still working, so it is always retried.
func (c *Consumer) exhausted(kind apperrors.Kind, deliveries int) bool {
	if kind == apperrors.KindWorkspaceBusy {
		return false
	}
	if c.dead == nil || c.cfg.DeadLetterSubject == "" {
		return false
	}
	if !apperrors.Retryable(kind) {
		return true
	}
	return c.cfg.MaxDeliver > 0 && deliveries >= c.cfg.MaxDeliver
}

func (c *Consumer) deadLetter(msg Message, cause error) error {
	var se *apperrors.StageError
	stage := ""
	if errors.As(cause, &se) {
		stage = se.Stage
	}
	env := DeadLetter{
		Queue:      c.name,
		JobID:      jobIDOf(msg.Data()),
		Instance:   c.instanceID,
		ErrorKind:  string(apperrors.KindOf(cause)),
		Stage:      stage,
		Error:      cause.Error(),
		Deliveries: msg.Deliveries(),
		Payload:    string(msg.Data()),
		FailedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return c.dead.Publish(c.cfg.DeadLetterSubject, data)
}

// jobIDOf reads the asset id from a payload for logging. Malformed payloads yield "".
func jobIDOf(data []byte) string {
	var probe struct {
		AssetID string `json:"asset_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.AssetID
}

// keepAlive extends the ack deadline while a job runs. The returned func
// stops it and waits for the ticker goroutine to exit.
func (c *Consumer) keepAlive(msg Message, logger *zap.Logger) func() {
	interval := c.cfg.AckWait / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					logger.Warn("Failed to extend ack deadline", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
