package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"aerostic/backend/internal/logging"
)

// JetStreamConfig configures the NATS JetStream driver.
type JetStreamConfig struct {
	Stream string
	// Subject prefix; jobs are published to <Subject>.<job name>.
	Subject string
	Durable string
	Workers int
	// Duplicates is the stream's message-id dedupe window.
	Duplicates time.Duration
	JobTimeout time.Duration
}

// DefaultJetStreamConfig returns the driver defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Stream:     "AUTOMATION_JOBS",
		Subject:    "automation.jobs",
		Durable:    "automation-workers",
		Workers:    4,
		Duplicates: 10 * time.Minute,
		JobTimeout: 5 * time.Minute,
	}
}

// ConnectNATS dials url with reconnect handling suited to long-lived workers.
func ConnectNATS(url string, logger *logging.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(
		url,
		nats.Name("aerostic-automation"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// JetStreamQueue publishes jobs to a JetStream work-queue stream and consumes
// them through a durable pull consumer. Retries use NakWithDelay; the
// delivery count comes from message metadata.
type JetStreamQueue struct {
	*dispatcher
	js     jetstream.JetStream
	cfg    JetStreamConfig
	logger *logging.Logger

	streamMu    sync.Mutex
	streamReady bool
}

var _ Queue = (*JetStreamQueue)(nil)

// NewJetStreamQueue creates a queue on nc.
func NewJetStreamQueue(nc *nats.Conn, cfg JetStreamConfig, logger *logging.Logger) (*JetStreamQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream instance: %w", err)
	}
	def := DefaultJetStreamConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.Durable == "" {
		cfg.Durable = def.Durable
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = def.Duplicates
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With("component", "queue", "driver", "jetstream")
	return &JetStreamQueue{
		dispatcher: newDispatcher(logger, cfg.JobTimeout),
		js:         js,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

func (q *JetStreamQueue) subject(name string) string {
	return q.cfg.Subject + "." + strings.ReplaceAll(name, ".", "_")
}

// ensureStream creates or updates the stream on first use. A failed attempt
// is retried by the next caller.
func (q *JetStreamQueue) ensureStream(ctx context.Context) error {
	q.streamMu.Lock()
	defer q.streamMu.Unlock()
	if q.streamReady {
		return nil
	}
	if err := q.declareStream(ctx); err != nil {
		return err
	}
	q.streamReady = true
	return nil
}

func (q *JetStreamQueue) declareStream(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.Subject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: q.cfg.Duplicates,
	}
	_, err := q.js.Stream(ctx, cfg.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := q.js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream %s info: %w", cfg.Name, err)
	}
	if _, err := q.js.UpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Enqueue publishes a job. The job ID is the JetStream message ID, so
// re-enqueueing the same JobID inside the dedupe window is a no-op.
func (q *JetStreamQueue) Enqueue(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	job, err := newJob(name, payload, opts, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := q.ensureStream(ctx); err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	ack, err := q.js.Publish(ctx, q.subject(name), data, jetstream.WithMsgID(job.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	if ack.Duplicate {
		q.logger.Debug("Duplicate job ignored", "job_id", job.ID, "job", name)
	}
	return job, nil
}

// Run consumes jobs until ctx is cancelled.
func (q *JetStreamQueue) Run(ctx context.Context) error {
	if err := q.ensureStream(ctx); err != nil {
		return err
	}

	ackWait := q.cfg.JobTimeout + 30*time.Second
	stream, err := q.js.Stream(ctx, q.cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", q.cfg.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          q.cfg.Durable,
		Durable:       q.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       ackWait,
		MaxAckPending: q.cfg.Workers * 2,
		FilterSubject: q.cfg.Subject + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", q.cfg.Durable, err)
	}

	msgs := make(chan jetstream.Msg)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		q.logger.Warn("Consume error", "error", err)
	}))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	q.logger.Info("Starting queue workers", "workers", q.cfg.Workers, "stream", q.cfg.Stream)
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					q.handle(ctx, msg)
				}
			}
		}()
	}

	<-ctx.Done()
	cc.Stop()
	wg.Wait()
	q.logger.Info("Queue workers stopped")
	return nil
}

func (q *JetStreamQueue) handle(ctx context.Context, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("Terminating undecodable job", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	job.Attempt = 1
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	err := q.process(ctx, &job)
	if err == nil {
		if aerr := msg.Ack(); aerr != nil {
			q.logger.Warn("Failed to ack job", "job_id", job.ID, "error", aerr)
		}
		q.logger.Info("Job completed", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt)
		return
	}

	if shouldRetry(&job, err) {
		delay := job.Backoff.Delay(job.Attempt)
		q.logger.Warn("Job failed, retrying", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "delay", delay.String(), "error", err)
		_ = msg.NakWithDelay(delay)
		return
	}

	q.logger.Error("Job failed permanently", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "error", err)
	_ = msg.Term()
}

// Close is a no-op; the NATS connection is owned by the caller.
func (q *JetStreamQueue) Close() error {
	return nil
}
