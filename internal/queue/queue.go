// Package queue delivers background jobs at least once with retry and
// exponential backoff. Consumers must tolerate duplicate delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"aerostic/backend/internal/logging"
)

// Job is a unit of queued work.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	// Attempt is the number of deliveries made so far, including the
	// current one while a handler runs.
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	Backoff     Backoff   `json:"backoff"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Backoff is an exponential retry delay: Base, 2*Base, 4*Base ... capped at Max.
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay returns the wait before the retry that follows attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Options control delivery of one job.
type Options struct {
	// Attempts is the total number of deliveries, first one included.
	Attempts int
	Backoff  Backoff
	// JobID makes enqueueing idempotent where the driver supports it.
	JobID string
}

// DefaultOptions are used for zero-valued fields of Options.
var DefaultOptions = Options{Attempts: 3, Backoff: Backoff{Base: time.Second, Max: time.Minute}}

// Handler processes a job. Returning an error schedules a retry unless the
// error is Permanent or attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Queue is a named-job queue with registered handlers.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload any, opts Options) (*Job, error)
	Handle(name string, h Handler)
	// Run processes jobs until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrNoHandler is returned for jobs whose name has no registered handler.
var ErrNoHandler = errors.New("no handler registered")

func newJob(name string, payload any, opts Options, now time.Time) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultOptions.Attempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultOptions.Backoff
	}
	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	return &Job{
		ID:          id,
		Name:        name,
		Payload:     raw,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now,
	}, nil
}

// dispatcher holds the handler registry shared by drivers.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *logging.Logger
	timeout  time.Duration
}

func newDispatcher(logger *logging.Logger, timeout time.Duration) *dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &dispatcher{handlers: make(map[string]Handler), logger: logger, timeout: timeout}
}

func (d *dispatcher) Handle(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// process runs the job's handler with panic recovery and the job timeout.
func (d *dispatcher) process(ctx context.Context, job *Job) (err error) {
	d.mu.RLock()
	h, ok := d.handlers[job.Name]
	d.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrNoHandler, job.Name))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			d.logger.Error("Job handler panicked", "job_id", job.ID, "job", job.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return h(ctx, job)
}

// shouldRetry decides the fate of a failed delivery.
func shouldRetry(job *Job, err error) bool {
	return !IsPermanent(err) && job.Attempt < job.MaxAttempts
}
