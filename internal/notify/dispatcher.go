package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = time.Second
	DefaultMaxAttempts   = 3
)

// Options tunes a Dispatcher. Zero values take the defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	// OnResult is called once per job with its final outcome.
	OnResult func(kind Kind, err error)
}

// Dispatcher buffers jobs in memory and delivers them from a background
// goroutine when the buffer reaches BatchSize or every FlushInterval. Each
// job is tried up to MaxAttempts times. It is safe for concurrent use.
type Dispatcher struct {
	sender  Sender
	opts    Options
	buffer  []Job
	mu      sync.Mutex
	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewDispatcher creates a dispatcher delivering through sender.
func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{
		sender:  sender,
		opts:    opts,
		buffer:  make([]Job, 0, opts.BatchSize),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start runs the delivery loop. It blocks until Stop is called or ctx is
// cancelled, then delivers whatever is still buffered.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.stopped)
	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.flush()
		case <-d.kick:
			d.flush()
		case <-ctx.Done():
			d.flush()
			return
		case <-d.done:
			d.flush()
			return
		}
	}
}

// Enqueue adds a job to the buffer and never blocks on delivery.
func (d *Dispatcher) Enqueue(job Job) {
	d.mu.Lock()
	d.buffer = append(d.buffer, job)
	full := len(d.buffer) >= d.opts.BatchSize
	d.mu.Unlock()

	if full {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered, undelivered jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	if len(d.buffer) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.buffer
	d.buffer = make([]Job, 0, d.opts.BatchSize)
	d.mu.Unlock()

	for _, job := range batch {
		err := d.deliver(job)
		if err != nil {
			slog.Error("failed to deliver notification", "kind", job.Kind, "to", job.To, "attempts", d.opts.MaxAttempts, "error", err)
		}
		if d.opts.OnResult != nil {
			d.opts.OnResult(job.Kind, err)
		}
	}
}

func (d *Dispatcher) deliver(job Job) error {
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = d.sender.Send(ctx, job)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < d.opts.MaxAttempts && d.opts.RetryBackoff > 0 {
			time.Sleep(d.opts.RetryBackoff * time.Duration(attempt))
		}
	}
	return err
}

// Stop signals the loop to exit and waits for the final delivery pass.
// It must only be called after Start.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	<-d.stopped
}
