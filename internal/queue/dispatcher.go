// Package queue is a Valkey-backed job dispatcher with named queues,
// per-type worker pools, retries with backoff and at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/clients"
	"github.com/valkey-io/valkey-go"
)

const (
	DefaultPriority = 50
	MaxPriority     = 100
)

// Options tune a single Enqueue call. Zero values fall back to the policy
// defined for the job type.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     Backoff
}

// Policy is the per job type default for attempts and backoff.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	Type  string `json:"type"`
}

// Job is what a handler receives. Attempt is 1-based.
type Job struct {
	ID          string
	Queue       string
	Type        string
	Payload     []byte
	Attempt     int
	MaxAttempts int
	Priority    int

	backoff Backoff
}

func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return apperr.Validation("queue.decode", "job %s: bad %s payload: %v", j.ID, j.Type, err)
	}
	return nil
}

func (j Job) Handle() Handle { return Handle{ID: j.ID, Queue: j.Queue, Type: j.Type} }

type Handler func(ctx context.Context, job Job) error

// WorkerConfig controls one (queue, type) pool. OnFailed runs once a job is
// moved to the failed set, with the last error.
type WorkerConfig struct {
	Concurrency int
	Timeout     time.Duration
	OnFailed    func(ctx context.Context, job Job, err error)
	Paused      *atomic.Bool
}

// Enqueuer is the producer side of the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, jobType string, payload any, opts Options) (Handle, error)
	Remove(ctx context.Context, h Handle) (bool, error)
}

type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

type Config struct {
	Prefix       string
	StallTimeout time.Duration
	PollInterval time.Duration
}

type jobKind struct {
	queue string
	typ   string
}

type registration struct {
	kind    jobKind
	handler Handler
	cfg     WorkerConfig
}

type Dispatcher struct {
	vc      *clients.ValkeyClient
	cfg     Config
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	policies map[jobKind]Policy
	workers  []registration
}

func NewDispatcher(vc *clients.ValkeyClient, cfg Config, metrics *Metrics) *Dispatcher {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		vc:       vc,
		cfg:      cfg,
		metrics:  metrics,
		now:      time.Now,
		policies: make(map[jobKind]Policy),
	}
}

// Define sets the default attempts and backoff for a job type.
func (d *Dispatcher) Define(queue, jobType string, p Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[jobKind{queue, jobType}] = p
}

// Register adds a worker pool. It must be called before Run.
func (d *Dispatcher) Register(queue, jobType string, h Handler, cfg WorkerConfig) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = append(d.workers, registration{kind: jobKind{queue, jobType}, handler: h, cfg: cfg})
}

func (d *Dispatcher) policy(k jobKind) Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.policies[k]
	if !ok {
		p = Policy{MaxAttempts: 1}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

func (d *Dispatcher) base(k jobKind) string {
	return fmt.Sprintf("%s:q:{%s:%s}", d.cfg.Prefix, k.queue, k.typ)
}

func (d *Dispatcher) jobPrefix() string { return d.cfg.Prefix + ":job:" }

func (d *Dispatcher) jobKey(id string) string { return d.jobPrefix() + id }

func (d *Dispatcher) keys(k jobKind) (waiting, delayed, active, failed, seq string) {
	b := d.base(k)
	return b + ":waiting", b + ":delayed", b + ":active", b + ":failed", b + ":seq"
}

func msString(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (d *Dispatcher) Enqueue(ctx context.Context, queue, jobType string, payload any, opts Options) (Handle, error) {
	k := jobKind{queue, jobType}
	p := d.policy(k)

	data, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, apperr.Validation("queue.enqueue", "marshal %s payload: %v", jobType, err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	backoff := opts.Backoff
	if backoff.IsZero() {
		backoff = p.Backoff
	}
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	priority = max(0, min(MaxPriority, priority))

	delay := max(opts.Delay, 0)
	now := d.now()
	id := uuid.NewString()
	waiting, delayed, _, _, seq := d.keys(k)

	res := enqueueScript.Exec(ctx, d.vc.Valkey(),
		[]string{d.jobKey(id), waiting, delayed, seq},
		[]string{
			id, queue, jobType, string(data),
			strconv.Itoa(priority), strconv.Itoa(maxAttempts),
			string(backoff.Type), strconv.FormatInt(backoff.Delay.Milliseconds(), 10),
			msString(now), msString(now.Add(delay)),
		})
	if err := res.Error(); err != nil {
		return Handle{}, fmt.Errorf("[Queue] enqueue %s/%s: %w", queue, jobType, err)
	}

	d.metrics.enqueued.WithLabelValues(queue, jobType).Inc()
	slog.Debug("[Queue] Enqueued job",
		slog.String("job_id", id),
		slog.String("queue", queue),
		slog.String("type", jobType),
		slog.Duration("delay", delay))

	return Handle{ID: id, Queue: queue, Type: jobType}, nil
}

// Remove deletes a waiting or delayed job. A job that is already leased by a
// worker cannot be removed and false is returned.
func (d *Dispatcher) Remove(ctx context.Context, h Handle) (bool, error) {
	if h.ID == "" {
		return false, nil
	}
	waiting, delayed, _, _, _ := d.keys(jobKind{h.Queue, h.Type})
	n, err := removeScript.Exec(ctx, d.vc.Valkey(),
		[]string{waiting, delayed, d.jobKey(h.ID)}, []string{h.ID}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("[Queue] remove %s: %w", h.ID, err)
	}
	return n > 0, nil
}

// Counts reports set sizes for every job type registered or defined on queue.
func (d *Dispatcher) Counts(ctx context.Context, queue string) (Counts, error) {
	d.mu.RLock()
	kinds := make(map[jobKind]struct{})
	for k := range d.policies {
		if k.queue == queue {
			kinds[k] = struct{}{}
		}
	}
	for _, w := range d.workers {
		if w.kind.queue == queue {
			kinds[w.kind] = struct{}{}
		}
	}
	d.mu.RUnlock()

	var c Counts
	for k := range kinds {
		waiting, delayed, active, failed, _ := d.keys(k)
		results := d.vc.DoMultiWithRetry(ctx, func(v valkey.Client) []valkey.Completed {
			return []valkey.Completed{
				v.B().Zcard().Key(waiting).Build(),
				v.B().Zcard().Key(delayed).Build(),
				v.B().Zcard().Key(active).Build(),
				v.B().Zcard().Key(failed).Build(),
			}
		}, clients.VALKEY_RETRIES)

		dst := []*int64{&c.Waiting, &c.Delayed, &c.Active, &c.Failed}
		for i, r := range results {
			n, err := r.AsInt64()
			if err != nil {
				return c, fmt.Errorf("[Queue] counts %s: %w", queue, err)
			}
			*dst[i] += n
		}
	}
	return c, nil
}

// Run starts every registered pool and blocks until ctx is cancelled and
// in-flight handlers have returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.RLock()
	workers := append([]registration(nil), d.workers...)
	d.mu.RUnlock()

	if len(workers) == 0 {
		return errors.New("[Queue] no workers registered")
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		slog.Info("[Queue] Starting workers",
			slog.String("queue", w.kind.queue),
			slog.String("type", w.kind.typ),
			slog.Int("concurrency", w.cfg.Concurrency))

		for i := 0; i < w.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(w registration) {
				defer wg.Done()
				d.loop(ctx, w)
			}(w)
		}
	}

	<-ctx.Done()
	slog.Info("[Queue] Shutting down, waiting for in-flight jobs")
	wg.Wait()
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, w registration) {
	for ctx.Err() == nil {
		if w.cfg.Paused != nil && w.cfg.Paused.Load() {
			sleep(ctx, d.cfg.PollInterval)
			continue
		}

		job, ok, err := d.claim(ctx, w.kind)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("[Queue] Claim failed",
					slog.String("queue", w.kind.queue),
					slog.String("type", w.kind.typ),
					slog.String("error", err.Error()))
			}
			sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if !ok {
			sleep(ctx, d.cfg.PollInterval)
			continue
		}

		// Handlers finish even when shutdown starts.
		d.process(context.WithoutCancel(ctx), w, job)
	}
}

func (d *Dispatcher) claim(ctx context.Context, k jobKind) (Job, bool, error) {
	waiting, delayed, active, _, _ := d.keys(k)
	res := claimScript.Exec(ctx, d.vc.Valkey(),
		[]string{waiting, delayed, active},
		[]string{msString(d.now()), strconv.FormatInt(d.cfg.StallTimeout.Milliseconds(), 10), d.jobPrefix()})

	fields, err := res.AsStrSlice()
	if valkey.IsValkeyNil(err) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	if len(fields) != 8 {
		return Job{}, false, fmt.Errorf("claim returned %d fields", len(fields))
	}

	attempt, _ := strconv.Atoi(fields[3])
	maxAttempts, _ := strconv.Atoi(fields[4])
	backoffMS, _ := strconv.ParseInt(fields[6], 10, 64)
	priority, _ := strconv.Atoi(fields[7])
	return Job{
		ID:          fields[0],
		Queue:       k.queue,
		Type:        fields[1],
		Payload:     []byte(fields[2]),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Priority:    priority,
		backoff:     Backoff{Type: BackoffType(fields[5]), Delay: time.Duration(backoffMS) * time.Millisecond},
	}, true, nil
}

func (d *Dispatcher) process(ctx context.Context, w registration, job Job) {
	k := w.kind
	log := slog.With(
		slog.String("job_id", job.ID),
		slog.String("queue", k.queue),
		slog.String("type", k.typ),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts))

	// A lease that expired more often than allowed exhausts the job without
	// running it again.
	if job.MaxAttempts > 0 && job.Attempt > job.MaxAttempts {
		err := errors.New("lease expired on final attempt")
		d.fail(ctx, w, job, err)
		log.Error("[Queue] Job exhausted attempts", slog.String("error", err.Error()))
		return
	}

	stopRenew := d.renewLease(ctx, k, job)
	start := d.now()
	err := d.invoke(ctx, w, job)
	stopRenew()
	elapsed := d.now().Sub(start)
	d.metrics.duration.WithLabelValues(k.queue, k.typ).Observe(elapsed.Seconds())

	if err == nil {
		owned, ackErr := d.ack(ctx, k, job)
		if ackErr != nil {
			log.Error("[Queue] Failed to ack job", slog.String("error", ackErr.Error()))
		} else if !owned {
			log.Warn("[Queue] Job lease was lost before ack; it may run again")
		}
		d.metrics.jobs.WithLabelValues(k.queue, k.typ, outcomeCompleted).Inc()
		log.Info("[Queue] Job completed", slog.Duration("duration", elapsed))
		return
	}

	if apperr.IsTerminal(err) || job.Attempt >= job.MaxAttempts {
		d.fail(ctx, w, job, err)
		log.Error("[Queue] Job failed",
			slog.Duration("duration", elapsed),
			slog.Bool("terminal", apperr.IsTerminal(err)),
			slog.String("error", err.Error()))
		return
	}

	wait := job.backoff.Next(job.Attempt)
	runAt := d.now().Add(wait)

	owned, rErr := d.retry(ctx, k, job, runAt, err)
	if rErr != nil {
		log.Error("[Queue] Failed to schedule retry; lease expiry will redeliver",
			slog.String("error", rErr.Error()))
	} else if !owned {
		log.Warn("[Queue] Job lease was lost before retry; leaving it to the current holder",
			slog.String("error", err.Error()))
		return
	}
	d.metrics.jobs.WithLabelValues(k.queue, k.typ, outcomeRetried).Inc()
	log.Warn("[Queue] Job attempt failed, retrying",
		slog.Duration("duration", elapsed),
		slog.Duration("backoff", wait),
		slog.String("error", err.Error()))
}

func (d *Dispatcher) fail(ctx context.Context, w registration, job Job, cause error) {
	owned, err := d.moveToFailed(ctx, w.kind, job, cause)
	if err != nil {
		slog.Error("[Queue] Failed to move job to failed set",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	} else if !owned {
		slog.Warn("[Queue] Job lease was lost before failing it; leaving it to the current holder",
			slog.String("job_id", job.ID),
			slog.String("error", cause.Error()))
		return
	}
	d.metrics.jobs.WithLabelValues(w.kind.queue, w.kind.typ, outcomeFailed).Inc()

	if w.cfg.OnFailed != nil {
		w.cfg.OnFailed(ctx, job, cause)
	}
}

// ack deletes a completed job. It reports false, leaving the job hash in
// place, when the caller no longer holds the lease.
func (d *Dispatcher) ack(ctx context.Context, k jobKind, job Job) (bool, error) {
	_, _, active, _, _ := d.keys(k)
	n, err := ackScript.Exec(ctx, d.vc.Valkey(),
		[]string{active, d.jobKey(job.ID)},
		[]string{job.ID, strconv.Itoa(job.Attempt)}).AsInt64()
	return n == 1, err
}

func (d *Dispatcher) retry(ctx context.Context, k jobKind, job Job, runAt time.Time, cause error) (bool, error) {
	_, delayed, active, _, _ := d.keys(k)
	n, err := retryScript.Exec(ctx, d.vc.Valkey(),
		[]string{active, delayed, d.jobKey(job.ID)},
		[]string{job.ID, msString(runAt), cause.Error(), strconv.Itoa(job.Attempt)}).AsInt64()
	return n == 1, err
}

func (d *Dispatcher) moveToFailed(ctx context.Context, k jobKind, job Job, cause error) (bool, error) {
	_, _, active, failed, _ := d.keys(k)
	n, err := failScript.Exec(ctx, d.vc.Valkey(),
		[]string{active, failed, d.jobKey(job.ID)},
		[]string{job.ID, msString(d.now()), cause.Error(), strconv.Itoa(job.Attempt)}).AsInt64()
	return n == 1, err
}

// invoke runs the handler under its timeout and converts panics to errors.
func (d *Dispatcher) invoke(ctx context.Context, w registration, job Job) (err error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Queue] Handler panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return w.handler(ctx, job)
}

func (d *Dispatcher) renewLease(ctx context.Context, k jobKind, job Job) func() {
	_, _, active, _, _ := d.keys(k)
	every := d.cfg.StallTimeout / 3
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := d.now().Add(d.cfg.StallTimeout)
				if err := extendScript.Exec(ctx, d.vc.Valkey(),
					[]string{active, d.jobKey(job.ID)},
					[]string{job.ID, msString(deadline), strconv.Itoa(job.Attempt)}).Error(); err != nil {
					slog.Warn("[Queue] Lease renewal failed",
						slog.String("job_id", job.ID),
						slog.String("error", err.Error()))
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
