// Package worker implements spec §4.14: a pool of processes that consume
// dispatched executions from the work queue, run each one in a sandboxed
// JavaScript runtime, record resource usage, and report the outcome back
// through internal/dispatch.
//
// Python source cannot run inside a Go process; per the redesign sanction
// in spec §9 ("replace with a sandboxed interpreter ... invoked through a
// stable FFI boundary"), workspace functions are compiled to JavaScript
// ahead of dispatch and executed here with goja, following the teacher's
// workflow.ExecuteJSHandler/SetupGojaVM idiom (internal/service/workflow
// goja.go, handler.go in the corpus this was adapted from).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/importhook"
	"github.com/jackmusick/bifrost-core/internal/model"
	"github.com/jackmusick/bifrost-core/internal/queue"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
)

// Config controls pool sizing and per-job limits (spec §4.14, §9 Open
// Question: pool size and job timeout are operator-configured, not
// hardcoded).
type Config struct {
	PoolSize        int           `cfg:"pool_size" default:"4"`
	JobTimeout      time.Duration `cfg:"job_timeout" default:"5m"`
	CancelPollEvery time.Duration `cfg:"cancel_poll_every" default:"200ms"`
}

var (
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bifrost",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Executions completed by the worker pool, by terminal status.",
	}, []string{"status"})

	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bifrost",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of a single execution.",
		Buckets:   prometheus.DefBuckets,
	})

	peakMemory = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bifrost",
		Subsystem: "worker",
		Name:      "job_peak_memory_bytes",
		Help:      "Process-wide peak resident memory observed around a single execution.",
	})
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, peakMemory)
}

// Pool runs Config.PoolSize concurrent consumers against the work queue.
type Pool struct {
	cfg   Config
	queue *queue.Queue
	disp  *dispatch.Dispatcher
	pg    *postgres.Postgres
	hooks *importhook.Registry
}

func New(cfg Config, q *queue.Queue, disp *dispatch.Dispatcher, pg *postgres.Postgres, hooks *importhook.Registry) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	return &Pool{cfg: cfg, queue: q, disp: disp, pg: pg, hooks: hooks}
}

// Run starts the pool and blocks until ctx is cancelled, at which point it
// waits for in-flight jobs to drain (spec §4.14: "a worker that receives
// SIGTERM finishes its current job before exiting").
func (p *Pool) Run(ctx context.Context) error {
	// Bootstrap (spec §4.14 step 1): preload the requirements manifest into
	// the virtual import hook's index before taking any jobs. Failures are
	// logged internally, not fatal — see importhook.Registry.PreloadManifest.
	if p.hooks != nil {
		p.hooks.PreloadManifest(ctx)
	}

	deliveries, err := p.queue.Consume(ctx, "", p.cfg.PoolSize)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.consume(ctx, slot, deliveries)
		}(i)
	}

	wg.Wait()
	return nil
}

func (p *Pool) consume(ctx context.Context, slot int, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			// The job in hand runs to completion (bounded by JobTimeout) even
			// if ctx is cancelled meanwhile.
			p.handle(context.WithoutCancel(ctx), d)
		}
	}
}

func (p *Pool) handle(ctx context.Context, d amqp.Delivery) {
	var msg queue.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		slog.Error("worker: malformed message, dropping", "error", err)
		d.Nack(false, false) //nolint:errcheck
		return
	}

	p.disp.DequeueTracking(ctx, msg.ExecutionID)

	if err := p.pg.MarkExecutionRunning(ctx, msg.ExecutionID); err != nil {
		slog.Error("worker: mark running failed", "execution_id", msg.ExecutionID, "error", err)
		d.Nack(false, true) //nolint:errcheck
		return
	}

	// spec §4.14 step 1: "Execute. Read the context from Redis" — the queue
	// message only carries the execution id, workflow id and sync flag.
	execCtx, err := p.disp.ReadContext(ctx, msg.ExecutionID)
	if err != nil {
		slog.Error("worker: read context failed", "execution_id", msg.ExecutionID, "error", err)
		result := failOutcome(err, time.Now(), syscall.Rusage{})
		if cerr := p.pg.CompleteExecution(ctx, msg.ExecutionID, result.Status, result.Result,
			result.ErrorKind, result.ErrorMsg, result.Logs, result.Metrics, result.DurationMS, time.Now().UTC()); cerr != nil {
			slog.Error("worker: complete execution failed", "execution_id", msg.ExecutionID, "error", cerr)
		}
		d.Ack(false) //nolint:errcheck
		return
	}

	result := p.execute(ctx, msg, *execCtx)

	if err := p.pg.CompleteExecution(ctx, msg.ExecutionID, result.Status, result.Result,
		result.ErrorKind, result.ErrorMsg, result.Logs, result.Metrics, result.DurationMS, time.Now().UTC()); err != nil {
		slog.Error("worker: complete execution failed", "execution_id", msg.ExecutionID, "error", err)
	}

	jobsTotal.WithLabelValues(string(result.Status)).Inc()
	jobDuration.Observe(float64(result.DurationMS) / 1000)
	peakMemory.Observe(float64(result.Metrics.PeakMemoryBytes))

	if msg.Sync {
		reply := dispatch.Reply{
			Status:     result.Status,
			Result:     result.Result,
			ErrorKind:  result.ErrorKind,
			ErrorMsg:   result.ErrorMsg,
			DurationMS: result.DurationMS,
		}
		if err := p.disp.WriteReply(ctx, msg.ExecutionID, reply); err != nil {
			slog.Error("worker: write reply failed", "execution_id", msg.ExecutionID, "error", err)
		}
	}

	d.Ack(false) //nolint:errcheck
}

type outcome struct {
	Status     model.ExecutionStatus
	Result     []byte
	ErrorKind  string
	ErrorMsg   string
	Logs       string
	Metrics    model.ResourceMetrics
	DurationMS int64
}

// execute runs one job in a fresh goja.Runtime. A fresh VM per execution
// sidesteps goja's lack of a module-cache-invalidation API: rather than
// fight its internals to clear workspace modules between runs, every run
// gets an isolated runtime and isolated module registry from
// internal/importhook.
func (p *Pool) execute(ctx context.Context, msg queue.Message, execCtx dispatch.Context) outcome {
	start := time.Now()
	var before, after syscall.Rusage
	syscall.Getrusage(syscall.RUSAGE_SELF, &before) //nolint:errcheck

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	vm := goja.New()
	stopPoll := p.watchCancellation(jobCtx, msg.ExecutionID, vm)
	defer stopPoll()

	if p.hooks != nil {
		if err := p.hooks.Install(ctx, vm); err != nil {
			return failOutcome(err, start, before)
		}
	}

	var params map[string]any
	if len(execCtx.Parameters) > 0 {
		if err := json.Unmarshal(execCtx.Parameters, &params); err != nil {
			return failOutcome(fmt.Errorf("decode parameters: %w", err), start, before)
		}
	}
	if err := vm.Set("args", params); err != nil {
		return failOutcome(err, start, before)
	}

	code := execCtx.Code
	if code == "" && p.hooks != nil {
		resolved, err := p.hooks.LoadFunction(ctx, execCtx.Path, execCtx.FunctionName)
		if err != nil {
			return failOutcome(err, start, before)
		}
		code = resolved
	}

	val, err := vm.RunString(code)

	syscall.Getrusage(syscall.RUSAGE_SELF, &after) //nolint:errcheck
	duration := time.Since(start)
	metrics := rusageDelta(before, after)

	if _, ok := err.(*goja.InterruptedError); ok {
		return outcome{
			Status:     model.ExecutionCancelled,
			ErrorKind:  "Cancelled",
			ErrorMsg:   "execution cancelled",
			Metrics:    metrics,
			DurationMS: duration.Milliseconds(),
		}
	}
	if err != nil {
		tagged := errorkind.ToTagged(err)
		return outcome{
			Status:     model.ExecutionFailed,
			ErrorKind:  tagged.Kind,
			ErrorMsg:   tagged.Message,
			Metrics:    metrics,
			DurationMS: duration.Milliseconds(),
		}
	}

	var resultJSON []byte
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		resultJSON, _ = json.Marshal(val.Export())
	}

	return outcome{
		Status:     model.ExecutionSuccess,
		Result:     resultJSON,
		Metrics:    metrics,
		DurationMS: duration.Milliseconds(),
	}
}

func failOutcome(err error, start time.Time, before syscall.Rusage) outcome {
	var after syscall.Rusage
	syscall.Getrusage(syscall.RUSAGE_SELF, &after) //nolint:errcheck
	tagged := errorkind.ToTagged(err)
	return outcome{
		Status:     model.ExecutionFailed,
		ErrorKind:  tagged.Kind,
		ErrorMsg:   tagged.Message,
		Metrics:    rusageDelta(before, after),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// watchCancellation polls the dispatch cancel flag and interrupts the VM
// cooperatively when it is set (spec §4.14: "a cancel request sets a flag
// the worker polls between steps; goja execution is interrupted via
// vm.Interrupt").
func (p *Pool) watchCancellation(ctx context.Context, executionID string, vm *goja.Runtime) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.CancelPollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				vm.Interrupt("deadline exceeded")
				return
			case <-ticker.C:
				cancelled, err := p.disp.CancelFlagExists(ctx, executionID)
				if err != nil || !cancelled {
					continue
				}
				vm.Interrupt("execution cancelled")
				return
			}
		}
	}()
	return func() { close(done) }
}

func rusageDelta(before, after syscall.Rusage) model.ResourceMetrics {
	return model.ResourceMetrics{
		PeakMemoryBytes:  after.Maxrss * 1024, // ru_maxrss is KB on Linux
		CPUUserSeconds:   rusageSeconds(after.Utime) - rusageSeconds(before.Utime),
		CPUSystemSeconds: rusageSeconds(after.Stime) - rusageSeconds(before.Stime),
	}
}

func rusageSeconds(tv syscall.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}
