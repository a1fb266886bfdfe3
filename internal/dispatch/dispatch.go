// Package dispatch implements spec §4.13: mint an execution id, persist
// the pending execution record, write its context to Redis, publish it to
// the work queue, track its queue position, and — for synchronous callers
// — block on the reply list the worker writes back to.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
	"github.com/jackmusick/bifrost-core/internal/queue"
	"github.com/jackmusick/bifrost-core/internal/store/postgres"
)

const (
	contextTTL = 24 * time.Hour
	replyTTL   = 24 * time.Hour

	queueTrackingKey    = "bifrost:exec:queue"
	queuePositionPrefix = "bifrost:exec:queue:position:"
)

func contextKey(id string) string { return "bifrost:exec:" + id + ":context" }
func replyKey(id string) string   { return "bifrost:exec:" + id + ":reply" }

// Context is the execution context a worker reads to actually run the job
// (spec §4.13: "write the full pending-execution context to Redis").
type Context struct {
	ExecutionID  string               `json:"execution_id"`
	WorkflowID   string               `json:"workflow_id,omitempty"`
	FunctionName string               `json:"function_name,omitempty"`
	Path         string               `json:"path,omitempty"`
	Code         string               `json:"code,omitempty"`
	Parameters   json.RawMessage      `json:"parameters,omitempty"`
	Caller       model.CallerIdentity `json:"caller"`
}

// Reply is what the worker writes to the reply list for a sync dispatch.
type Reply struct {
	Status     model.ExecutionStatus `json:"status"`
	Result     json.RawMessage       `json:"result,omitempty"`
	ErrorKind  string                `json:"error_kind,omitempty"`
	ErrorMsg   string                `json:"error_message,omitempty"`
	DurationMS int64                 `json:"duration_ms"`
}

// EnqueueParams is everything Enqueue needs to mint a new execution.
type EnqueueParams struct {
	WorkflowID   string
	FunctionName string
	Path         string
	Code         string
	Parameters   json.RawMessage
	Caller       model.CallerIdentity
	Sync         bool
}

type Dispatcher struct {
	pg    *postgres.Postgres
	redis *cache.Client
	queue *queue.Queue
}

func New(pg *postgres.Postgres, redis *cache.Client, q *queue.Queue) *Dispatcher {
	return &Dispatcher{pg: pg, redis: redis, queue: q}
}

// Enqueue implements spec §4.13's full dispatch sequence. A Redis context
// write failure or a queue publish failure both bubble up as
// errorkind.Transient — spec §7: "an MQ publish failure in dispatch ...
// must bubble up; the execution cannot be lost silently." The durable
// Postgres record created before either of those steps is left in
// model.ExecutionPending; it is surfaced to operators by whatever
// retention/reconciliation job scans stuck pending rows, not by this call.
func (d *Dispatcher) Enqueue(ctx context.Context, params EnqueueParams) (string, error) {
	id := uuid.NewString()

	rec := model.ExecutionRecord{
		ID:         id,
		WorkflowID: params.WorkflowID,
		Parameters: params.Parameters,
		Caller:     params.Caller,
		StartedAt:  time.Now().UTC(),
	}
	if _, err := d.pg.CreateExecution(ctx, rec); err != nil {
		return "", fmt.Errorf("dispatch: create execution record: %w", err)
	}

	execCtx := Context{
		ExecutionID:  id,
		WorkflowID:   params.WorkflowID,
		FunctionName: params.FunctionName,
		Path:         params.Path,
		Code:         params.Code,
		Parameters:   params.Parameters,
		Caller:       params.Caller,
	}
	payload, err := json.Marshal(execCtx)
	if err != nil {
		return "", fmt.Errorf("dispatch: marshal context: %w", err)
	}
	if err := d.redis.Raw().Set(ctx, contextKey(id), payload, contextTTL).Err(); err != nil {
		return "", errorkind.Transient(fmt.Sprintf("dispatch: write context: %v", err))
	}

	msg := queue.Message{
		ExecutionID: id,
		WorkflowID:  params.WorkflowID,
		Sync:        params.Sync,
	}
	if err := d.queue.Publish(ctx, msg); err != nil {
		return "", err // already errorkind.Transient from queue.Publish
	}

	d.redis.Raw().RPush(ctx, queueTrackingKey, id)
	d.publishQueuePosition(ctx, id)

	return id, nil
}

func (d *Dispatcher) publishQueuePosition(ctx context.Context, id string) {
	pos, err := d.redis.Raw().LPos(ctx, queueTrackingKey, id, redis.LPosArgs{}).Result()
	if err != nil {
		slog.Warn("dispatch: queue position lookup failed", "execution_id", id, "error", err)
		return
	}

	payload, err := json.Marshal(map[string]any{"execution_id": id, "position": pos})
	if err != nil {
		return
	}
	if err := d.redis.Raw().Publish(ctx, queuePositionPrefix+id, payload).Err(); err != nil {
		slog.Warn("dispatch: queue position publish failed", "execution_id", id, "error", err)
	}
}

// DequeueTracking removes id from the queue-tracking list once a worker
// picks it up, so later position lookups for still-queued executions stay
// accurate.
func (d *Dispatcher) DequeueTracking(ctx context.Context, id string) {
	if err := d.redis.Raw().LRem(ctx, queueTrackingKey, 1, id).Err(); err != nil {
		slog.Warn("dispatch: queue tracking cleanup failed", "execution_id", id, "error", err)
	}
}

// WaitForReply blocks on the reply list a sync dispatch's worker writes to.
// A timeout returns (nil, false, nil) — spec §9 Open Question decision:
// sync-mode timeout does not cancel the execution, which keeps running and
// remains pollable via GetExecution.
func (d *Dispatcher) WaitForReply(ctx context.Context, executionID string, timeout time.Duration) (*Reply, bool, error) {
	res, err := d.redis.Raw().BLPop(ctx, timeout, replyKey(executionID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: wait for reply: %w", err)
	}

	var reply Reply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, false, fmt.Errorf("dispatch: decode reply: %w", err)
	}
	return &reply, true, nil
}

// ReadContext is the worker-side read of the execution context (spec
// §4.14 step 1).
func (d *Dispatcher) ReadContext(ctx context.Context, executionID string) (*Context, error) {
	raw, err := d.redis.Raw().Get(ctx, contextKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, errorkind.NotFound(fmt.Sprintf("execution context %q expired or missing", executionID))
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: read context: %w", err)
	}

	var execCtx Context
	if err := json.Unmarshal(raw, &execCtx); err != nil {
		return nil, fmt.Errorf("dispatch: decode context: %w", err)
	}
	return &execCtx, nil
}

// WriteReply is the worker-side write-back for a sync dispatch (spec
// §4.14 step 3).
func (d *Dispatcher) WriteReply(ctx context.Context, executionID string, reply Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("dispatch: marshal reply: %w", err)
	}

	pipe := d.redis.Raw().TxPipeline()
	pipe.RPush(ctx, replyKey(executionID), payload)
	pipe.Expire(ctx, replyKey(executionID), replyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// CancelFlagKey is the Redis key a cancellation request sets, polled
// cooperatively by internal/worker during execution (spec §4.14).
func CancelFlagKey(executionID string) string {
	return "bifrost:exec:" + executionID + ":cancel"
}

// RequestCancel sets the cooperative cancellation flag for a running
// execution.
func (d *Dispatcher) RequestCancel(ctx context.Context, executionID string) error {
	return d.redis.Raw().Set(ctx, CancelFlagKey(executionID), "1", contextTTL).Err()
}

// CancelFlagExists reports whether a cancellation has been requested for
// executionID, polled cooperatively by internal/worker.
func (d *Dispatcher) CancelFlagExists(ctx context.Context, executionID string) (bool, error) {
	n, err := d.redis.Raw().Exists(ctx, CancelFlagKey(executionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
