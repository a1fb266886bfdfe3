package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/jackmusick/bifrost-core/internal/cache"
	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/model"
	"github.com/jackmusick/bifrost-core/internal/queue"
)

func newTestPool(t *testing.T, jobTimeout time.Duration) *Pool {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheClient := cache.New(cache.Config{Addr: mr.Addr()})
	t.Cleanup(func() { cacheClient.Close() }) //nolint:errcheck
	disp := dispatch.New(nil, cacheClient, nil)

	return &Pool{
		cfg: Config{
			PoolSize:        1,
			JobTimeout:      jobTimeout,
			CancelPollEvery: 10 * time.Millisecond,
		},
		disp: disp,
	}
}

// TestExecute_Success covers the happy path of spec §4.14's execution step:
// inline code runs in a fresh VM and its return value is exported as the
// execution's JSON result.
func TestExecute_Success(t *testing.T) {
	p := newTestPool(t, 5*time.Second)

	out := p.execute(context.Background(), queue.Message{}, dispatch.Context{Code: "1 + 2"})

	assert.Equal(t, model.ExecutionSuccess, out.Status)
	assert.Equal(t, "3", string(out.Result))
}

// TestExecute_ParametersBoundAsArgs covers the "args" global binding: a
// dispatched call's decoded parameters are visible to the script as args.
func TestExecute_ParametersBoundAsArgs(t *testing.T) {
	p := newTestPool(t, 5*time.Second)

	out := p.execute(context.Background(), queue.Message{}, dispatch.Context{
		Code:       "args.a + args.b",
		Parameters: []byte(`{"a": 2, "b": 40}`),
	})

	assert.Equal(t, model.ExecutionSuccess, out.Status)
	assert.Equal(t, "42", string(out.Result))
}

// TestExecute_RuntimeErrorIsTaggedFailure covers a script that throws: the
// outcome is ExecutionFailed with an errorkind-tagged message, not a panic.
func TestExecute_RuntimeErrorIsTaggedFailure(t *testing.T) {
	p := newTestPool(t, 5*time.Second)

	out := p.execute(context.Background(), queue.Message{}, dispatch.Context{Code: "undefinedFunctionCall()"})

	assert.Equal(t, model.ExecutionFailed, out.Status)
	assert.NotEmpty(t, out.ErrorMsg)
}

// TestExecute_DeadlineInterruptsRuntime covers spec §4.14's cooperative
// cancellation via context deadline: a runaway script gets interrupted
// once its job timeout elapses, surfacing as ExecutionCancelled rather
// than hanging the worker forever.
func TestExecute_DeadlineInterruptsRuntime(t *testing.T) {
	p := newTestPool(t, 30*time.Millisecond)

	out := p.execute(context.Background(), queue.Message{}, dispatch.Context{Code: "while (true) {}"})

	assert.Equal(t, model.ExecutionCancelled, out.Status)
}

// TestExecute_NoReturnValueYieldsEmptyResult covers a script with no
// trailing expression value: the outcome is still a success, just with an
// empty result payload rather than "null" or "undefined".
func TestExecute_NoReturnValueYieldsEmptyResult(t *testing.T) {
	p := newTestPool(t, 5*time.Second)

	out := p.execute(context.Background(), queue.Message{}, dispatch.Context{Code: "var x = 1;"})

	assert.Equal(t, model.ExecutionSuccess, out.Status)
	assert.Empty(t, out.Result)
}
