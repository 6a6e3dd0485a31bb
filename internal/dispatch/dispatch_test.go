package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRun_AllUnitsReturnResults(t *testing.T) {
	var inFlight, peak atomic.Int32
	units := make([]Unit, 10)
	for i := range units {
		units[i] = FuncUnit{Label: "u", Fn: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}

	results := New(3, 0).Run(context.Background(), units)
	assert.Len(t, results, 10)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	for _, r := range results {
		assert.True(t, r.OK())
	}
}

func TestRun_CompletionOrder(t *testing.T) {
	units := []Unit{
		FuncUnit{Label: "slow", Fn: func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}},
		FuncUnit{Label: "fast", Fn: func(context.Context) error { return nil }},
	}

	results := New(2, 0).Run(context.Background(), units)
	require.Len(t, results, 2)
	assert.Equal(t, "fast", results[0].Unit)
	assert.Equal(t, "slow", results[1].Unit)
}

func TestRun_FailureDoesNotAbort(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32
	units := []Unit{
		FuncUnit{Label: "bad", Fn: func(context.Context) error { return boom }},
		FuncUnit{Label: "good1", Fn: func(context.Context) error { ran.Add(1); return nil }},
		FuncUnit{Label: "good2", Fn: func(context.Context) error { ran.Add(1); return nil }},
	}

	results := New(1, 0).Run(context.Background(), units)
	require.Len(t, results, 3)
	assert.Equal(t, int32(2), ran.Load())

	var failed []Result
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Unit)
	assert.ErrorIs(t, failed[0].Err, boom)
}

func TestRun_PanicBecomesError(t *testing.T) {
	units := []Unit{FuncUnit{Label: "p", Fn: func(context.Context) error { panic("kaboom") }}}

	results := New(1, 0).Run(context.Background(), units)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "kaboom")
}

func TestRun_UnitTimeout(t *testing.T) {
	units := []Unit{FuncUnit{Label: "hang", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}

	results := New(1, 20*time.Millisecond).Run(context.Background(), units)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	units := []Unit{FuncUnit{Label: "x", Fn: func(context.Context) error { ran.Add(1); return nil }}}

	results := New(1, 0).Run(ctx, units)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Zero(t, ran.Load())
}

func TestRun_DefaultWorkers(t *testing.T) {
	d := &Dispatcher{}
	results := d.Run(context.Background(), []Unit{FuncUnit{Label: "a", Fn: func(context.Context) error { return nil }}})
	assert.Len(t, results, 1)
}

func TestReport(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	defer undo()

	results := []Result{
		{Unit: "a"},
		{Unit: "b", Err: errors.New("bad")},
	}

	failed := Report(results, 3)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, logs.FilterMessage("unit failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("units returned no result").Len())
	assert.Equal(t, "1/3 units succeeded", Summary(results, 3))
}

func TestSQLUnits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO a").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO b").WillReturnError(errors.New("nope"))

	units := SQLUnits(mock, "web", []string{"INSERT INTO a VALUES (1)", "INSERT INTO b VALUES (1)"})
	require.Len(t, units, 2)
	assert.Equal(t, "web#0", units[0].Name())

	ctx := context.Background()
	require.NoError(t, units[0].Run(ctx))
	err = units[1].Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web#1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandUnit(t *testing.T) {
	ctx := context.Background()

	ok := CommandUnit{Label: "true", Path: "sh", Args: []string{"-c", "exit 0"}}
	assert.NoError(t, ok.Run(ctx))

	bad := CommandUnit{Label: "fail", Path: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}}
	err := bad.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}
