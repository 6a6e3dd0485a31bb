// Package dispatch runs batches of independent work units across a bounded
// pool of workers and collects a result for each of them.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/census-loader/internal/telemetry"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 3

// Unit is one independent piece of work.
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

// Result records the outcome of one unit.
type Result struct {
	Unit     string
	Err      error
	Duration time.Duration
}

// OK reports whether the unit succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Dispatcher runs units with at most Workers in flight. A failed unit does
// not stop the others.
type Dispatcher struct {
	Workers int

	// UnitTimeout bounds each unit when positive.
	UnitTimeout time.Duration

	Instruments *telemetry.Instruments
}

// New returns a Dispatcher with the given pool size and per-unit timeout.
func New(workers int, unitTimeout time.Duration) *Dispatcher {
	return &Dispatcher{Workers: workers, UnitTimeout: unitTimeout}
}

// Run executes units and returns their results in completion order. Units
// not yet started when ctx is cancelled fail with the context error.
func (d *Dispatcher) Run(ctx context.Context, units []Unit) []Result {
	workers := d.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	inst := d.Instruments
	if inst == nil {
		inst = telemetry.NoopInstruments()
	}

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(units))
	)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, u := range units {
		g.Go(func() error {
			res := d.runUnit(ctx, u)
			inst.RecordUnit(ctx, float64(res.Duration.Milliseconds()), res.Err != nil)

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *Dispatcher) runUnit(ctx context.Context, u Unit) (res Result) {
	res.Unit = u.Name()
	if err := ctx.Err(); err != nil {
		res.Err = eris.Wrapf(err, "dispatch: %s not started", res.Unit)
		return res
	}

	if d.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.UnitTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if p := recover(); p != nil {
			res.Err = eris.Errorf("dispatch: %s panicked: %v", res.Unit, p)
		}
	}()

	if err := u.Run(ctx); err != nil {
		res.Err = err
	}
	return res
}

// Report logs every failed result and warns when fewer results than
// submitted units came back. It returns the number of failures, counting
// missing results as failures.
func Report(results []Result, submitted int) int {
	log := zap.L().With(zap.String("component", "dispatch"))

	failed := 0
	for _, r := range results {
		if r.OK() {
			continue
		}
		failed++
		log.Error("unit failed",
			zap.String("unit", r.Unit),
			zap.Duration("duration", r.Duration),
			zap.Error(r.Err),
		)
	}
	if missing := submitted - len(results); missing > 0 {
		log.Warn("units returned no result",
			zap.Int("submitted", submitted),
			zap.Int("returned", len(results)),
		)
		failed += missing
	}
	return failed
}

// Summary returns a one-line description of a batch outcome.
func Summary(results []Result, submitted int) string {
	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	return fmt.Sprintf("%d/%d units succeeded", ok, submitted)
}
