// Package classify computes choropleth class breaks for census statistics.
//
// Three methods are supported: one-dimensional K-means (PostGIS
// ST_ClusterKMeans), equal interval and equal count (ntile quantiles). All of
// them join a data table to a web boundary table and ignore missing or zero
// values and sparsely populated areas.
package classify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/telemetry"
)

// Method names a classification method.
type Method string

// Classification methods.
const (
	KMeans        Method = "kmeans"
	EqualInterval Method = "equal_interval"
	EqualCount    Method = "equal_count"
)

// MapType says whether a statistic is a raw value or a percentage.
type MapType string

// Map types.
const (
	Values  MapType = "values"
	Percent MapType = "percent"
)

// DefaultMinPopulation is the population floor used by equal interval and
// equal count classification.
const DefaultMinPopulation = 5

// MaxClasses bounds the number of classes a request may ask for.
const MaxClasses = 32

// Sentinel errors.
var (
	ErrInsufficientData  = eris.New("classify: no values match the filters")
	ErrUnknownMethod     = eris.New("classify: unknown classification method")
	ErrKMeansUnsupported = eris.New("classify: server does not support ST_ClusterKMeans")
	ErrInvalidClasses    = eris.New("classify: number of classes out of range")
)

// ParseMethod converts a method name, defaulting an empty name to K-means.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case "":
		return KMeans, nil
	case KMeans, EqualInterval, EqualCount:
		return m, nil
	default:
		return "", eris.Wrapf(ErrUnknownMethod, "classify: method %q", s)
	}
}

// ParseMapType converts a map type name, defaulting an empty name to values.
func ParseMapType(s string) (MapType, error) {
	switch m := MapType(s); m {
	case "":
		return Values, nil
	case Values, Percent:
		return m, nil
	default:
		return "", eris.Errorf("classify: unknown map type %q", s)
	}
}

// Request describes one set of class breaks to compute.
type Request struct {
	DataTable  string
	Boundary   census.Resolution
	StatField  string
	NumClasses int
	Method     Method
	MapType    MapType

	// MinPopulation filters K-means input. The other methods use
	// DefaultMinPopulation.
	MinPopulation int

	// NoFallback makes a K-means request fail with ErrKMeansUnsupported
	// instead of falling back to equal interval.
	NoFallback bool
}

// Result holds computed breaks and the method that produced them.
type Result struct {
	Method Method    `json:"method"`
	Bins   []float64 `json:"bins"`
}

// Engine runs classification queries against the census database.
type Engine struct {
	pool           db.Pool
	settings       *census.Settings
	inst           *telemetry.Instruments
	tracer         trace.Tracer
	percentBuckets int
	log            *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithInstruments records query metrics on inst.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(e *Engine) { e.inst = inst }
}

// WithTracer records a span per classification.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithPercentBuckets pins the number of equal count classes for percentage
// statistics regardless of the requested class count. Zero disables it.
func WithPercentBuckets(n int) Option {
	return func(e *Engine) { e.percentBuckets = n }
}

// NewEngine creates a classification engine.
func NewEngine(pool db.Pool, settings *census.Settings, opts ...Option) *Engine {
	e := &Engine{
		pool:     pool,
		settings: settings,
		inst:     telemetry.NoopInstruments(),
		tracer:   telemetry.NoopTracer(),
		log:      zap.L().With(zap.String("component", "classify.engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bins validates req and computes its class breaks. K-means requests fall
// back to equal interval when the server lacks ST_ClusterKMeans.
//
// A K-means or equal count query failure is logged and yields empty breaks.
// Equal interval on an empty selection returns ErrInsufficientData.
func (e *Engine) Bins(ctx context.Context, req Request) (Result, error) {
	if req.NumClasses < 1 || req.NumClasses > MaxClasses {
		return Result{}, eris.Wrapf(ErrInvalidClasses, "classify: got %d, want 1-%d", req.NumClasses, MaxClasses)
	}
	method, err := ParseMethod(string(req.Method))
	if err != nil {
		return Result{}, err
	}
	mapType, err := ParseMapType(string(req.MapType))
	if err != nil {
		return Result{}, err
	}

	q, err := e.settings.NewStatQuery(req.DataTable, req.Boundary, req.StatField, mapType == Percent)
	if err != nil {
		return Result{}, err
	}

	if method == KMeans && !e.settings.KMeansSupported {
		if req.NoFallback {
			return Result{}, ErrKMeansUnsupported
		}
		e.log.Info("ST_ClusterKMeans unavailable, using equal interval",
			zap.String("data_table", q.Data.Sanitize()),
			zap.String("stat_field", q.Stat),
		)
		method = EqualInterval
	}

	ctx, span := e.tracer.Start(ctx, "classify.bins", trace.WithAttributes(
		attribute.String("classify.method", string(method)),
		attribute.String("classify.boundary", string(req.Boundary)),
		attribute.String("classify.stat", req.StatField),
	))
	defer span.End()

	start := time.Now()
	var bins []float64
	switch method {
	case KMeans:
		bins = e.KMeans(ctx, q, req.NumClasses, req.MinPopulation)
	case EqualInterval:
		bins, err = e.EqualInterval(ctx, q, req.NumClasses)
	case EqualCount:
		bins = e.EqualCount(ctx, q, e.countClasses(q, req.NumClasses))
	}
	e.inst.RecordClassify(ctx, string(method), float64(time.Since(start).Milliseconds()), err != nil || len(bins) == 0)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if bins == nil {
		bins = []float64{}
	}

	return Result{Method: method, Bins: bins}, nil
}

func (e *Engine) countClasses(q census.StatQuery, requested int) int {
	if q.Percent && e.percentBuckets > 0 && e.percentBuckets != requested {
		e.log.Debug("percent equal count class count pinned",
			zap.Int("requested", requested),
			zap.Int("used", e.percentBuckets),
		)
		return e.percentBuckets
	}
	return requested
}

func (e *Engine) logFailure(msg string, q census.StatQuery, err error) {
	e.log.Warn(msg,
		zap.String("data_table", q.Data.Sanitize()),
		zap.String("boundary_table", q.Boundary.Sanitize()),
		zap.String("stat_field", q.Stat),
		zap.Error(err),
	)
}
