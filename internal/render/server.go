// Package render serves class breaks and simplified census boundaries to
// web map clients over HTTP.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/classify"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/telemetry"
	"github.com/sells-group/census-loader/internal/zoom"
)

// Options configures a Server.
type Options struct {
	NumClasses  int
	Method      classify.Method
	CacheSize     int
	CacheMaxBytes int64 // total cached body size, 0 = unbounded
	CacheTTL      time.Duration
	RateLimit     float64 // requests per second, 0 disables limiting
	RateBurst     int
	CORSOrigins   []string
	Instruments   *telemetry.Instruments
}

// Server is the map HTTP server.
type Server struct {
	pool     db.Pool
	settings *census.Settings
	engine   *classify.Engine
	cache    *ResponseCache
	opts     Options
	log      *zap.Logger
}

// NewServer creates a map server. A CacheSize of zero disables caching.
func NewServer(pool db.Pool, settings *census.Settings, engine *classify.Engine, opts Options) *Server {
	if opts.NumClasses < 1 {
		opts.NumClasses = 7
	}
	if opts.Instruments == nil {
		opts.Instruments = telemetry.NoopInstruments()
	}
	s := &Server{
		pool:     pool,
		settings: settings,
		engine:   engine,
		opts:     opts,
		log:      zap.L().With(zap.String("component", "render.server")),
	}
	if opts.CacheSize > 0 {
		s.cache = NewResponseCache(opts.CacheSize, opts.CacheMaxBytes, opts.CacheTTL)
	}
	return s
}

// Cache returns the response cache, or nil when caching is disabled.
func (s *Server) Cache() *ResponseCache { return s.cache }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(observe(s.opts.Instruments))
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
			ExposedHeaders: []string{RequestIDHeader, "X-Cache"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/zoom/{z}", s.handleZoom)
	r.Get("/cache/stats", s.handleCacheStats)

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			burst := s.opts.RateBurst
			if burst < 1 {
				burst = 1
			}
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)))
		}
		r.Get("/bins", s.handleBins)
		r.Get("/boundaries", s.handleBoundaries)
		r.Delete("/cache", s.handleCacheInvalidate)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"year":   s.settings.Year,
		"kmeans": s.settings.KMeansSupported,
	})
}

// ZoomInfo describes how a zoom level is rendered.
type ZoomInfo struct {
	Zoom          int     `json:"zoom"`
	Boundary      string  `json:"boundary"`
	MinPopulation int     `json:"min"`
	Tolerance     float64 `json:"tolerance"`
	DecimalPlaces int     `json:"decimal_places"`
}

func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid zoom")
		return
	}
	tier := zoom.Resolve(z)
	writeJSON(w, http.StatusOK, ZoomInfo{
		Zoom:          z,
		Boundary:      string(tier.Resolution),
		MinPopulation: tier.MinPopulation,
		Tolerance:     zoom.Tolerance(z),
		DecimalPlaces: zoom.DecimalPlaces(z),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"cache": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// BinsResponse is the body of GET /bins.
type BinsResponse struct {
	Boundary string          `json:"boundary"`
	Min      int             `json:"min"`
	Method   classify.Method `json:"method"`
	Bins     []float64       `json:"bins"`
}

func (s *Server) handleBins(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query()
	table, stat := p.Get("table"), p.Get("stat")
	if table == "" || stat == "" {
		writeError(w, http.StatusBadRequest, "table and stat are required")
		return
	}
	z, err := intParam(p.Get("zoom"), -1)
	if err != nil || z < 0 {
		writeError(w, http.StatusBadRequest, "invalid zoom")
		return
	}
	classes, err := intParam(p.Get("classes"), s.opts.NumClasses)
	if err != nil || classes < 1 || classes > classify.MaxClasses {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("classes must be between 1 and %d", classify.MaxClasses))
		return
	}
	method := classify.Method(p.Get("method"))
	if method == "" {
		method = s.opts.Method
	}
	mapType := classify.MapType(p.Get("map_type"))
	if mapType == "" {
		mapType = classify.Values
	}

	tier := zoom.Resolve(z)
	key := CacheKey{
		Route:    "bins",
		Boundary: tier.Resolution,
		Table:    census.TableCode(tier.Resolution, table),
		Stat:     stat,
		Variant:  fmt.Sprintf("%s|%d|%s", method, classes, mapType),
	}
	if s.serveCached(w, key) {
		return
	}

	res, err := s.engine.Bins(r.Context(), classify.Request{
		DataTable:     census.DataTableName(tier.Resolution, table),
		Boundary:      tier.Resolution,
		StatField:     stat,
		NumClasses:    classes,
		Method:        method,
		MapType:       mapType,
		MinPopulation: tier.MinPopulation,
	})
	if err != nil {
		s.writeClassifyError(w, r, err)
		return
	}

	s.writeCached(w, r, key, BinsResponse{
		Boundary: string(tier.Resolution),
		Min:      tier.MinPopulation,
		Method:   res.Method,
		Bins:     res.Bins,
	})
}

func (s *Server) handleBoundaries(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query()
	q := BoundaryQuery{Table: p.Get("table"), Stat: p.Get("stat")}
	if q.Table == "" || q.Stat == "" {
		writeError(w, http.StatusBadRequest, "table and stat are required")
		return
	}
	z, err := intParam(p.Get("zoom"), -1)
	if err != nil || z < zoom.MinZoom || z > zoom.MaxZoom {
		writeError(w, http.StatusBadRequest, "invalid zoom")
		return
	}
	q.Zoom = z

	bound, err := boundParams(p.Get, z)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Bound = bound

	tier := zoom.Resolve(z)
	key := CacheKey{
		Route:    "boundaries",
		Boundary: tier.Resolution,
		Table:    census.TableCode(tier.Resolution, q.Table),
		Stat:     q.Stat,
		Variant: fmt.Sprintf("%d|%g,%g,%g,%g", z,
			bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()),
	}
	if s.serveCached(w, key) {
		return
	}

	fc, err := Boundaries(r.Context(), s.pool, s.settings, q)
	if err != nil {
		s.writeClassifyError(w, r, err)
		return
	}
	s.writeCached(w, r, key, fc)
}

// handleCacheInvalidate drops cached responses after census tables are
// reloaded. Optional boundary and table parameters narrow the purge.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, map[string]int{"removed": 0})
		return
	}

	p := r.URL.Query()
	boundary := census.Resolution(p.Get("boundary"))
	if boundary != "" && !boundary.Valid() {
		writeError(w, http.StatusBadRequest, "invalid boundary")
		return
	}
	table := p.Get("table")
	if boundary != "" {
		table = census.TableCode(boundary, table)
	}

	n := s.cache.Invalidate(boundary, table)
	s.log.Info("response cache invalidated",
		zap.String("boundary", string(boundary)),
		zap.String("table", table),
		zap.Int("removed", n),
	)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// boundParams reads a bounding box from ml, mb, mr and mt (west, south, east,
// north in degrees) or, failing that, from slippy-map tile coordinates x and y.
func boundParams(get func(string) string, z int) (orb.Bound, error) {
	if get("x") != "" || get("y") != "" {
		x, errX := strconv.ParseUint(get("x"), 10, 32)
		y, errY := strconv.ParseUint(get("y"), 10, 32)
		if errX != nil || errY != nil {
			return orb.Bound{}, errors.New("invalid tile coordinates")
		}
		return TileBound(uint32(x), uint32(y), z), nil
	}

	var v [4]float64
	for i, name := range []string{"ml", "mb", "mr", "mt"} {
		f, err := strconv.ParseFloat(get(name), 64)
		if err != nil {
			return orb.Bound{}, errors.New("invalid bounding box")
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, errors.New("invalid bounding box")
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func (s *Server) writeClassifyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, census.ErrUnknownIdentifier),
		errors.Is(err, classify.ErrUnknownMethod),
		errors.Is(err, classify.ErrInvalidClasses),
		errors.Is(err, classify.ErrKMeansUnsupported):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, classify.ErrInsufficientData):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("render: request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) serveCached(w http.ResponseWriter, key CacheKey) bool {
	if s.cache == nil {
		return false
	}
	data := s.cache.Get(key)
	if data == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "hit")
	_, _ = w.Write(data)
	return true
}

func (s *Server) writeCached(w http.ResponseWriter, r *http.Request, key CacheKey, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeClassifyError(w, r, err)
		return
	}
	if s.cache != nil {
		s.cache.Put(key, data)
		w.Header().Set("X-Cache", "miss")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
