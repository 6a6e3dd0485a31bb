package render

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/classify"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testSettings(t *testing.T) *census.Settings {
	t.Helper()
	d, ok := census.Defaults("2016")
	require.True(t, ok)
	return &census.Settings{
		Year:            "2016",
		DataSchema:      "census_2016_data",
		BoundarySchema:  "census_2016_bdys",
		WebSchema:       "census_2016_web",
		RegionIDField:   d.RegionIDField,
		Boundaries:      d.Boundaries,
		PopulationTable: d.PopulationTable,
		PopulationStat:  d.PopulationStat,
		KMeansSupported: true,
	}
}

func newTestServer(t *testing.T, opts Options) (*Server, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	settings := testSettings(t)
	engine := classify.NewEngine(mock, settings)
	return NewServer(mock, settings, engine, opts), mock
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	w := get(t, s.Handler(), "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","year":"2016","kmeans":true}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestID_KeepsValidHeader(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "6f1c1f52-51d4-4a8e-9d52-7f1f0c7c1b7e")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "6f1c1f52-51d4-4a8e-9d52-7f1f0c7c1b7e", w.Header().Get(RequestIDHeader))
}

func TestZoom(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	w := get(t, s.Handler(), "/zoom/12")
	require.Equal(t, http.StatusOK, w.Code)

	var info ZoomInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "sa2", info.Boundary)
	assert.Equal(t, 15, info.MinPopulation)
	assert.Greater(t, info.Tolerance, 0.0)
	assert.GreaterOrEqual(t, info.DecimalPlaces, 1)

	w = get(t, s.Handler(), "/zoom/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBins_MissingParams(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/bins?stat=x&zoom=3").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/bins?table=g02&stat=x").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/bins?table=g02&stat=x&zoom=3&classes=many").Code)
}

func TestBins_EqualInterval(t *testing.T) {
	s, mock := newTestServer(t, Options{})
	mock.ExpectQuery(`(?s)SELECT COUNT\(.*FROM "census_2016_data"\."sa2_g02" AS tab INNER JOIN "census_2016_web"\."sa2"`).
		WithArgs(classify.DefaultMinPopulation).
		WillReturnRows(pgxmock.NewRows([]string{"count", "min", "max"}).AddRow(int64(10), 0.0, 100.0))

	w := get(t, s.Handler(), "/bins?table=g02&stat=median_age_persons&zoom=12&method=equal_interval&classes=4")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp BinsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sa2", resp.Boundary)
	assert.Equal(t, 15, resp.Min)
	assert.Equal(t, classify.EqualInterval, resp.Method)
	assert.Equal(t, []float64{0, 25, 50, 75}, resp.Bins)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBins_KMeansUsesTierPopulation(t *testing.T) {
	s, mock := newTestServer(t, Options{NumClasses: 3})
	mock.ExpectQuery(`ST_ClusterKMeans`).
		WithArgs(3, 80).
		WillReturnRows(pgxmock.NewRows([]string{"val"}).AddRow(1.0).AddRow(2.0).AddRow(3.0))

	w := get(t, s.Handler(), "/bins?table=g02&stat=median_age_persons&zoom=4")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp BinsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ste", resp.Boundary)
	assert.Equal(t, []float64{1, 2, 3}, resp.Bins)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBins_InsufficientData(t *testing.T) {
	s, mock := newTestServer(t, Options{})
	mock.ExpectQuery(`SELECT COUNT\(`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "min", "max"}).AddRow(int64(0), 0.0, 0.0))

	w := get(t, s.Handler(), "/bins?table=g02&stat=median_age_persons&zoom=12&method=equal_interval")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBins_BadIdentifiers(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	w := get(t, s.Handler(), "/bins?table=g02&stat=Bad-Name&zoom=12")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, s.Handler(), "/bins?table=g02&stat=x&zoom=12&method=jenks")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBins_QueryErrorIsInternal(t *testing.T) {
	s, mock := newTestServer(t, Options{})
	mock.ExpectQuery(`SELECT COUNT\(`).WillReturnError(errors.New("connection reset"))

	w := get(t, s.Handler(), "/bins?table=g02&stat=median_age_persons&zoom=12&method=equal_interval")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestBins_Cached(t *testing.T) {
	s, mock := newTestServer(t, Options{CacheSize: 10, CacheTTL: time.Hour})
	mock.ExpectQuery(`SELECT COUNT\(`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "min", "max"}).AddRow(int64(3), 0.0, 10.0))

	target := "/bins?table=g02&stat=median_age_persons&zoom=12&method=equal_interval&classes=2"
	w := get(t, s.Handler(), target)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))

	// Same query in a different parameter order is served from the cache.
	w = get(t, s.Handler(), "/bins?classes=2&method=equal_interval&zoom=12&stat=median_age_persons&table=g02")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"boundary":"sa2","min":15,"method":"equal_interval","bins":[0,5]}`, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())

	stats := get(t, s.Handler(), "/cache/stats")
	assert.Contains(t, stats.Body.String(), `"hits":1`)
}

func TestBins_ClassesOutOfRange(t *testing.T) {
	s, mock := newTestServer(t, Options{CacheSize: 10, CacheTTL: time.Hour})

	for _, classes := range []string{"0", "33", "3000000", "2000000000"} {
		w := get(t, s.Handler(), "/bins?table=g02&stat=median_age_persons&zoom=12&method=equal_interval&classes="+classes)
		assert.Equal(t, http.StatusBadRequest, w.Code, "classes=%s", classes)
	}

	assert.Equal(t, 0, s.Cache().Stats().Entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBins_AcceptsPrefixedTable(t *testing.T) {
	s, mock := newTestServer(t, Options{})
	mock.ExpectQuery(`(?s)SELECT COUNT\(.*FROM "census_2016_data"\."sa2_g02" AS tab`).
		WithArgs(classify.DefaultMinPopulation).
		WillReturnRows(pgxmock.NewRows([]string{"count", "min", "max"}).AddRow(int64(10), 0.0, 100.0))

	w := get(t, s.Handler(), "/bins?table=sa2_g02&stat=median_age_persons&zoom=12&method=equal_interval&classes=2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBins_CacheSharedAcrossTierZooms(t *testing.T) {
	s, mock := newTestServer(t, Options{CacheSize: 10, CacheTTL: time.Hour})
	mock.ExpectQuery(`SELECT COUNT\(`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "min", "max"}).AddRow(int64(3), 0.0, 10.0))

	w := get(t, s.Handler(), "/bins?table=g02&stat=median_age_persons&zoom=11&method=equal_interval&classes=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))

	// Zoom 13 resolves to the same sa2 tier and the prefixed table names the same data.
	w = get(t, s.Handler(), "/bins?table=sa2_g02&stat=median_age_persons&zoom=13&method=equal_interval&classes=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheInvalidate(t *testing.T) {
	s, mock := newTestServer(t, Options{CacheSize: 10, CacheTTL: time.Hour})
	h := s.Handler()
	for range 2 {
		mock.ExpectQuery(`SELECT COUNT\(`).
			WillReturnRows(pgxmock.NewRows([]string{"count", "min", "max"}).AddRow(int64(3), 0.0, 10.0))
	}

	require.Equal(t, http.StatusOK, get(t, h, "/bins?table=g02&stat=median_age_persons&zoom=12&method=equal_interval").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/bins?table=g02&stat=median_age_persons&zoom=8&method=equal_interval").Code)
	require.Equal(t, 2, s.Cache().Stats().Entries)

	del := func(target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, target, nil))
		return w
	}

	assert.Equal(t, http.StatusBadRequest, del("/cache?boundary=sa9").Code)

	w := del("/cache?boundary=sa2&table=sa2_g02")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())
	assert.Equal(t, 1, s.Cache().Stats().Entries)

	w = del("/cache")
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())
	assert.Equal(t, 0, s.Cache().Stats().Entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Options{RateLimit: 0.001, RateBurst: 1})
	h := s.Handler()

	// The first request spends the burst; it fails validation but still counts.
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/bins").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/bins").Code)

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, Options{CORSOrigins: []string{"https://maps.example.com"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://maps.example.com")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://maps.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func polygonWKB(t *testing.T) []byte {
	t.Helper()
	data, err := wkb.Marshal(orb.Polygon{orb.Ring{
		{149.0, -35.5}, {149.5, -35.5}, {149.5, -35.0}, {149.0, -35.0}, {149.0, -35.5},
	}})
	require.NoError(t, err)
	return data
}

func TestBoundaries(t *testing.T) {
	s, mock := newTestServer(t, Options{})
	mock.ExpectQuery(`(?s)ST_AsBinary\(bdy.geom\).*FROM "census_2016_data"\."sa3_g02" AS tab INNER JOIN "census_2016_web"\."sa3" AS bdy.*ST_MakeEnvelope\(\$1, \$2, \$3, \$4, 4283\)`).
		WithArgs(148.0, -36.0, 150.0, -34.0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "area", "population", "value", "geom"}).
			AddRow("80101", "Belconnen", 92.1, 97000.0, 36.0, polygonWKB(t)))

	w := get(t, s.Handler(), "/boundaries?table=g02&stat=median_age_persons&zoom=10&ml=148&mb=-36&mr=150&mt=-34")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.Equal(t, "80101", f.ID)
	assert.Equal(t, "Belconnen", f.Properties["name"])
	assert.InDelta(t, 36.0, f.Properties["median_age_persons"], 1e-9)
	assert.InDelta(t, 97000.0, f.Properties["population"], 1e-9)
	assert.Equal(t, "Polygon", f.Geometry.GeoJSONType())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBoundaries_TileCoordinates(t *testing.T) {
	s, mock := newTestServer(t, Options{})
	mock.ExpectQuery(`ST_MakeEnvelope`).
		WithArgs(0.0, pgxmock.AnyArg(), 180.0, 0.0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "area", "population", "value", "geom"}))

	w := get(t, s.Handler(), "/boundaries?table=g02&stat=median_age_persons&zoom=1&x=1&y=1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBoundaries_BadParams(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/boundaries?stat=x&zoom=3&ml=1&mb=1&mr=2&mt=2").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/boundaries?table=g02&stat=x&zoom=30&ml=1&mb=1&mr=2&mt=2").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/boundaries?table=g02&stat=x&zoom=3&ml=1&mb=1&mr=2").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/boundaries?table=g02&stat=x&zoom=3&ml=3&mb=1&mr=2&mt=2").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/boundaries?table=g02&stat=x&zoom=3&x=a&y=1").Code)
}
