package loader

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jonas-p/go-shp"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/census-loader/internal/census"
)

func writeTestShapefile(t *testing.T, path string) {
	t.Helper()
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	w.SetFields([]shp.Field{
		shp.StringField("SA2_MAIN16", 11),
		shp.FloatField("AREASQKM16", 12, 4),
	})

	idx := w.Write(testPolygon)
	w.WriteAttribute(int(idx), 0, "101021007")
	w.WriteAttribute(int(idx), 1, 1.5)

	idx = w.Write(&shp.Polygon{
		NumParts: 1,
		Parts:    []int32{0},
		Points: []shp.Point{
			{X: 140, Y: -30}, {X: 140, Y: -29}, {X: 141, Y: -29}, {X: 141, Y: -30}, {X: 140, Y: -30},
		},
	})
	w.WriteAttribute(int(idx), 0, "101021008")
	w.WriteAttribute(int(idx), 1, 2.25)

	w.Close()
}

func TestParseShapefile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SA2_2016_AUST.shp")
	writeTestShapefile(t, path)

	sf, err := ParseShapefile(path, SRID)
	require.NoError(t, err)

	assert.Equal(t, []ShapeColumn{
		{Name: "sa2_main16", Numeric: false},
		{Name: "areasqkm16", Numeric: true},
	}, sf.Columns)
	require.Len(t, sf.Rows, 2)
	assert.Equal(t, "101021007", sf.Rows[0][0])
	assert.InDelta(t, 1.5, sf.Rows[0][1], 1e-9)
	assert.IsType(t, []byte{}, sf.Rows[0][2])
	assert.InDelta(t, 2.25, sf.Rows[1][1], 1e-9)
	assert.Zero(t, sf.Skipped)
}

func TestParseShapefile_Missing(t *testing.T) {
	_, err := ParseShapefile(filepath.Join(t.TempDir(), "nope.shp"), SRID)
	assert.Error(t, err)
}

func TestAttributeValue(t *testing.T) {
	assert.Nil(t, attributeValue("   \x00\x00", false))
	assert.Equal(t, "ACT", attributeValue(" ACT \x00", false))
	assert.Equal(t, 12.5, attributeValue("  12.5000", true))
	assert.Nil(t, attributeValue("*****", true))
}

func TestCreateBoundarySQL(t *testing.T) {
	sql := createBoundarySQL(pgx.Identifier{"census_2016_bdys", "sa2"}, []ShapeColumn{
		{Name: "sa2_main16"},
		{Name: "areasqkm16", Numeric: true},
	})
	assert.Contains(t, sql, `DROP TABLE IF EXISTS "census_2016_bdys"."sa2" CASCADE`)
	assert.Contains(t, sql, `gid serial PRIMARY KEY, "sa2_main16" text, "areasqkm16" double precision, geom geometry(MultiPolygon, 4283)`)
}

func TestAlignRows(t *testing.T) {
	columns := []ShapeColumn{{Name: "a"}, {Name: "b"}}

	same := &Shapefile{Columns: columns, Rows: [][]any{{"1", "2", []byte{1}}}}
	assert.Equal(t, same.Rows, alignRows(same, columns))

	other := &Shapefile{
		Columns: []ShapeColumn{{Name: "b"}, {Name: "c"}},
		Rows:    [][]any{{"2", "3", []byte{1}}},
	}
	assert.Equal(t, [][]any{{nil, "2", []byte{1}}}, alignRows(other, columns))
}

func TestDiscoverShapefiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "MB_2016_NSW.shp", "x")
	writeFile(t, dir, "MB_2016_VIC.shp", "x")
	writeFile(t, dir, "SA2_2016_AUST.shp", "x")
	writeFile(t, dir, "SA2_2016_AUST.dbf", "x")
	writeFile(t, dir, "RA_2016_AUST.shp", "x")

	l, _ := newTestLoader(t, testSettings(t), Options{BoundariesPath: dir})
	groups, err := l.DiscoverShapefiles()
	require.NoError(t, err)

	assert.Len(t, groups, 2)
	assert.Len(t, groups[census.MeshBlock], 2)
	assert.Len(t, groups[census.SA2], 1)
}

func TestLoadBoundaries(t *testing.T) {
	dir := t.TempDir()
	writeTestShapefile(t, filepath.Join(dir, "SA2_2016_AUST.shp"))

	l, mock := newTestLoader(t, testSettings(t, census.SA2), Options{BoundariesPath: dir})

	table := pgx.Identifier{"census_2016_bdys", "sa2"}
	mock.ExpectExec(`CREATE TABLE "census_2016_bdys"."sa2" \(gid serial PRIMARY KEY`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(table, []string{"sa2_main16", "areasqkm16", "geom"}).WillReturnResult(2)
	mock.ExpectExec(`CREATE INDEX "sa2_geom_idx" ON "census_2016_bdys"."sa2" USING gist \(geom\)`).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec(`CLUSTER ON "sa2_geom_idx"`).
		WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
	mock.ExpectExec(`ANALYZE "census_2016_bdys"."sa2"`).
		WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	expectRecord(mock, StageBoundaries, "sa2")

	require.NoError(t, l.LoadBoundaries(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOgr2ogrArgs(t *testing.T) {
	table := pgx.Identifier{"census_2016_bdys", "mb"}

	args := ogr2ogrArgs("postgres://census@db/census", "/data/MB_2016_NSW.shp", table, false)
	assert.Equal(t, []string{"-f", "PostgreSQL", "PG:postgres://census@db/census", "/data/MB_2016_NSW.shp"}, args[:4])
	assert.Contains(t, args, "census_2016_bdys.mb")
	assert.Contains(t, args, "EPSG:4283")
	assert.Contains(t, args, "GEOMETRY_NAME=geom")
	assert.NotContains(t, args, "-append")

	args = ogr2ogrArgs("postgres://census@db/census", "/data/MB_2016_VIC.shp", table, true)
	assert.Equal(t, "-append", args[len(args)-1])
}

func TestLoadBoundaries_Ogr2ogr(t *testing.T) {
	dir := t.TempDir()
	writeTestShapefile(t, filepath.Join(dir, "SA2_2016_AUST.shp"))

	l, mock := newTestLoader(t, testSettings(t, census.SA2), Options{
		BoundariesPath: dir,
		Ogr2ogr:        "true",
		DatabaseURL:    "postgres://census@db/census",
	})

	mock.ExpectExec(`DROP TABLE IF EXISTS "census_2016_bdys"."sa2" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "census_2016_bdys"."sa2"`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectExec(`CREATE INDEX "sa2_geom_idx"`).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec(`CLUSTER ON "sa2_geom_idx"`).
		WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
	mock.ExpectExec(`ANALYZE "census_2016_bdys"."sa2"`).
		WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	expectRecord(mock, StageBoundaries, "sa2")

	require.NoError(t, l.LoadBoundaries(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBoundaries_Ogr2ogrFailure(t *testing.T) {
	dir := t.TempDir()
	writeTestShapefile(t, filepath.Join(dir, "SA2_2016_AUST.shp"))

	l, mock := newTestLoader(t, testSettings(t, census.SA2), Options{
		BoundariesPath: dir,
		Ogr2ogr:        "false",
		DatabaseURL:    "postgres://census@db/census",
	})
	mock.ExpectExec(`DROP TABLE IF EXISTS`).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	assert.Error(t, l.LoadBoundaries(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
