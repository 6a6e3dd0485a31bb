package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/dispatch"
)

// GeomColumn is the geometry column of boundary tables.
const GeomColumn = "geom"

// ShapeColumn is a shapefile attribute loaded as a table column.
type ShapeColumn struct {
	Name    string
	Numeric bool
}

// Shapefile holds the parsed attributes and EWKB geometry of a shapefile.
// Each row has one value per column followed by the geometry.
type Shapefile struct {
	Columns []ShapeColumn
	Rows    [][]any
	Skipped int
}

// ParseShapefile reads a polygon shapefile. Records without a usable polygon
// are skipped.
func ParseShapefile(path string, srid int) (*Shapefile, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	out := &Shapefile{Columns: make([]ShapeColumn, len(fields))}
	for i, f := range fields {
		name := foldCase(strings.TrimRight(f.String(), "\x00"))
		out.Columns[i] = ShapeColumn{
			Name:    name,
			Numeric: f.Fieldtype == 'N' || f.Fieldtype == 'F',
		}
	}

	for reader.Next() {
		_, shape := reader.Shape()
		wkb, err := EncodeEWKB(shape, srid)
		if err != nil || wkb == nil {
			out.Skipped++
			continue
		}

		row := make([]any, 0, len(fields)+1)
		for i, col := range out.Columns {
			row = append(row, attributeValue(reader.Attribute(i), col.Numeric))
		}
		row = append(row, wkb)
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func attributeValue(raw string, numeric bool) any {
	v := strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	if v == "" {
		return nil
	}
	if !numeric {
		return v
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return f
}

// DiscoverShapefiles groups the shapefiles under the boundaries directory by
// the boundary named in the first part of their file name, e.g.
// SA2_2016_AUST.shp or MB_2016_NSW.shp. Unconfigured boundaries are skipped.
func (l *Loader) DiscoverShapefiles() (map[census.Resolution][]string, error) {
	paths, err := findFiles(l.opts.BoundariesPath, "", ".shp")
	if err != nil {
		return nil, err
	}

	out := make(map[census.Resolution][]string)
	for _, p := range paths {
		name, _, _ := strings.Cut(filepath.Base(p), "_")
		bdy := census.Resolution(foldCase(name))
		if _, err := l.settings.Boundary(bdy); err != nil {
			l.log.Debug("skipping shapefile for unconfigured boundary", zap.String("path", p))
			continue
		}
		out[bdy] = append(out[bdy], p)
	}
	return out, nil
}

// LoadBoundaries loads the boundary shapefiles into <boundary_schema>, one
// dispatched unit per boundary. Boundaries split across several files (mesh
// blocks by state) are appended into one table.
func (l *Loader) LoadBoundaries(ctx context.Context) error {
	groups, err := l.DiscoverShapefiles()
	if err != nil {
		return err
	}

	units := make([]dispatch.Unit, 0, len(groups))
	for bdy, paths := range groups {
		units = append(units, dispatch.FuncUnit{
			Label: "boundary " + string(bdy),
			Fn: func(ctx context.Context) error {
				return l.loadBoundary(ctx, bdy, paths)
			},
		})
	}

	l.log.Info("loading boundaries", zap.Int("boundaries", len(units)))
	return l.dispatch(ctx, StageBoundaries, units)
}

func (l *Loader) loadBoundary(ctx context.Context, bdy census.Resolution, paths []string) error {
	start := time.Now()

	table, err := l.settings.RawBoundaryTable(bdy)
	if err != nil {
		return err
	}
	name := table.Sanitize()

	var total int64
	if l.opts.Ogr2ogr != "" {
		total, err = l.importOgr2ogr(ctx, table, paths)
	} else {
		total, err = l.importShapefiles(ctx, table, paths)
	}
	if err != nil {
		return err
	}

	index := pgx.Identifier{string(bdy) + "_geom_idx"}.Sanitize()
	post := []string{
		fmt.Sprintf("CREATE INDEX %s ON %s USING gist (%s)", index, name, GeomColumn),
		fmt.Sprintf("ALTER TABLE %s CLUSTER ON %s", name, index),
		"ANALYZE " + name,
	}
	for _, sql := range post {
		if _, err := l.pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "loader: finish %s", name)
		}
	}

	l.record(ctx, StageBoundaries, string(bdy), total, start)
	l.log.Info("boundary loaded",
		zap.String("table", name),
		zap.Int("files", len(paths)),
		zap.Int64("rows", total),
	)
	return nil
}

// importShapefiles parses paths in process and COPYs them into table.
func (l *Loader) importShapefiles(ctx context.Context, table pgx.Identifier, paths []string) (int64, error) {
	name := table.Sanitize()

	var (
		columns []ShapeColumn
		total   int64
	)
	for i, path := range paths {
		sf, err := ParseShapefile(path, SRID)
		if err != nil {
			return 0, err
		}
		if sf.Skipped > 0 {
			l.log.Debug("skipped shapefile records", zap.String("path", path), zap.Int("skipped", sf.Skipped))
		}

		if i == 0 {
			columns = sf.Columns
			if _, err := l.pool.Exec(ctx, createBoundarySQL(table, columns)); err != nil {
				return 0, eris.Wrapf(err, "loader: create %s", name)
			}
		}

		rows := alignRows(sf, columns)
		n, err := db.CopyRows(ctx, l.pool, table, copyColumns(columns), rows, l.opts.BatchSize)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// importOgr2ogr runs the configured ogr2ogr binary once per path, the first
// creating table and the rest appending to it, then counts the rows loaded.
func (l *Loader) importOgr2ogr(ctx context.Context, table pgx.Identifier, paths []string) (int64, error) {
	name := table.Sanitize()
	if l.opts.DatabaseURL == "" {
		return 0, eris.Errorf("loader: ogr2ogr import of %s needs a database url", name)
	}

	if _, err := l.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name+" CASCADE"); err != nil {
		return 0, eris.Wrapf(err, "loader: drop %s", name)
	}
	for i, path := range paths {
		unit := dispatch.CommandUnit{
			Label: "ogr2ogr " + filepath.Base(path),
			Path:  l.opts.Ogr2ogr,
			Args:  ogr2ogrArgs(l.opts.DatabaseURL, path, table, i > 0),
		}
		if err := unit.Run(ctx); err != nil {
			return 0, err
		}
	}

	var n int64
	if err := l.pool.QueryRow(ctx, "SELECT count(*) FROM "+name).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "loader: count %s", name)
	}
	return n, nil
}

// ogr2ogrArgs builds the ogr2ogr command line loading path into table with
// the same layout as the in-process importer.
func ogr2ogrArgs(databaseURL, path string, table pgx.Identifier, appendRows bool) []string {
	args := []string{
		"-f", "PostgreSQL", "PG:" + databaseURL, path,
		"-nln", strings.Join(table, "."),
		"-nlt", "PROMOTE_TO_MULTI",
		"-a_srs", "EPSG:" + strconv.Itoa(SRID),
		"-lco", "GEOMETRY_NAME=" + GeomColumn,
		"-lco", "FID=gid",
		"-lco", "SPATIAL_INDEX=NONE",
		"-lco", "LAUNDER=YES",
	}
	if appendRows {
		args = append(args, "-append")
	}
	return args
}

func createBoundarySQL(table pgx.Identifier, columns []ShapeColumn) string {
	defs := []string{"gid serial PRIMARY KEY"}
	for _, c := range columns {
		typ := "text"
		if c.Numeric {
			typ = "double precision"
		}
		defs = append(defs, pgx.Identifier{c.Name}.Sanitize()+" "+typ)
	}
	defs = append(defs, fmt.Sprintf("%s geometry(MultiPolygon, %d)", GeomColumn, SRID))
	return fmt.Sprintf("DROP TABLE IF EXISTS %[1]s CASCADE; CREATE TABLE %[1]s (%[2]s)",
		table.Sanitize(), strings.Join(defs, ", "))
}

func copyColumns(columns []ShapeColumn) []string {
	out := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		out = append(out, c.Name)
	}
	return append(out, GeomColumn)
}

// alignRows reorders sf's rows to match columns, which come from the first
// file of a boundary. Attributes the file lacks are null.
func alignRows(sf *Shapefile, columns []ShapeColumn) [][]any {
	idx := make(map[string]int, len(sf.Columns))
	for i, c := range sf.Columns {
		idx[c.Name] = i
	}
	same := len(sf.Columns) == len(columns)
	for i := 0; same && i < len(columns); i++ {
		same = sf.Columns[i].Name == columns[i].Name
	}
	if same {
		return sf.Rows
	}

	out := make([][]any, len(sf.Rows))
	for r, src := range sf.Rows {
		row := make([]any, len(columns)+1)
		for i, c := range columns {
			if j, ok := idx[c.Name]; ok {
				row[i] = src[j]
			}
		}
		row[len(columns)] = src[len(src)-1]
		out[r] = row
	}
	return out
}
