package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	"github.com/sells-group/census-loader/internal/dispatch"
)

// MissingValue marks a suppressed or unavailable statistic in census CSVs.
const MissingValue = ".."

// foldCase lower-cases s. Casers hold state, so each call gets its own.
func foldCase(s string) string {
	return cases.Lower(language.Und).String(s)
}

// DataFile is a census statistics CSV and the table it loads into.
type DataFile struct {
	Path     string
	Table    string
	Boundary census.Resolution
}

// DiscoverDataFiles finds the census CSVs under the data directory. The
// table and boundary are taken from the underscore separated parts of the
// file name at the positions given by the year defaults. Files for
// boundaries that are not configured are skipped.
func (l *Loader) DiscoverDataFiles() ([]DataFile, error) {
	d := l.opts.Defaults
	paths, err := findFiles(l.opts.DataPath, d.DataFilePrefix, d.DataFileType)
	if err != nil {
		return nil, err
	}

	var files []DataFile
	for _, p := range paths {
		df, ok := parseDataFileName(p, d)
		if !ok {
			l.log.Debug("skipping data file with unexpected name", zap.String("path", p))
			continue
		}
		if _, err := l.settings.Boundary(df.Boundary); err != nil {
			l.log.Debug("skipping data file for unconfigured boundary",
				zap.String("path", p),
				zap.String("boundary", string(df.Boundary)),
			)
			continue
		}
		files = append(files, df)
	}
	return files, nil
}

func parseDataFileName(path string, d census.YearDefaults) (DataFile, bool) {
	base := foldCase(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	parts := strings.Split(base, "_")
	if d.TableNamePart >= len(parts) || d.BoundaryNamePart >= len(parts) {
		return DataFile{}, false
	}
	table := parts[d.TableNamePart]
	bdy := census.Resolution(parts[d.BoundaryNamePart])
	if !census.ValidIdentifier(table) || !bdy.Valid() {
		return DataFile{}, false
	}
	return DataFile{Path: path, Table: table, Boundary: bdy}, true
}

// LoadDataFiles loads every census CSV into its own table, one dispatched
// unit per file.
func (l *Loader) LoadDataFiles(ctx context.Context) error {
	files, err := l.DiscoverDataFiles()
	if err != nil {
		return err
	}

	units := make([]dispatch.Unit, 0, len(files))
	for _, f := range files {
		units = append(units, dispatch.FuncUnit{
			Label: filepath.Base(f.Path),
			Fn: func(ctx context.Context) error {
				return l.loadDataFile(ctx, f)
			},
		})
	}

	l.log.Info("loading census data files", zap.Int("files", len(units)))
	return l.dispatch(ctx, StageData, units)
}

func (l *Loader) loadDataFile(ctx context.Context, f DataFile) error {
	start := time.Now()

	table, err := l.settings.DataTableFor(f.Boundary, f.Table)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return eris.Wrapf(err, "loader: read %s", f.Path)
	}
	header, rows, err := ParseDataCSV(bytes.NewReader(CleanCSV(raw)))
	if err != nil {
		return eris.Wrapf(err, "loader: parse %s", f.Path)
	}

	// The first column is the region identifier whatever the file calls it.
	columns := append([]string{l.settings.RegionIDField}, header[1:]...)

	defs := make([]string, len(columns))
	defs[0] = pgx.Identifier{columns[0]}.Sanitize() + " text"
	for i, c := range columns[1:] {
		defs[i+1] = pgx.Identifier{c}.Sanitize() + " double precision"
	}

	name := table.Sanitize()
	pkey := pgx.Identifier{table[1] + "_pkey"}.Sanitize()
	if _, err := l.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %[1]s CASCADE; CREATE TABLE %[1]s (%[2]s)",
		name, strings.Join(defs, ", "))); err != nil {
		return eris.Wrapf(err, "loader: create %s", name)
	}

	n, err := db.CopyRows(ctx, l.pool, table, columns, rows, l.opts.BatchSize)
	if err != nil {
		return err
	}

	post := []string{
		fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)", name, pkey, pgx.Identifier{columns[0]}.Sanitize()),
		fmt.Sprintf("ALTER TABLE %s CLUSTER ON %s", name, pkey),
		"VACUUM ANALYZE " + name,
	}
	for _, sql := range post {
		if _, err := l.pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "loader: finish %s", name)
		}
	}

	l.record(ctx, StageData, table[1], n, start)
	l.log.Debug("data file loaded", zap.String("table", name), zap.Int64("rows", n))
	return nil
}

// CleanCSV strips surrounding whitespace, embedded spaces and stray
// end-of-file (0x1A) characters from a census CSV.
func CleanCSV(raw []byte) []byte {
	return bytes.TrimSpace(bytes.Map(func(r rune) rune {
		if r == ' ' || r == '\x1a' {
			return -1
		}
		return r
	}, raw))
}

// ParseDataCSV reads a census statistics CSV. It returns the lower-cased
// header and one row per region: the identifier followed by each statistic
// as a float64, or nil where the value is missing.
func ParseDataCSV(r io.Reader) ([]string, [][]any, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, nil, eris.Wrap(err, "loader: read csv header")
	}
	if len(header) < 2 {
		return nil, nil, eris.Errorf("loader: csv header has %d columns, want at least 2", len(header))
	}
	for i, h := range header {
		header[i] = foldCase(strings.TrimSpace(h))
		if !census.ValidIdentifier(header[i]) {
			return nil, nil, eris.Wrapf(census.ErrUnknownIdentifier, "loader: csv column %q", h)
		}
	}

	var rows [][]any
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, eris.Wrapf(err, "loader: read csv line %d", line)
		}

		row := make([]any, len(header))
		row[0] = rec[0]
		for i := 1; i < len(header) && i < len(rec); i++ {
			v := rec[i]
			if v == "" || v == MissingValue {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "loader: csv line %d column %s", line, header[i])
			}
			row[i] = f
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
