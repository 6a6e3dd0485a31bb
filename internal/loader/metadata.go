package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/db"
)

// metadataSheet describes one table of the census metadata workbook. The
// sheet holding it is found by the first cell of its header row.
type metadataSheet struct {
	Table    string
	FirstRow string
	Columns  []string
}

var metadataSheets = []metadataSheet{
	{
		Table:    "metadata_tables",
		FirstRow: "table number",
		Columns:  []string{"table_number", "table_name", "table_description"},
	},
	{
		Table:    "metadata_stats",
		FirstRow: "sequential",
		Columns: []string{
			"sequential_id", "short_id", "long_id",
			"table_number", "profile_table", "column_heading_description",
		},
	},
}

// LoadMetadata imports the metadata workbook describing the census tables
// and their statistics into <data_schema>.metadata_tables and
// <data_schema>.metadata_stats.
func (l *Loader) LoadMetadata(ctx context.Context) error {
	d := l.opts.Defaults
	files, err := findFiles(l.opts.DataPath, d.MetadataFilePrefix, d.MetadataFileType)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return eris.Errorf("loader: no %s*%s metadata file under %s", d.MetadataFilePrefix, d.MetadataFileType, l.opts.DataPath)
	}

	path := files[0]
	sheets, err := readWorkbook(path)
	if err != nil {
		return err
	}

	for _, ms := range metadataSheets {
		start := time.Now()

		rows, ok := findMetadataRows(sheets, ms)
		if !ok {
			return eris.Errorf("loader: %s: no sheet starting with %q", path, ms.FirstRow)
		}

		table := pgx.Identifier{l.settings.DataSchema, ms.Table}
		if err := createTextTable(ctx, l.pool, table, ms.Columns); err != nil {
			return err
		}
		n, err := db.CopyRows(ctx, l.pool, table, ms.Columns, rows, l.opts.BatchSize)
		if err != nil {
			return err
		}
		if _, err := l.pool.Exec(ctx, "ANALYZE "+table.Sanitize()); err != nil {
			return eris.Wrapf(err, "loader: analyze %s", table.Sanitize())
		}

		l.record(ctx, StageMetadata, ms.Table, n, start)
		l.log.Info("metadata loaded", zap.String("table", table.Sanitize()), zap.Int64("rows", n))
	}
	return nil
}

// readWorkbook returns every sheet of an xlsx workbook as string rows.
func readWorkbook(path string) ([][][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: open workbook %s", path)
	}

	out := make([][][]string, 0, len(f.Sheets))
	for _, sheet := range f.Sheets {
		rows := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				cells[j] = strings.TrimSpace(cell.String())
			}
			rows = append(rows, cells)
		}
		out = append(out, rows)
	}
	return out, nil
}

// findMetadataRows locates the header row of ms in any sheet and returns the
// rows below it up to the first row with an empty first cell.
func findMetadataRows(sheets [][][]string, ms metadataSheet) ([][]any, bool) {
	for _, rows := range sheets {
		header := -1
		for i, r := range rows {
			if len(r) > 0 && strings.EqualFold(r[0], ms.FirstRow) {
				header = i
				break
			}
		}
		if header < 0 {
			continue
		}

		var out [][]any
		for _, r := range rows[header+1:] {
			if len(r) == 0 || r[0] == "" {
				break
			}
			row := make([]any, len(ms.Columns))
			for j := range row {
				if j < len(r) && r[j] != "" {
					row[j] = r[j]
				}
			}
			out = append(out, row)
		}
		return out, true
	}
	return nil, false
}

// createTextTable drops and recreates table with text columns.
func createTextTable(ctx context.Context, pool db.Pool, table pgx.Identifier, columns []string) error {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgx.Identifier{c}.Sanitize() + " text"
	}
	sql := fmt.Sprintf("DROP TABLE IF EXISTS %[1]s CASCADE; CREATE TABLE %[1]s (%[2]s)",
		table.Sanitize(), strings.Join(defs, ", "))
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "loader: create %s", table.Sanitize())
	}
	return nil
}
