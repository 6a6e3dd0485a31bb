package loader

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLoad(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO census_meta.load_status").
		WithArgs("2016", StageData, "sa2_g01", int64(42), 1500).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = RecordLoad(context.Background(), mock, "2016", StageData, "sa2_g01", 42, 1500*time.Millisecond)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLoad_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO census_meta.load_status").WillReturnError(errTest)

	err = RecordLoad(context.Background(), mock, "2016", StageWeb, "sa2", 1, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record load status sa2")
}

func TestLoadStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("FROM census_meta.load_status").
		WithArgs("2016").
		WillReturnRows(pgxmock.NewRows([]string{"census_year", "stage", "table_name", "row_count", "duration_ms", "loaded_at"}).
			AddRow("2016", StageBoundaries, "sa2", int64(2310), 900, now).
			AddRow("2016", StageWeb, "sa2", int64(2310), 400, now))

	status, err := LoadStatus(context.Background(), mock, "2016")
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, StageBoundaries, status[0].Stage)
	assert.Equal(t, int64(2310), status[1].RowCount)
	assert.Equal(t, 400, status[1].DurationMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStatus_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM census_meta.load_status").WillReturnError(errTest)

	_, err = LoadStatus(context.Background(), mock, "")
	assert.Error(t, err)
}
