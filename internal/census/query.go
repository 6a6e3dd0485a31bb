package census

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// StatQuery builds the shared FROM/WHERE fragments for statistics on a data
// table joined to a web boundary table. Every identifier in it has been
// validated, so the fragments are safe to interpolate.
type StatQuery struct {
	Data     pgx.Identifier
	Boundary pgx.Identifier
	RegionID string
	Stat     string
	Percent  bool
}

// NewStatQuery validates the identifiers of a statistic lookup.
func (s *Settings) NewStatQuery(dataTable string, boundary Resolution, stat string, percent bool) (StatQuery, error) {
	data, err := s.DataTable(dataTable)
	if err != nil {
		return StatQuery{}, err
	}
	bdy, err := s.WebTable(boundary)
	if err != nil {
		return StatQuery{}, err
	}
	if !ValidIdentifier(stat) {
		return StatQuery{}, eris.Wrapf(ErrUnknownIdentifier, "census: invalid stat field %q", stat)
	}
	return StatQuery{
		Data:     data,
		Boundary: bdy,
		RegionID: s.RegionIDField,
		Stat:     stat,
		Percent:  percent,
	}, nil
}

// Column returns the qualified statistic column.
func (q StatQuery) Column() string {
	return pgx.Identifier{"tab", q.Stat}.Sanitize()
}

// From returns the join of the data table to its boundary table.
func (q StatQuery) From() string {
	return fmt.Sprintf("FROM %s AS tab INNER JOIN %s AS bdy ON %s = bdy.id",
		q.Data.Sanitize(), q.Boundary.Sanitize(), pgx.Identifier{"tab", q.RegionID}.Sanitize())
}

// Where filters out missing and zero values (and values of 100 or more for
// percentages) and boundaries whose population does not exceed the bind
// parameter popParam.
func (q StatQuery) Where(popParam string) string {
	col := q.Column()
	if q.Percent {
		return fmt.Sprintf("WHERE %s > 0.0 AND %s < 100.0 AND bdy.population > %s", col, col, popParam)
	}
	return fmt.Sprintf("WHERE %s > 0.0 AND bdy.population > %s", col, popParam)
}
