package census

import (
	"regexp"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ErrUnknownIdentifier is returned when a table, column or boundary name is
// not a plain identifier or is not part of the configured schema.
var ErrUnknownIdentifier = eris.New("census: unknown identifier")

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is a plain lower-case SQL identifier.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Settings is the immutable census configuration shared by the loaders, the
// classification engine and the map server.
type Settings struct {
	Year           string
	DataSchema     string
	BoundarySchema string
	WebSchema      string
	RegionIDField  string
	Boundaries     []BoundaryMeta

	// PopulationTable and PopulationStat name the data table code and
	// column holding each region's total persons.
	PopulationTable string
	PopulationStat  string

	// KMeansSupported is set once at startup from the server version probe.
	KMeansSupported bool
}

// WithKMeans returns a copy of s with the K-means capability flag set.
func (s Settings) WithKMeans(supported bool) Settings {
	s.KMeansSupported = supported
	s.Boundaries = slices.Clone(s.Boundaries)
	return s
}

// Validate checks that every schema and field name is a plain identifier.
func (s *Settings) Validate() error {
	for _, name := range []string{s.DataSchema, s.BoundarySchema, s.WebSchema, s.RegionIDField, s.PopulationTable, s.PopulationStat} {
		if !ValidIdentifier(name) {
			return eris.Wrapf(ErrUnknownIdentifier, "census: invalid schema or field name %q", name)
		}
	}
	if len(s.Boundaries) == 0 {
		return eris.New("census: no boundaries configured")
	}
	for _, b := range s.Boundaries {
		if !b.Boundary.Valid() {
			return eris.Wrapf(ErrUnknownIdentifier, "census: unknown boundary %q", b.Boundary)
		}
		if !ValidIdentifier(b.IDField) {
			return eris.Wrapf(ErrUnknownIdentifier, "census: boundary %s: invalid id field %q", b.Boundary, b.IDField)
		}
		if b.NameField == "" || b.AreaField == "" {
			return eris.Errorf("census: boundary %s: name and area expressions are required", b.Boundary)
		}
	}
	return nil
}

// Boundary returns the metadata of a configured boundary.
func (s *Settings) Boundary(r Resolution) (BoundaryMeta, error) {
	for _, b := range s.Boundaries {
		if b.Boundary == r {
			return b, nil
		}
	}
	return BoundaryMeta{}, eris.Wrapf(ErrUnknownIdentifier, "census: boundary %q is not configured", r)
}

// DataTable returns the identifier of a census data table, e.g. "sa2_g01".
func (s *Settings) DataTable(name string) (pgx.Identifier, error) {
	if !ValidIdentifier(name) {
		return nil, eris.Wrapf(ErrUnknownIdentifier, "census: invalid data table %q", name)
	}
	return pgx.Identifier{s.DataSchema, name}, nil
}

// DataTableFor returns the data table holding census table code for boundary r.
func (s *Settings) DataTableFor(r Resolution, code string) (pgx.Identifier, error) {
	if _, err := s.Boundary(r); err != nil {
		return nil, err
	}
	return s.DataTable(DataTableName(r, code))
}

// TableCode strips the boundary prefix from a data table name, so "sa2_g02"
// and "g02" both name census table g02 for boundary sa2.
func TableCode(r Resolution, table string) string {
	return strings.TrimPrefix(table, string(r)+"_")
}

// DataTableName returns the data table of census table code (or an already
// prefixed data table name) for boundary r.
func DataTableName(r Resolution, table string) string {
	return string(r) + "_" + TableCode(r, table)
}

// RawBoundaryTable returns the loaded (unsimplified) boundary table for r.
func (s *Settings) RawBoundaryTable(r Resolution) (pgx.Identifier, error) {
	if _, err := s.Boundary(r); err != nil {
		return nil, err
	}
	return pgx.Identifier{s.BoundarySchema, string(r)}, nil
}

// WebTable returns the web-optimised boundary table for r. Web tables expose
// id, name, area, population and geom columns.
func (s *Settings) WebTable(r Resolution) (pgx.Identifier, error) {
	if _, err := s.Boundary(r); err != nil {
		return nil, err
	}
	return pgx.Identifier{s.WebSchema, string(r)}, nil
}
