// Package version probes the database server for PostgreSQL, PostGIS and
// GEOS versions and reports process runtime details.
package version

import (
	"context"
	"regexp"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/db"
)

// Minimum versions providing ST_ClusterKMeans.
var (
	MinPostGIS = Semver{2, 2, 0}
	MinGEOS    = Semver{3, 5, 0}
)

// Semver is a major.minor.patch version.
type Semver struct {
	Major, Minor, Patch int
}

func (v Semver) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// AtLeast reports whether v >= o.
func (v Semver) AtLeast(o Semver) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch >= o.Patch
}

var semverRe = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// ParseSemver reads the leading numeric version of s, e.g. "3.12.1-CAPI-1.18.1".
func ParseSemver(s string) (Semver, bool) {
	m := semverRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Semver{}, false
	}
	var v Semver
	v.Major, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		v.Minor, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v, true
}

// Versions holds the probed server versions.
type Versions struct {
	Server  string `json:"server"`
	PostGIS Semver `json:"postgis"`
	GEOS    Semver `json:"geos"`
	Full    string `json:"postgis_full"`
}

// KMeansSupported reports whether the server provides ST_ClusterKMeans.
func (v Versions) KMeansSupported() bool {
	return v.PostGIS.AtLeast(MinPostGIS) && v.GEOS.AtLeast(MinGEOS)
}

// ParseFullVersion extracts the POSTGIS and GEOS versions from the output
// of PostGIS_full_version().
func ParseFullVersion(full string) (postgis, geos Semver, err error) {
	var foundPostGIS, foundGEOS bool
	for _, field := range strings.Fields(full) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		val = strings.Trim(val, `"`)
		switch key {
		case "POSTGIS":
			postgis, foundPostGIS = ParseSemver(val)
		case "GEOS":
			geos, foundGEOS = ParseSemver(val)
		}
	}
	if !foundPostGIS || !foundGEOS {
		return postgis, geos, eris.Errorf("version: cannot parse PostGIS_full_version %q", full)
	}
	return postgis, geos, nil
}

// Probe queries the server, PostGIS and GEOS versions.
func Probe(ctx context.Context, pool db.Pool) (Versions, error) {
	var v Versions
	if err := pool.QueryRow(ctx, "SELECT version(), PostGIS_full_version()").Scan(&v.Server, &v.Full); err != nil {
		return v, eris.Wrap(err, "version: probe")
	}

	var err error
	v.PostGIS, v.GEOS, err = ParseFullVersion(v.Full)
	if err != nil {
		return v, err
	}

	zap.L().Info("database versions",
		zap.String("server", v.Server),
		zap.Stringer("postgis", v.PostGIS),
		zap.Stringer("geos", v.GEOS),
		zap.Bool("kmeans_supported", v.KMeansSupported()),
	)
	return v, nil
}

// Runtime describes the running process.
type Runtime struct {
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	CPUs       int    `json:"cpus"`
	PgxVersion string `json:"pgx_version"`
}

// RuntimeInfo returns details about the running binary.
func RuntimeInfo() Runtime {
	r := Runtime{
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		PgxVersion: "unknown",
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == "github.com/jackc/pgx/v5" {
				r.PgxVersion = dep.Version
				break
			}
		}
	}
	return r
}
