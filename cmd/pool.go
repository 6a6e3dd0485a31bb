package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/db"
	versionpkg "github.com/sells-group/census-loader/internal/version"
)

// openPool connects to the configured database. The pool holds at least one
// connection per load worker.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	maxConns := cfg.Store.MaxConns
	if workers := int32(cfg.Load.MaxProcesses); workers > maxConns {
		maxConns = workers
	}
	return db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
		MaxConns: maxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// censusSettings builds the census settings with K-means support taken from
// the server's PostGIS and GEOS versions.
func censusSettings(ctx context.Context, pool db.Pool) (*census.Settings, versionpkg.Versions, error) {
	s, err := cfg.Settings()
	if err != nil {
		return nil, versionpkg.Versions{}, err
	}

	v, err := versionpkg.Probe(ctx, pool)
	if err != nil {
		return nil, v, eris.Wrap(err, "probe database versions")
	}
	if !v.KMeansSupported() {
		zap.L().Warn("K-means classification unavailable, falling back to equal interval",
			zap.Stringer("postgis", v.PostGIS),
			zap.Stringer("geos", v.GEOS),
		)
	}

	ws := s.WithKMeans(v.KMeansSupported())
	return &ws, v, nil
}
