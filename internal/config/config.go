package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/census-loader/internal/census"
	"github.com/sells-group/census-loader/internal/classify"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Census    CensusConfig    `yaml:"census" mapstructure:"census"`
	Load      LoadConfig      `yaml:"load" mapstructure:"load"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the PostGIS database.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CensusConfig selects the census year, its schemas and its source files.
// Empty schemas and boundary lists take the year's defaults.
type CensusConfig struct {
	Year           string                `yaml:"year" mapstructure:"year"`
	DataSchema     string                `yaml:"data_schema" mapstructure:"data_schema"`
	BoundarySchema string                `yaml:"boundary_schema" mapstructure:"boundary_schema"`
	WebSchema      string                `yaml:"web_schema" mapstructure:"web_schema"`
	DataPath       string                `yaml:"data_path" mapstructure:"data_path"`
	BoundariesPath string                `yaml:"boundaries_path" mapstructure:"boundaries_path"`
	RegionIDField  string                `yaml:"region_id_field" mapstructure:"region_id_field"`
	Boundaries     []census.BoundaryMeta `yaml:"boundaries" mapstructure:"boundaries"`
}

// LoadConfig configures the bulk loaders.
type LoadConfig struct {
	MaxProcesses int           `yaml:"max_processes" mapstructure:"max_processes"`
	UnitTimeout  time.Duration `yaml:"unit_timeout" mapstructure:"unit_timeout"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	Ogr2ogrPath  string        `yaml:"ogr2ogr_path" mapstructure:"ogr2ogr_path"` // empty = in-process shapefile import
}

// ClassifyConfig sets classification defaults.
type ClassifyConfig struct {
	NumClasses     int    `yaml:"num_classes" mapstructure:"num_classes"`
	Method         string `yaml:"method" mapstructure:"method"`
	PercentBuckets int    `yaml:"percent_buckets" mapstructure:"percent_buckets"`
}

// ServerConfig configures the map server.
type ServerConfig struct {
	Port        int           `yaml:"port" mapstructure:"port"`
	CacheSize     int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheMaxBytes int64         `yaml:"cache_max_bytes" mapstructure:"cache_max_bytes"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	RateLimit     float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst" mapstructure:"rate_burst"`
	CORSOrigins   []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TelemetryConfig toggles OpenTelemetry export. The exporter endpoint comes
// from the standard OTEL_EXPORTER_OTLP_* environment variables.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Load reads configuration from an optional .env file, config.yaml and the
// CENSUS_* environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CENSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a real default are registered empty so that
	// AutomaticEnv can still bind them.
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("census.year", "2016")
	v.SetDefault("census.data_schema", "")
	v.SetDefault("census.boundary_schema", "")
	v.SetDefault("census.web_schema", "")
	v.SetDefault("census.data_path", "")
	v.SetDefault("census.boundaries_path", "")
	v.SetDefault("census.region_id_field", "")
	v.SetDefault("load.max_processes", 3)
	v.SetDefault("load.unit_timeout", 0)
	v.SetDefault("load.batch_size", 5000)
	v.SetDefault("load.ogr2ogr_path", "")
	v.SetDefault("classify.num_classes", 7)
	v.SetDefault("classify.method", "kmeans")
	v.SetDefault("classify.percent_buckets", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cache_size", 1000)
	v.SetDefault("server.cache_max_bytes", 64<<20)
	v.SetDefault("server.cache_ttl", time.Hour)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("telemetry.enabled", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.applyYearDefaults()

	return &cfg, nil
}

// applyYearDefaults fills schemas, region id field and boundaries left empty
// with the defaults of the configured census year.
func (c *Config) applyYearDefaults() {
	y := c.Census.Year
	if c.Census.DataSchema == "" {
		c.Census.DataSchema = "census_" + y + "_data"
	}
	if c.Census.BoundarySchema == "" {
		c.Census.BoundarySchema = "census_" + y + "_bdys"
	}
	if c.Census.WebSchema == "" {
		c.Census.WebSchema = "census_" + y + "_web"
	}

	d, ok := census.Defaults(y)
	if !ok {
		return
	}
	if c.Census.RegionIDField == "" {
		c.Census.RegionIDField = d.RegionIDField
	}
	if len(c.Census.Boundaries) == 0 {
		c.Census.Boundaries = d.Boundaries
	}
}

// Validate checks the configuration for a command. Modes "load", "serve",
// "bins" and "status" need a database; "serve" also needs a valid port.
func (c *Config) Validate(mode string) error {
	var errs []string

	if _, ok := census.Defaults(c.Census.Year); !ok {
		errs = append(errs, fmt.Sprintf("census.year %q is not supported (2011 or 2016)", c.Census.Year))
	}
	for name, schema := range map[string]string{
		"census.data_schema":     c.Census.DataSchema,
		"census.boundary_schema": c.Census.BoundarySchema,
		"census.web_schema":      c.Census.WebSchema,
	} {
		if !census.ValidIdentifier(schema) {
			errs = append(errs, fmt.Sprintf("%s %q is not a valid schema name", name, schema))
		}
	}
	for i, b := range c.Census.Boundaries {
		if !b.Boundary.Valid() || !census.ValidIdentifier(b.IDField) {
			errs = append(errs, fmt.Sprintf("census.boundaries[%d] has an invalid boundary or id_field", i))
		}
	}
	if c.Load.MaxProcesses < 1 {
		errs = append(errs, "load.max_processes must be at least 1")
	}
	if c.Classify.NumClasses < 1 || c.Classify.NumClasses > classify.MaxClasses {
		errs = append(errs, fmt.Sprintf("classify.num_classes must be between 1 and %d", classify.MaxClasses))
	}
	if c.Classify.PercentBuckets < 0 || c.Classify.PercentBuckets > classify.MaxClasses {
		errs = append(errs, fmt.Sprintf("classify.percent_buckets must be between 0 and %d", classify.MaxClasses))
	}

	switch mode {
	case "load", "serve", "bins", "status":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	if mode == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Settings derives the immutable census settings. K-means support starts
// disabled; callers set it from a version probe with Settings.WithKMeans.
func (c *Config) Settings() (*census.Settings, error) {
	d, ok := census.Defaults(c.Census.Year)
	if !ok {
		return nil, eris.Errorf("config: unsupported census year %q", c.Census.Year)
	}

	s := &census.Settings{
		Year:            c.Census.Year,
		DataSchema:      c.Census.DataSchema,
		BoundarySchema:  c.Census.BoundarySchema,
		WebSchema:       c.Census.WebSchema,
		RegionIDField:   c.Census.RegionIDField,
		Boundaries:      slices.Clone(c.Census.Boundaries),
		PopulationTable: d.PopulationTable,
		PopulationStat:  d.PopulationStat,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
