package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/s3pgload/internal/db"
	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/logging"
	"github.com/rpattn/s3pgload/internal/metrics"
	"github.com/rpattn/s3pgload/internal/normalize"
	"github.com/rpattn/s3pgload/internal/objectstore"
	"github.com/rpattn/s3pgload/internal/watermark"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. S3PGLOAD_DATABASE_HOST.
const EnvPrefix = "S3PGLOAD"

// DatabaseConfig describes the warehouse server. The ledger lives in the
// monitor database, entity tables in the data database.
type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	SSLMode       string
	DataDBName    string
	MonitorDBName string
	TableSchema   string
}

// Data returns the connection settings of the data database.
func (c DatabaseConfig) Data() db.Config { return c.connection(c.DataDBName) }

// Monitor returns the connection settings of the monitor database.
func (c DatabaseConfig) Monitor() db.Config { return c.connection(c.MonitorDBName) }

func (c DatabaseConfig) connection(name string) db.Config {
	return db.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		DBName:   name,
		SSLMode:  c.SSLMode,
	}
}

// BucketConfig is an object-store endpoint plus the bucket used on it.
type BucketConfig struct {
	objectstore.Config
	Bucket string
	Prefix string
}

// PipelineConfig holds the loader's own settings.
type PipelineConfig struct {
	SchemaPath  string
	EpochStart  time.Time
	Timezone    string
	DedupPolicy string
	// LocalStoreRoot, when set, serves both buckets from this directory
	// instead of S3.
	LocalStoreRoot string
}

// Config is the full process configuration.
type Config struct {
	Database DatabaseConfig
	Source   BucketConfig
	Staging  BucketConfig
	Pipeline PipelineConfig
	Metrics  metrics.Config
	Log      logging.Config
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	database := db.DefaultConfig()
	return Config{
		Database: DatabaseConfig{
			Host:          database.Host,
			Port:          database.Port,
			User:          database.User,
			Password:      database.Password,
			SSLMode:       database.SSLMode,
			DataDBName:    "warehouse",
			MonitorDBName: "warehouse_monitor",
			TableSchema:   "public",
		},
		Source: BucketConfig{
			Config: objectstore.Config{Endpoint: "s3.amazonaws.com", Region: "us-east-1", UseSSL: true, Anonymous: true},
			Prefix: "data/",
		},
		Staging: BucketConfig{
			Config: objectstore.Config{Endpoint: "localhost:9000", Region: "us-east-1"},
		},
		Pipeline: PipelineConfig{
			SchemaPath:  "schema.yaml",
			EpochStart:  watermark.DefaultEpoch,
			Timezone:    "UTC",
			DedupPolicy: string(normalize.KeepFirst),
		},
		Metrics: metrics.Config{Job: "s3pgload"},
		Log:     logging.Config{Level: "info"},
	}
}

var envKeys = []string{
	"database.host", "database.port", "database.user", "database.password", "database.sslmode",
	"database.data_dbname", "database.monitor_dbname", "database.table_schema",
	"source.endpoint", "source.region", "source.bucket", "source.prefix", "source.anonymous",
	"source.access_key", "source.secret_key", "source.use_ssl",
	"staging.endpoint", "staging.region", "staging.bucket", "staging.anonymous",
	"staging.access_key", "staging.secret_key", "staging.use_ssl",
	"pipeline.schema_path", "pipeline.epoch_start", "pipeline.timezone", "pipeline.dedup_policy",
	"pipeline.local_store_root",
	"metrics.pushgateway_url", "metrics.job",
	"log.level", "log.development",
}

// Load builds the configuration from defaults, an optional config.yaml, and
// S3PGLOAD_* environment variables, in increasing priority. configPath is
// either a directory searched for config.yaml or a file path. The second
// return value names the file that was read, empty when none was found.
func Load(configPath string) (Config, string, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if ext := filepath.Ext(configPath); ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configPath == "" {
			configPath = "."
		}
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	source := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, "", fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		source = v.ConfigFileUsed()
	}

	applyDatabase(v, &cfg.Database)
	applyBucket(v, "source", &cfg.Source)
	applyBucket(v, "staging", &cfg.Staging)
	if err := applyPipeline(v, &cfg.Pipeline); err != nil {
		return cfg, source, err
	}
	if v.IsSet("metrics.pushgateway_url") {
		cfg.Metrics.PushgatewayURL = v.GetString("metrics.pushgateway_url")
	}
	if v.IsSet("metrics.job") {
		cfg.Metrics.Job = v.GetString("metrics.job")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.development") {
		cfg.Log.Development = v.GetBool("log.development")
	}

	return cfg, source, nil
}

func applyDatabase(v *viper.Viper, cfg *DatabaseConfig) {
	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.data_dbname") {
		cfg.DataDBName = v.GetString("database.data_dbname")
	}
	if v.IsSet("database.monitor_dbname") {
		cfg.MonitorDBName = v.GetString("database.monitor_dbname")
	}
	if v.IsSet("database.table_schema") {
		cfg.TableSchema = v.GetString("database.table_schema")
	}
}

func applyBucket(v *viper.Viper, section string, cfg *BucketConfig) {
	key := func(name string) string { return section + "." + name }

	if v.IsSet(key("endpoint")) {
		cfg.Endpoint = v.GetString(key("endpoint"))
	}
	if v.IsSet(key("region")) {
		cfg.Region = v.GetString(key("region"))
	}
	if v.IsSet(key("bucket")) {
		cfg.Bucket = v.GetString(key("bucket"))
	}
	if v.IsSet(key("prefix")) {
		cfg.Prefix = v.GetString(key("prefix"))
	}
	if v.IsSet(key("anonymous")) {
		cfg.Anonymous = v.GetBool(key("anonymous"))
	}
	if v.IsSet(key("access_key")) {
		cfg.AccessKey = v.GetString(key("access_key"))
	}
	if v.IsSet(key("secret_key")) {
		cfg.SecretKey = v.GetString(key("secret_key"))
	}
	if v.IsSet(key("use_ssl")) {
		cfg.UseSSL = v.GetBool(key("use_ssl"))
	}
}

func applyPipeline(v *viper.Viper, cfg *PipelineConfig) error {
	if v.IsSet("pipeline.schema_path") {
		cfg.SchemaPath = v.GetString("pipeline.schema_path")
	}
	if v.IsSet("pipeline.epoch_start") {
		// YAML may already have decoded an unquoted timestamp.
		switch value := v.Get("pipeline.epoch_start").(type) {
		case time.Time:
			cfg.EpochStart = value.UTC()
		default:
			raw := strings.TrimSpace(fmt.Sprint(value))
			epoch, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("%w: pipeline.epoch_start %q must be RFC3339", domain.ErrConfiguration, raw)
			}
			cfg.EpochStart = epoch.UTC()
		}
	}
	if v.IsSet("pipeline.timezone") {
		cfg.Timezone = v.GetString("pipeline.timezone")
	}
	if v.IsSet("pipeline.dedup_policy") {
		cfg.DedupPolicy = v.GetString("pipeline.dedup_policy")
	}
	if v.IsSet("pipeline.local_store_root") {
		cfg.LocalStoreRoot = v.GetString("pipeline.local_store_root")
	}
	return nil
}

// Location resolves the storage timezone for timestamps.
func (c PipelineConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrConfiguration, name)
	}
	return loc, nil
}

// Validate checks the settings every step depends on.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Staging.Bucket) == "" {
		problems = append(problems, "staging.bucket is required")
	}
	if strings.TrimSpace(c.Source.Bucket) == "" {
		problems = append(problems, "source.bucket is required")
	}
	if _, err := c.Pipeline.Location(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := normalize.ParseDedupPolicy(c.Pipeline.DedupPolicy); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
