package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/id"
)

const (
	envPrefix       = "CLINICSYNC_"
	localDBPath     = ".clinicsync/clinicsync.db"
	defaultPageSize = 500
)

// Config represents the application configuration
type Config struct {
	DBDriver           string        `yaml:"db_driver"`
	DBPath             string        `yaml:"db_path"`
	DatabaseURL        string        `yaml:"database_url"`
	PageSize           int           `yaml:"page_size"`
	Jobs               int           `yaml:"jobs"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	Output             string        `yaml:"output"`
	LockPath           string        `yaml:"lock_path"`
	NotifyURL          string        `yaml:"notify_url"`
	PlaceholderPattern string        `yaml:"placeholder_pattern"`
	DependentTables    []TableConfig `yaml:"dependent_tables"`
}

// TableConfig names one dependent table. Columns default to id and person_id.
type TableConfig struct {
	Name         string   `yaml:"name"`
	IDColumn     string   `yaml:"id_column"`
	PersonColumn string   `yaml:"person_column"`
	UniqueKeys   []string `yaml:"unique_keys"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables (CLINICSYNC_*)
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. the YAML file at path, or ~/.config/clinicsync/config.yaml when path is empty
//
// Command-line flags are applied by the caller on top of the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DBDriver:  db.DriverSQLite,
		PageSize:  defaultPageSize,
		LogLevel:  "info",
		LogFormat: "console",
		Output:    "table",
	}

	// godotenv never overrides variables that are already set
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if err := loadYAMLConfig(cfg, path); err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		if _, err := os.Stat(localDBPath); err == nil {
			cfg.DBPath = localDBPath
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.DBPath = filepath.Join(homeDir, ".local", "share", "clinicsync", "clinicsync.db")
		}
	}

	return cfg, nil
}

// loadYAMLConfig reads an explicit path, which must exist, or the default
// location, which is optional.
func loadYAMLConfig(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(homeDir, ".config", "clinicsync", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DB_DRIVER":           &cfg.DBDriver,
		"LOG_LEVEL":           &cfg.LogLevel,
		"LOG_FORMAT":          &cfg.LogFormat,
		"OUTPUT":              &cfg.Output,
		"LOCK_PATH":           &cfg.LockPath,
		"NOTIFY_URL":          &cfg.NotifyURL,
		"PLACEHOLDER_PATTERN": &cfg.PlaceholderPattern,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	if v := getEnvOrFile(envPrefix+"DB_PATH", envPrefix+"DB_PATH_FILE"); v != "" {
		cfg.DBPath = v
	}
	if v := getEnvOrFile(envPrefix+"DATABASE_URL", envPrefix+"DATABASE_URL_FILE"); v != "" {
		cfg.DatabaseURL = v
	}

	ints := map[string]*int{
		"PAGE_SIZE": &cfg.PageSize,
		"JOBS":      &cfg.Jobs,
	}
	for name, dst := range ints {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %q is not a number", envPrefix, name, v)
		}
		*dst = n
	}

	// name[:unique_key+unique_key],name...
	if v := os.Getenv(envPrefix + "DEPENDENT_TABLES"); v != "" {
		cfg.DependentTables = parseTableList(v)
	}
	return nil
}

func parseTableList(v string) []TableConfig {
	var tables []TableConfig
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, keys, _ := strings.Cut(item, ":")
		tc := TableConfig{Name: strings.TrimSpace(name)}
		for _, k := range strings.Split(keys, "+") {
			if k = strings.TrimSpace(k); k != "" {
				tc.UniqueKeys = append(tc.UniqueKeys, k)
			}
		}
		tables = append(tables, tc)
	}
	return tables
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks values that would otherwise fail deep inside a run.
// Table and column names end up in SQL, so they must be plain identifiers.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return fmt.Errorf("db_driver %q: want %s or %s", c.DBDriver, db.DriverSQLite, db.DriverPostgres)
	}
	if c.DBDriver == db.DriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required for %s", db.DriverPostgres)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative, got %d", c.Jobs)
	}
	if _, err := id.NewClassifier(c.PlaceholderPattern); err != nil {
		return err
	}
	for _, t := range c.Tables() {
		names := append([]string{t.Name, t.IDColumn, t.PersonColumn}, t.UniqueKeys...)
		for _, n := range names {
			if !identifier.MatchString(n) {
				return fmt.Errorf("dependent table %q: invalid identifier %q", t.Name, n)
			}
		}
	}
	return nil
}

// DSN returns the connection string for the configured driver
func (c *Config) DSN() string {
	if c.DBDriver == db.DriverPostgres {
		return c.DatabaseURL
	}
	return c.DBPath
}

// RunLockPath returns the merge lock file. It defaults to a sibling of the
// SQLite database, or a file under the user's state directory for PostgreSQL.
func (c *Config) RunLockPath() string {
	if c.LockPath != "" {
		return c.LockPath
	}
	if c.DBDriver != db.DriverPostgres && c.DBPath != "" {
		return c.DBPath + ".lock"
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "clinicsync-merge.lock")
	}
	return filepath.Join(homeDir, ".local", "state", "clinicsync", "merge.lock")
}

// Tables returns the dependent tables in processing order, falling back to
// the built-in schema when none are configured.
func (c *Config) Tables() []domain.DependentTable {
	if len(c.DependentTables) == 0 {
		return domain.DefaultDependentTables()
	}
	tables := make([]domain.DependentTable, len(c.DependentTables))
	for i, tc := range c.DependentTables {
		t := domain.DependentTable{
			Name:         tc.Name,
			IDColumn:     tc.IDColumn,
			PersonColumn: tc.PersonColumn,
			UniqueKeys:   tc.UniqueKeys,
		}
		if t.IDColumn == "" {
			t.IDColumn = "id"
		}
		if t.PersonColumn == "" {
			t.PersonColumn = "person_id"
		}
		tables[i] = t
	}
	return tables
}
