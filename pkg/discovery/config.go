package discovery

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netwatch/cdpcrawl/pkg/util"
)

// Config is the immutable, fully-resolved configuration for one crawl run.
// It is loaded once in the entry component (cmd/cdpcrawl), which passes the
// relevant fields (database path, timeouts, output location, filters) to the
// Store, Engine, Session, and Exporter — there is no process-wide mutable
// config singleton.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Threading  ThreadingConfig  `yaml:"threading"`
	Database   DatabaseConfig   `yaml:"database"`
	Output     OutputConfig     `yaml:"output"`
	Filtering  FilterConfig     `yaml:"filtering"`
}

// ConnectionConfig governs Session connect/command retry and timeouts.
type ConnectionConfig struct {
	RetryAttempts int `yaml:"retry_attempts"`
	RetryDelay    int `yaml:"retry_delay"` // seconds
	Timeout       int `yaml:"timeout"`     // seconds
}

// ThreadingConfig governs the Engine's worker pool and Frontier take timeout.
type ThreadingConfig struct {
	MaxWorkers   int `yaml:"max_workers"`
	QueueTimeout int `yaml:"queue_timeout"` // seconds
}

// DatabaseConfig locates the persistent Inventory Store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// OutputConfig locates the Exporter's destination file.
type OutputConfig struct {
	Directory     string `yaml:"directory"`
	InventoryFile string `yaml:"inventory_file"`
}

// FilterConfig drives device-type classification (see Classify).
type FilterConfig struct {
	ExcludePlatforms []string `yaml:"exclude_platforms"`
	IncludePlatforms []string `yaml:"include_platforms"`
}

// RetryDelayDuration returns RetryDelay as a time.Duration.
func (c ConnectionConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c ConnectionConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// QueueTimeoutDuration returns QueueTimeout as a time.Duration.
func (c ThreadingConfig) QueueTimeoutDuration() time.Duration {
	return time.Duration(c.QueueTimeout) * time.Second
}

// defaultConfig returns the configuration used to fill in any key omitted
// from the config file, so a minimal or absent file still runs.
func defaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			RetryAttempts: 3,
			RetryDelay:    5,
			Timeout:       30,
		},
		Threading: ThreadingConfig{
			MaxWorkers:   4,
			QueueTimeout: 5,
		},
		Database: DatabaseConfig{
			Path: "./cdpcrawl.db",
		},
		Output: OutputConfig{
			Directory:     "./output",
			InventoryFile: "inventory.csv",
		},
		Filtering: FilterConfig{},
	}
}

// LoadConfig reads and validates configuration from path, filling in
// defaults for any omitted key. A missing file is not an error — defaults
// apply in full. A malformed file or an invalid value (e.g. a negative
// retry count) is a fatal ConfigError.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, &ConfigError{Path: path, Reason: err.Error()}
	}

	// Unmarshal into the defaulted struct so zero values in the file don't
	// clobber defaults for keys the file omits entirely — yaml.Unmarshal
	// only overwrites fields actually present in the document.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &ConfigError{Path: path, Reason: fmt.Sprintf("parsing yaml: %s", err)}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, &ConfigError{Path: path, Reason: err.Error()}
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Connection.RetryAttempts < 1:
		return fmt.Errorf("connection.retry_attempts must be >= 1, got %d", cfg.Connection.RetryAttempts)
	case cfg.Connection.RetryDelay < 0:
		return fmt.Errorf("connection.retry_delay must be >= 0, got %d", cfg.Connection.RetryDelay)
	case cfg.Connection.Timeout < 1:
		return fmt.Errorf("connection.timeout must be >= 1, got %d", cfg.Connection.Timeout)
	case cfg.Threading.MaxWorkers < 1:
		return fmt.Errorf("threading.max_workers must be >= 1, got %d", cfg.Threading.MaxWorkers)
	case cfg.Threading.QueueTimeout < 1:
		return fmt.Errorf("threading.queue_timeout must be > 0, got %d", cfg.Threading.QueueTimeout)
	case cfg.Database.Path == "":
		return fmt.Errorf("database.path must not be empty")
	case cfg.Output.Directory == "" || cfg.Output.InventoryFile == "":
		return fmt.Errorf("output.directory and output.inventory_file must not be empty")
	}
	return nil
}

// ConfigError is a fatal startup error: missing/invalid configuration.
// It is always terminal — the process exits before any worker starts.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %s", e.Path, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return util.ErrInvalidConfig
}
