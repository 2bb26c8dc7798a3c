package analysis

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration loaded by the binary.
type Config struct {
	DBPath      string `yaml:"db_path"`
	Listen      string `yaml:"listen"`
	Concurrency int    `yaml:"concurrency"`

	SERP     SERPConfig     `yaml:"serp"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Queue    QueueConfig    `yaml:"queue"`
	Hub      HubConfig      `yaml:"hub"`
}

// SERPConfig configures the search gateway and its provider client.
type SERPConfig struct {
	BaseURL         string                   `yaml:"base_url"`
	APIKey          string                   `yaml:"api_key"` // SERP_API_KEY env overrides
	Timeout         time.Duration            `yaml:"timeout"`
	BucketCapacity  int                      `yaml:"bucket_capacity"`
	RefillPerSecond float64                  `yaml:"refill_per_second"`
	MaxWait         time.Duration            `yaml:"max_wait"`
	CacheDefaultTTL time.Duration            `yaml:"cache_default_ttl"`
	CacheTTLs       map[string]time.Duration `yaml:"cache_ttls"`
}

// PipelineConfig configures the stage runner.
type PipelineConfig struct {
	StageTimeout    time.Duration       `yaml:"stage_timeout"`
	RunBudget       time.Duration       `yaml:"run_budget"`
	MaxKeywords     int                 `yaml:"max_keywords"`
	SERPQueries     int                 `yaml:"serp_queries"`
	RetryAttempts   int                 `yaml:"retry_attempts"`
	DefaultKeywords map[string][]string `yaml:"default_keywords"`
}

// FetchConfig configures the crawl fetcher.
type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// QueueConfig configures the analysis queue.
type QueueConfig struct {
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// HubConfig configures the progress hub.
type HubConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxMissed         int           `yaml:"max_missed"`
	GraceWindow       time.Duration `yaml:"grace_window"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "brandscope.db"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	// Component defaults are applied by the components themselves; only
	// the cross-component invariant is enforced here: the queue's
	// visibility window must outlast the pipeline budget, or a running
	// job gets double-claimed.
	if c.Pipeline.RunBudget <= 0 {
		c.Pipeline.RunBudget = 5 * time.Minute
	}
	if c.Queue.Visibility <= c.Pipeline.RunBudget {
		c.Queue.Visibility = 3 * c.Pipeline.RunBudget
	}
}

// LoadConfigFile reads a YAML config file and applies defaults. An empty
// path returns the defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	if key := os.Getenv("SERP_API_KEY"); key != "" {
		cfg.SERP.APIKey = key
	}
	cfg.defaults()
	return cfg, nil
}
