package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Reorg   ReorgConfig   `yaml:"reorg"`
	System  SystemConfig  `yaml:"system"`
}

type StorageConfig struct {
	Path                   string `yaml:"path"`
	RecordsPerPageGoal     int    `yaml:"records_per_page_goal"`
	RecordsPerPageDelta    int    `yaml:"records_per_page_delta"`
	MemTableFlushThreshold int    `yaml:"memtable_flush_threshold"` // bytes
	// RecordSizeHint estimates the serialized key+value size, used to
	// bound record counts when reorganizing chains.
	RecordSizeHint int  `yaml:"record_size_hint"`
	WriteDebugInfo bool `yaml:"write_debug_info"`
}

type ReorgConfig struct {
	MaxReorgFanout                 int  `yaml:"max_reorg_fanout"`
	ConsiderNeighborsDuringRewrite bool `yaml:"consider_neighbors_during_rewrite"`
	// A single-page segment is flattened by the flush that grows its
	// chain beyond this many pages.
	FlattenThresholdPages int `yaml:"flatten_threshold_pages"`
	// A multi-page segment is rewritten once this many of its pages
	// carry overflows.
	RewriteOverflowThreshold int `yaml:"rewrite_overflow_threshold"`
	PageFillPct              int `yaml:"page_fill_pct"`
}

type SystemConfig struct {
	BackgroundThreads int     `yaml:"background_threads"`
	BloomSize         uint    `yaml:"bloom_size"`
	BloomFalseProb    float64 `yaml:"bloom_false_prob"`
}

// Load reads the configuration from configPath, falling back to the
// default search locations when the path is empty. A .env file, if
// present, is loaded first so that TREELINE_* variables can override
// individual fields.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/treeline.yaml", "treeline.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				applyDefaults(cfg)
				applyEnvOverrides(cfg)
				return cfg, nil
			}
		}
		applyDefaults(cfg)
		applyEnvOverrides(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:                   "treeline_data",
			RecordsPerPageGoal:     50,
			RecordsPerPageDelta:    10,
			MemTableFlushThreshold: 64 << 20,
			RecordSizeHint:         16,
		},
		Reorg: ReorgConfig{
			MaxReorgFanout:                 16,
			ConsiderNeighborsDuringRewrite: true,
			FlattenThresholdPages:          2,
			RewriteOverflowThreshold:       2,
			PageFillPct:                    50,
		},
		System: SystemConfig{
			BackgroundThreads: 4,
			BloomSize:         1 << 20,
			BloomFalseProb:    0.01,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.RecordsPerPageGoal <= 0 {
		cfg.Storage.RecordsPerPageGoal = 50
	}
	if cfg.Storage.RecordsPerPageDelta <= 0 {
		cfg.Storage.RecordsPerPageDelta = 10
	}
	if cfg.Storage.MemTableFlushThreshold <= 0 {
		cfg.Storage.MemTableFlushThreshold = 64 << 20
	}
	if cfg.Storage.RecordSizeHint <= 0 {
		cfg.Storage.RecordSizeHint = 16
	}
	if cfg.Reorg.MaxReorgFanout <= 0 {
		cfg.Reorg.MaxReorgFanout = 16
	}
	if cfg.Reorg.FlattenThresholdPages <= 0 {
		cfg.Reorg.FlattenThresholdPages = 2
	}
	if cfg.Reorg.RewriteOverflowThreshold <= 0 {
		cfg.Reorg.RewriteOverflowThreshold = 2
	}
	if cfg.Reorg.PageFillPct <= 0 || cfg.Reorg.PageFillPct > 100 {
		cfg.Reorg.PageFillPct = 50
	}
	if cfg.System.BackgroundThreads < 0 {
		cfg.System.BackgroundThreads = 0
	}
	if cfg.System.BloomSize == 0 {
		cfg.System.BloomSize = 1 << 20
	}
	if cfg.System.BloomFalseProb <= 0 || cfg.System.BloomFalseProb >= 1 {
		cfg.System.BloomFalseProb = 0.01
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TREELINE_DATA_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v, ok := envInt("TREELINE_RECORDS_PER_PAGE_GOAL"); ok {
		cfg.Storage.RecordsPerPageGoal = v
	}
	if v, ok := envInt("TREELINE_MEMTABLE_FLUSH_THRESHOLD"); ok {
		cfg.Storage.MemTableFlushThreshold = v
	}
	if v, ok := envInt("TREELINE_MAX_REORG_FANOUT"); ok {
		cfg.Reorg.MaxReorgFanout = v
	}
	if v, ok := envInt("TREELINE_BACKGROUND_THREADS"); ok {
		cfg.System.BackgroundThreads = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
