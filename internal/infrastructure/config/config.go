package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. Nested keys use a double
// underscore: CFE_POLICY__WEIGHTS__MODEL=0.6
const EnvPrefix = "CFE_"

// DefaultConfigPath is read when present
const DefaultConfigPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	Reference ReferenceConfig `koanf:"reference"`
	History   HistoryConfig   `koanf:"history"`
	Detectors DetectorsConfig `koanf:"detectors"`
	Anomaly   AnomalyConfig   `koanf:"anomaly"`
	Policy    PolicyConfig    `koanf:"policy"`
	Model     ModelConfig     `koanf:"model"`
	Cases     CasesConfig     `koanf:"cases"`
	Batch     BatchConfig     `koanf:"batch"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate"`
	MetricsAddr  string  `koanf:"metrics_addr"`
}

type ReferenceConfig struct {
	SeedFile     string        `koanf:"seed_file"`
	MaxStaleness time.Duration `koanf:"max_staleness"`
	CacheTTL     time.Duration `koanf:"cache_ttl"`
	// LocalTTL is how long a replica serves its in-process snapshot
	LocalTTL     time.Duration `koanf:"local_ttl"`
}

// SimilarityConfig parameterizes a duplicate-search policy
type SimilarityConfig struct {
	WindowDays          int  `koanf:"window_days"`
	SameProvider        bool `koanf:"same_provider"`
	MinProcedureOverlap int  `koanf:"min_procedure_overlap"`
}

type HistoryConfig struct {
	Strict    SimilarityConfig `koanf:"strict"`
	Fuzzy     SimilarityConfig `koanf:"fuzzy"`
	Rehydrate bool             `koanf:"rehydrate"`
}

type DuplicateConfig struct {
	FuzzyEnabled bool `koanf:"fuzzy_enabled"`
}

type PhantomConfig struct {
	FrequencyWindowDays int `koanf:"frequency_window_days"`
	FrequencyMedium     int `koanf:"frequency_medium"`
	FrequencyHigh       int `koanf:"frequency_high"`
}

type UpcodingConfig struct {
	K                    float64 `koanf:"k"`
	MinBaselineSample    int     `koanf:"min_baseline_sample"`
	BaselineWindowDays   int     `koanf:"baseline_window_days"`
	PrerequisiteMinRatio float64 `koanf:"prerequisite_min_ratio"`
}

type ProviderOutlierConfig struct {
	WindowDays         int     `koanf:"window_days"`
	ZThreshold         float64 `koanf:"z_threshold"`
	MinPeers           int     `koanf:"min_peers"`
	RejectionMinClaims int     `koanf:"rejection_min_claims"`
	RejectionLow       float64 `koanf:"rejection_low"`
	RejectionMedium    float64 `koanf:"rejection_medium"`
}

type DetectorsConfig struct {
	Duplicate       DuplicateConfig       `koanf:"duplicate"`
	Phantom         PhantomConfig         `koanf:"phantom"`
	Upcoding        UpcodingConfig        `koanf:"upcoding"`
	ProviderOutlier ProviderOutlierConfig `koanf:"provider_outlier"`
}

type AnomalyConfig struct {
	MinSample  int     `koanf:"min_sample"`
	Scale      float64 `koanf:"scale"`
	WindowDays int     `koanf:"window_days"`
}

type WeightsConfig struct {
	Model   float64 `koanf:"model"`
	Rule    float64 `koanf:"rule"`
	Anomaly float64 `koanf:"anomaly"`
}

type SeverityWeightsConfig struct {
	Critical float64 `koanf:"critical"`
	High     float64 `koanf:"high"`
	Medium   float64 `koanf:"medium"`
	Low      float64 `koanf:"low"`
}

type BreakpointsConfig struct {
	Critical float64 `koanf:"critical"`
	High     float64 `koanf:"high"`
	Medium   float64 `koanf:"medium"`
}

type OverrideConfig struct {
	Detector    string `koanf:"detector"`
	Kind        string `koanf:"kind"`
	MinSeverity string `koanf:"min_severity"`
}

type PolicyConfig struct {
	Version         string                `koanf:"version"`
	Weights         WeightsConfig         `koanf:"weights"`
	SeverityWeights SeverityWeightsConfig `koanf:"severity_weights"`
	Breakpoints     BreakpointsConfig     `koanf:"breakpoints"`
	Overrides       []OverrideConfig      `koanf:"overrides"`
}

type ModelConfig struct {
	RegistryDir string        `koanf:"registry_dir"`
	Version     string        `koanf:"version"`
	CacheTTL    time.Duration `koanf:"cache_ttl"`
}

type CasesConfig struct {
	EmissionTier string        `koanf:"emission_tier"`
	DedupTTL     time.Duration `koanf:"dedup_ttl"`
}

type BatchConfig struct {
	Workers       int     `koanf:"workers"`
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 1,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "claims-fraud-engine",
			SampleRate:  0.1,
			MetricsAddr: ":9102",
		},
		Reference: ReferenceConfig{
			SeedFile:     "configs/reference.yaml",
			MaxStaleness: 24 * time.Hour,
			CacheTTL:     10 * time.Minute,
			LocalTTL:     time.Minute,
		},
		History: HistoryConfig{
			Strict: SimilarityConfig{
				WindowDays:          0,
				SameProvider:        true,
				MinProcedureOverlap: 1,
			},
			Fuzzy: SimilarityConfig{
				WindowDays:          3,
				SameProvider:        false,
				MinProcedureOverlap: 1,
			},
			Rehydrate: true,
		},
		Detectors: DetectorsConfig{
			Duplicate: DuplicateConfig{FuzzyEnabled: true},
			Phantom: PhantomConfig{
				FrequencyWindowDays: 30,
				FrequencyMedium:     30,
				FrequencyHigh:       50,
			},
			Upcoding: UpcodingConfig{
				K:                    3,
				MinBaselineSample:    5,
				BaselineWindowDays:   365,
				PrerequisiteMinRatio: 0.8,
			},
			ProviderOutlier: ProviderOutlierConfig{
				WindowDays:         30,
				ZThreshold:         3,
				MinPeers:           3,
				RejectionMinClaims: 10,
				RejectionLow:       0.3,
				RejectionMedium:    0.5,
			},
		},
		Anomaly: AnomalyConfig{
			MinSample:  5,
			Scale:      3,
			WindowDays: 365,
		},
		Policy: PolicyConfig{
			Version:         "policy-v1",
			Weights:         WeightsConfig{Model: 0.5, Rule: 0.3, Anomaly: 0.2},
			SeverityWeights: SeverityWeightsConfig{Critical: 1.0, High: 0.8, Medium: 0.5, Low: 0.2},
			Breakpoints:     BreakpointsConfig{Critical: 0.85, High: 0.6, Medium: 0.3},
			Overrides: []OverrideConfig{
				{Detector: "duplicate_claim", Kind: "exact_finalized", MinSeverity: "critical"},
				{Detector: "phantom_patient", Kind: "deceased_patient", MinSeverity: "critical"},
			},
		},
		Model: ModelConfig{
			RegistryDir: "models",
			Version:     "ensemble-v1",
			CacheTTL:    0,
		},
		Cases: CasesConfig{
			EmissionTier: "high",
			DedupTTL:     24 * time.Hour,
		},
		Batch: BatchConfig{
			Workers: 4,
			Burst:   1,
		},
	}
}

// Load reads defaults, then configPath (optional), then CFE_ environment
// variables, and validates the result.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath == "" {
		configPath = DefaultConfigPath
	}
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validTiers = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	w := c.Policy.Weights
	if w.Model < 0 || w.Rule < 0 || w.Anomaly < 0 {
		add("policy weights must be non-negative")
	}
	if sum := w.Model + w.Rule + w.Anomaly; math.Abs(sum-1) > 1e-6 {
		add("policy weights must sum to 1, got %.6f", sum)
	}

	sw := c.Policy.SeverityWeights
	if !(0 <= sw.Low && sw.Low <= sw.Medium && sw.Medium <= sw.High && sw.High <= sw.Critical && sw.Critical <= 1) {
		add("severity weights must be ordered low <= medium <= high <= critical within [0,1]")
	}

	bp := c.Policy.Breakpoints
	if !(0 < bp.Medium && bp.Medium < bp.High && bp.High < bp.Critical && bp.Critical <= 1) {
		add("tier breakpoints must satisfy 0 < medium < high < critical <= 1")
	}
	if c.Policy.Version == "" {
		add("policy version is required")
	}
	for i, o := range c.Policy.Overrides {
		if o.Detector == "" {
			add("policy override %d: detector is required", i)
		}
		if !validTiers[o.MinSeverity] {
			add("policy override %d: invalid min severity %q", i, o.MinSeverity)
		}
	}

	if !validTiers[c.Cases.EmissionTier] {
		add("cases emission tier %q is invalid", c.Cases.EmissionTier)
	}
	if c.Model.Version == "" {
		add("model version is required")
	}
	if c.Anomaly.Scale <= 0 {
		add("anomaly scale must be positive")
	}
	if c.Reference.LocalTTL < 0 {
		add("reference local ttl cannot be negative")
	}
	if c.History.Strict.WindowDays < 0 || c.History.Fuzzy.WindowDays < 0 {
		add("similarity windows cannot be negative")
	}
	if c.Detectors.Upcoding.K <= 0 {
		add("upcoding k must be positive")
	}
	if c.Detectors.ProviderOutlier.ZThreshold <= 0 {
		add("provider outlier z threshold must be positive")
	}
	if c.Batch.Workers < 1 {
		add("batch workers must be at least 1")
	}
	if c.Batch.RatePerSecond < 0 {
		add("batch rate cannot be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
