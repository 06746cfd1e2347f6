package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Run struct {
		BaseDir    string `yaml:"base_dir"`
		TargetsDir string `yaml:"targets_dir"`
		SeedsDir   string `yaml:"seeds_dir"`
	} `yaml:"run"`
	Budget struct {
		MaxIterations     int64 `yaml:"max_iterations"`
		MaxRuntimeSeconds int   `yaml:"max_runtime_seconds"`
		Concurrency       int   `yaml:"concurrency"`
	} `yaml:"budget"`
	Pool struct {
		AcquireTimeoutSeconds int                 `yaml:"acquire_timeout_seconds"`
		Kinds                 map[string]PoolKind `yaml:"kinds"`
	} `yaml:"pool"`
	Cache struct {
		MaxEntries        int `yaml:"max_entries"`
		FailureTTLSeconds int `yaml:"failure_ttl_seconds"`
	} `yaml:"cache"`
	Models struct {
		Provider             string   `yaml:"provider"`
		Prewarm              []string `yaml:"prewarm"`
		Required             bool     `yaml:"required"`
		IdleTimeoutSeconds   int      `yaml:"idle_timeout_seconds"`
		EvictIntervalSeconds int      `yaml:"evict_interval_seconds"`
		Breaker              struct {
			MaxFailures     int `yaml:"max_failures"`
			WindowSeconds   int `yaml:"window_seconds"`
			CooldownSeconds int `yaml:"cooldown_seconds"`
		} `yaml:"breaker"`
		Remote struct {
			Endpoints      []string `yaml:"endpoints"`
			TimeoutSeconds int      `yaml:"timeout_seconds"`
			AuthEnv        string   `yaml:"auth_env"`
		} `yaml:"remote"`
	} `yaml:"models"`
	Strategies struct {
		Enabled             []string           `yaml:"enabled"`
		InitialWeights      map[string]float64 `yaml:"initial_weights"`
		RetireAfterFailures int                `yaml:"retire_after_failures"`
		MutationSeed        int64              `yaml:"mutation_seed"`
		Oracle              struct {
			Mode           string   `yaml:"mode"`
			Command        string   `yaml:"command"`
			TimeoutSeconds int      `yaml:"timeout_seconds"`
			Tokens         []string `yaml:"tokens"`
		} `yaml:"oracle"`
	} `yaml:"strategies"`
	Scheduler struct {
		TickIterations int64 `yaml:"tick_iterations"`
	} `yaml:"scheduler"`
	Evolution struct {
		UpdateEvery   int     `yaml:"update_every"`
		EWMAAlpha     float64 `yaml:"ewma_alpha"`
		UpdateLimit   float64 `yaml:"update_limit"`
		WeightFloor   float64 `yaml:"weight_floor"`
		WeightCeiling float64 `yaml:"weight_ceiling"`
		FailureDecay  float64 `yaml:"failure_decay"`
	} `yaml:"evolution"`
	Triage struct {
		HistoryPath         string `yaml:"history_path"`
		RecordHistory       bool   `yaml:"record_history"`
		ScoreTimeoutSeconds int    `yaml:"score_timeout_seconds"`
	} `yaml:"triage"`
	Scope struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	} `yaml:"scope"`
	Detect struct {
		MinTokenLen    int `yaml:"min_token_len"`
		MaxTokens      int `yaml:"max_tokens"`
		MaxTargetBytes int `yaml:"max_target_bytes"`
	} `yaml:"detect"`
	Telemetry struct {
		LogLevel    string `yaml:"log_level"`
		Development bool   `yaml:"development"`
		StatusAddr  string `yaml:"status_addr"`
	} `yaml:"telemetry"`
}

type PoolKind struct {
	Size int `yaml:"size"`
}

func Default() Config {
	var cfg Config
	cfg.Run.BaseDir = "runs"
	cfg.Budget.MaxIterations = 10000
	cfg.Budget.MaxRuntimeSeconds = 120
	cfg.Budget.Concurrency = 4
	cfg.Pool.AcquireTimeoutSeconds = 5
	cfg.Pool.Kinds = map[string]PoolKind{"scorer": {Size: 2}}
	cfg.Cache.MaxEntries = 4096
	cfg.Cache.FailureTTLSeconds = 15
	cfg.Models.Provider = "heuristic"
	cfg.Models.IdleTimeoutSeconds = 90
	cfg.Models.EvictIntervalSeconds = 30
	cfg.Models.Breaker.MaxFailures = 3
	cfg.Models.Breaker.WindowSeconds = 30
	cfg.Models.Breaker.CooldownSeconds = 60
	cfg.Models.Remote.TimeoutSeconds = 10
	cfg.Models.Remote.AuthEnv = "FUZZRIG_SCORER_TOKEN"
	cfg.Strategies.Enabled = []string{"bitflip", "havoc", "dictionary"}
	cfg.Strategies.RetireAfterFailures = 5
	cfg.Strategies.MutationSeed = 1
	cfg.Strategies.Oracle.Mode = "token"
	cfg.Strategies.Oracle.TimeoutSeconds = 5
	cfg.Strategies.Oracle.Tokens = []string{"PANIC", "ABORT=assert", "SPIN=hang"}
	cfg.Scheduler.TickIterations = 64
	cfg.Evolution.UpdateEvery = 128
	cfg.Evolution.EWMAAlpha = 0.3
	cfg.Evolution.UpdateLimit = 0.5
	cfg.Evolution.WeightFloor = 0.05
	cfg.Evolution.WeightCeiling = 0.6
	cfg.Evolution.FailureDecay = 0.5
	cfg.Triage.RecordHistory = true
	cfg.Triage.ScoreTimeoutSeconds = 10
	cfg.Detect.MinTokenLen = 4
	cfg.Detect.MaxTokens = 32
	cfg.Detect.MaxTargetBytes = 4 << 20
	cfg.Telemetry.LogLevel = "info"
	return cfg
}

func DefaultPath() string {
	return filepath.Join("config", "default.yaml")
}

func ProfilePath(profile string) string {
	return filepath.Join("config", "profiles", profile+".yaml")
}

// Load layers YAML files over the code defaults: defaultPath, then
// profilePath, then overridePath. Explicitly passed paths must exist; the
// implicit default file is optional so a bare binary still runs.
func Load(defaultPath, profilePath, overridePath string) (Config, []string, error) {
	paths := []string{}
	merged, err := toMap(Default())
	if err != nil {
		return Config{}, paths, err
	}

	required := defaultPath != ""
	if defaultPath == "" {
		defaultPath = DefaultPath()
	}
	used, err := mergeFile(merged, defaultPath, required)
	if err != nil {
		return Config{}, paths, err
	}
	if used {
		paths = append(paths, defaultPath)
	}

	for _, path := range []string{profilePath, overridePath} {
		if path == "" {
			continue
		}
		if _, err := mergeFile(merged, path, true); err != nil {
			return Config{}, paths, err
		}
		paths = append(paths, path)
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, paths, fmt.Errorf("marshal merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, paths, fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, paths, err
	}
	return cfg, paths, nil
}

func (c Config) Validate() error {
	if c.Budget.MaxIterations <= 0 {
		return fmt.Errorf("budget.max_iterations must be > 0")
	}
	if c.Budget.Concurrency <= 0 {
		return fmt.Errorf("budget.concurrency must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Evolution.WeightFloor < 0 || c.Evolution.WeightCeiling > 1 {
		return fmt.Errorf("evolution weight bounds must lie in [0, 1]")
	}
	if c.Evolution.WeightFloor >= c.Evolution.WeightCeiling {
		return fmt.Errorf("evolution.weight_floor must be below weight_ceiling")
	}
	if c.Evolution.FailureDecay <= 0 || c.Evolution.FailureDecay > 1 {
		return fmt.Errorf("evolution.failure_decay must be in (0, 1]")
	}
	if c.Scheduler.TickIterations <= 0 {
		return fmt.Errorf("scheduler.tick_iterations must be > 0")
	}
	for kind, kc := range c.Pool.Kinds {
		if kc.Size <= 0 {
			return fmt.Errorf("pool kind %q size must be > 0", kind)
		}
	}
	return nil
}

func (c Config) BudgetRuntime() time.Duration {
	return time.Duration(c.Budget.MaxRuntimeSeconds) * time.Second
}

func (c Config) PoolAcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSeconds) * time.Second
}

func (c Config) CacheFailureTTL() time.Duration {
	return time.Duration(c.Cache.FailureTTLSeconds) * time.Second
}

func (c Config) ModelIdleTimeout() time.Duration {
	return time.Duration(c.Models.IdleTimeoutSeconds) * time.Second
}

func (c Config) ModelEvictInterval() time.Duration {
	return time.Duration(c.Models.EvictIntervalSeconds) * time.Second
}

func (c Config) BreakerWindow() time.Duration {
	return time.Duration(c.Models.Breaker.WindowSeconds) * time.Second
}

func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Models.Breaker.CooldownSeconds) * time.Second
}

func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Models.Remote.TimeoutSeconds) * time.Second
}

func (c Config) OracleTimeout() time.Duration {
	return time.Duration(c.Strategies.Oracle.TimeoutSeconds) * time.Second
}

func (c Config) ScoreTimeout() time.Duration {
	return time.Duration(c.Triage.ScoreTimeoutSeconds) * time.Second
}

func toMap(cfg Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	return out, nil
}

func mergeFile(dst map[string]any, path string, required bool) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return false, nil
		}
		return false, fmt.Errorf("config file not found: %s", path)
	}
	if info.IsDir() {
		return false, fmt.Errorf("config path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config: %s: %w", path, err)
	}
	var src map[string]any
	if err := yaml.Unmarshal(data, &src); err != nil {
		return false, fmt.Errorf("parse config: %s: %w", path, err)
	}
	deepMerge(dst, src)
	return true, nil
}

func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcMap, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		if existing, ok := dst[key]; ok {
			if existingMap, ok := existing.(map[string]any); ok {
				deepMerge(existingMap, srcMap)
				continue
			}
		}
		newMap := map[string]any{}
		deepMerge(newMap, srcMap)
		dst[key] = newMap
	}
}

func Save(path string, cfg Config) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
