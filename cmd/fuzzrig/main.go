package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/driftsec/fuzzrig/internal/cache"
	"github.com/driftsec/fuzzrig/internal/config"
	"github.com/driftsec/fuzzrig/internal/corpus"
	"github.com/driftsec/fuzzrig/internal/detect"
	"github.com/driftsec/fuzzrig/internal/evolve"
	"github.com/driftsec/fuzzrig/internal/fuzz"
	"github.com/driftsec/fuzzrig/internal/journal"
	"github.com/driftsec/fuzzrig/internal/model"
	"github.com/driftsec/fuzzrig/internal/pipeline"
	"github.com/driftsec/fuzzrig/internal/pool"
	"github.com/driftsec/fuzzrig/internal/report"
	"github.com/driftsec/fuzzrig/internal/scope"
	"github.com/driftsec/fuzzrig/internal/session"
	"github.com/driftsec/fuzzrig/internal/strategy"
	"github.com/driftsec/fuzzrig/internal/telemetry"
	"github.com/driftsec/fuzzrig/internal/triage"
)

const version = "0.0.0-dev"

func main() {
	var (
		showVersion  bool
		configPath   string
		profileName  string
		overridePath string
		targetsDir   string
		seedsDir     string
		statusAddr   string
		inspectID    string
	)

	flag.BoolVar(&showVersion, "version", false, "Print version")
	flag.StringVar(&configPath, "config", "", "Path to default config YAML")
	flag.StringVar(&profileName, "profile", "", "Profile name under config/profiles/")
	flag.StringVar(&overridePath, "override", "", "Path to override config YAML")
	flag.StringVar(&targetsDir, "targets", "", "Targets directory, overrides run.targets_dir")
	flag.StringVar(&seedsDir, "seeds", "", "Seeds directory, overrides run.seeds_dir")
	flag.StringVar(&statusAddr, "status", "", "Status server address, overrides telemetry.status_addr")
	flag.StringVar(&inspectID, "inspect", "", "Print the journal summary of a past run and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("fuzzrig %s\n", version)
		return
	}

	profilePath := ""
	if profileName != "" {
		profilePath = config.ProfilePath(profileName)
	}
	cfg, paths, err := config.Load(configPath, profilePath, overridePath)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	if targetsDir != "" {
		cfg.Run.TargetsDir = targetsDir
	}
	if seedsDir != "" {
		cfg.Run.SeedsDir = seedsDir
	}
	if statusAddr != "" {
		cfg.Telemetry.StatusAddr = statusAddr
	}

	if inspectID != "" {
		if err := inspect(os.Stdout, cfg.Run.BaseDir, inspectID); err != nil {
			log.Fatalf("Inspect failed: %v", err)
		}
		return
	}

	if cfg.Run.TargetsDir == "" {
		log.Fatalf("Targets directory is required: set run.targets_dir or pass -targets")
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.Development)
	if err != nil {
		log.Fatalf("Logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("config loaded", zap.String("version", version), zap.Strings("files", paths))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()
	runID := session.NewRunID(time.Now())
	paths := session.BuildPaths(cfg.Run.BaseDir, runID)

	registry := fuzz.NewRegistry()
	if err := strategy.RegisterAll(registry, cfg.Strategies.Enabled, strategy.BuildOptions{
		OracleMode:    cfg.Strategies.Oracle.Mode,
		Command:       cfg.Strategies.Oracle.Command,
		OracleTimeout: cfg.OracleTimeout(),
		Tokens:        cfg.Strategies.Oracle.Tokens,
	}); err != nil {
		return fmt.Errorf("register strategies: %w", err)
	}

	resources, err := pool.New(cfg.PoolAcquireTimeout(), logger, metrics)
	if err != nil {
		return err
	}
	defer resources.Close()

	spec, factory, err := scorerSetup(cfg)
	if err != nil {
		return err
	}
	kindCfg, ok := cfg.Pool.Kinds[spec.Kind]
	if !ok {
		return fmt.Errorf("pool kind %q is not configured", spec.Kind)
	}
	if err := resources.RegisterKind(spec.Kind, kindCfg.Size, factory); err != nil {
		return fmt.Errorf("register pool kind %s: %w", spec.Kind, err)
	}

	var pipe *pipeline.Pipeline
	models, err := model.NewManager(model.Options{
		Pool:        resources,
		MaxFailures: cfg.Models.Breaker.MaxFailures,
		Window:      cfg.BreakerWindow(),
		Cooldown:    cfg.BreakerCooldown(),
		IdleTimeout: cfg.ModelIdleTimeout(),
		Log:         logger,
		Metrics:     metrics,
		OnBreakerChange: func(key string, open bool) {
			if pipe != nil {
				pipe.ObserveBreaker(key, open)
			}
		},
	}, spec)
	if err != nil {
		return fmt.Errorf("build model manager: %w", err)
	}
	defer models.Close()

	scores, err := cache.New[model.ScoreResult](cfg.Cache.MaxEntries, cfg.CacheFailureTTL(), logger, metrics)
	if err != nil {
		return fmt.Errorf("build score cache: %w", err)
	}

	var history triage.HistoryIndex
	var recorder pipeline.HistoryRecorder
	if cfg.Triage.HistoryPath != "" {
		sqlite, err := triage.OpenSQLiteHistory(cfg.Triage.HistoryPath)
		if err != nil {
			return fmt.Errorf("open triage history: %w", err)
		}
		defer sqlite.Close()
		history = sqlite
		if cfg.Triage.RecordHistory {
			recorder = sqlite
		}
	}

	sink, err := report.NewSink(paths.ReportPath, logger)
	if err != nil {
		return err
	}

	if cfg.Telemetry.StatusAddr != "" {
		snapshot := func() any {
			events, err := journal.Read(paths.JournalPath)
			if err != nil {
				return journal.Summary{RunID: runID, State: "pending"}
			}
			return journal.Summarize(events)
		}
		status, err := telemetry.NewServer(cfg.Telemetry.StatusAddr, metrics, snapshot, logger)
		if err != nil {
			return fmt.Errorf("build status server: %w", err)
		}
		if err := status.Start(ctx); err != nil {
			return err
		}
		defer status.Close()
	}

	pipe, err = pipeline.New(pipeline.Options{
		RunID:      runID,
		BaseDir:    cfg.Run.BaseDir,
		Discoverer: corpus.NewDirDiscoverer(cfg.Run.TargetsDir, cfg.Run.SeedsDir, logger),
		Detector: detect.NewTokenDetector(detect.Options{
			MinTokenLen:    cfg.Detect.MinTokenLen,
			MaxTokens:      cfg.Detect.MaxTokens,
			MaxTargetBytes: cfg.Detect.MaxTargetBytes,
			Log:            logger,
		}),
		Scope:          scope.New(cfg.Scope.Allow, cfg.Scope.Deny),
		Registry:       registry,
		MutationSeed:   cfg.Strategies.MutationSeed,
		BudgetRuntime:  cfg.BudgetRuntime(),
		IterationCap:   cfg.Budget.MaxIterations,
		Concurrency:    cfg.Budget.Concurrency,
		TickIterations: int(cfg.Scheduler.TickIterations),
		RetireAfter:    cfg.Strategies.RetireAfterFailures,
		Evolution: evolve.Config{
			InitialWeights: cfg.Strategies.InitialWeights,
			UpdateEvery:    cfg.Evolution.UpdateEvery,
			EWMAAlpha:      cfg.Evolution.EWMAAlpha,
			UpdateLimit:    cfg.Evolution.UpdateLimit,
			WeightFloor:    cfg.Evolution.WeightFloor,
			WeightCeiling:  cfg.Evolution.WeightCeiling,
			FailureDecay:   cfg.Evolution.FailureDecay,
		},
		Cache:         scores,
		Models:        models,
		Provider:      spec.Key,
		ScoreTimeout:  cfg.ScoreTimeout(),
		EvictInterval: cfg.ModelEvictInterval(),
		History:       history,
		Recorder:      recorder,
		Sink:          sink,
		Log:           logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	if len(cfg.Models.Prewarm) > 0 {
		if err := models.Prewarm(ctx, cfg.Models.Prewarm...); err != nil {
			return fmt.Errorf("prewarm providers: %w", err)
		}
	}

	logger.Info("starting run",
		zap.String("run_id", runID),
		zap.String("targets", cfg.Run.TargetsDir),
		zap.String("provider", spec.Key))

	rep, err := pipe.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		zap.String("run_id", rep.RunID),
		zap.String("state", string(rep.State)),
		zap.String("stop_reason", rep.StopReason),
		zap.Int64("iterations", rep.Budget.Iterations),
		zap.Int("findings", len(rep.Findings)),
		zap.Int("anomalies", len(rep.Anomalies)),
		zap.String("report", paths.ReportPath))
	return nil
}

// scorerSetup picks the pooled resource factory and the provider spec for
// the configured scorer. Both sides of the pool boundary have to agree on
// the concrete resource type, so they are decided together.
func scorerSetup(cfg config.Config) (model.ProviderSpec, pool.Factory, error) {
	switch cfg.Models.Provider {
	case "heuristic":
		factory := func(ctx context.Context) (pool.Resource, error) {
			return model.NewHeuristicClient(), nil
		}
		spec := model.ProviderSpec{
			Key:      "heuristic",
			Kind:     "scorer",
			Required: cfg.Models.Required,
			New: func(res pool.Resource) (model.Provider, error) {
				client, ok := res.(*model.HeuristicClient)
				if !ok {
					return nil, fmt.Errorf("scorer resource is %T, want heuristic client", res)
				}
				return client, nil
			},
		}
		return spec, factory, nil
	case "remote":
		if len(cfg.Models.Remote.Endpoints) == 0 {
			return model.ProviderSpec{}, nil, fmt.Errorf("provider remote requires models.remote.endpoints")
		}
		remote := model.RemoteConfig{
			Endpoints: cfg.Models.Remote.Endpoints,
			Timeout:   cfg.RemoteTimeout(),
			AuthEnv:   cfg.Models.Remote.AuthEnv,
		}
		factory := func(ctx context.Context) (pool.Resource, error) {
			return model.NewRemoteClient(remote)
		}
		spec := model.ProviderSpec{
			Key:      "remote",
			Kind:     "scorer",
			Required: cfg.Models.Required,
			New: func(res pool.Resource) (model.Provider, error) {
				client, ok := res.(*model.RemoteClient)
				if !ok {
					return nil, fmt.Errorf("scorer resource is %T, want remote client", res)
				}
				return client, nil
			},
		}
		return spec, factory, nil
	default:
		return model.ProviderSpec{}, nil, fmt.Errorf("unknown models.provider: %q", cfg.Models.Provider)
	}
}

func inspect(w io.Writer, baseDir, runID string) error {
	paths := session.BuildPaths(baseDir, runID)
	events, err := journal.Read(paths.JournalPath)
	if err != nil {
		return err
	}
	out := struct {
		Meta    *session.Meta   `json:"meta,omitempty"`
		Summary journal.Summary `json:"summary"`
	}{Summary: journal.Summarize(events)}
	if meta, err := session.ReadMeta(paths.MetaPath); err == nil {
		out.Meta = &meta
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
