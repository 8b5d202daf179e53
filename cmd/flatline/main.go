package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/flatlinehq/flatline/internal/diagnosis"
	"github.com/flatlinehq/flatline/internal/fixer"
	"github.com/flatlinehq/flatline/internal/flconfig"
	"github.com/flatlinehq/flatline/internal/flpaths"
	"github.com/flatlinehq/flatline/internal/redact"
	"github.com/flatlinehq/flatline/internal/reporter"
	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/stats"
	"github.com/flatlinehq/flatline/internal/supervisor"
	"github.com/flatlinehq/flatline/internal/svcmgr"
	"github.com/flatlinehq/flatline/internal/updater"
	"github.com/flatlinehq/flatline/internal/watcher"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds every long-lived component the supervisor process needs.
type App struct {
	Config     flconfig.Config
	Paths      flpaths.Paths
	Logger     *slog.Logger
	Store      *store.Store
	Supervisor *supervisor.Supervisor
}

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "Path to flatline.toml (defaults to $FLATLINE_CONFIG or ~/.wintermute/flatline/flatline.toml)")
	agentDir := flag.String("agent-dir", ".", "Path to the agent's git working tree")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flatline v%s (built %s)\n", version, buildTime)
		fmt.Println("Supervisor process for a co-resident coding agent")
		return 0
	}

	configPath, err := resolveConfigPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve config path: %v\n", err)
		return 1
	}

	app, err := setup(configPath, *agentDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close()

	app.Logger.Info("flatline supervisor starting",
		"version", version,
		"config", configPath,
		"state_root", app.Paths.Root,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Supervisor.Run(ctx); err != nil {
		app.Logger.Error("supervisor exited with error", "error", err)
		return 1
	}

	app.Logger.Info("flatline supervisor stopped")
	return 0
}

// resolveConfigPath honors an explicit -config flag first, then
// $FLATLINE_CONFIG, falling back to ~/.wintermute/flatline/flatline.toml.
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("FLATLINE_CONFIG"); env != "" {
		return env, nil
	}
	paths, err := flpaths.Default()
	if err != nil {
		return "", fmt.Errorf("resolve default config directory: %w", err)
	}
	return filepath.Join(paths.Root, "flatline.toml"), nil
}

// setup initializes every component in dependency order: config, paths,
// store, the individual tick components, then the supervisor that ties
// them together.
func setup(configPath, agentDir string) (*App, error) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	paths, err := flpaths.Default()
	if err != nil {
		return nil, fmt.Errorf("resolve state paths: %w", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create state dirs: %w", err)
	}

	st, err := store.Open(paths.StateDB(), logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	agentHealthPath := filepath.Join(agentDir, "health.json")
	agentLogDir := filepath.Join(agentDir, "logs")
	w := watcher.New(agentLogDir, agentHealthPath)
	statsEngine := stats.New(st)

	svcKind, installed := svcmgr.Detect()
	if !installed {
		svcKind = defaultServiceKind()
		logger.Warn("no installed agent service file found, assuming default service manager", "kind", svcKind)
	}
	svc := svcmgr.New(svcKind, logger)

	toolsDir := filepath.Join(agentDir, "tools")
	tasksConfigPath := filepath.Join(agentDir, "tasks.json")
	fix := fixer.New(svc, w, st, paths, toolsDir, tasksConfigPath, agentDir, int(cfg.AutoFix.MaxAutoRestartsPerHour), logger)

	var rep *reporter.Reporter
	botToken := os.Getenv(cfg.Telegram.BotTokenEnv)
	if botToken != "" && len(cfg.Telegram.NotifyUsers) > 0 {
		cooldown := time.Duration(cfg.Reports.AlertCooldownMins) * time.Minute
		rep = reporter.New(botToken, cfg.Telegram.NotifyUsers, cfg.Reports.TelegramPrefix, cooldown)
	} else {
		logger.Warn("telegram reporting disabled: no bot token or no recipients configured")
	}

	upd := updater.New(cfg.Update, paths, st)

	var diag *diagnosis.Engine
	if cfg.Model.Default != "" {
		provider := diagnosisProviderFor(cfg.Model.Default)
		if provider != nil {
			redactor := redact.New(secretEnvValues(botToken))
			budget := diagnosis.NewInMemoryBudget(int(cfg.Budget.MaxTokensPerDay))
			diag = diagnosis.New(provider, redactor, budget, logger)
		}
	}

	currentBinaryPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve current binary path: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		Cfg:               cfg,
		Paths:             paths,
		Store:             st,
		Watcher:           w,
		Stats:             statsEngine,
		Fixer:             fix,
		Reporter:          rep,
		Updater:           upd,
		Service:           svc,
		Diagnosis:         diag,
		RepoDir:           agentDir,
		CurrentBinaryPath: currentBinaryPath,
		CurrentVersionTag: version,
		Log:               logger,
	})

	return &App{
		Config:     cfg,
		Paths:      paths,
		Logger:     logger,
		Store:      st,
		Supervisor: sup,
	}, nil
}

// loadConfig reads flatline.toml, writing a default copy if none exists yet.
func loadConfig(path string, logger *slog.Logger) (flconfig.Config, error) {
	cfg, err := flconfig.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return flconfig.Config{}, err
	}

	logger.Info("no flatline.toml found, writing defaults", "path", path)
	cfg = flconfig.Default()
	if err := cfg.Save(path); err != nil {
		return flconfig.Config{}, fmt.Errorf("save default flatline config: %w", err)
	}
	return cfg, nil
}

// diagnosisProviderFor resolves the configured default model string
// ("provider/model") to a diagnosis.Provider. Only ollama is wired today;
// an unrecognized provider disables the LLM fallback rather than failing
// startup.
func diagnosisProviderFor(modelSpec string) diagnosis.Provider {
	provider, model := splitProviderModel(modelSpec)
	switch provider {
	case "ollama":
		return diagnosis.NewOllamaProvider(os.Getenv("OLLAMA_BASE_URL"), model)
	default:
		return nil
	}
}

func splitProviderModel(spec string) (provider, model string) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i], spec[i+1:]
		}
	}
	return spec, ""
}

// defaultServiceKind picks a service manager kind when neither the agent's
// launchd nor systemd service file is present yet, by platform convention.
func defaultServiceKind() svcmgr.Kind {
	if runtime.GOOS == "darwin" {
		return svcmgr.Launchd
	}
	return svcmgr.Systemd
}

// secretEnvValues collects every credential this process holds that could
// otherwise leak into a diagnosis prompt via tool output, so the redactor
// can strip them before the text reaches the model or the log.
func secretEnvValues(botToken string) []string {
	var secrets []string
	if botToken != "" {
		secrets = append(secrets, botToken)
	}
	if v := os.Getenv("OLLAMA_API_KEY"); v != "" {
		secrets = append(secrets, v)
	}
	return secrets
}
