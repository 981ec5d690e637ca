package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/adapters"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/alerts"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/audit"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/convstore"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dconfig"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/degradation"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcher"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/profile"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/safety"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/settings"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/toolreg"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/toolrunner"
	"github.com/haasonsaas/nexus-dispatch/internal/observability"
)

// app is every long-lived handle the CLI's commands share, built once per
// invocation in buildApp and torn down by the returned closer.
type app struct {
	cfg        *dconfig.Config
	log        zerolog.Logger
	conv       *convstore.Store
	profiles   *profile.Store
	registry   *toolreg.Registry
	degrader   *degradation.Manager
	dispatcher *dispatcher.Dispatcher
	settings   *settings.Store
}

// buildApp loads configuration, opens each store's own sqlite file,
// registers the probe's sample tools, constructs whichever backend
// adapters have credentials, and wires everything into a Dispatcher.
// Grounded on the teacher's cmd/nexus commands_serve.go RunE-delegation
// style: the command layer stays thin and this function does the actual
// assembly, so every command shares one construction path.
func buildApp(cfgPath string) (*app, func(), error) {
	cfg, err := dconfig.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		// No config file on disk yet: fall back to an all-defaults config so
		// the probe still runs against ./data with env-supplied API keys.
		cfg = dconfig.Default()
	}

	log := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.SandboxDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.WorkspaceDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create workspace dir: %w", err)
	}

	convDB, err := openDB(cfg.Storage.DataDir, cfg.Storage.ConversationsDB)
	if err != nil {
		return nil, nil, err
	}
	profileDB, err := openDB(cfg.Storage.DataDir, cfg.Storage.ProfileDB)
	if err != nil {
		return nil, nil, err
	}
	auditDB, err := openDB(cfg.Storage.DataDir, cfg.Storage.AuditDB)
	if err != nil {
		return nil, nil, err
	}
	alertsDB, err := openDB(cfg.Storage.DataDir, cfg.Storage.AlertsDB)
	if err != nil {
		return nil, nil, err
	}
	settingsDB, err := openDB(cfg.Storage.DataDir, cfg.Storage.SettingsDB)
	if err != nil {
		return nil, nil, err
	}

	closers := []func() error{convDB.Close, profileDB.Close, auditDB.Close, alertsDB.Close, settingsDB.Close}
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	conv, err := convstore.New(convDB)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("open conversation store: %w", err)
	}
	profiles, err := profile.New(profileDB)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("open profile store: %w", err)
	}
	auditLog, err := audit.New(auditDB)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	encryptor, err := safety.NewEncryptor(cfg.Storage.DataDir, machineIdentifier(), nil)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("build settings encryptor: %w", err)
	}
	settingsStore, err := settings.New(settingsDB, encryptor)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("open settings store: %w", err)
	}
	// Fail loudly before serving any request rather than discover a
	// corrupted master key or salt file mid-conversation.
	if err := settingsStore.VerifySecrets(); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("verify settings secrets: %w", err)
	}

	registry := toolreg.New()
	registerSampleTools(registry)

	degrader := degradation.New(cfg.CandidateBackendNames()...)

	alertsCfg := alerts.DefaultConfig()
	watcher, err := alerts.New(alertsDB, alertsCfg, &log)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("open alert watcher: %w", err)
	}
	watcher.WatchDegradation(degrader)

	runner := toolrunner.New(registry, degrader, auditLog, cfg.Storage.SandboxDir, cfg.Storage.WorkspaceDir, &log)

	backends, err := buildBackends(cfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if len(backends) == 0 {
		closeAll()
		return nil, nil, fmt.Errorf("no usable backend adapters: set ANTHROPIC_API_KEY/OPENAI_API_KEY or run Ollama locally")
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "dispatch-probe",
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})

	modelForBackend := map[models.BackendName]string{}
	if cfg.Backends.CloudA.Model != "" {
		modelForBackend[models.BackendCloudA] = cfg.Backends.CloudA.Model
	}
	if cfg.Backends.CloudB.Model != "" {
		modelForBackend[models.BackendCloudB] = cfg.Backends.CloudB.Model
	}
	if cfg.Backends.Local.Model != "" {
		modelForBackend[models.BackendLocal] = cfg.Backends.Local.Model
	}

	d := dispatcher.New(conv, profiles, registry, runner, degrader, backends, convstore.ExtractiveSummarizer, nil, metrics, tracer, dispatcher.Config{
		GlobalDefaultPersona: "You are a helpful local assistant running on the dispatch core.",
		ContextTokenBudget:   cfg.Context.TokenBudget,
		PreferredBackend:     models.BackendName(cfg.Backends.Preferred),
		CandidateBackends:    cfg.CandidateBackendNames(),
		LocalOnly:            cfg.Backends.LocalOnly,
		MaxToolRounds:        cfg.Context.MaxToolRounds,
		MaxResponseTokens:    cfg.Context.MaxResponseTokens,
		CallerPermission:     cfg.PermissionLevel(),
		UserIP:               cfg.Safety.UserIP,
		ModelForBackend:      modelForBackend,
		Personas:             cfg.Personas,
	}, &log)

	closer := func() {
		_ = shutdownTracer(context.Background())
		closeAll()
	}

	return &app{cfg: cfg, log: log, conv: conv, profiles: profiles, registry: registry, degrader: degrader, dispatcher: d, settings: settingsStore}, closer, nil
}

// machineIdentifier returns a stable per-machine string for deriving the
// Settings Store's encryption key, falling back to a fixed value when the
// hostname can't be read (e.g. a sandboxed CI runner).
func machineIdentifier() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "dispatch-probe"
}

func openDB(dataDir, filename string) (*sql.DB, error) {
	path := filepath.Join(dataDir, filename)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

func buildBackends(cfg *dconfig.Config) (map[models.BackendName]adapters.Adapter, error) {
	out := make(map[models.BackendName]adapters.Adapter, 3)

	if cfg.Backends.CloudA.APIKey != "" {
		a, err := adapters.NewCloudA(adapters.CloudAConfig{
			APIKey:       cfg.Backends.CloudA.APIKey,
			BaseURL:      cfg.Backends.CloudA.BaseURL,
			DefaultModel: cfg.Backends.CloudA.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("build cloud_a adapter: %w", err)
		}
		out[models.BackendCloudA] = a
	}

	if cfg.Backends.CloudB.APIKey != "" {
		b, err := adapters.NewCloudB(adapters.CloudBConfig{
			APIKey:       cfg.Backends.CloudB.APIKey,
			BaseURL:      cfg.Backends.CloudB.BaseURL,
			DefaultModel: cfg.Backends.CloudB.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("build cloud_b adapter: %w", err)
		}
		out[models.BackendCloudB] = b
	}

	out[models.BackendLocal] = adapters.NewLocal(adapters.LocalConfig{
		BaseURL:      cfg.Backends.Local.BaseURL,
		DefaultModel: cfg.Backends.Local.Model,
	})

	return out, nil
}

// registerSampleTools registers the handful of tools the probe needs to
// demonstrate every branch of the Tool Runner pipeline: a sandbox-level
// tool that always succeeds, and the sandboxed shell tool the Tool Runner
// special-cases by name (spec.md section 4.5's escalation path — callers
// below PermissionSystem will see it as a permission_required escalation
// rather than ever actually executing).
func registerSampleTools(registry *toolreg.Registry) {
	_ = registry.Register(toolreg.Spec{
		Name:               "current_time",
		Description:        "Returns the current UTC time in RFC3339 format.",
		RequiredPermission: models.PermissionSandbox,
		Handler: func(ctx context.Context, input json.RawMessage) (string, bool, error) {
			return time.Now().UTC().Format(time.RFC3339), false, nil
		},
	})

	_ = registry.Register(toolreg.Spec{
		Name:        "echo",
		Description: "Echoes back its \"text\" argument, for exercising the tool-call round trip.",
		Parameters: []models.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo back", Required: true},
		},
		RequiredPermission: models.PermissionSandbox,
		Handler: func(ctx context.Context, input json.RawMessage) (string, bool, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "invalid input: " + err.Error(), true, nil
			}
			return args.Text, false, nil
		},
	})

	_ = registry.Register(toolreg.Spec{
		Name:        "run_shell_command",
		Description: "Runs a command in the sandbox working directory.",
		Parameters: []models.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to run", Required: true},
		},
		RequiredPermission: models.PermissionSystem,
		Handler: func(ctx context.Context, input json.RawMessage) (string, bool, error) {
			// Never actually invoked: Runner.dispatch special-cases this
			// tool name and routes to the sandbox launcher directly.
			return "", false, fmt.Errorf("run_shell_command: dispatched via sandbox, handler unreachable")
		},
	})
}
