// Termind extracts family appointments from ingested chat messages.
//
// It exposes an admin HTTP surface for feedback and reconciliation, an
// MQTT ingest bridge that feeds a DateGate -> ContextAssembler ->
// LLMCascade -> ExtractionValidator -> AppointmentStore pipeline, and a
// periodic reflection agent that keeps person profiles current.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	termind serve                     Start the ingest bridge and admin API
//	termind init [dir]                Initialize a working directory with defaults
//	termind reflect                   Run one reflection cycle and exit
//	termind reconcile                 Run one reconciliation pass and exit
//	termind seed-memory <chat> <file> Seed memory from a plain-text chat export
//	termind version                   Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/radarcore/termind/internal/adminapi"
	"github.com/radarcore/termind/internal/appointment"
	"github.com/radarcore/termind/internal/buildinfo"
	"github.com/radarcore/termind/internal/calendar"
	"github.com/radarcore/termind/internal/cascade"
	"github.com/radarcore/termind/internal/config"
	"github.com/radarcore/termind/internal/feedback"
	"github.com/radarcore/termind/internal/httpkit"
	"github.com/radarcore/termind/internal/ingest"
	"github.com/radarcore/termind/internal/llm"
	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/personlearner"
	"github.com/radarcore/termind/internal/pipeline"
	"github.com/radarcore/termind/internal/promptctx"
	"github.com/radarcore/termind/internal/reflection"
	"github.com/radarcore/termind/internal/store"
	"github.com/radarcore/termind/internal/validator"
)

// Rate budgets for the two cascade providers. Not exposed in config.yaml
// (spec §6 doesn't name them as tunables); picked conservatively since a
// provider's own account limits are what actually bind in practice.
const (
	anthropicRatePerSecond = 1.0
	anthropicRateBurst     = 2
	ollamaRatePerSecond    = 2.0
	ollamaRateBurst        = 4
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to run. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected as
// parameters so the whole command surface can be driven concurrently from
// tests. args is os.Args[1:]; parsed by hand rather than with the flag
// package, which relies on package-level globals (flag.CommandLine) that
// would break parallel invocation of run.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "reflect":
		return runReflect(ctx, stdout, stderr, configPath)
	case "reconcile":
		return runReconcile(ctx, stdout, stderr, configPath)
	case "seed-memory":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: termind seed-memory <chat-id> <export-file>")
		}
		return runSeedMemory(ctx, stdout, stderr, configPath, cmdArgs[0], cmdArgs[1])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := map[string]string{
		"version":    buildinfo.Version,
		"git_commit": buildinfo.GitCommit,
		"build_time": buildinfo.BuildTime,
	}
	if outputFmt == "json" {
		return writeJSONIndent(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Termind - Context-Aware Appointment Extraction Core")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: termind [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the ingest bridge and admin API")
	fmt.Fprintln(w, "  init [dir]                 Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  reflect                    Run one reflection cycle and exit")
	fmt.Fprintln(w, "  reconcile                  Run one reconciliation pass and exit")
	fmt.Fprintln(w, "  seed-memory <chat> <file>  Seed memory from a plain-text chat export")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/termind/config.yaml, /etc/termind/config.yaml")
	return nil
}

// runServe boots every component and blocks until ctx is cancelled by
// SIGINT/SIGTERM or a component fails fatally.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if lvl, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
		logger = newLogger(stdout, lvl)
	} else {
		logger.Warn("unrecognized log_level, defaulting to info", "log_level", cfg.LogLevel)
	}
	logger.Info("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "termind.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	persons, err := person.NewStore(cfg.ProfileDir, logger)
	if err != nil {
		return fmt.Errorf("open person store: %w", err)
	}

	zone, err := time.LoadLocation(cfg.Family.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, falling back to UTC", "timezone", cfg.Family.Timezone, "error", err)
		zone = time.UTC
	}

	anthropicClient, ollamaClient := buildLLMClients(cfg, logger)
	providers := buildProviders(cfg, anthropicClient, ollamaClient)
	if len(providers) == 0 {
		return fmt.Errorf("no llm provider configured (set anthropic.api_key or ollama.base_url)")
	}
	cas := cascade.New(providers, logger)

	val := validator.New()

	appts := appointment.New(db, appointment.Config{
		ConfidenceAutoThreshold:    cfg.Extraction.ConfidenceAutoThreshold,
		DuplicateThreshold:         cfg.Extraction.DuplicateThreshold,
		DuplicateSuppressThreshold: cfg.Extraction.DuplicateSuppressThreshold,
	}, logger)

	learner := personlearner.New(persons, logger)

	var mem *memoryclient.Client
	if cfg.Memory.Enabled {
		mem = memoryclient.New(memoryclient.Config{
			BaseURL:        cfg.Memory.URL,
			RecallTimeout:  time.Duration(cfg.Memory.RecallTimeoutS) * time.Second,
			MemorizeWorker: cfg.Memory.MemorizeWorkers,
			QueueCap:       cfg.Memory.MemorizeQueueCap,
		}, logger)
	}

	var calSink *calendar.Sink
	if cfg.Calendar.URL != "" {
		calHTTP := httpkit.NewClient(
			httpkit.WithTimeout(20*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithLogger(logger),
		)
		calSink, err = calendar.New(calendar.Config{
			BaseURL:                cfg.Calendar.URL,
			Username:               cfg.Calendar.Username,
			Password:               cfg.Calendar.Password,
			ConfirmedPath:          cfg.Calendar.ConfirmedName,
			SuggestedPath:          cfg.Calendar.SuggestedName,
			ReminderAppointMinutes: cfg.Calendar.ReminderAppointMin,
			ReminderTaskMinutes:    cfg.Calendar.ReminderTaskMin,
		}, calHTTP, logger)
		if err != nil {
			return fmt.Errorf("configure calendar sink: %w", err)
		}
	}

	// ExistingDays.Before stays at the Assembler's own 7-day default (the
	// recent-past side of the window); After is driven by the single
	// configured knob, which in spec §6 names the wider forward-looking
	// lookup a household actually tunes.
	stores := promptctx.Stores{
		Messages:     db,
		Persons:      persons,
		Memory:       mem,
		RecentWindow: cfg.Extraction.ConversationWindowSize,
		MaxExisting:  cfg.Extraction.MaxExisting,
	}
	stores.ExistingDays.Before = 7
	stores.ExistingDays.After = cfg.Extraction.ExistingAppointmentsWindowDays
	assembler := promptctx.New(stores, promptctx.Config{
		UserName:      cfg.Family.UserName,
		PartnerName:   cfg.Family.PartnerName,
		ChildrenNames: cfg.Family.ChildrenNames,
		Zone:          zone,
	})

	// cal/fbCal/adminCal are only assigned when calSink is non-nil so the
	// narrow interfaces these packages accept stay a true nil, not a
	// typed nil wrapping a nil *calendar.Sink.
	var pipelineCal pipeline.CalendarSink
	var feedbackCal feedback.CalendarSink
	var adminCal adminapi.CalendarSink
	if calSink != nil {
		pipelineCal = calSink
		feedbackCal = calSink
		adminCal = calSink
	}

	pipe := pipeline.New(db, assembler, cas, val, appts, persons, pipelineCal, mem, learner,
		pipeline.Config{ConversationWindowSize: cfg.Extraction.ConversationWindowSize}, logger)

	fb := feedback.New(db, appts, persons, feedbackCal, learner, logger)
	admin := adminapi.New(cfg.Listen.Address, cfg.Listen.Port, fb, appts, mem, adminCal, logger)

	var bridge *ingest.Bridge
	if cfg.MQTT.Broker != "" {
		bridge = ingest.New(cfg.MQTT, db, pipe, logger)
	} else {
		logger.Info("mqtt ingest disabled (no broker configured)")
	}

	var refAgent *reflection.Agent
	if reflectClient, reflectModel := reflectionProvider(cfg, anthropicClient, ollamaClient); reflectClient != nil {
		refAgent = reflection.New(db, persons, reflectClient, reflectModel, cfg.ProfileDir,
			reflection.Config{IntervalMin: cfg.Reflection.IntervalMin, LockTTLMin: cfg.Reflection.LockTTLMin}, logger)
	} else {
		logger.Info("reflection agent disabled (no llm provider available)")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	if bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ingest bridge failed", "error", err)
			}
		}()
	}
	if refAgent != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refAgent.Run(ctx)
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Error("ingest bridge shutdown failed", "error", err)
			}
		}
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin api shutdown failed", "error", err)
		}
	}()

	if err := admin.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("admin api failed: %w", err)
		}
	}
	wg.Wait()

	logger.Info("termind stopped")
	return nil
}

// runReflect runs exactly one reflection cycle against the configured
// store and profiles, then exits. Useful for cron-driven deployments
// that don't want the long-running serve process to own scheduling.
func runReflect(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	db, err := store.Open(filepath.Join(cfg.DataDir, "termind.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	persons, err := person.NewStore(cfg.ProfileDir, logger)
	if err != nil {
		return fmt.Errorf("open person store: %w", err)
	}

	anthropicClient, ollamaClient := buildLLMClients(cfg, logger)
	client, model := reflectionProvider(cfg, anthropicClient, ollamaClient)
	if client == nil {
		return fmt.Errorf("no llm provider configured for reflection")
	}

	agent := reflection.New(db, persons, client, model, cfg.ProfileDir,
		reflection.Config{IntervalMin: cfg.Reflection.IntervalMin, LockTTLMin: cfg.Reflection.LockTTLMin}, logger)
	if err := agent.RunOnce(ctx); err != nil {
		return fmt.Errorf("reflection cycle: %w", err)
	}
	fmt.Fprintln(stdout, "reflection cycle complete")
	return nil
}

// runReconcile replicates AdminAPI's /reconcile handler as a one-shot
// CLI pass (spec §4.12): expires stale suggestions, then retries
// calendar sync for every appointment flagged pending_sync.
func runReconcile(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	db, err := store.Open(filepath.Join(cfg.DataDir, "termind.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	appts := appointment.New(db, appointment.Config{
		ConfidenceAutoThreshold:    cfg.Extraction.ConfidenceAutoThreshold,
		DuplicateThreshold:         cfg.Extraction.DuplicateThreshold,
		DuplicateSuppressThreshold: cfg.Extraction.DuplicateSuppressThreshold,
	}, logger)

	expired, err := appts.ExpireStaleSuggestions(30 * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("expire stale suggestions: %w", err)
	}

	var calSink *calendar.Sink
	if cfg.Calendar.URL != "" {
		calHTTP := httpkit.NewClient(
			httpkit.WithTimeout(20*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithLogger(logger),
		)
		calSink, err = calendar.New(calendar.Config{
			BaseURL:                cfg.Calendar.URL,
			Username:               cfg.Calendar.Username,
			Password:               cfg.Calendar.Password,
			ConfirmedPath:          cfg.Calendar.ConfirmedName,
			SuggestedPath:          cfg.Calendar.SuggestedName,
			ReminderAppointMinutes: cfg.Calendar.ReminderAppointMin,
			ReminderTaskMinutes:    cfg.Calendar.ReminderTaskMin,
		}, calHTTP, logger)
		if err != nil {
			return fmt.Errorf("configure calendar sink: %w", err)
		}
	}

	resynced, resyncErrors := 0, 0
	if calSink != nil {
		pending, err := appts.PendingSync()
		if err != nil {
			logger.Warn("reconcile: load pending_sync appointments failed", "error", err)
		}
		for _, a := range pending {
			if err := calSink.Update(ctx, a, a.Participants); err != nil {
				resyncErrors++
				logger.Warn("reconcile: calendar resync failed", "appointment_id", a.ID, "error", err)
				continue
			}
			resynced++
		}
	}

	fmt.Fprintf(stdout, "expired %d stale suggestions, resynced %d appointments, %d resync errors\n",
		len(expired), resynced, resyncErrors)
	return nil
}

// buildLLMClients constructs the two possible provider clients from
// config; either may be nil if its section is not configured.
func buildLLMClients(cfg *config.Config, logger *slog.Logger) (*llm.AnthropicClient, *llm.OllamaClient) {
	var anthropicClient *llm.AnthropicClient
	if cfg.Anthropic.APIKey != "" {
		anthropicClient = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	}
	var ollamaClient *llm.OllamaClient
	if cfg.Ollama.BaseURL != "" {
		ollamaClient = llm.NewOllamaClient(cfg.Ollama.BaseURL)
	}
	return anthropicClient, ollamaClient
}

// buildProviders assembles the cascade's ordered provider list: Anthropic
// first (primary extraction), Ollama second (local fallback), matching
// spec §4.3's "ordered list of providers" with whichever are configured.
func buildProviders(cfg *config.Config, anthropicClient *llm.AnthropicClient, ollamaClient *llm.OllamaClient) []cascade.Provider {
	var providers []cascade.Provider
	if anthropicClient != nil {
		providers = append(providers, cascade.Provider{
			Name:          "anthropic",
			Model:         firstNonEmpty(cfg.Models.Extraction, cfg.Anthropic.Model),
			Client:        anthropicClient,
			Timeout:       45 * time.Second,
			RatePerSecond: anthropicRatePerSecond,
			RateBurst:     anthropicRateBurst,
		})
	}
	if ollamaClient != nil {
		providers = append(providers, cascade.Provider{
			Name:          "ollama",
			Model:         firstNonEmpty(cfg.Models.Fallback, cfg.Ollama.Model),
			Client:        ollamaClient,
			Timeout:       30 * time.Second,
			RatePerSecond: ollamaRatePerSecond,
			RateBurst:     ollamaRateBurst,
		})
	}
	return providers
}

// reflectionProvider picks the higher-capability configured client for
// the periodic reflection cycle (spec §4.10 calls for "a high-capability
// LLM"): Anthropic when available, Ollama otherwise. Returns a nil
// client when neither is configured.
func reflectionProvider(cfg *config.Config, anthropicClient *llm.AnthropicClient, ollamaClient *llm.OllamaClient) (llm.Client, string) {
	if anthropicClient != nil {
		return anthropicClient, firstNonEmpty(cfg.Models.Reflection, cfg.Anthropic.Model)
	}
	if ollamaClient != nil {
		return ollamaClient, firstNonEmpty(cfg.Models.Reflection, cfg.Ollama.Model)
	}
	return nil, ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output in termind goes through slog; ReplaceLogLevelNames
// renders the package's custom LevelTrace correctly instead of printing
// it as slog's generic "DEBUG-4".
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func writeJSONIndent(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist); otherwise
// config.FindConfig searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
