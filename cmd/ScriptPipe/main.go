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
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/ScriptPipe/internal/api"
	"github.com/BTreeMap/ScriptPipe/internal/cloudapi"
	"github.com/BTreeMap/ScriptPipe/internal/config"
	"github.com/BTreeMap/ScriptPipe/internal/course"
	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/genai"
	"github.com/BTreeMap/ScriptPipe/internal/lockfile"
	"github.com/BTreeMap/ScriptPipe/internal/messaging"
	"github.com/BTreeMap/ScriptPipe/internal/scheduler"
	"github.com/BTreeMap/ScriptPipe/internal/store"
	"github.com/BTreeMap/ScriptPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ScriptPipe/internal/whatsapp"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	flags, err := parseCommandLineFlags(cfg, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ScriptPipe", "transport", cfg.Transport, "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr)
	if err := run(ctx, cfg, flags); err != nil {
		slog.Error("ScriptPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ScriptPipe exited successfully")
}

// Flags holds command line values that are not part of the environment.
type Flags struct {
	qrOutput string
	numeric  bool
	waLog    string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags applies flag overrides on top of the environment configuration.
func parseCommandLineFlags(cfg *config.Config, args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("scriptpipe", flag.ContinueOnError)
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for ScriptPipe data (overrides $SCRIPTPIPE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "messaging transport: cloudapi, twilio or whatsmeow (overrides $TRANSPORT)")
	fs.StringVar(&cfg.CourseFile, "course-file", cfg.CourseFile, "course content YAML file (overrides $COURSE_FILE)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the whatsmeow login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&f.waLog, "whatsmeow-log-level", "INFO", "whatsmeow log level")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"state_dir", cfg.StateDir,
		"db_dsn_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"transport", cfg.Transport,
		"course_file", cfg.CourseFile,
		"qr_output", f.qrOutput,
		"numeric", f.numeric)
	return f, nil
}

// ensureDirectoriesExist creates the parent directory of a file-based DSN.
func ensureDirectoriesExist(dsn string) error {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	slog.Debug("Creating directory for file-based database", "dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(cfg *config.Config) []store.Option {
	dsn := cfg.StoreDSN()
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildGenAIOptions constructs GenAI options; nil means AI steps run without a generator.
func buildGenAIOptions(cfg *config.Config) []genai.Option {
	if cfg.OpenAIKey == "" {
		return nil
	}
	opts := []genai.Option{
		genai.WithAPIKey(cfg.OpenAIKey),
		genai.WithModel(cfg.OpenAIModel),
		genai.WithStateDir(cfg.StateDir),
	}
	if cfg.OpenAIFallbackModel != "" {
		opts = append(opts, genai.WithFallbackModel(cfg.OpenAIFallbackModel))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return opts
}

// buildCloudAPIOptions constructs Graph API client options
func buildCloudAPIOptions(cfg *config.Config) []cloudapi.Option {
	return []cloudapi.Option{
		cloudapi.WithAPIVersion(cfg.GraphAPIVersion),
		cloudapi.WithPhoneNumberID(cfg.PhoneNumberID),
		cloudapi.WithAccessToken(cfg.AccessToken),
		cloudapi.WithTimeout(cfg.SendTimeout),
	}
}

// buildWhatsAppOptions constructs whatsmeow client options
func buildWhatsAppOptions(cfg *config.Config, flags Flags) []whatsapp.Option {
	opts := []whatsapp.Option{
		whatsapp.WithDBDSN(cfg.WhatsAppStoreDSN()),
		whatsapp.WithLogLevel(flags.waLog),
	}
	if flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildAPIOptions constructs API server options common to every transport.
func buildAPIOptions(cfg *config.Config) []api.Option {
	opts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithDispatchTimeout(cfg.DispatchTimeout),
	}
	if cfg.WebhookVerifyToken != "" {
		opts = append(opts, api.WithVerifyToken(cfg.WebhookVerifyToken))
	}
	if cfg.AppSecret != "" {
		opts = append(opts, api.WithAppSecret(cfg.AppSecret))
	} else if cfg.Transport == config.TransportCloudAPI {
		slog.Warn("APP_SECRET not set, webhook signatures will not be verified")
	}
	return opts
}

// transport bundles the messaging service with the API options it contributes.
type transport struct {
	svc     messaging.Service
	apiOpts []api.Option
	close   func()
}

// buildTransport connects the messaging transport selected in the configuration.
func buildTransport(ctx context.Context, cfg *config.Config, flags Flags) (*transport, error) {
	switch cfg.Transport {
	case config.TransportCloudAPI:
		client, err := cloudapi.NewClient(buildCloudAPIOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("create cloud API client: %w", err)
		}
		svc := messaging.NewCloudAPIService(client)
		return &transport{svc: svc, apiOpts: []api.Option{api.WithReadMarker(svc)}, close: func() {}}, nil

	case config.TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber),
		)
		if err != nil {
			return nil, fmt.Errorf("create twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(client, cfg.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, Twilio signatures will not be verified")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return &transport{svc: svc, apiOpts: []api.Option{api.WithTwilioWebhook(svc.WebhookHandler)}, close: func() {}}, nil

	case config.TransportWhatsmeow:
		if err := ensureDirectoriesExist(cfg.WhatsAppStoreDSN()); err != nil {
			return nil, err
		}
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg, flags)...)
		if err != nil {
			return nil, fmt.Errorf("create whatsmeow client: %w", err)
		}
		return &transport{svc: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
}

// loadCourse reads COURSE_FILE, or the embedded course when unset.
func loadCourse(path string) (*flow.Registry, error) {
	var (
		content *course.Content
		err     error
	)
	if path != "" {
		slog.Debug("Loading course content", "path", path)
		content, err = course.LoadContentFile(path)
	} else {
		slog.Debug("No COURSE_FILE set, using embedded course content")
		content, err = course.DefaultContent()
	}
	if err != nil {
		return nil, err
	}
	return course.Build(content)
}

func run(ctx context.Context, cfg *config.Config, flags Flags) error {
	lock, err := lockfile.Acquire(cfg.StateDir, fmt.Sprintf("api=%s transport=%s", cfg.APIAddr, cfg.Transport))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	if err := ensureDirectoriesExist(cfg.StoreDSN()); err != nil {
		return err
	}
	st, err := store.New(buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	sched := scheduler.NewScheduler()
	if err := sched.AddPruneJob(cfg.PruneSchedule, st, cfg.DedupRetention); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	reg, err := loadCourse(cfg.CourseFile)
	if err != nil {
		return fmt.Errorf("load course: %w", err)
	}

	engineOpts := []flow.Option{
		flow.WithInitialStep(course.StepWelcomeUser),
		flow.WithSendTimeout(cfg.SendTimeout),
		flow.WithAITimeout(cfg.AITimeout),
	}
	if genaiOpts := buildGenAIOptions(cfg); genaiOpts != nil {
		gen, err := genai.NewClient(genaiOpts...)
		if err != nil {
			return fmt.Errorf("create genai client: %w", err)
		}
		engineOpts = append(engineOpts, flow.WithGenerator(gen))
	} else {
		slog.Warn("OPENAI_API_KEY not set, free-text AI replies are disabled")
	}

	tr, err := buildTransport(ctx, cfg, flags)
	if err != nil {
		return err
	}
	defer tr.close()
	engineOpts = append(engineOpts, flow.WithSender(tr.svc))

	engine, err := flow.NewEngine(reg, st, engineOpts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	apiOpts := append(buildAPIOptions(cfg), tr.apiOpts...)
	apiOpts = append(apiOpts, api.WithRepositioner(engine))
	server, err := api.NewServer(st, engine, apiOpts...)
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}

	if err := tr.svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer func() {
		if err := tr.svc.Stop(); err != nil && !errors.Is(err, messaging.ErrServiceStopped) {
			slog.Warn("Failed to stop messaging service", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return server.PumpEvents(gctx, tr.svc.Events()) })
	g.Go(func() error { return server.PumpReceipts(gctx, tr.svc.Receipts()) })
	return g.Wait()
}
