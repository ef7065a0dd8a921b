package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/caravel/internal/config"
	"github.com/harun/caravel/internal/logger"
	"github.com/harun/caravel/internal/metrics"
	"github.com/harun/caravel/pkg/ai"
	"github.com/harun/caravel/pkg/dockerx"
	"github.com/harun/caravel/pkg/gateway"
	"github.com/harun/caravel/pkg/kernel"
	"github.com/harun/caravel/pkg/knowledge"
	"github.com/harun/caravel/pkg/kube"
	"github.com/harun/caravel/pkg/policy"
	"github.com/harun/caravel/pkg/registry"
	"github.com/harun/caravel/pkg/session"
	"github.com/harun/caravel/pkg/telemetry"
	"github.com/harun/caravel/pkg/tools"
)

const telemetryCapacity = 1024

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caravel server",
	Long: `Run the caravel server in the foreground.
The server exposes the execution kernel over HTTP and WebSocket and
shuts down cleanly on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: true,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	zlog := lg.Zerolog()

	m := metrics.NewMetrics()

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Session.Janitor.Enabled {
		janitor := session.NewJanitor(store, cfg.Session.Janitor.Schedule, cfg.Session.Janitor.MaxAgeDuration())
		if err := janitor.Start(); err != nil {
			return fmt.Errorf("failed to start session janitor: %w", err)
		}
		defer janitor.Stop()
	}

	var provider *policy.Provider
	var policies []policy.ActivePolicy
	if cfg.Policy.Path != "" {
		provider, err = policy.NewProvider(cfg.Policy.Path)
		if err != nil {
			return fmt.Errorf("failed to load policy document: %w", err)
		}
		defer provider.Close()

		if cfg.Policy.Watch {
			if err := provider.Watch(); err != nil {
				zlog.Warn().Err(err).Msg("Policy watch unavailable, document is static")
			}
		}
		policies = provider.Document().Policies
	}

	aiClient, err := buildAIClient(cfg.AI)
	if err != nil {
		return err
	}

	docker := dockerx.NewClient(
		dockerx.WithDockerBinary(cfg.Docker.Binary),
		dockerx.WithTrivyBinary(cfg.Docker.TrivyBinary),
		dockerx.WithTimeout(cfg.Docker.TimeoutDuration()),
	)

	kubeOpts := []kube.Option{kube.WithKubectlBinary(cfg.Kube.Binary)}
	if cfg.Kube.Kubeconfig != "" {
		kubeOpts = append(kubeOpts, kube.WithKubeconfig(cfg.Kube.Kubeconfig))
	}
	kubeClient := kube.NewClient(kubeOpts...)

	reg := registry.New()
	if err := tools.RegisterWorkflowTools(reg, tools.Options{
		AI:        aiClient,
		Knowledge: knowledge.Default(),
		Docker:    docker,
		Kube:      kubeClient,
		Version:   version,
		StartTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	sink := telemetry.NewSink(telemetryCapacity)

	k, err := kernel.New(kernel.Config{
		Registry: reg,
		Store:    store,
		Engine:   policy.NewEngine(),
		Policies: policies,
		Provider: provider,
		Sink:     sink,
		Metrics:  m,
		Logger:   &zlog,
		BaseConfig: policy.GenerationConfig{
			MaxTokens:        cfg.Kernel.MaxTokens,
			MaxExecutionTime: cfg.Kernel.MaxExecutionDuration(),
		},
		MaxRetries: cfg.Kernel.MaxRetries,
		RetryDelay: cfg.Kernel.RetryDelayDuration(),
	})
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Server.Port,
		Token:        cfg.Server.Token,
		Kernel:       k,
		Metrics:      m,
		Logger:       &zlog,
		TickInterval: cfg.Server.TickIntervalDuration(),
	})
	if err != nil {
		return err
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	zlog.Info().
		Int("port", cfg.Server.Port).
		Int("tools", reg.Count()).
		Str("session_backend", cfg.Session.Backend).
		Msg("Caravel server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	zlog.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	return server.Stop()
}

// buildStore constructs the configured session store. The returned close
// func is a no-op for the memory backend.
func buildStore(cfg *config.Config) (session.Store, func(), error) {
	switch cfg.Session.Backend {
	case "sqlite":
		store, err := session.NewSQLiteStore(cfg.Session.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return session.NewMemoryStore(), func() {}, nil
	}
}

// buildAIClient constructs the generation client from the configured
// provider, with the other provider as fallback when its key is present.
// A nil client is valid: tools fall back to template generation.
func buildAIClient(cfg config.AIConfig) (*ai.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		primary := ai.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.Model)
		opts := []ai.ClientOption{}
		if cfg.OpenAIAPIKey != "" {
			opts = append(opts, ai.WithFallback(ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.FallbackModel)))
		}
		return ai.NewClient(primary, opts...)
	case "openai":
		primary := ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.Model)
		opts := []ai.ClientOption{}
		if cfg.AnthropicAPIKey != "" {
			opts = append(opts, ai.WithFallback(ai.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.FallbackModel)))
		}
		return ai.NewClient(primary, opts...)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}
