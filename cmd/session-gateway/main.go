package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetdesk.com/session/api"
	"fleetdesk.com/session/auth"
	sessionfiber "fleetdesk.com/session/auth/fiber"
	"fleetdesk.com/session/auth/identity"
	"fleetdesk.com/session/config"
	"fleetdesk.com/session/pg/model"
	"fleetdesk.com/session/pg/repo"
	"fleetdesk.com/session/session"
	"fleetdesk.com/session/store"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-gateway",
		Short: "Fleet dashboard session gateway",
		Long: `Runs the dashboard session layer as a local HTTP service.

Configuration is read from CONFIG_SOURCE (env-file or azure-keyvault) with
the process environment as fallback. API_BASE_URL is required.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(serveCmd(), configCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var listen, profile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, listen, profile)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default: GATEWAY_LISTEN)")
	cmd.Flags().StringVar(&profile, "profile", "default", "Credential profile when CREDENTIAL_STORE=postgres")
	return cmd
}

func configCmd() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and exit",
		Long: `Validates configuration and prints a summary. With CREDENTIAL_STORE=postgres
it also lists the keys persisted for the profile; values are never printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			settings, err := loadSettings(logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config source:    %s\n", config.GetGlobalConfig().GetConfigSource())
			fmt.Fprintf(out, "api base url:     %s\n", settings.APIBaseURL)
			fmt.Fprintf(out, "credential store: %s (sealed: %t)\n", settings.CredentialStore, settings.StoreEncryptionKey != "")
			fmt.Fprintf(out, "refresh lookahead: %s\n", settings.RefreshLookahead)
			fmt.Fprintf(out, "legacy auth:      %t\n", settings.LegacyAuth)

			if settings.CredentialStore != config.StorePostgres {
				return nil
			}
			pb, err := repo.Connect(cmd.Context(), settings.DatabaseURL, profile)
			if err != nil {
				return err
			}
			defer pb.Close()
			return printEntries(cmd.Context(), out, profile, pb)
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "default", "Credential profile to list when CREDENTIAL_STORE=postgres")
	return cmd
}

type entryLister interface {
	Entries(ctx context.Context) ([]model.CredentialEntry, error)
}

// printEntries writes the persisted keys of profile with their update times.
func printEntries(ctx context.Context, w io.Writer, profile string, l entryLister) error {
	entries, err := l.Entries(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "stored keys (%s):\n", profile)
	if len(entries) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %-14s %s\n", e.Key, e.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func newLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "session-gateway",
		Level: hclog.Info,
	})
}

func loadSettings(logger hclog.Logger) (*config.Settings, error) {
	if err := config.InitGlobalConfigWithLogger(logger); err != nil {
		return nil, fmt.Errorf("initialize config: %w", err)
	}
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	logger.SetLevel(settings.Level())
	return settings, nil
}

func runServe(ctx context.Context, listen, profile string) error {
	logger := newLogger()
	settings, err := loadSettings(logger)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = settings.GatewayListen
	}

	backend, closeBackend, err := openBackend(ctx, settings, profile, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	creds := store.New(backend, logger)
	if err := creds.Load(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := auth.NewMetrics(registry)

	provider := identity.NewFirebaseClient(identity.FirebaseConfig{
		APIKey:      settings.FirebaseAPIKey,
		AuthURL:     settings.FirebaseAuthURL,
		TokenURL:    settings.FirebaseTokenURL,
		HTTPClient:  &http.Client{Timeout: settings.HTTPTimeout},
		Persistence: backend,
		Logger:      logger,
	})
	if err := provider.Restore(ctx); err != nil {
		logger.Warn("restoring identity session failed", "error", err)
	}

	clientOpts := []api.Option{
		api.WithTimeout(settings.HTTPTimeout),
		api.WithLogger(logger),
		api.WithLookahead(settings.RefreshLookahead),
		api.WithTokenSource(creds),
	}
	apiClient := api.New(settings.APIBaseURL, append(clientOpts, api.WithName("api"))...)
	authClient := api.New(settings.APIBaseURL, append(clientOpts, api.WithName("auth"))...)
	creds.Attach(apiClient)
	creds.Attach(authClient)

	backendAPI := auth.NewBackend(apiClient, authClient, logger)
	bridge := auth.NewBridge(provider, backendAPI, creds, metrics, logger)
	refresher := auth.NewRefresher(backendAPI, bridge, provider, creds, metrics, logger)
	apiClient.SetRefresher(refresher)
	authClient.SetRefresher(refresher)

	ctrl := session.NewController(session.Config{
		Provider: provider,
		Bridge:   bridge,
		Backend:  backendAPI,
		Store:    creds,
		Metrics:  metrics,
		Logger:   logger,
	})
	ctrl.Start(ctx)
	defer ctrl.Close()

	app := fiber.New(fiber.Config{
		AppName:               "session-gateway",
		DisableStartupMessage: true,
		ReadTimeout:           settings.HTTPTimeout,
	})
	sessionfiber.SetupSessionRoutes(app, ctrl)
	if settings.LegacyAuth {
		sessionfiber.SetupLegacyRoutes(app, ctrl)
		logger.Info("legacy backend login enabled")
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "loading": ctrl.State().Loading})
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", listen, "store", settings.CredentialStore)
		errCh <- app.Listen(listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(5 * time.Second)
	}
}

// openBackend builds the configured credential backend, sealed when
// STORE_ENCRYPTION_KEY is set.
func openBackend(ctx context.Context, settings *config.Settings, profile string, logger hclog.Logger) (store.Backend, func(), error) {
	var (
		backend store.Backend
		closer  = func() {}
	)

	switch settings.CredentialStore {
	case config.StoreRedis:
		rb, err := store.NewRedisBackend(ctx, settings.RedisAddr, settings.RedisPassword, "")
		if err != nil {
			return nil, nil, err
		}
		backend = rb
		closer = func() {
			if err := rb.Close(); err != nil {
				logger.Warn("closing redis failed", "error", err)
			}
		}
	case config.StorePostgres:
		pb, err := repo.Connect(ctx, settings.DatabaseURL, profile)
		if err != nil {
			return nil, nil, err
		}
		backend = pb
		closer = pb.Close
	default:
		backend = store.NewMemoryBackend()
	}

	if settings.StoreEncryptionKey != "" {
		sealed, err := store.NewSealedBackend(backend, settings.StoreEncryptionKey)
		if err != nil {
			closer()
			return nil, nil, err
		}
		backend = sealed
	}

	logger.Info("credential store ready", "backend", settings.CredentialStore, "sealed", settings.StoreEncryptionKey != "")
	return backend, closer, nil
}
