package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hookdebug/hookdebug/internal/api"
	"github.com/hookdebug/hookdebug/internal/capture"
	"github.com/hookdebug/hookdebug/internal/config"
	"github.com/hookdebug/hookdebug/internal/directory"
	"github.com/hookdebug/hookdebug/internal/export"
	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/identity"
	"github.com/hookdebug/hookdebug/internal/migration"
	"github.com/hookdebug/hookdebug/internal/retention"
	"github.com/hookdebug/hookdebug/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookdebug",
		Short: "hookdebug captures and lets you inspect inbound webhooks",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(exportCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hookdebug server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			memory := storage.NewMemoryStore(cfg.Anonymous.MaxRequestsPerEndpoint)
			dir := directory.New(memory, store)
			reqs := directory.NewRequests(dir)
			hub := fanout.NewHub(log)

			if cfg.Fanout.RedisURL != "" {
				bridge, err := fanout.NewRedisBridge(cfg.Fanout.RedisURL, cfg.Fanout.RedisChannel, hub, log)
				if err != nil {
					return fmt.Errorf("failed to setup redis bridge: %w", err)
				}
				if err := bridge.Start(ctx); err != nil {
					return fmt.Errorf("failed to start redis bridge: %w", err)
				}
				defer bridge.Stop()
			}

			var verifier identity.Verifier
			if cfg.Auth.DevLogin {
				log.Warn().Msg("development login is enabled; anyone can sign in as anyone")
				verifier = identity.DevVerifier{}
			}

			sweeper := retention.NewSweeper(cfg.Retention, cfg.Anonymous.SessionTTL, memory, store, hub, log)
			sweeper.Start(ctx)

			server := api.NewServer(cfg.Server, api.Deps{
				Directory:   dir,
				Requests:    reqs,
				Pipeline:    capture.NewPipeline(dir, reqs, hub, cfg.Capture.MaxBodyBytes, log),
				Coordinator: migration.NewCoordinator(memory, store, hub, cfg.Migration.Parallelism, log),
				Hub:         hub,
				Resolver:    identity.NewResolver(identity.NewSigner(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL), cfg.Auth.CookieSecure),
				Verifier:    verifier,
				WSBuffer:    cfg.Fanout.Buffer,
				Retention:   cfg.Retention,
			}, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("storage", cfg.Storage.Driver).
				Bool("redis_fanout", cfg.Fanout.RedisURL != "").
				Msg("hookdebug is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			sweeper.Stop()

			log.Info().Msg("hookdebug stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired endpoints once and print the cleanup history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			log := setupLogger(cfg.Logging)
			// anonymous sessions live in the server process, so only the durable half runs here
			sweeper := retention.NewSweeper(cfg.Retention, 0, nil, store, fanout.NewHub(log), log)
			report, err := sweeper.Sweep(context.Background())
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			history, _ := cmd.Flags().GetInt("history")
			sweeps, err := store.LastSweeps(context.Background(), history)
			if err != nil {
				return fmt.Errorf("failed to read cleanup log: %w", err)
			}

			out, _ := json.MarshalIndent(map[string]any{"report": report, "history": sweeps}, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().Int("history", 10, "number of past sweeps to show")
	return cmd
}

func exportCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <endpoint_id>",
		Short: "Export an account endpoint's requests as gzip JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			ep, err := store.GetEndpoint(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get endpoint: %w", err)
			}
			if ep == nil {
				return fmt.Errorf("endpoint %s not found", args[0])
			}
			reqs, err := store.ListRequests(ctx, ep.ID, 0)
			if err != nil {
				return fmt.Errorf("failed to list requests: %w", err)
			}

			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = export.FileName(*ep, time.Now())
			}
			var w io.Writer = os.Stdout
			if output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			n, err := export.WriteJSONLGZ(w, reqs)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			if output != "-" {
				fmt.Fprintf(os.Stderr, "wrote %d requests to %s\n", n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file, - for stdout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hookdebug v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (*storage.SQLStore, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using Postgres storage")
		return storage.NewPostgres(cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (*config.Config, *storage.SQLStore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return cfg, store, func() { store.Close() }, nil
}
