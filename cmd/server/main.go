package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"savesync/internal/api"
	"savesync/internal/config"
	"savesync/internal/keystore"
	"savesync/internal/logging"
	"savesync/internal/saves"
	"savesync/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "savesync-server",
		Short:         "Store and serve game saves for savesync clients",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $"+config.ConfigPathEnvVar+" or ./savesync.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return serve(ctx, cfg)
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show storage statistics and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := store.NewSQLiteStore(cfg.Database.Path)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				defer st.Close()
				return printStats(cmd.Context(), cmd.OutOrStdout(), st, cfg.Retention.AuditMaxAge)
			},
		},
		newKeysCmd(func() *config.Config { return cfg }),
	)
	return root
}

func newKeysCmd(cfg func() *config.Config) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	keys.AddCommand(
		&cobra.Command{
			Use:   "add <user>",
			Short: "Generate an API key for a new user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := keystore.Add(cfg().Keys.Path, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key for %s: %s\n", args[0], key)
				fmt.Fprintln(cmd.OutOrStdout(), "Restart the server for the key to take effect.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List users that have a key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ks, err := keystore.Load(cfg().Keys.Path)
				if err != nil {
					return err
				}
				for _, u := range ks.Users() {
					fmt.Fprintln(cmd.OutOrStdout(), u)
				}
				return nil
			},
		},
	)
	return keys
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (saves.Storage, error) {
	switch cfg.Backend {
	case "s3":
		s3, err := saves.NewS3Storage(ctx, saves.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		logging.Internal.Info().Str("endpoint", cfg.S3.Endpoint).Str("bucket", cfg.S3.Bucket).Msg("using S3 storage")
		return s3, nil
	default:
		fs, err := saves.NewFSStorage(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		logging.Internal.Info().Str("path", cfg.Path).Msg("using local filesystem storage")
		return fs, nil
	}
}

func sessionSecret(cfg config.SessionConfig) ([]byte, error) {
	if cfg.Secret != "" {
		return []byte(cfg.Secret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	logging.Internal.Warn().Msg("session.secret not set, using a random one; web sessions end on restart")
	return secret, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	keys, err := keystore.Load(cfg.Keys.Path)
	if err != nil {
		return err
	}
	if keys.Len() == 0 {
		logging.Internal.Warn().Str("path", cfg.Keys.Path).Msg("no API keys configured; add one with `savesync-server keys add <user>`")
	} else {
		logging.Internal.Info().Int("users", keys.Len()).Msg("loaded API keys")
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	storage, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	svc := saves.NewService(storage, st, keys, saves.Options{
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Retention: saves.Retention{
			MaxVersions: cfg.Retention.MaxVersions,
			MaxAge:      cfg.Retention.MaxAge,
		},
	})

	secret, err := sessionSecret(cfg.Session)
	if err != nil {
		return err
	}

	var rateLimiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = api.NewRateLimiter(api.RateLimitConfig{
			RequestsPerSecond:       cfg.RateLimit.RequestsPerSecond,
			BurstSize:               cfg.RateLimit.Burst,
			UploadRequestsPerMinute: cfg.RateLimit.UploadsPerMinute,
			UploadBurstSize:         cfg.RateLimit.UploadBurst,
		})
		logging.Internal.Info().Msg("rate limiting enabled")
	}

	handler := api.NewHandler(svc, keys, api.Options{
		Version:     version,
		Sessions:    api.NewSessionManager(secret, cfg.Session.TTL, cfg.Session.SecureCookie),
		RateLimiter: rateLimiter,
		Uploads:     api.NewUploadLimiter(cfg.Server.MaxInFlightPerUser, cfg.Server.UploadQueueTimeout),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger(logging.Internal)}).MustHook()
	sup := suture.New("savesync-server", suture.Spec{
		EventHook: hook,
		Timeout:   cfg.Server.ShutdownTimeout + time.Second,
	})
	sup.Add(&httpService{server: server, shutdownTimeout: cfg.Server.ShutdownTimeout})
	sup.Add(saves.NewJanitor(svc, cfg.Retention.JanitorInterval, cfg.Retention.StagingMaxAge))
	if rateLimiter != nil {
		sup.Add(rateLimiter)
	}

	err = sup.Serve(ctx)
	logging.Internal.Info().Msg("server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// httpService runs an http.Server as a suture.Service.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (s *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Internal.Info().Str("addr", s.server.Addr).Str("version", version).Msg("starting server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		// A listener that cannot bind will not recover on restart.
		logging.Internal.Error().Err(err).Str("addr", s.server.Addr).Msg("server failed")
		return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
	case <-ctx.Done():
	}

	logging.Internal.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logging.Internal.Error().Err(err).Msg("shutdown error")
	}
	return ctx.Err()
}

func (s *httpService) String() string {
	return "http-server"
}
