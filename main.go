package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"task-client/api"
	"task-client/auth"
	"task-client/config"
	"task-client/domain"
	"task-client/export"
	"task-client/notice"
	"task-client/reconcile"
	"task-client/session"
	"task-client/storage"
	"task-client/stream"
	"task-client/taskstore"
	"task-client/ui"
)

func main() {
	root := &cobra.Command{
		Use:           "task-client",
		Short:         "Keeps a local task list in sync with the task backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), listCmd())
	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync session and the local HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func listCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Fetch one view of tasks and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg)
			view := cfg.InitialView
			if status != "" {
				v, err := domain.ParseView(status)
				if err != nil {
					return err
				}
				view = v
			}
			creds, err := credentials(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			gw := newGateway(cfg, newTokens(cfg, creds, logger), logger)
			tasks, err := gw.FetchTasks(cmd.Context(), view)
			if err != nil {
				return err
			}
			printTasks(cmd, taskstore.Sort(taskstore.Filter(tasks, view)))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "view to list (open or done)")
	return cmd
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func credentials(ctx context.Context, cfg config.Config, logger *log.Logger, watch bool) (*auth.Store, error) {
	creds := auth.NewStore(cfg.AccessToken)
	if cfg.TokenFile == "" {
		return creds, nil
	}
	fs := afero.NewOsFs()
	if err := auth.LoadFile(fs, cfg.TokenFile, creds); err != nil {
		return nil, fmt.Errorf("token file: %w", err)
	}
	if watch {
		if err := auth.WatchFile(ctx, fs, cfg.TokenFile, creds, logger); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

func newTokens(cfg config.Config, creds *auth.Store, logger *log.Logger) *auth.Manager {
	httpClient := &http.Client{Timeout: cfg.APITimeout}
	return auth.NewManager(creds, &auth.HTTPRefresher{BaseURL: cfg.BackendURL, HTTP: httpClient}, logger)
}

func newGateway(cfg config.Config, tokens *auth.Manager, logger *log.Logger) *api.Gateway {
	return api.New(api.Options{
		BaseURL:      cfg.BackendURL,
		Tokens:       tokens,
		HTTPClient:   &http.Client{Timeout: cfg.APITimeout},
		Logger:       logger,
		MaxRetries:   cfg.APIMaxRetries,
		RetryInitial: cfg.APIRetryInitial,
		RetryMax:     cfg.APIRetryMax,
	})
}

func newCache(cfg config.Config, logger *log.Logger) *storage.Cache {
	if cfg.RedisConnectionString == "" {
		return storage.NewCache(nil, cfg.CacheTTL, logger)
	}
	opts, err := storage.RedisOptions(cfg.RedisConnectionString)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return storage.NewCache(redis.NewClient(opts), cfg.CacheTTL, logger)
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	creds, err := credentials(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	tokens := newTokens(cfg, creds, logger)
	gw := newGateway(cfg, tokens, logger)
	cache := newCache(cfg, logger)
	board := notice.NewBoard(0, 0, logger)
	store := taskstore.New(cfg.InitialView, logger)
	dispatcher := stream.NewDispatcher(logger)

	channel := stream.NewChannel(stream.Options{
		BaseURL:     cfg.BackendURL,
		Credentials: tokens,
		Dialer:      &stream.SSEDialer{},
		Dispatcher:  dispatcher,
		Notifier:    board,
		Logger:      logger,
		MaxAttempts: cfg.StreamMaxAttempts,
		BackoffBase: cfg.StreamBackoffBase,
		BackoffMax:  cfg.StreamBackoffMax,
	})
	ctrl := reconcile.New(reconcile.Options{
		Store:    store,
		Gateway:  gw,
		Notifier: board,
		Logger:   logger,
		Cache:    cache,
		Identity: creds,
	})
	exporter := export.NewManager(export.Options{
		Gateway:      gw,
		Identity:     creds,
		Notifier:     board,
		Logger:       logger,
		Fs:           afero.NewOsFs(),
		DownloadDir:  cfg.DownloadDir,
		PollInterval: cfg.ExportPollInterval,
	})
	sess := session.New(session.Options{
		Credentials: creds,
		Channel:     channel,
		Dispatcher:  dispatcher,
		Controller:  ctrl,
		Exporter:    exporter,
		Cache:       cache,
		Logger:      logger,
	})
	sess.Start(ctx)
	defer sess.Shutdown()

	e := echo.New()
	e.HideBanner = true
	ui.Register(e, ui.Deps{
		Tasks:   ctrl,
		Channel: channel,
		Notices: board,
		Exports: exporter,
		Debug:   cfg.Debug,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("ui.listening")
		errCh <- e.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func printTasks(cmd *cobra.Command, tasks []domain.Task) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tID\tPRIORITY\tDUE\tTITLE")
	for _, t := range tasks {
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.OrderIndex, t.Key(), t.Priority, due, t.Title)
	}
	w.Flush()
}
