package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sharednotes/internal/config"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/database"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/logging"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/remote"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/server"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var errNoteNotFound = errors.New("note not found")

// app holds the wiring shared by the client subcommands.
type app struct {
	config config.AppConfig
	logger *zap.Logger
	store  *notes.Store
	client *remote.Client
	engine *syncer.Engine
	close  func()
}

func newApp() (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	store, err := notes.NewStore(notes.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL:       appConfig.ServerURL,
		Timeout:       appConfig.RemoteTimeout,
		RatePerSecond: appConfig.RatePerSecond,
		Burst:         appConfig.Burst,
		Logger:        logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Store:        store,
		Remote:       client,
		Logger:       logger,
		PollInterval: appConfig.PollInterval,
		FlushTimeout: appConfig.FlushTimeout,
		IDProvider:   syncer.NewUUIDProvider(),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &app{
		config: appConfig,
		logger: logger,
		store:  store,
		client: client,
		engine: engine,
		close: func() {
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}

// shutdown flushes pending pushes before releasing the database.
func (a *app) shutdown() error {
	defer a.close()
	return a.engine.Close(context.Background())
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <title>",
		Short: "Print the merged note every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			view, err := application.engine.GetSynced(ctx, args[0])
			if err != nil {
				_ = application.shutdown()
				return err
			}
			defer view.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return application.shutdown()
				case snapshot, ok := <-view.Updates():
					if !ok {
						return application.shutdown()
					}
					fmt.Fprintln(out, formatSnapshot(snapshot))
				}
			}
		},
	}
}

func newPutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put <title> <content>",
		Short: "Save a note locally and push it to the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}

			stored, err := application.engine.UpsertSynced(cmd.Context(), notes.Note{Title: args[0], Content: args[1]})
			if err != nil {
				_ = application.shutdown()
				return err
			}
			if err := application.shutdown(); err != nil {
				return fmt.Errorf("saved locally but not pushed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatNote(stored))
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <title>",
		Short: "Print the local copy of a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(application *app) error {
				snapshot, err := application.store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !snapshot.Found {
					return fmt.Errorf("%w: %s", errNoteNotFound, snapshot.Title)
				}
				fmt.Fprintln(cmd.OutOrStdout(), snapshot.Note.Content)
				return nil
			})
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local notes ordered by title",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(application *app) error {
				list, err := application.store.List(cmd.Context())
				if err != nil {
					return err
				}
				writeList(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <title>",
		Short: "Delete the local copy of a note",
		Long:  "Delete the local copy of a note. The server keeps its copy, so a later sync restores it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(application *app) error {
				return application.store.Delete(cmd.Context(), args[0])
			})
		},
	}
}

func newPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [message]",
		Short: "Check that the server answers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := "ping"
			if len(args) == 1 {
				message = args[0]
			}
			return withApp(func(application *app) error {
				reply, err := application.client.Echo(cmd.Context(), message)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
}

func newServeCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference shared notes server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("server-database-path", defaults.GetString("server.database_path"), "Server SQLite database path")
	bindLocalFlag(cmd, "http.address", "http-address")
	bindLocalFlag(cmd, "server.database_path", "server-database-path")
	return cmd
}

// withApp runs fn against a local-only session and releases it afterwards.
func withApp(fn func(*app) error) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	runErr := fn(application)
	closeErr := application.shutdown()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.ServerDatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := notes.NewStore(notes.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:  store,
		Logger: logger,
		Clock:  time.Now,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func formatSnapshot(snapshot notes.Snapshot) string {
	if !snapshot.Found {
		return fmt.Sprintf("%s\t(no note)", snapshot.Title)
	}
	return formatNote(snapshot.Note)
}

func formatNote(note notes.Note) string {
	content := strings.ReplaceAll(note.Content, "\n", `\n`)
	return fmt.Sprintf("%s\t%s\t%s", note.Title, notes.FormatTimestamp(note.UpdatedAt), content)
}

func writeList(out io.Writer, list []notes.Note) {
	for _, note := range list {
		fmt.Fprintln(out, formatNote(note))
	}
}
