package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evergreen-ai/evergreen/internal/archive"
	"github.com/evergreen-ai/evergreen/internal/config"
	"github.com/evergreen-ai/evergreen/internal/event"
	"github.com/evergreen-ai/evergreen/internal/executor"
	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/internal/server"
	"github.com/evergreen-ai/evergreen/internal/session"
)

var (
	servePort  int
	serveDir   string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Evergreen HTTP server",
	Long: `Start the session engine behind an HTTP API: session creation,
envelope ingestion, and SSE streams for outbound envelopes and events.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().BoolVar(&serveWatch, "watch-config", false, "Reload config on file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if prettyLogs {
		cfg.PrettyLogs = true
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.PrettyLogs,
	})
	log := logging.Component("serve")
	log.Info().Str("version", Version).Str("dir", workDir).Msg("starting evergreen server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := event.NewBus()
	defer bus.Close()

	engine := session.NewEngine(executor.DefaultRegistry(), session.Options{
		MaxDepth:             cfg.MaxDepth,
		OutboundBuffer:       cfg.OutboundBuffer,
		MaxExecuteRetries:    cfg.MaxExecuteRetries,
		RetryInitialInterval: cfg.RetryInitialInterval.Std(),
		Bus:                  bus,
	})

	serverConfig := server.DefaultConfig()
	serverConfig.Port = cfg.Server.Port
	serverConfig.EnableCORS = cfg.Server.EnableCORS
	serverConfig.IdleTimeout = cfg.SessionIdleTimeout.Std()

	store := archive.New(filepath.Join(paths.Data, "archive"))
	srv := server.New(ctx, serverConfig, engine, bus, store)

	if serveWatch {
		go func() {
			if err := config.Watch(ctx, workDir, nil); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	go func() {
		log.Info().Int("port", serverConfig.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}
