// Command chatgate runs the chat gateway: a websocket front for
// interactive agent turns backed by the Claude CLI, with conversation
// history in SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecmoce/chatgate/admission"
	"github.com/ecmoce/chatgate/config"
	"github.com/ecmoce/chatgate/runner"
	"github.com/ecmoce/chatgate/runner/claude"
	"github.com/ecmoce/chatgate/search"
	"github.com/ecmoce/chatgate/server"
	"github.com/ecmoce/chatgate/session"
	"github.com/ecmoce/chatgate/store"
)

func main() {
	root := &cobra.Command{
		Use:           "chatgate",
		Short:         "Websocket gateway for interactive Claude CLI sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatgate:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg := config.Load()

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	backend := claude.New(
		claude.WithBinary(cfg.ClaudeCmd),
		claude.WithDefaultModel(cfg.ClaudeModel),
	)
	run := runner.New(backend,
		runner.WithTimeout(cfg.ClaudeTimeout),
		runner.WithLogger(logger.Named("runner")),
	)
	if err := run.Validate(); err != nil {
		return fmt.Errorf("agent CLI unavailable: %w", err)
	}

	// Storage failure degrades to in-memory history rather than
	// refusing to start.
	var primary store.Store
	if sq, err := store.Open(cfg.DBPath); err != nil {
		logger.Error("durable store unavailable, history is in-memory only",
			zap.String("path", cfg.DBPath), zap.Error(err))
	} else {
		primary = sq
	}
	gateway := store.NewGateway(primary, logger.Named("store"))
	defer gateway.Close()

	adm := admission.NewController(admission.Config{
		MaxConcurrent:  cfg.MaxConcurrent,
		OriginLimit:    cfg.OriginLimit,
		OriginWindow:   cfg.OriginWindow,
		IdentityLimit:  cfg.IdentityLimit,
		IdentityWindow: cfg.IdentityWindow,
	}, logger.Named("admission"))

	// Web search stays off without a key, matching the degraded-feature
	// pattern above.
	var searcher session.Searcher
	if cfg.BraveAPIKey != "" {
		searcher = search.New(cfg.BraveAPIKey, search.WithLogger(logger.Named("search")))
	} else {
		logger.Info("web search disabled, BRAVE_API_KEY not set")
	}

	sup := server.New(server.Params{
		Auth:           authenticator(cfg),
		Admission:      adm,
		Runner:         run,
		Gateway:        gateway,
		Searcher:       searcher,
		Logger:         logger.Named("server"),
		MaxInputLength: cfg.MaxInputLength,
		PingInterval:   cfg.PingInterval,
		DefaultModel:   cfg.ClaudeModel,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           sup.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Addr()),
			zap.Bool("dev_mode", cfg.DevMode))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sup.Close(shutdownCtx); err != nil {
		logger.Warn("sessions did not drain", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func authenticator(cfg *config.Config) server.Authenticator {
	if cfg.DevMode || len(cfg.AuthTokens) == 0 {
		return server.DevAuthenticator("dev-user")
	}
	return server.TokenAuthenticator(cfg.AuthTokens)
}

func newLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zcfg.Development = true
	}
	return zcfg.Build()
}
