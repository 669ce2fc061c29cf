package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/a3tai/mcp-pdf-forms/internal/config"
	"github.com/a3tai/mcp-pdf-forms/internal/forms"
	"github.com/a3tai/mcp-pdf-forms/internal/httpapi"
	"github.com/a3tai/mcp-pdf-forms/internal/logging"
	"github.com/a3tai/mcp-pdf-forms/internal/mcp"
	"github.com/a3tai/mcp-pdf-forms/internal/oracle"
	"github.com/a3tai/mcp-pdf-forms/internal/pipeline"
	"github.com/a3tai/mcp-pdf-forms/internal/store"
)

var (
	version   = "dev"     // This will be set by build flags
	buildTime = "unknown" // This will be set by build flags
	gitCommit = "unknown" // This will be set by build flags
)

const shutdownTimeout = 10 * time.Second

// app holds everything main wires together
type app struct {
	cfg   *config.Config
	store *store.Store
	forms *forms.Service
	log   *zap.Logger
}

// newApp opens the store and builds the oracle, pipeline and forms service.
// Background transformations stop when ctx is cancelled.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	o, err := newOracle(cfg, log)
	if err != nil {
		return nil, err
	}

	var prompts *pipeline.Prompts
	if cfg.PromptsFile != "" {
		prompts, err = pipeline.LoadPrompts(cfg.PromptsFile)
		if err != nil {
			return nil, err
		}
	}

	p, err := pipeline.New(o, pipeline.Config{
		StageTimeout: cfg.OracleTimeout,
		Prompts:      prompts,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	svc, err := forms.NewService(ctx, st, p, forms.Options{
		StorageDir:  cfg.StorageDirectory,
		MaxFileSize: cfg.MaxFileSize,
		SubmitURL:   cfg.SubmitURL,
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: st, forms: svc, log: log}, nil
}

func newOracle(cfg *config.Config, log *zap.Logger) (*oracle.Client, error) {
	model, err := oracle.NewModel(cfg.OracleProvider, cfg.OracleModel, cfg.OracleURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle model: %w", err)
	}
	return oracle.NewClient(model, oracle.Options{
		MaxTokens:      cfg.OracleMaxTokens,
		AttachDocument: cfg.OracleAttachDocument,
	}, log), nil
}

// close waits for running transformations before closing the store
func (a *app) close() {
	a.forms.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
}

// runServerMode serves the HTTP API until ctx is cancelled
func (a *app) runServerMode(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           httpapi.New(a.forms, a.log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("HTTP API listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// runStdioMode serves MCP on stdin/stdout; the parent process controls our lifecycle
func (a *app) runStdioMode(ctx context.Context) error {
	server, err := mcp.NewServer(a.cfg, a.forms, a.log)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	return server.Run(ctx)
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			printVersion()
			return
		}
	}

	cfg, err := config.LoadFromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if version != "dev" {
		cfg.Version = version
	}

	log, err := logging.New(cfg.LogLevel, cfg.IsStdioMode())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Debug("starting", zap.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}

	if cfg.IsServerMode() {
		err = a.runServerMode(ctx)
	} else {
		err = a.runStdioMode(ctx)
	}
	stop()
	a.close()

	if err != nil {
		log.Error("server stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("server stopped")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("MCP PDF Forms\n")
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Build Time: %s\n", buildTime)
	fmt.Printf("Git Commit: %s\n", gitCommit)
	fmt.Printf("Built with: %s\n", runtime.Version())
}
