package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirdoy/pannello-stufa-sub009/internal/config"
	"github.com/sirdoy/pannello-stufa-sub009/internal/hue"
	"github.com/sirdoy/pannello-stufa-sub009/internal/jobs"
	"github.com/sirdoy/pannello-stufa-sub009/internal/logging"
	"github.com/sirdoy/pannello-stufa-sub009/internal/mcpserver"
	"github.com/sirdoy/pannello-stufa-sub009/internal/server"
	"github.com/sirdoy/pannello-stufa-sub009/internal/state"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("pannello starting",
		slog.String("version", Version),
		slog.String("namespace", cfg.Namespace()),
		slog.Bool("remote", cfg.RemoteEnabled()),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	store := appState.Connectivity(cfg.Namespace())
	events := hue.NewEvents()

	tokens := hue.NewTokenManager(hue.TokenConfig{
		ClientID:         cfg.HueClientID,
		ClientSecret:     cfg.HueClientSecret,
		AppID:            cfg.HueAppID,
		TokenURL:         cfg.HueTokenURL,
		AuthURL:          cfg.HueAuthURL,
		RedirectURL:      cfg.HueRedirectURL,
		Buffer:           cfg.HueTokenBuffer,
		DestructiveOn500: cfg.HueDestructiveOn500,
	}, store, events, logger)

	resolver := hue.NewResolver(hue.ResolverConfig{
		Store:        store,
		Prober:       hue.NewBridgeProber(cfg.HueProbeTimeout, logger),
		Tokens:       tokens,
		Events:       events,
		RemoteClient: &http.Client{Timeout: 30 * time.Second},
		RemoteAPIURL: cfg.HueRemoteAPIURL,
		Logger:       logger,
	})
	defer resolver.Wait()

	pairer := hue.NewPairer(store, nil, events, logger)

	users, err := cfg.ParseDashboardUsers()
	if err != nil {
		return fmt.Errorf("parsing dashboard users: %w", err)
	}

	muxCfg := server.MuxConfig{
		Connectivity:  resolver,
		Remote:        tokens,
		Pairer:        pairer,
		Events:        events,
		RemoteEnabled: cfg.RemoteEnabled(),
		Users:         users,
		Logger:        logger.With(slog.String("service", "http")),
	}

	var refreshJob *jobs.RefreshJob
	if cfg.RemoteEnabled() {
		refreshJob, err = jobs.NewRefreshJob(cfg.HueRefreshSchedule, tokens, cfg.HueRefreshThreshold, logger)
		if err != nil {
			return fmt.Errorf("creating refresh job: %w", err)
		}
		muxCfg.RefreshJob = refreshJob
	}

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "pannello-hue", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, resolver, tokens)

		muxCfg.MCPHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.NewMux(muxCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if refreshJob != nil {
		refreshJob.Start()
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return refreshJob.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("listen", cfg.ListenAddr),
			slog.Int("users", len(users)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
