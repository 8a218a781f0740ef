package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/realtime-relay/internal/dotenv"
	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	relayserver "github.com/vango-go/realtime-relay/pkg/gateway/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type proxyDeps struct {
	loadConfig   func() (config.Config, error)
	newRelay     func(config.Config, *slog.Logger) *relayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultProxyDeps() proxyDeps {
	return proxyDeps{
		loadConfig: config.LoadFromEnv,
		newRelay: func(cfg config.Config, logger *slog.Logger) *relayserver.Server {
			return relayserver.New(cfg, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout or WriteTimeout: relay connections are long-lived and
	// the session enforces its own deadlines after the upgrade.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type runOptions struct {
	envFile string
	addr    string
}

func runProxy(ctx context.Context, stderr io.Writer, opts runOptions, deps proxyDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newRelay == nil {
		return errors.New("missing newRelay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	if err := dotenv.LoadFile(opts.envFile); err != nil {
		return err
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}

	logger := newLogger(cfg, stderr)
	relay := deps.newRelay(cfg, logger)
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("starting realtime relay",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"model", cfg.UpstreamModel,
		"greeting", cfg.GreetingEnabled,
		"version", version,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	relay.SetDraining()
	warned := relay.WarnLiveSessionsDraining()
	logger.Info("draining live sessions", "sessions", warned, "grace_period", cfg.ShutdownGracePeriod)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Shutdown does not track upgraded connections.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !relay.WaitLiveSessions(waitCtx) {
		canceled := relay.CancelLiveSessions()
		logger.Warn("grace period elapsed, cancelled live sessions", "sessions", canceled)
		finalCtx, finalCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer finalCancel()
		relay.WaitLiveSessions(finalCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("realtime relay stopped")
	return nil
}

func newRootCmd(stdout, stderr io.Writer, deps proxyDeps) *cobra.Command {
	opts := runOptions{}
	root := &cobra.Command{
		Use:           "realtime-relay",
		Short:         "WebSocket relay between browser voice clients and the OpenAI Realtime API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), stderr, opts, deps)
		},
	}
	root.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides RELAY_ADDR)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "realtime-relay %s\n", version)
		},
	})
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps proxyDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "realtime-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultProxyDeps()))
}
