package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/critique/internal/api"
	"github.com/joescharf/critique/internal/auth"
	"github.com/joescharf/critique/internal/daemon"
	"github.com/joescharf/critique/internal/review"
)

const shutdownTimeout = 15 * time.Second

var serveDetach bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the review API, worker pool and sweeper",
	Long: `Start the HTTP API together with the background review workers and the
stale-review sweeper. By default it listens on port 8080. Use --port to change it.

With --detach the server runs in the background; use 'critique serve status'
and 'critique serve stop' to manage it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDetach {
			return serveStartRun()
		}
		return serveRun(cmd.Context())
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a detached server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a detached server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "run the server in the background")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "critique-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "critique-serve.log")
}

// serveRun runs the server in the foreground until a shutdown signal arrives.
func serveRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, daemon.ShutdownSignals()...)
	defer stop()

	s, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	tokens, err := auth.NewService(auth.DefaultConfig())
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	o, fetcher := newOrchestrator(s)
	sweeper, err := review.NewSweeper(o, logger)
	if err != nil {
		return err
	}

	pf := pidFile()
	if info, running := pf.IsRunning(); running && info.PID != os.Getpid() {
		return fmt.Errorf("critique serve is already running (pid %d)", info.PID)
	}
	if err := pf.Write(viper.GetInt("server.port")); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	// Workers outlive the signal context so shutdown can drain them in order.
	o.Start(context.Background())
	if _, err := o.RecoverOnStart(ctx); err != nil {
		logger.Error("recover open reviews", tint.Err(err))
	}
	sweeper.Start()

	srv := api.NewServer(s, o, fetcher, tokens, api.Config{
		AllowedOrigin: viper.GetString("server.allowed_origin"),
		SubmitRate:    viper.GetFloat64("server.submit_rate"),
		SubmitBurst:   viper.GetInt("server.submit_burst"),
	}, logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("server.port"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", tint.Err(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", tint.Err(err))
	}
	if err := sweeper.Stop(); err != nil {
		logger.Warn("sweeper shutdown", tint.Err(err))
	}
	o.Stop()
	return nil
}

// serveStartRun re-executes the binary in the background and records its PID.
func serveStartRun() error {
	pf := pidFile()
	if info, running := pf.IsRunning(); running {
		return fmt.Errorf("critique serve is already running (pid %d)", info.PID)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(pf.Path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("server.port"))}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	if dryRun {
		ui.DryRunMsg("Would run %s %v in the background", exe, args)
		return nil
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	daemon.Detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.WriteInfo(daemon.Info{PID: child.Process.Pid, Port: viper.GetInt("server.port")}); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("critique serve started (pid %d)", child.Process.Pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStatusRun() error {
	info, running := pidFile().IsRunning()
	if !running {
		ui.Info("critique serve is not running")
		return nil
	}
	ui.Success("critique serve is running (pid %d, port %d)", info.PID, info.Port)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	info, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("critique serve is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop pid %d", info.PID)
		return nil
	}

	killed, err := pf.Stop(shutdownTimeout + 5*time.Second)
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("critique serve is not running")
	}
	if err != nil {
		return err
	}
	if killed {
		ui.Warning("Server did not exit in time; killed pid %d", info.PID)
		return nil
	}
	ui.Success("critique serve stopped")
	return nil
}
