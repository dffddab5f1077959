package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"engined/internal/common/fsutil"
	"engined/internal/config"
	"engined/internal/devices"
	"engined/internal/estimate"
	"engined/internal/gguf"
	"engined/internal/httpapi"
	"engined/internal/manager"
	"engined/internal/registry"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var cfgPath string
	cfg := config.Config{
		Addr:      ":8080",
		ModelsDir: "~/models/llm",
		EngineBin: "llama-server",
		RecordDir: "~/.engined/run",
		LogLevel:  "info",
	}

	root := &cobra.Command{
		Use:           "engined",
		Short:         "Lifecycle manager for local inference engines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (.yaml/.json/.toml); flags override it")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			merge(&cfg, loaded, cmd)
		}
		return nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Scan models, reap orphans, and serve the lifecycle API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}
	serve.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address, e.g. :8080")
	serve.Flags().StringVar(&cfg.ModelsDir, "models-dir", cfg.ModelsDir, "Directory to scan for *.gguf model files")
	serve.Flags().StringVar(&cfg.EngineBin, "engine-bin", cfg.EngineBin, "Inference engine server binary")
	serve.Flags().StringVar(&cfg.RecordDir, "record-dir", cfg.RecordDir, "Directory for persisted process records")
	serve.Flags().StringVar(&cfg.SocketDir, "socket-dir", cfg.SocketDir, "Use unix domain sockets placed here instead of TCP")
	serve.Flags().Uint64Var(&cfg.CtxSize, "ctx-size", cfg.CtxSize, "Default context length for spawned engines")
	serve.Flags().Uint64Var(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Default batch size for spawned engines")
	serve.Flags().IntVar(&cfg.Threads, "threads", cfg.Threads, "Engine thread count (0 lets the engine decide)")
	serve.Flags().Float64Var(&cfg.Headroom, "headroom", cfg.Headroom, "Fraction of free device memory left unused by placement")

	estParams := estimate.Params{ContextLength: 4096, BatchSize: 512, Headroom: 0.1}
	est := &cobra.Command{
		Use:   "estimate <model.gguf>",
		Short: "Print the layer placement plan for a model on this host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEstimate(args[0], estParams)
		},
	}
	est.Flags().Uint64Var(&estParams.ContextLength, "ctx-size", estParams.ContextLength, "Context length to plan for")
	est.Flags().Uint64Var(&estParams.BatchSize, "batch-size", estParams.BatchSize, "Batch size to plan for")
	est.Flags().Float64Var(&estParams.Headroom, "headroom", estParams.Headroom, "Fraction of free device memory left unused")

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Terminate orphaned engine processes from a previous run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap(cfg)
		},
	}
	reap.Flags().StringVar(&cfg.RecordDir, "record-dir", cfg.RecordDir, "Directory holding process records")

	root.AddCommand(serve, est, reap)
	return root
}

// merge overlays file values under explicitly set flags. A flag the user set
// on the command line always wins over the config file.
func merge(dst *config.Config, file config.Config, cmd *cobra.Command) {
	changed := func(name string) bool {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			return true
		}
		if f := cmd.InheritedFlags().Lookup(name); f != nil && f.Changed {
			return true
		}
		return false
	}
	if file.Addr != "" && !changed("addr") {
		dst.Addr = file.Addr
	}
	if file.ModelsDir != "" && !changed("models-dir") {
		dst.ModelsDir = file.ModelsDir
	}
	if file.EngineBin != "" && !changed("engine-bin") {
		dst.EngineBin = file.EngineBin
	}
	if file.RecordDir != "" && !changed("record-dir") {
		dst.RecordDir = file.RecordDir
	}
	if file.SocketDir != "" && !changed("socket-dir") {
		dst.SocketDir = file.SocketDir
	}
	if file.EngineHost != "" {
		dst.EngineHost = file.EngineHost
	}
	if file.EnginePortStart != 0 {
		dst.EnginePortStart = file.EnginePortStart
	}
	if file.EnginePortEnd != 0 {
		dst.EnginePortEnd = file.EnginePortEnd
	}
	if file.CtxSize != 0 && !changed("ctx-size") {
		dst.CtxSize = file.CtxSize
	}
	if file.BatchSize != 0 && !changed("batch-size") {
		dst.BatchSize = file.BatchSize
	}
	if file.Threads != 0 && !changed("threads") {
		dst.Threads = file.Threads
	}
	if file.Headroom != 0 && !changed("headroom") {
		dst.Headroom = file.Headroom
	}
	if file.ReadyTimeoutSec != 0 {
		dst.ReadyTimeoutSec = file.ReadyTimeoutSec
	}
	if file.CallTimeoutSec != 0 {
		dst.CallTimeoutSec = file.CallTimeoutSec
	}
	if file.LogLevel != "" && !changed("log-level") {
		dst.LogLevel = file.LogLevel
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func runServe(cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	httpapi.SetLogger(logger)

	recordDir, err := fsutil.EnsureDir(cfg.RecordDir)
	if err != nil {
		return fmt.Errorf("record dir: %w", err)
	}
	socketDir := cfg.SocketDir
	if socketDir != "" {
		if socketDir, err = fsutil.EnsureDir(socketDir); err != nil {
			return fmt.Errorf("socket dir: %w", err)
		}
	}

	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	logger.Info().Int("models", len(reg)).Str("dir", cfg.ModelsDir).Msg("registry loaded")

	mgr, err := manager.NewWithConfig(manager.ManagerConfig{
		EngineBin:     cfg.EngineBin,
		RecordDir:     recordDir,
		Registry:      reg,
		Host:          cfg.EngineHost,
		PortStart:     cfg.EnginePortStart,
		PortEnd:       cfg.EnginePortEnd,
		SocketDir:     socketDir,
		ContextLength: cfg.CtxSize,
		BatchSize:     cfg.BatchSize,
		Threads:       cfg.Threads,
		Headroom:      cfg.Headroom,
		ReadyTimeout:  time.Duration(cfg.ReadyTimeoutSec) * time.Second,
		CallTimeout:   time.Duration(cfg.CallTimeoutSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	// Orphans from a crashed previous run are cleaned up before serving.
	if reaped, err := mgr.ReapOrphans(context.Background(), ""); err != nil {
		logger.Warn().Err(err).Msg("orphan reap incomplete")
	} else if len(reaped) > 0 {
		logger.Info().Strs("ids", reaped).Msg("reaped orphans")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(mgr)}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("engined listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	baseCancel()
	if err := mgr.StopAll(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("engine shutdown incomplete")
		return err
	}
	return nil
}

func runEstimate(path string, params estimate.Params) error {
	if !fsutil.PathExists(path) {
		return fmt.Errorf("model file %s does not exist", path)
	}
	meta, err := gguf.Extract(path)
	if err != nil {
		return err
	}
	inv, err := devices.NewProber().Collect()
	if err != nil {
		return err
	}
	plan := estimate.Plan(meta, inv, params)
	out, err := json.MarshalIndent(struct {
		Model string              `json:"model"`
		Arch  string              `json:"arch"`
		Quant string              `json:"quant"`
		Plan  *estimate.Placement `json:"plan"`
	}{path, meta.Architecture, meta.Quantization, plan}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !plan.Feasible {
		return fmt.Errorf("model does not fit at ctx=%d batch=%d", params.ContextLength, params.BatchSize)
	}
	return nil
}

func runReap(cfg config.Config) error {
	recordDir, err := fsutil.EnsureDir(cfg.RecordDir)
	if err != nil {
		return err
	}
	mgr, err := manager.NewWithConfig(manager.ManagerConfig{
		EngineBin: "unused",
		RecordDir: recordDir,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reaped, err := mgr.ReapOrphans(ctx, "")
	for _, id := range reaped {
		fmt.Println(id)
	}
	return err
}
