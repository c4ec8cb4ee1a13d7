package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/refinelab/refinery/internal/admission"
	"github.com/refinelab/refinery/internal/config"
	"github.com/refinelab/refinery/internal/runner"
	"github.com/refinelab/refinery/internal/service"
	"github.com/refinelab/refinery/internal/store"
	"github.com/refinelab/refinery/internal/stream"
	"github.com/refinelab/refinery/internal/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the refinery HTTP API: job submission, status, retry/stop, change
records, export, and per-job SSE progress streams.

Config is read from --config, ./refinery.yaml, or ~/.refinery/config.yaml;
unset fields use built-in defaults. The default model's API key may also be
provided via ` + config.APIKeyEnv + `.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		var cfg *config.Config
		var err error
		if cfgPath != "" {
			cfg, err = config.Load(cfgPath)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "config: %s\n", e.Error())
			}
			return fmt.Errorf("invalid config (%d errors)", len(errs))
		}

		logger, err := newLogger(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		dbPath := cfg.Database.Path
		if dbPath == "" {
			dbPath, err = store.DefaultPath()
			if err != nil {
				return fmt.Errorf("db path: %w", err)
			}
		}
		st, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		adm := admission.NewController(cfg.Limits.MaxConcurrentJobs)
		bc := stream.NewBroadcaster(stream.DefaultBufferSize, logger)
		r := runner.NewRunner(cfg, st, adm, bc, runner.NewCompleterFactory(logger), logger)
		svc := service.NewService(st, adm, bc, r, logger)
		srv := web.NewServer(svc, cfg.Server.Host, cfg.Server.Port, logger)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case s := <-sig:
			logger.Info("shutting down", zap.String("signal", s.String()))
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func init() {
	serveCmd.Flags().String("config", "", "Path to config file")
}
