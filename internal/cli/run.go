package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentsh/warden/internal/engine"
	"github.com/agentsh/warden/internal/server"
	"github.com/agentsh/warden/pkg/observability"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the warden daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := loadLocalConfig(configPath(cmd))
			if err != nil {
				return err
			}
			logger, logCloser, err := observability.NewLogger(observability.LoggerConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cfg.Logging.Output,
			})
			if err != nil {
				return err
			}
			defer logCloser.Close()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(ctx, cfg, engine.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer eng.Close()

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			srvDone := make(chan error, 1)
			if cfg.Server.Addr != "" {
				srv, err := server.New(cfg, eng, eng.Metrics().Handler(), logger.With("component", "api"))
				if err != nil {
					return err
				}
				go func() { srvDone <- srv.Run(runCtx) }()
				fmt.Fprintf(cmd.ErrOrStderr(), "warden ops api listening on %s\n", srv.Addr())
			} else {
				srvDone <- nil
			}

			runErr := eng.Run(runCtx)
			cancel()
			if err := <-srvDone; err != nil && runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}
			if eng.RestartRequested() && cfg.Remediation.ExitOnRestart {
				return &ExitError{code: ExitRestart, message: "warden: restart requested by remediation"}
			}
			return nil
		},
	}
}
