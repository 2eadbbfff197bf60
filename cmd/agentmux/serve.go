package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/agentmux"
	"pkt.systems/agentmux/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var logRawEvents bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect configured workspaces and run the session orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if logRawEvents {
				cfg.Logging.LogRawEvents = true
			}

			orch, err := agentmux.New(agentmux.Config{
				Service:      cfg.ServiceConfig(),
				Workspaces:   cfg.Workspaces,
				LogRawEvents: cfg.Logging.LogRawEvents,
			}, agentmux.Deps{Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := orch.Stop(stopCtx); err != nil {
					logger.Warn("orchestrator stop failed", "err", err)
				}
			}()

			logger.Info("agentmux serving", "workspaces", len(cfg.Workspaces), "state_dir", cfg.StateDir)
			if err := orch.Start(ctx); err != nil {
				return err
			}
			return orch.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&logRawEvents, "log-raw-events", false, "include raw protocol payloads on logged events")
	return cmd
}
