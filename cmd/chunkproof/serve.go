package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/LICODX/chunkproof/pkg/api"
	"github.com/LICODX/chunkproof/pkg/utils"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chunk store and challenge API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}

			sm := utils.NewShutdownManager(cfg.Server.ShutdownTimeout)
			ctx := sm.Context()

			n, err := openNode(ctx, cfg, log)
			if err != nil {
				return err
			}
			sm.RegisterShutdownHook("storage", func(ctx context.Context) error {
				return n.Close()
			})

			health := utils.NewHealthMonitor(30 * time.Second)
			n.registerHealth(health)
			health.CheckAllHealth(ctx)
			if status := health.GetOverallHealth(); status != utils.StatusHealthy {
				log.WarnWithFields("starting with unhealthy components", map[string]interface{}{
					"status":     status,
					"components": health.GetHealthReport().Components,
				})
			}
			health.StartPeriodicChecks(ctx)

			srv, err := api.NewServer(cfg, api.Backend{
				Store:    n.store,
				Engine:   n.engine,
				Outcomes: n.feed,
				Health:   health,
				Metrics:  n.pm,
			}, log.WithField("component", "api"))
			if err != nil {
				sm.InitiateShutdown()
				return multierr.Append(err, sm.Wait())
			}
			sm.RegisterShutdownHook("api", srv.Shutdown)

			runPeriodic(sm, "challenge-sweep", cfg.Challenge.SweepInterval, func(ctx context.Context) {
				if _, err := n.engine.SweepExpired(ctx); err != nil {
					log.WarnWithFields("expiry sweep failed", map[string]interface{}{"error": err})
				}
			})
			runPeriodic(sm, "challenge-prune", cfg.Challenge.PruneInterval, func(ctx context.Context) {
				if _, err := n.engine.Prune(ctx, cfg.Challenge.RetainPerAgent); err != nil {
					log.WarnWithFields("challenge prune failed", map[string]interface{}{"error": err})
				}
			})

			utils.SafeGoroutine("api", func() {
				if err := srv.Start(); err != nil {
					log.ErrorWithFields("api server stopped", map[string]interface{}{"error": err})
					sm.InitiateShutdown()
				}
			})

			return sm.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr")
	return cmd
}

// runPeriodic calls fn every interval until shutdown starts. A non-positive
// interval disables the loop.
func runPeriodic(sm *utils.ShutdownManager, name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	sm.AddTask()
	utils.SafeGoroutine(name, func() {
		defer sm.TaskDone()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sm.Context().Done():
				return
			case <-ticker.C:
				fn(sm.Context())
			}
		}
	})
}
