package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/beatbridge/internal/keeper"
	"github.com/satindergrewal/beatbridge/internal/logging"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/output/modules"
	"github.com/satindergrewal/beatbridge/internal/telemetry/sim"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track the beat and drive the enabled outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "loading config")
		}
		log := logging.Setup(cfg.App.Debug, cfg.App.LogFormat)
		log.Info("beatbridge starting up", "version", version, "decks", cfg.Keeper.Decks,
			"update_rate", cfg.Keeper.UpdateRate)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		mixer := sim.New(sim.OptionsFrom(cfg.Source), log.With("component", "source"))

		running := output.Start(modules.All(), cfg, log)
		names := make([]string, len(running))
		for i, n := range running {
			names[i] = n.PrettyName
		}
		log.Info("Active modules", "modules", strings.Join(names, ", "))
		if len(running) == 0 {
			log.Warn("no output module enabled, only the estimator will run")
		}

		bk := keeper.New(keeper.ConfigFrom(cfg.Keeper), output.Modules(running), log)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return bk.Run(ctx, mixer.Factory())
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info("Shutting down...")
			return nil
		})
		runErr := g.Wait()

		if err := output.CloseAll(running); err != nil {
			log.Warn("closing outputs", "err", err)
		}
		return runErr
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
}
