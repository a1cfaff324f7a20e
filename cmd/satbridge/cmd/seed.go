package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/techday/satbridge/sat"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the demo machines and incidents into an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		repo, err := openRepository(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer repo.Close()

		seeded, err := sat.Seed(ctx, repo)
		if err != nil {
			return err
		}
		if !seeded {
			log.InfoContext(ctx, "store.seed.skip", slog.String("reason", "store not empty"), slog.String("store", cfg.Database.Store))
			return nil
		}
		machines, incidents := sat.SeedData()
		log.InfoContext(ctx, "store.seed.ok",
			slog.String("store", cfg.Database.Store),
			slog.Int("machines", len(machines)),
			slog.Int("incidents", len(incidents)),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
