package cmd

import (
	"fmt"

	"github.com/Bonsailinse/dice-o-lotl/diceolotl"
	"github.com/spf13/cobra"
)

var initNoSeed bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database: run migrations and seed sample items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		db, err := diceolotl.CreateDB(ctx, cfg.Database, !initNoSeed)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		var items int64
		if err = db.WithContext(ctx).Model(&diceolotl.Item{}).Count(&items).Error; err != nil {
			return fmt.Errorf("error counting items: %w", err)
		}

		fmt.Fprintf(out, "Database initialized (%s), %d items available.\n", cfg.Database.Type, items)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initNoSeed, "no-seed", false, "Skip seeding sample items")
}
