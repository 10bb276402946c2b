package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Bonsailinse/dice-o-lotl/diceolotl"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

var (
	resetYes      bool
	resetNoSeed   bool
	grantQuantity int
	grantUsername string
)

// isTerminal reports whether stdin is interactive. Tests replace it.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the database connection and list existing tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := diceolotl.CheckConnection(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connected to %s database\n", status.Type)
		fmt.Fprintf(out, "Server time: %s\n", status.ServerTime.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(out, "Latency: %s\n", status.Latency)
		if len(status.Tables) == 0 {
			fmt.Fprintln(out, "No tables found (run 'init' to create them)")
			return nil
		}
		fmt.Fprintf(out, "Tables: %s\n", strings.Join(status.Tables, ", "))
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate all tables. All user data is lost!",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if !resetYes {
			if !isTerminal() {
				return errors.New("refusing to reset without --yes when stdin isn't a terminal")
			}
			ok, err := confirm(cmd.InOrStdin(), out, "This will delete ALL data. Type 'yes' to continue: ")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}
		}

		db, err := diceolotl.OpenDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer closeDB(db)

		if err = diceolotl.ResetDB(ctx, db, !resetNoSeed); err != nil {
			return fmt.Errorf("error resetting database: %w", err)
		}
		fmt.Fprintln(out, "Database reset.")
		return nil
	},
}

var dbGrantCmd = &cobra.Command{
	Use:   "grant <discord-user-id> <item-name>",
	Short: "Add an item to a user's inventory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		inventory, cleanup, err := inventoryService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		entry, err := inventory.Grant(ctx, cliIdentity(args[0]), args[1], grantQuantity)
		if err != nil {
			return err
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Granted %d x %s to %s (now %d)\n",
			grantQuantity, args[1], args[0], entry.Quantity,
		)
		return nil
	},
}

var dbRevokeCmd = &cobra.Command{
	Use:   "revoke <discord-user-id> <item-name>",
	Short: "Remove an item from a user's inventory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		inventory, cleanup, err := inventoryService(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err = inventory.Revoke(ctx, cliIdentity(args[0]), args[1], grantQuantity); err != nil {
			return err
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Revoked %d x %s from %s\n",
			grantQuantity, args[1], args[0],
		)
		return nil
	},
}

// confirm prompts and returns true only if the answer is 'yes'
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	reader := bufio.NewReader(in)
	answer, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(answer), "yes"), nil
}

// cliIdentity is the identity used for a user referenced by ID from the
// command line. Users who haven't been seen yet are created with the
// given --username, or their ID as a placeholder name.
func cliIdentity(discordID string) diceolotl.Identity {
	username := grantUsername
	if username == "" {
		username = discordID
	}
	return diceolotl.Identity{DiscordID: discordID, Username: username}
}

func inventoryService(ctx context.Context) (*diceolotl.InventoryService, func(), error) {
	db, err := diceolotl.OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	store := diceolotl.NewDatabase(db, slog.Default(), cfg.Database.Type == "postgres")
	return diceolotl.NewInventoryService(store, slog.Default()), func() { closeDB(db) }, nil
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbCheckCmd, dbResetCmd, dbGrantCmd, dbRevokeCmd)

	dbResetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Don't ask for confirmation")
	dbResetCmd.Flags().BoolVar(&resetNoSeed, "no-seed", false, "Skip seeding sample items")

	for _, c := range []*cobra.Command{dbGrantCmd, dbRevokeCmd} {
		c.Flags().IntVarP(&grantQuantity, "quantity", "q", 1, "Item quantity")
		c.Flags().StringVar(&grantUsername, "username", "", "Username to store for new users")
	}
}
