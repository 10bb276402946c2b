package cmd

import (
	"fmt"
	"strings"

	"github.com/Bonsailinse/dice-o-lotl/diceolotl"
	"github.com/spf13/cobra"
)

var clearGuildIDs []string

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Manage the application's slash commands on discord",
}

var commandsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Load command modules and register them, without connecting to the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := diceolotl.New(cfg)
		if err != nil {
			return err
		}
		created, err := bot.RegisterCommands(cmd.Context())
		if err != nil {
			return err
		}
		names := make([]string, 0, len(created))
		for _, c := range created {
			names = append(names, c.Name)
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Registered %d commands: %s\n",
			len(created), strings.Join(names, ", "),
		)
		return nil
	},
}

var commandsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all global commands, and the commands of any given guilds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := diceolotl.New(cfg)
		if err != nil {
			return err
		}
		guildIDs := clearGuildIDs
		if len(guildIDs) == 0 && cfg.Discord.GuildID != "" {
			guildIDs = []string{cfg.Discord.GuildID}
		}
		if err = bot.ClearCommands(cmd.Context(), guildIDs...); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Commands cleared.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commandsCmd)
	commandsCmd.AddCommand(commandsRegisterCmd, commandsClearCmd)

	commandsClearCmd.Flags().StringSliceVar(
		&clearGuildIDs,
		"guild",
		nil,
		"Guild IDs to clear (default: the configured guild)",
	)
}
