package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Bonsailinse/dice-o-lotl/diceolotl"
	"github.com/spf13/cobra"
)

var (
	modulesSrc string
	modulesOut string
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Work with command and event manifests",
}

var modulesBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Convert YAML manifests into the JSON manifests loaded in production",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		built, err := diceolotl.BuildModules(
			os.DirFS(modulesSrc),
			".",
			func(relPath string, data []byte) error {
				dst := filepath.Join(modulesOut, filepath.FromSlash(relPath))
				if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
					return err
				}
				return os.WriteFile(dst, data, 0o644)
			},
		)
		if err != nil {
			return fmt.Errorf("error building modules: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Built %d modules into %s\n", built, modulesOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.AddCommand(modulesBuildCmd)

	modulesBuildCmd.Flags().StringVar(
		&modulesSrc,
		"src",
		diceolotl.DefaultModulesDir,
		"Directory holding the YAML manifests",
	)
	modulesBuildCmd.Flags().StringVar(
		&modulesOut,
		"out",
		filepath.Join("diceolotl", diceolotl.DefaultModulesDir),
		"Directory to write JSON manifests to",
	)
}
