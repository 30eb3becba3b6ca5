package cmd

import (
	"fmt"

	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Assign a display name to an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(id, name string) error {
	store, err := openStore()
	if err != nil {
		utils.ShowError("Failed to open identity store", err, nil)
		return err
	}

	if err := store.Rename(id, name); err != nil {
		utils.ShowError("Failed to label identity", err, nil)
		return err
	}

	rec, _ := store.Get(id)
	fmt.Printf("✅ Identity %s labeled as '%s'\n", id, rec.DisplayName)
	return nil
}
