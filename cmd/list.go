package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	store, err := openStore()
	if err != nil {
		utils.ShowError("Failed to open identity store", err, nil)
		return err
	}

	refs := store.References()
	if len(refs) == 0 && store.Len() == 0 {
		fmt.Println("No identities found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLAST SEEN\tIMAGE")
	fmt.Fprintln(w, "--\t----\t---------\t-----")

	for _, rec := range store.List() {
		img := "missing"
		if _, ok := store.Reference(rec.ID); ok {
			img = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ID, rec.DisplayName, rec.LastSeenText(), img)
	}
	// Images without metadata still take part in matching.
	for _, ref := range refs {
		if _, ok := store.Get(ref.ID); !ok {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ref.ID, "-", "Never", "yes")
		}
	}
	w.Flush()
	return nil
}
