package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetFaces     bool
	resetSnapshots bool
	resetDB        bool
	resetYes       bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (identities, snapshots, database mirror)",
	Long:  "Clears all data. By default, it resets the identities and snapshots. Use flags to clear specific components.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, clear everything local
		if !resetFaces && !resetSnapshots && !resetDB {
			resetFaces = true
			resetSnapshots = true
		}
		return runReset(cmd.Context(), os.Stdin)
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetFaces, "faces", false, "Delete all identities and reference images")
	resetCmd.Flags().BoolVar(&resetSnapshots, "snapshots", false, "Delete saved snapshots")
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the PostgreSQL mirror table")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)

	if resetFaces && confirm(reader, "⚠️  Are you sure you want to delete ALL known identities?") {
		store, err := openStore()
		if err != nil {
			utils.ShowError("Failed to open identity store", err, nil)
			return err
		}
		fmt.Println("🗑️  Clearing Identities...")
		if err := store.Reset(); err != nil {
			utils.ShowError("Failed to reset identities", err, nil)
			return err
		}
	}

	if resetSnapshots && cfg.SnapshotDir != "" && confirm(reader, "⚠️  Are you sure you want to delete all snapshots?") {
		fmt.Println("🗑️  Clearing Snapshots...")
		removeDir(cfg.SnapshotDir)
	}

	if resetDB && confirm(reader, "⚠️  Are you sure you want to DROP the mirror table?") {
		db, err := openMirror(ctx)
		if err != nil {
			utils.ShowError("Failed to connect to database", err, nil)
			return err
		}
		defer db.Close(context.Background())
		fmt.Println("🗑️  Clearing Database...")
		if err := db.Reset(ctx); err != nil {
			utils.ShowError("Failed to reset database", err, nil)
			return err
		}
	}

	fmt.Println("✨ System Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
