package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/lookout/internal/gallery"
	"github.com/andresmejia3/lookout/internal/identity"
	"github.com/andresmejia3/lookout/internal/mirror"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var syncPrune bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the identity table into PostgreSQL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSync(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncPrune, "prune", false, "Delete mirrored identities that no longer exist locally")
	rootCmd.AddCommand(syncCmd)
}

// openMirror connects to the configured database and ensures the schema exists.
func openMirror(ctx context.Context) (*mirror.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("no database configured: pass --db or set LOOKOUT_DATABASE_URL / POSTGRES_HOST")
	}
	return mirror.New(ctx, cfg.DatabaseURL)
}

// mirrorRows builds one row per identity record, with a descriptor when its image is readable.
func mirrorRows(store *identity.Store) []mirror.Identity {
	recs := store.List()
	rows := make([]mirror.Identity, 0, len(recs))
	for _, rec := range recs {
		row := mirror.Identity{ID: rec.ID, Name: rec.DisplayName, LastSeen: rec.LastSeen}
		if ref, ok := store.Reference(rec.ID); ok {
			if img, err := ref.Load(); err == nil {
				row.Descriptor = gallery.Descriptor(img)
			} else {
				log.WithError(err).WithField("identity", rec.ID).Warn("Mirroring without descriptor")
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func runSync(ctx context.Context) error {
	store, err := openStore()
	if err != nil {
		utils.ShowError("Failed to open identity store", err, nil)
		return err
	}

	db, err := openMirror(ctx)
	if err != nil {
		utils.ShowError("Failed to connect to database", err, nil)
		return err
	}
	// Use Background here because the main context might be cancelled already (due to Ctrl+C)
	defer db.Close(context.Background())

	rows := mirrorRows(store)
	if err := db.Upsert(ctx, rows); err != nil {
		utils.ShowError("Failed to mirror identities", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "✅ Synced %d identities\n", len(rows))

	if syncPrune {
		keep := make([]string, len(rows))
		for i, r := range rows {
			keep[i] = r.ID
		}
		removed, err := db.Prune(ctx, keep)
		if err != nil {
			utils.ShowError("Failed to prune mirror", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🗑️  Pruned %d stale identities\n", removed)
	}
	return nil
}
