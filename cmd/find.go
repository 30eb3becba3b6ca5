package cmd

import (
	"context"
	"fmt"
	"image"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/lookout/internal/gallery"
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/andresmejia3/lookout/internal/vision"
	"github.com/spf13/cobra"
)

var findOpts struct {
	Threshold float64
	Detect    bool
	Nearest   int
	Mirror    bool
}

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Check whether the face in an image is a known identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		threshold := cfg.Threshold
		if cmd.Flags().Changed("threshold") {
			threshold = findOpts.Threshold
		}
		return runFind(cmd.Context(), args[0], threshold)
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.Threshold, "threshold", "t", gallery.DefaultThreshold, "Match threshold on mean absolute pixel difference (strict)")
	findCmd.Flags().BoolVarP(&findOpts.Detect, "detect", "d", false, "Detect faces with pigo and use the largest instead of the whole image")
	findCmd.Flags().IntVarP(&findOpts.Nearest, "nearest", "k", 0, "Also list the k most similar identities")
	findCmd.Flags().BoolVar(&findOpts.Mirror, "mirror", false, "Rank --nearest from the PostgreSQL mirror instead of the local index")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string, threshold float64) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	var det pipeline.Detector
	if findOpts.Detect {
		d, err := vision.LoadPigoDetector(cfg.PigoCascade)
		if err != nil {
			utils.ShowError("Failed to load face detector", err, nil)
			return err
		}
		det = d
	}
	face, err := loadFace(imagePath, det)
	if err == errNoFace {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	store, err := openStore()
	if err != nil {
		utils.ShowError("Failed to open identity store", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Searching known faces...")
	matcher := gallery.New(store, gallery.WithThreshold(threshold), gallery.WithLogger(log))
	if id, ok := matcher.Match(face); ok {
		name := "Unknown"
		lastSeen := "Never"
		if rec, found := store.Get(id); found {
			name, lastSeen = rec.DisplayName, rec.LastSeenText()
		}
		fmt.Printf("✅ Found Match: %s (ID: %s, Last Seen: %s)\n", name, id, lastSeen)
	} else {
		fmt.Println("❌ No match found among known faces.")
	}

	if findOpts.Nearest <= 0 {
		return nil
	}
	if findOpts.Mirror {
		return printMirrorNearest(ctx, face)
	}

	idx := gallery.NewIndex()
	if skipped := idx.Build(store, log); skipped > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %d unreadable reference images\n", skipped)
	}
	neighbors := idx.Nearest(face, findOpts.Nearest)
	if len(neighbors) == 0 {
		fmt.Println("No identities stored yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nID\tNAME\tDISTANCE\tDIFFERENCE")
	fmt.Fprintln(w, "--\t----\t--------\t----------")
	for _, n := range neighbors {
		name := "-"
		if rec, ok := store.Get(n.ID); ok {
			name = rec.DisplayName
		}
		diff := "-"
		if ref, ok := store.Reference(n.ID); ok {
			if img, err := ref.Load(); err == nil {
				diff = fmt.Sprintf("%.1f", gallery.Difference(img, face))
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\n", n.ID, name, n.Distance, diff)
	}
	w.Flush()
	return nil
}

func printMirrorNearest(ctx context.Context, face *image.Gray) error {
	db, err := openMirror(ctx)
	if err != nil {
		utils.ShowError("Failed to connect to database", err, nil)
		return err
	}
	defer db.Close(context.Background())

	neighbors, err := db.FindNearest(ctx, gallery.Descriptor(face), findOpts.Nearest)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}
	if len(neighbors) == 0 {
		fmt.Println("No identities in the mirror. Run 'lookout sync' first.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nID\tNAME\tDISTANCE")
	fmt.Fprintln(w, "--\t----\t--------")
	for _, n := range neighbors {
		fmt.Fprintf(w, "%s\t%s\t%.3f\n", n.ID, n.Name, n.Distance)
	}
	w.Flush()
	return nil
}
