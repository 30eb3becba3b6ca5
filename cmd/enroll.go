package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/lookout/internal/gallery"
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/andresmejia3/lookout/internal/vision"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollOpts struct {
	Detect bool
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <directory>",
	Short: "Create identities from a folder of face images",
	Long:  "Each image that does not match an existing identity becomes a new one. Images that match are skipped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0])
	},
}

func init() {
	enrollCmd.Flags().BoolVarP(&enrollOpts.Detect, "detect", "d", false, "Detect faces with pigo and enroll the largest one of each image")
	rootCmd.AddCommand(enrollCmd)
}

var enrollExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true}

// enrollFiles lists the images of dir in name order.
func enrollFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !enrollExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func runEnroll(ctx context.Context, dir string) error {
	files, err := enrollFiles(dir)
	if err != nil {
		utils.ShowError("Failed to read enroll directory", err, nil)
		return err
	}
	if len(files) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	var det pipeline.Detector
	if enrollOpts.Detect {
		d, err := vision.LoadPigoDetector(cfg.PigoCascade)
		if err != nil {
			utils.ShowError("Failed to load face detector", err, nil)
			return err
		}
		det = d
	}

	store, err := openStore()
	if err != nil {
		utils.ShowError("Failed to open identity store", err, nil)
		return err
	}
	matcher := gallery.New(store, gallery.WithThreshold(cfg.Threshold), gallery.WithLogger(log))

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("🧑 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	created, known, failed := 0, 0, 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		bar.Add(1)

		face, err := loadFace(path, det)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("Skipping image")
			failed++
			continue
		}
		if id, ok := matcher.Match(face); ok {
			log.WithField("path", path).WithField("identity", id).Debug("Already known")
			known++
			continue
		}
		rec, err := store.Create(face)
		if err != nil {
			bar.Finish()
			utils.ShowError("Failed to save new face", err, nil)
			return err
		}
		log.WithField("path", path).WithField("identity", rec.ID).Info("Enrolled")
		created++
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n🏁 Enroll complete. %d new, %d already known, %d skipped.\n", created, known, failed)
	return nil
}
