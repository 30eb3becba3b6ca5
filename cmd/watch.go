package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/lookout/internal/attributes"
	"github.com/andresmejia3/lookout/internal/config"
	"github.com/andresmejia3/lookout/internal/gallery"
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/andresmejia3/lookout/internal/vision"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// watchOptions holds the settings of one watch run after config and flags are merged.
type watchOptions struct {
	Input                string
	NthFrame             int
	Camera               int
	Detector             string
	Cascade              string
	PigoCascade          string
	Threshold            float64
	Headless             bool
	SnapshotDir          string
	SnapshotAll          bool
	Estimator            []string
	EstimatorTimeout     time.Duration
	AbortOnEstimateError bool
	FlushEvery           int
}

var watchFlags struct {
	watchOptions
	estimator string
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a camera or video and resolve every face to an identity",
	Long: "Reads frames from a camera (default) or any file/URL ffmpeg can decode, detects faces,\n" +
		"matches them against stored identities, saves new ones, and shows age and gender estimates.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := resolveWatchOptions(cmd.Flags(), cfg)
		if err := validateWatchOptions(opts); err != nil {
			utils.ShowError("Invalid watch options", err, nil)
			return err
		}
		return runWatch(cmd.Context(), opts)
	},
}

func init() {
	f := watchCmd.Flags()
	f.StringVarP(&watchFlags.Input, "input", "i", "", "Video file or URL to read instead of the camera")
	f.IntVarP(&watchFlags.NthFrame, "nth-frame", "n", 1, "Process every nth frame of --input")
	f.IntVarP(&watchFlags.Camera, "camera", "c", 1, "Camera device index")
	f.StringVar(&watchFlags.Detector, "detector", "haar", "Face detector: haar (OpenCV) or pigo (pure Go)")
	f.StringVar(&watchFlags.Cascade, "cascade", "", "Haar cascade XML (default from config)")
	f.StringVar(&watchFlags.PigoCascade, "pigo-cascade", "", "Pigo facefinder cascade (default from config)")
	f.Float64VarP(&watchFlags.Threshold, "threshold", "t", gallery.DefaultThreshold, "Match threshold on mean absolute pixel difference (strict)")
	f.BoolVar(&watchFlags.Headless, "headless", false, "Write annotated snapshots instead of opening a window")
	f.StringVar(&watchFlags.SnapshotDir, "snapshots", "snapshots", "Snapshot directory for --headless")
	f.BoolVar(&watchFlags.SnapshotAll, "snapshot-all", false, "Snapshot every frame, not only frames with new faces")
	f.StringVar(&watchFlags.estimator, "estimator", "", "Attribute estimator command (default from config)")
	f.DurationVar(&watchFlags.EstimatorTimeout, "estimator-timeout", 0, "Per-face estimator timeout (0 waits forever)")
	f.BoolVar(&watchFlags.AbortOnEstimateError, "abort-on-estimate-error", false, "Stop instead of annotating without age and gender when estimation fails")
	f.IntVar(&watchFlags.FlushEvery, "flush-every", 30, "Persist last-seen updates every n frames (0: only on exit)")
	rootCmd.AddCommand(watchCmd)
}

// resolveWatchOptions starts from the configuration and applies only the flags set on the command line.
func resolveWatchOptions(flags *pflag.FlagSet, c config.Config) watchOptions {
	opts := watchOptions{
		Input:                watchFlags.Input,
		NthFrame:             watchFlags.NthFrame,
		Camera:               c.Camera,
		Detector:             watchFlags.Detector,
		Cascade:              c.Cascade,
		PigoCascade:          c.PigoCascade,
		Threshold:            c.Threshold,
		Headless:             watchFlags.Headless,
		SnapshotDir:          c.SnapshotDir,
		SnapshotAll:          watchFlags.SnapshotAll,
		Estimator:            c.Estimator,
		EstimatorTimeout:     c.EstimatorTimeout,
		AbortOnEstimateError: c.AbortOnEstimateError,
		FlushEvery:           c.FlushEvery,
	}
	if flags.Changed("snapshots") {
		opts.SnapshotDir = watchFlags.SnapshotDir
	}
	if flags.Changed("camera") {
		opts.Camera = watchFlags.Camera
	}
	if flags.Changed("cascade") {
		opts.Cascade = watchFlags.Cascade
	}
	if flags.Changed("pigo-cascade") {
		opts.PigoCascade = watchFlags.PigoCascade
	}
	if flags.Changed("threshold") {
		opts.Threshold = watchFlags.Threshold
	}
	if flags.Changed("estimator") {
		opts.Estimator = strings.Fields(watchFlags.estimator)
	}
	if flags.Changed("estimator-timeout") {
		opts.EstimatorTimeout = watchFlags.EstimatorTimeout
	}
	if flags.Changed("abort-on-estimate-error") {
		opts.AbortOnEstimateError = watchFlags.AbortOnEstimateError
	}
	if flags.Changed("flush-every") {
		opts.FlushEvery = watchFlags.FlushEvery
	}
	return opts
}

// validateWatchOptions ensures all arguments are valid before starting heavy processes.
func validateWatchOptions(opts watchOptions) error {
	if opts.Input != "" && !strings.Contains(opts.Input, "://") {
		info, err := os.Stat(opts.Input)
		if err != nil {
			return fmt.Errorf("unable to access input: %w", err)
		}
		if info.IsDir() {
			return errors.New("input path is a directory, expected a video file")
		}
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("nth-frame must be >= 1, got %d", opts.NthFrame)
	}
	if opts.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", opts.Threshold)
	}
	if opts.Detector != "haar" && opts.Detector != "pigo" {
		return fmt.Errorf("unknown detector %q (want haar or pigo)", opts.Detector)
	}
	if len(opts.Estimator) == 0 {
		return errors.New("estimator command is empty")
	}
	if opts.EstimatorTimeout < 0 {
		return fmt.Errorf("estimator-timeout must not be negative, got %v", opts.EstimatorTimeout)
	}
	if opts.FlushEvery < 0 {
		return fmt.Errorf("flush-every must not be negative, got %d", opts.FlushEvery)
	}
	if !haveOpenCV {
		switch {
		case opts.Input == "":
			return errors.New("camera capture needs OpenCV, pass --input")
		case opts.Detector == "haar":
			return errors.New("haar detector needs OpenCV, pass --detector pigo")
		case !opts.Headless:
			return errors.New("preview window needs OpenCV, pass --headless")
		}
	}
	return nil
}

// runWatch wires store, matcher, estimator, capture, detector and renderer and drives the frame loop.
func runWatch(ctx context.Context, opts watchOptions) error {
	store, err := openStore()
	if err != nil {
		utils.ShowError("Failed to open identity store", err, nil)
		return err
	}
	matcher := gallery.New(store, gallery.WithThreshold(opts.Threshold), gallery.WithLogger(log))
	fmt.Fprintf(os.Stderr, "🗂️  Loaded %d known identities from %s\n", store.Len(), store.Dir())

	fmt.Fprintln(os.Stderr, "🚀 Starting attribute estimator...")
	backend, err := attributes.StartPython(ctx, opts.Estimator, opts.EstimatorTimeout)
	if err != nil {
		utils.ShowError("Failed to start attribute estimator", err, nil)
		return err
	}
	defer backend.Close()

	src, total, err := openSource(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to open video source", err, nil)
		return err
	}
	defer src.Close()

	det, closeDet, err := openDetector(opts)
	if err != nil {
		utils.ShowError("Failed to load face detector", err, nil)
		return err
	}
	if closeDet != nil {
		defer closeDet()
	}

	renderer, closeRenderer, err := openRenderer(opts)
	if err != nil {
		utils.ShowError("Failed to open renderer", err, nil)
		return err
	}
	if closeRenderer != nil {
		defer closeRenderer()
	}

	bell := &pipeline.BellAlerter{W: os.Stdout}
	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithAlerter(bell),
		pipeline.WithAbortOnEstimateError(opts.AbortOnEstimateError),
		pipeline.WithFlushEvery(opts.FlushEvery),
	}

	var bar *progressbar.ProgressBar
	if opts.Input != "" {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("👀 Lookout Watching"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		pipeOpts = append(pipeOpts, pipeline.WithFrameHook(func(f pipeline.Frame, _ []pipeline.Annotation) {
			bar.Set(f.Index)
		}))
	}

	orch := pipeline.New(store, matcher, attributes.NewAdapter(backend), pipeOpts...)
	stats, err := orch.Run(ctx, src, det, renderer)
	bell.Wait()
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		utils.ShowError("Watch stopped", err, backend.Worker().Cmd)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Watch stopped. Processed %d frames: %d faces, %d recognized, %d new",
		stats.Frames, stats.Faces, stats.Recognized, stats.New)
	if stats.EstimateFailures > 0 {
		fmt.Fprintf(os.Stderr, " (%d without attributes)", stats.EstimateFailures)
	}
	fmt.Fprintln(os.Stderr, ".")
	return nil
}

// openSource returns the frame source and, for files, the expected frame count (-1 if unknown).
func openSource(ctx context.Context, opts watchOptions) (pipeline.FrameSource, int, error) {
	if opts.Input == "" {
		src, err := openCamera(opts.Camera)
		return src, -1, err
	}
	total := utils.GetTotalFrames(ctx, opts.Input)
	if total <= 0 {
		// Fallback to a spinner if ffprobe fails
		total = -1
	}
	fmt.Fprintf(os.Stderr, "📼 Processing source %s\n", utils.GenerateSourceID(opts.Input)[:12])
	src, err := vision.OpenFFmpeg(ctx, opts.Input, opts.NthFrame)
	return src, total, err
}

func openDetector(opts watchOptions) (pipeline.Detector, func() error, error) {
	if opts.Detector == "pigo" {
		d, err := vision.LoadPigoDetector(opts.PigoCascade)
		return d, nil, err
	}
	return openHaar(opts.Cascade)
}

func openRenderer(opts watchOptions) (pipeline.Renderer, func() error, error) {
	if opts.Headless {
		r, err := vision.NewSnapshotRenderer(opts.SnapshotDir, runID[:8], opts.SnapshotAll, log)
		return r, nil, err
	}
	return openWindow("Video")
}
