package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/render"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/timeline"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verifyOpts Options

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every frame of a camera or video against the reference",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateVerifyFlags(&verifyOpts); err != nil {
			return err
		}
		applyVerifyFlags(cmd, verifyOpts)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		return runVerify(cmd.Context(), verifyOpts)
	},
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyOpts.InputPath, "input", "i", "", "Camera device or video file (default: config input)")
	verifyCmd.Flags().StringVarP(&verifyOpts.Format, "format", "f", "", "ffmpeg input format, e.g. v4l2; empty for files (default: config input_format)")
	verifyCmd.Flags().IntVarP(&verifyOpts.NthFrame, "nth-frame", "n", 5, "Person detector cadence (run detection every Nth frame)")
	verifyCmd.Flags().Float64VarP(&verifyOpts.MatchThreshold, "threshold", "t", 0.6, "Match threshold (lower is stricter)")
	verifyCmd.Flags().StringVarP(&verifyOpts.DebugFrames, "debug-frames", "d", "", "Write annotated frames to this directory")
	verifyCmd.Flags().IntVar(&verifyOpts.MaxFrames, "max-frames", 0, "Stop after this many frames (0 = until input ends)")

	rootCmd.AddCommand(verifyCmd)
}

// applyVerifyFlags overrides configuration with flags set on the command line.
func applyVerifyFlags(cmd *cobra.Command, opts Options) {
	if flagChanged(cmd, "input") {
		Cfg.Input = opts.InputPath
	}
	if flagChanged(cmd, "format") {
		Cfg.InputFormat = opts.Format
	}
	if flagChanged(cmd, "nth-frame") {
		Cfg.Cadence = opts.NthFrame
	}
	if flagChanged(cmd, "threshold") {
		Cfg.MatchThreshold = opts.MatchThreshold
	}
	if flagChanged(cmd, "debug-frames") {
		Cfg.DebugFramesDir = opts.DebugFrames
	}
}

// barRenderer ticks the progress bar once per decision.
type barRenderer struct {
	bar *progressbar.ProgressBar
}

func (b barRenderer) Render(_ context.Context, _ types.Decision) error {
	return b.bar.Add(1)
}

func runVerify(ctx context.Context, opts Options) error {
	s, err := openSession(Cfg, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.restoreReference(ctx); err != nil {
		return err
	}
	ref := s.Engine.Reference()
	fmt.Fprintf(os.Stderr, "🪪 Reference loaded (%s at %s)\n", ref.Source, ref.EnrolledAt.Local().Format("2006-01-02 15:04"))

	serveMetrics(ctx, Cfg.MetricsAddr, s.Metrics, s.Log)

	src, err := capture.Open(Cfg.Input, Cfg.InputFormat, opts.MaxFrames, capture.Options{
		Logger:  s.Log.Named("capture"),
		Metrics: s.Metrics,
	})
	if err != nil {
		return err
	}
	defer src.Release()

	sessionID := uuid.NewString()
	var sink timeline.Sink
	if DB != nil {
		sink = DB
		fingerprint, err := utils.SourceFingerprint(Cfg.Input)
		if err != nil {
			return fmt.Errorf("failed to fingerprint input: %w", err)
		}
		err = DB.CreateSession(ctx, store.Session{
			ID:        sessionID,
			Source:    Cfg.Input,
			SourceID:  fingerprint,
			Verifier:  Cfg.Verifier,
			Threshold: Cfg.MatchThreshold,
			Cadence:   Cfg.Cadence,
			StartedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to register session: %w", err)
		}
	}
	tracker := timeline.NewTracker(sessionID, Cfg.MinInterval(), sink)

	total := -1 // spinner for live devices
	if Cfg.InputFormat == "" {
		if n := utils.GetTotalFrames(Cfg.Input); n > 0 {
			total = n
		}
	}
	if opts.MaxFrames > 0 && (total < 0 || opts.MaxFrames < total) {
		total = opts.MaxFrames
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 FaceGate Verifying"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	renderers := render.Multi{barRenderer{bar}, render.NewConsole(os.Stderr, s.Log.Named("decision")), tracker}
	if Cfg.DebugFramesDir != "" {
		fw, err := render.NewFrameWriter(Cfg.DebugFramesDir)
		if err != nil {
			return err
		}
		renderers = append(renderers, fw)
	}

	fmt.Fprintf(os.Stderr, "🎥 Verifying %s (session %s, detector every %d frames)\n", Cfg.Input, sessionID[:8], Cfg.Cadence)
	if err := s.Engine.Start(); err != nil {
		return err
	}
	runErr := s.Engine.Run(ctx, src, renderers)
	s.Engine.Stop()
	_ = bar.Finish()

	// The run context may be cancelled (Ctrl+C); persistence uses a fresh one.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracker.Flush(flushCtx); err != nil {
		s.Log.Warn("failed to persist final interval", zap.Error(err))
	}
	if DB != nil {
		if err := DB.EndSession(flushCtx, sessionID, time.Now()); err != nil {
			s.Log.Warn("failed to close session", zap.Error(err))
		}
	}

	printSummary(tracker)
	return runErr
}

func printSummary(t *timeline.Tracker) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 VERIFICATION SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	for _, lt := range t.Summary() {
		fmt.Fprintf(os.Stderr, "%s %-30s %8s  (%d intervals, %d frames)\n",
			render.Icon(lt.Label), lt.Label, fmtDuration(lt.Duration), lt.Intervals, lt.Frames)
	}
	if blips := t.Blips(); blips > 0 {
		fmt.Fprintf(os.Stderr, "\n🫥 %d short intervals filtered as blips\n", blips)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

func fmtDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// validateVerifyFlags ensures all CLI arguments are valid before starting heavy processes.
func validateVerifyFlags(opts *Options) error {
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.MatchThreshold <= 0 {
		return fmt.Errorf("invalid match threshold: must be > 0, got %f", opts.MatchThreshold)
	}
	if opts.MaxFrames < 0 {
		return fmt.Errorf("invalid max-frames: must be >= 0, got %d", opts.MaxFrames)
	}
	if opts.Format == "" && opts.InputPath != "" {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			return fmt.Errorf("unable to access input: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file or device", opts.InputPath)
		}
	}
	return nil
}
