package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/render"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/verify"
	"github.com/spf13/cobra"
)

var compareOpts Options

var compareCmd = &cobra.Command{
	Use:   "compare IMAGE",
	Short: "Verify a single still image against the reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagChanged(cmd, "threshold") {
			if compareOpts.MatchThreshold <= 0 {
				return fmt.Errorf("invalid match threshold: must be > 0, got %f", compareOpts.MatchThreshold)
			}
			Cfg.MatchThreshold = compareOpts.MatchThreshold
		}
		return runCompare(cmd, args[0], compareOpts)
	},
}

func init() {
	compareCmd.Flags().Float64VarP(&compareOpts.MatchThreshold, "threshold", "t", 0.6, "Match threshold (lower is stricter)")
	compareCmd.Flags().StringVarP(&compareOpts.DebugFrames, "debug-frames", "d", "", "Write the annotated image to this directory")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, path string, opts Options) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	img, err := preprocess.DecodeImage(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", verify.ErrInvalidImage, path, err)
	}

	// A still is a one-frame session: the detector runs on it (cycle 0) and the gate applies.
	Cfg.Cadence = 1
	s, err := openSession(Cfg, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.restoreReference(ctx); err != nil {
		return err
	}
	if err := s.Engine.Start(); err != nil {
		return err
	}
	d, ok := s.Engine.Step(ctx, types.FrameObservation{Image: img, Data: data})
	s.Engine.Stop()
	if !ok {
		return fmt.Errorf("comparison was interrupted")
	}

	if opts.DebugFrames != "" {
		fw, err := render.NewFrameWriter(opts.DebugFrames)
		if err != nil {
			return err
		}
		if err := fw.Render(ctx, d); err != nil {
			return err
		}
	}

	fmt.Printf("%s %s\n", render.Icon(d.Label), d.Label)
	if d.Match.Distance != nil {
		fmt.Printf("   distance:  %.4f (threshold %.2f, %s verifier)\n", *d.Match.Distance, Cfg.MatchThreshold, Cfg.Verifier)
	}
	fmt.Printf("   persons:   %d\n", d.Detection.PersonCount)
	return nil
}
