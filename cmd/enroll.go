package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/spf13/cobra"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll the reference identity from an image or the camera",
	Long: "Extracts the largest face from the given image (or a single camera frame) and makes it the " +
		"reference identity. The reference is saved to reference_path and, when connected, the database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateEnrollFlags(&enrollOpts); err != nil {
			return err
		}
		return runEnroll(cmd, enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.ImagePath, "image", "m", "", "Path to a reference image (JPEG or PNG)")
	enrollCmd.Flags().BoolVar(&enrollOpts.Capture, "capture", false, "Capture the reference from the camera")
	enrollCmd.Flags().StringVarP(&enrollOpts.InputPath, "input", "i", "", "Camera device for --capture (default: config input)")
	enrollCmd.Flags().StringVarP(&enrollOpts.Format, "format", "f", "", "ffmpeg input format for --capture (default: config input_format)")

	enrollCmd.MarkFlagsMutuallyExclusive("image", "capture")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, opts Options) error {
	ctx := cmd.Context()
	if flagChanged(cmd, "input") {
		Cfg.Input = opts.InputPath
	}
	if flagChanged(cmd, "format") {
		Cfg.InputFormat = opts.Format
	}

	s, err := openSession(Cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	var ref *types.ReferenceIdentity
	if opts.Capture {
		fmt.Fprintf(os.Stderr, "📸 Capturing reference from %s...\n", Cfg.Input)
		frame, err := capture.Snapshot(ctx, Cfg.Input, Cfg.InputFormat)
		if err != nil {
			return fmt.Errorf("camera capture failed: %w", err)
		}
		ref, err = s.Engine.EnrollFromCapture(ctx, frame)
		if err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(opts.ImagePath)
		if err != nil {
			return fmt.Errorf("failed to read reference image: %w", err)
		}
		ref, err = s.Engine.EnrollFromUpload(ctx, data)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "✅ Reference enrolled (%s, %d-d embedding)\n", ref.Source, len(ref.Embedding))
	if err := saveReference(ctx, persister(s.File), s.File, ref); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "💾 Saved to %s\n", s.File.Path)
	if DB != nil {
		fmt.Fprintln(os.Stderr, "🗄️  Saved to database")
	}
	return nil
}

// validateEnrollFlags requires exactly one reference source.
func validateEnrollFlags(opts *Options) error {
	if opts.ImagePath == "" && !opts.Capture {
		return errors.New("one of --image or --capture is required")
	}
	if opts.ImagePath != "" {
		info, err := os.Stat(opts.ImagePath)
		if err != nil {
			return fmt.Errorf("unable to access reference image: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("reference image %s is a directory", opts.ImagePath)
		}
	}
	return nil
}
