package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/api"
	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/render"
	"github.com/andresmejia3/facegate/internal/verify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification loop behind an HTTP control API",
	Long: "Opens the camera, restores the last reference if one exists and serves the control API " +
		"(enrollment, session start/stop, latest decision, metrics). Frames are only processed while a " +
		"session is running.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagChanged(cmd, "listen") {
			Cfg.ListenAddr = serveOpts.ListenAddr
		}
		if flagChanged(cmd, "input") {
			Cfg.Input = serveOpts.InputPath
		}
		if flagChanged(cmd, "format") {
			Cfg.InputFormat = serveOpts.Format
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.ListenAddr, "listen", "l", ":8088", "HTTP listen address")
	serveCmd.Flags().StringVarP(&serveOpts.InputPath, "input", "i", "", "Camera device (default: config input)")
	serveCmd.Flags().StringVarP(&serveOpts.Format, "format", "f", "", "ffmpeg input format (default: config input_format)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	s, err := openSession(Cfg, true)
	if err != nil {
		return err
	}
	defer s.Close()

	// A missing reference is fine here: it can be enrolled over HTTP.
	if err := s.restoreReference(ctx); err != nil && !errors.Is(err, verify.ErrReferenceNotSet) {
		return err
	}

	src, err := capture.Open(Cfg.Input, Cfg.InputFormat, 0, capture.Options{
		Logger:  s.Log.Named("capture"),
		Metrics: s.Metrics,
	})
	if err != nil {
		return err
	}
	defer src.Release()

	snapshot := func(ctx context.Context) (image.Image, error) {
		frame, err := src.ReadFrame(ctx)
		if err == io.EOF {
			return nil, fmt.Errorf("%w: input ended", verify.ErrReadFailed)
		}
		if err != nil {
			return nil, err
		}
		return frame.Image, nil
	}

	handler := api.NewServer(s.Engine,
		api.WithMetrics(s.Metrics),
		api.WithSnapshotter(snapshot),
		api.WithLogger(s.Log.Named("api")),
	).Handler()
	srv := &http.Server{Addr: Cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- s.Engine.Run(ctx, src, render.NewConsole(os.Stderr, s.Log.Named("decision")))
	}()

	srvErr := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "🌐 FaceGate API listening on %s\n", Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case err := <-loopDone:
		s.Engine.Stop()
		if err != nil {
			s.Log.Error("verification loop stopped", zap.Error(err))
		} else if ctx.Err() == nil {
			s.Log.Warn("input ended; API stays up without a frame source")
		}
		select {
		case err := <-srvErr:
			if err != nil {
				return fmt.Errorf("http server failed: %w", err)
			}
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	s.Engine.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
