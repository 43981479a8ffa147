package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/metrics"
	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/reference"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/verify"
	"github.com/andresmejia3/facegate/internal/worker"
	"go.uber.org/zap"
)

// session bundles everything a command needs to drive the engine.
type session struct {
	Engine  *verify.Engine
	Worker  *worker.PythonWorker
	Metrics *metrics.Manager
	File    *reference.File
	Log     *zap.Logger
}

func (s *session) Close() {
	if err := s.Worker.Close(); err != nil {
		s.Log.Warn("python worker did not exit cleanly", zap.Error(err))
	}
}

// engineOptions maps configuration onto the engine tunables.
func engineOptions(cfg *config.Config) verify.Options {
	return verify.Options{
		Cadence:             cfg.Cadence,
		DetectionConfidence: cfg.DetectionConfidence,
		FaceScale:           cfg.FaceScale,
		Preprocess: preprocess.Options{
			Diameter:   cfg.BilateralDiameter,
			SigmaColor: cfg.BilateralSigmaColor,
			SigmaSpace: cfg.BilateralSigmaSpace,
		},
		FrameTimeout: cfg.FrameTimeout(),
		TickInterval: cfg.TickInterval(),
	}
}

// newVerifier returns the single decision rule configured for this deployment.
func newVerifier(cfg *config.Config, model verify.ImageVerifier) verify.IdentityVerifier {
	if cfg.Verifier == config.VerifierModel {
		return verify.ModelVerifier{Model: model, Threshold: cfg.MatchThreshold}
	}
	return verify.DistanceVerifier{Threshold: cfg.MatchThreshold}
}

// persister writes the reference to the well-known file and, when connected, the database.
func persister(file *reference.File) verify.Persister {
	chain := reference.Chain{file}
	if DB != nil {
		chain = append(chain, DB)
	}
	return chain
}

// saveReference persists an enrollment and confirms the reference file landed on disk.
func saveReference(ctx context.Context, p verify.Persister, file *reference.File, ref *types.ReferenceIdentity) error {
	if err := p.SaveReference(ctx, ref); err != nil {
		return fmt.Errorf("reference enrolled but not saved: %w", err)
	}
	data, err := file.Load()
	if err != nil {
		return fmt.Errorf("reference enrolled but not readable at %s: %w", file.Path, err)
	}
	if data == nil {
		return fmt.Errorf("reference enrolled but %s is missing", file.Path)
	}
	return nil
}

// openSession spawns the python worker and wires the engine around it. With autoPersist the
// engine saves every enrollment itself and only logs failures; enroll passes false and saves
// explicitly so a failed save fails the command.
func openSession(cfg *config.Config, autoPersist bool) (*session, error) {
	log := logger.Named("engine")
	m := metrics.NewManager()

	w, err := worker.NewPythonWorker(0, worker.Options{
		Python:  cfg.Python,
		Script:  cfg.WorkerScript,
		Timeout: cfg.WorkerTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("worker startup failed: %w", err)
	}

	file := &reference.File{Path: cfg.ReferencePath}
	options := []verify.Option{verify.WithLogger(log), verify.WithMetrics(m)}
	if autoPersist {
		options = append(options, verify.WithPersister(persister(file)))
	}
	e := verify.New(engineOptions(cfg), w, w, newVerifier(cfg, w), options...)
	log.Debug("engine ready",
		zap.String("verifier", cfg.Verifier),
		zap.Float64("threshold", cfg.MatchThreshold),
		zap.Int("cadence", cfg.Cadence))

	return &session{Engine: e, Worker: w, Metrics: m, File: file, Log: log}, nil
}

// restoreReference brings back the last enrolled identity, from the DB when connected.
func (s *session) restoreReference(ctx context.Context) error {
	var loader reference.Loader
	if DB != nil {
		loader = DB
	}
	ref, err := reference.Restore(ctx, s.Engine, loader, s.File, s.Log)
	if err != nil {
		return err
	}
	if ref == nil {
		return fmt.Errorf("%w: run 'facegate enroll' first", verify.ErrReferenceNotSet)
	}
	return nil
}

// serveMetrics exposes /metrics on addr until ctx is done. Empty addr disables it.
func serveMetrics(ctx context.Context, addr string, m *metrics.Manager, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", zap.String("addr", addr))
}
