// Package reference persists the enrolled reference between sessions.
package reference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/verify"
	"go.uber.org/zap"
)

// File keeps the reference image at a single well-known path.
type File struct {
	Path string
}

// SaveReference writes the reference image atomically: a crash never leaves a torn file.
func (f *File) SaveReference(_ context.Context, ref *types.ReferenceIdentity) error {
	if len(ref.Image) == 0 {
		return errors.New("reference has no image to persist")
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".reference-*.jpg")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(ref.Image); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

func (f *File) ClearReference(_ context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Load returns the stored image, or nil if there is none.
func (f *File) Load() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Chain fans persistence out to several backends. All of them run; errors are joined.
type Chain []verify.Persister

func (c Chain) SaveReference(ctx context.Context, ref *types.ReferenceIdentity) error {
	var errs []error
	for _, p := range c {
		errs = append(errs, p.SaveReference(ctx, ref))
	}
	return errors.Join(errs...)
}

func (c Chain) ClearReference(ctx context.Context) error {
	var errs []error
	for _, p := range c {
		errs = append(errs, p.ClearReference(ctx))
	}
	return errors.Join(errs...)
}

// Loader reads back a full reference (embedding included), e.g. the database.
type Loader interface {
	LoadReference(ctx context.Context) (*types.ReferenceIdentity, error)
}

// Restore brings back the previous session's reference. The loader (if any) wins because it
// keeps the embedding; otherwise the image file is enrolled again as an upload.
// It returns nil, nil when nothing was persisted.
func Restore(ctx context.Context, e *verify.Engine, loader Loader, file *File, log *zap.Logger) (*types.ReferenceIdentity, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if loader != nil {
		stored, err := loader.LoadReference(ctx)
		if err != nil {
			log.Warn("could not load reference from database", zap.Error(err))
		} else if stored != nil && len(stored.Embedding) > 0 {
			ref, err := e.Restore(*stored)
			if err != nil {
				return nil, err
			}
			log.Info("reference restored", zap.String("from", "database"), zap.String("source", string(ref.Source)))
			return ref, nil
		}
	}

	if file == nil {
		return nil, nil
	}
	data, err := file.Load()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file.Path, err)
	}
	if data == nil {
		return nil, nil
	}
	ref, err := e.EnrollFromUpload(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("re-enroll %s: %w", file.Path, err)
	}
	log.Info("reference restored", zap.String("from", file.Path))
	return ref, nil
}
