package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/types"
	"go.uber.org/zap"
)

// Console prints a line and logs an event whenever the label changes. Repeats are silent
// so a steady stream of identical decisions does not flood the terminal.
type Console struct {
	Out io.Writer
	Log *zap.Logger

	mu   sync.Mutex
	last *types.DecisionLabel
}

func NewConsole(out io.Writer, log *zap.Logger) *Console {
	if log == nil {
		log = zap.NewNop()
	}
	return &Console{Out: out, Log: log}
}

func (c *Console) Render(_ context.Context, d types.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && *c.last == d.Label {
		return nil
	}
	label := d.Label
	c.last = &label

	fields := []zap.Field{zap.Int64("seq", d.Seq), zap.Stringer("label", d.Label), zap.Int("persons", d.Detection.PersonCount)}
	if d.Match.Distance != nil {
		fields = append(fields, zap.Float64("distance", *d.Match.Distance))
	}
	c.Log.Info("decision changed", fields...)

	if c.Out == nil {
		return nil
	}
	line := fmt.Sprintf("%s [frame %d] %s", Icon(d.Label), d.Seq, d.Label)
	if d.Match.Distance != nil {
		line += fmt.Sprintf(" (distance %.3f)", *d.Match.Distance)
	}
	_, err := fmt.Fprintln(c.Out, line)
	return err
}

// Icon is the emoji prefix used for a label in terminal output.
func Icon(l types.DecisionLabel) string {
	switch l {
	case types.SamePerson:
		return "✅"
	case types.DifferentPerson:
		return "⛔"
	case types.MultiplePersonsDetected:
		return "👥"
	case types.RecognitionError:
		return "⚠️ "
	}
	return "⚪"
}

// FrameWriter saves every decision as an annotated JPEG in Dir.
type FrameWriter struct {
	Dir     string
	Quality int
}

func NewFrameWriter(dir string) (*FrameWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug frame dir: %w", err)
	}
	return &FrameWriter{Dir: dir, Quality: 85}, nil
}

func (w *FrameWriter) Render(_ context.Context, d types.Decision) error {
	if d.Frame == nil {
		return nil
	}
	data, err := preprocess.EncodeJPEG(Annotate(d), w.Quality)
	if err != nil {
		return err
	}
	name := filepath.Join(w.Dir, fmt.Sprintf("frame_%06d_%s.jpg", d.Seq, d.Label.Key()))
	return os.WriteFile(name, data, 0o644)
}

// Multi fans a decision out to several renderers. Every renderer runs; errors are joined.
type Multi []interface {
	Render(ctx context.Context, d types.Decision) error
}

func (m Multi) Render(ctx context.Context, d types.Decision) error {
	var errs []error
	for _, r := range m {
		if err := r.Render(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
