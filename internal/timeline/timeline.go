// Package timeline coalesces per-frame decisions into labelled intervals.
package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// Sink receives intervals as they close.
type Sink interface {
	InsertInterval(ctx context.Context, sessionID string, iv types.DecisionInterval) error
}

// Tracker is a Renderer that merges consecutive identical labels. Intervals shorter than
// MinDuration are blips and are dropped.
type Tracker struct {
	SessionID   string
	MinDuration time.Duration
	sink        Sink

	mu      sync.Mutex
	current *types.DecisionInterval
	kept    []types.DecisionInterval
	blips   int
}

func NewTracker(sessionID string, minDuration time.Duration, sink Sink) *Tracker {
	return &Tracker{SessionID: sessionID, MinDuration: minDuration, sink: sink}
}

func (t *Tracker) Render(ctx context.Context, d types.Decision) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil && t.current.Label == d.Label {
		t.current.EndSeq = d.Seq
		t.current.End = d.At
		t.current.Frames++
		if d.Match.Distance != nil && (t.current.MinDistance == nil || *d.Match.Distance < *t.current.MinDistance) {
			dist := *d.Match.Distance
			t.current.MinDistance = &dist
		}
		return nil
	}

	err := t.closeCurrent(ctx)
	iv := types.DecisionInterval{
		Label:    d.Label,
		StartSeq: d.Seq,
		EndSeq:   d.Seq,
		Start:    d.At,
		End:      d.At,
		Frames:   1,
	}
	if d.Match.Distance != nil {
		dist := *d.Match.Distance
		iv.MinDistance = &dist
	}
	t.current = &iv
	return err
}

// Flush closes the open interval. Call it once the session ends.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCurrent(ctx)
}

func (t *Tracker) closeCurrent(ctx context.Context) error {
	iv := t.current
	t.current = nil
	if iv == nil {
		return nil
	}

	// Filter short runs (blips)
	if iv.Duration() < t.MinDuration {
		t.blips++
		return nil
	}
	t.kept = append(t.kept, *iv)

	if t.sink == nil {
		return nil
	}
	if err := t.sink.InsertInterval(ctx, t.SessionID, *iv); err != nil {
		return fmt.Errorf("failed to persist interval %d-%d: %w", iv.StartSeq, iv.EndSeq, err)
	}
	return nil
}

// Intervals returns the closed, non-blip intervals in order.
func (t *Tracker) Intervals() []types.DecisionInterval {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.DecisionInterval(nil), t.kept...)
}

func (t *Tracker) Blips() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blips
}

// LabelTotal is the summed time spent under one label.
type LabelTotal struct {
	Label     types.DecisionLabel
	Duration  time.Duration
	Intervals int
	Frames    int
}

// Summary totals kept intervals per label, longest first.
func (t *Tracker) Summary() []LabelTotal {
	totals := make(map[types.DecisionLabel]*LabelTotal)
	for _, iv := range t.Intervals() {
		lt, ok := totals[iv.Label]
		if !ok {
			lt = &LabelTotal{Label: iv.Label}
			totals[iv.Label] = lt
		}
		lt.Duration += iv.Duration()
		lt.Intervals++
		lt.Frames += iv.Frames
	}

	out := make([]LabelTotal, 0, len(totals))
	for _, lt := range totals {
		out = append(out, *lt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration > out[j].Duration
		}
		return out[i].Label < out[j].Label
	})
	return out
}
