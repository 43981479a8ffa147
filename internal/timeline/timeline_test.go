package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	got []types.DecisionInterval
	err error
}

func (m *memSink) InsertInterval(_ context.Context, sessionID string, iv types.DecisionInterval) error {
	if sessionID != "s1" {
		return errors.New("wrong session")
	}
	m.got = append(m.got, iv)
	return m.err
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// feed renders one decision per label, 100ms apart.
func feed(t *testing.T, tr *Tracker, labels ...types.DecisionLabel) {
	t.Helper()
	for i, l := range labels {
		d := types.Decision{Seq: int64(i), Label: l, At: t0.Add(time.Duration(i) * 100 * time.Millisecond)}
		require.NoError(t, tr.Render(context.Background(), d))
	}
}

func TestTracker_Coalesces(t *testing.T) {
	sink := &memSink{}
	tr := NewTracker("s1", 0, sink)

	S, D, N := types.SamePerson, types.DifferentPerson, types.NoPersonDetected
	feed(t, tr, S, S, S, D, D, N)
	require.NoError(t, tr.Flush(context.Background()))

	ivs := tr.Intervals()
	require.Len(t, ivs, 3)
	assert.Equal(t, S, ivs[0].Label)
	assert.Equal(t, int64(0), ivs[0].StartSeq)
	assert.Equal(t, int64(2), ivs[0].EndSeq)
	assert.Equal(t, 3, ivs[0].Frames)
	assert.Equal(t, 200*time.Millisecond, ivs[0].Duration())
	assert.Equal(t, D, ivs[1].Label)
	assert.Equal(t, N, ivs[2].Label)
	assert.Equal(t, ivs, sink.got)
}

func TestTracker_DropsBlips(t *testing.T) {
	tr := NewTracker("s1", 150*time.Millisecond, nil)

	S, D := types.SamePerson, types.DifferentPerson
	feed(t, tr, S, S, S, D, S, S)
	require.NoError(t, tr.Flush(context.Background()))

	ivs := tr.Intervals()
	require.Len(t, ivs, 1, "the single-frame Different run and the short tail are blips")
	assert.Equal(t, S, ivs[0].Label)
	assert.Equal(t, 2, tr.Blips())
}

func TestTracker_TracksBestDistance(t *testing.T) {
	tr := NewTracker("s1", 0, nil)
	for i, dist := range []float64{0.4, 0.2, 0.35} {
		dist := dist
		d := types.Decision{Seq: int64(i), Label: types.SamePerson, At: t0, Match: types.FaceMatch{Distance: &dist}}
		require.NoError(t, tr.Render(context.Background(), d))
	}
	require.NoError(t, tr.Flush(context.Background()))

	ivs := tr.Intervals()
	require.Len(t, ivs, 1)
	require.NotNil(t, ivs[0].MinDistance)
	assert.Equal(t, 0.2, *ivs[0].MinDistance)
}

func TestTracker_SinkError(t *testing.T) {
	sink := &memSink{err: errors.New("db down")}
	tr := NewTracker("s1", 0, sink)
	feed(t, tr, types.SamePerson)

	err := tr.Render(context.Background(), types.Decision{Seq: 1, Label: types.NoFaceDetected, At: t0})
	assert.ErrorContains(t, err, "db down")
}

func TestTracker_Summary(t *testing.T) {
	tr := NewTracker("s1", 0, nil)
	S, D := types.SamePerson, types.DifferentPerson
	feed(t, tr, S, S, S, D, D, S, S)
	require.NoError(t, tr.Flush(context.Background()))

	sum := tr.Summary()
	require.Len(t, sum, 2)
	assert.Equal(t, S, sum[0].Label)
	assert.Equal(t, 2, sum[0].Intervals)
	assert.Equal(t, 5, sum[0].Frames)
	assert.Equal(t, 300*time.Millisecond, sum[0].Duration)
	assert.Equal(t, D, sum[1].Label)
}
