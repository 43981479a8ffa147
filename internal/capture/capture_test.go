package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/metrics"
	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jpegFrame encodes a tiny frame whose top-left pixel carries v so frames can be told apart.
func jpegFrame(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	img.SetGray(0, 0, color.Gray{Y: v})
	data, err := preprocess.EncodeJPEG(img, 100)
	require.NoError(t, err)
	return data
}

func stream(frames ...[]byte) io.ReadCloser {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	return io.NopCloser(&buf)
}

func TestFileCapture_DeliversEveryFrame(t *testing.T) {
	c := NewStreamCapture(stream(jpegFrame(t, 10), jpegFrame(t, 120), jpegFrame(t, 240)), Options{})
	defer c.Release()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f, err := c.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), f.Seq)
		assert.Equal(t, image.Rect(0, 0, 8, 8), f.Image.Bounds())
	}

	_, err := c.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLiveCapture_KeepsNewestFrame(t *testing.T) {
	m := metrics.NewManager()
	c := NewStreamCapture(stream(jpegFrame(t, 10), jpegFrame(t, 120), jpegFrame(t, 240)), Options{Live: true, Metrics: m})
	defer c.Release()

	<-c.pumped // reader has consumed the whole stream

	f, err := c.ReadFrame(context.Background())
	require.NoError(t, err)
	r, _, _, _ := f.Image.At(4, 4).RGBA()
	assert.InDelta(t, 240, float64(r>>8), 4, "expected the last frame, older ones are stale")

	_, err = c.ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	dropped := 0.0
	for _, fam := range families {
		if fam.GetName() == "facegate_frames_dropped_total" {
			dropped = fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, dropped)
}

// failingReader serves data and then fails, like a camera that is unplugged mid-stream.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestReadFrame_StreamFailureReportedOnce(t *testing.T) {
	unplugged := errors.New("device unplugged")
	src := io.NopCloser(&failingReader{data: jpegFrame(t, 90), err: unplugged})
	c := NewStreamCapture(src, Options{Live: true})
	defer c.Release()

	ctx := context.Background()
	f, err := c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.Seq)

	_, err = c.ReadFrame(ctx)
	assert.ErrorIs(t, err, verify.ErrStreamEnded)
	assert.ErrorIs(t, err, unplugged)
	assert.ErrorIs(t, err, verify.ErrAcquisition)

	_, err = c.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF, "the terminal error is reported once, then the stream is over")
}

func TestReadFrame_Timeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	c := NewStreamCapture(pr, Options{Live: true})
	defer c.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadFrame_CorruptFrameIsSkippable(t *testing.T) {
	corrupt := []byte{0xFF, 0xD8, 0x00, 0x01, 0xFF, 0xD9}
	c := NewStreamCapture(stream(corrupt, jpegFrame(t, 50)), Options{})
	defer c.Release()

	_, err := c.ReadFrame(context.Background())
	assert.ErrorIs(t, err, verify.ErrReadFailed)
	assert.True(t, errors.Is(err, verify.ErrAcquisition))

	f, err := c.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.Seq)
}

func TestRelease_UnblocksReader(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewStreamCapture(pr, Options{})

	require.NoError(t, c.Release())
	require.NoError(t, c.Release())

	_, err := c.ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open("/dev/definitely-not-a-camera", "v4l2", 0, Options{})
	assert.ErrorIs(t, err, verify.ErrDeviceUnavailable)
}
