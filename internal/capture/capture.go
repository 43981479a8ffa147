// Package capture turns an ffmpeg MJPEG pipe (camera device or video file) into frames.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/facegate/internal/metrics"
	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/verify"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

type Options struct {
	// Live sources keep only the newest frame; older undelivered frames are dropped.
	// File sources deliver every frame and apply backpressure to ffmpeg instead.
	Live    bool
	Logger  *zap.Logger
	Metrics *metrics.Manager
}

// StreamCapture implements verify.Capture over a stream of concatenated JPEGs.
type StreamCapture struct {
	src    io.ReadCloser
	cmd    *utils.SafeCommand
	opts   Options
	log    *zap.Logger
	frames chan []byte
	done   chan struct{} // closed by Release
	pumped chan struct{} // closed when the reader goroutine exits

	mu  sync.Mutex
	err error // terminal stream error, reported once after the last frame
	seq int64

	once sync.Once
}

// NewStreamCapture starts reading src immediately.
func NewStreamCapture(src io.ReadCloser, opts Options) *StreamCapture {
	return newStreamCapture(src, nil, opts)
}

func newStreamCapture(src io.ReadCloser, cmd *utils.SafeCommand, opts Options) *StreamCapture {
	size := 4
	if opts.Live {
		size = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &StreamCapture{
		src:    src,
		cmd:    cmd,
		opts:   opts,
		log:    log,
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
		pumped: make(chan struct{}),
	}
	go c.pump()
	return c
}

// Open spawns ffmpeg for input. format names the device demuxer ("v4l2", "avfoundation",
// "dshow"); leave it empty for files. maxFrames > 0 stops after that many frames.
func Open(input, format string, maxFrames int, opts Options) (*StreamCapture, error) {
	if _, err := os.Stat(input); err != nil && format != "avfoundation" && format != "dshow" {
		return nil, fmt.Errorf("%w: %s: %w", verify.ErrDeviceUnavailable, input, err)
	}

	ffmpeg := utils.NewFFmpegCmd(input, format, maxFrames)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start FFmpeg: %w", verify.ErrDeviceUnavailable, err)
	}

	if format != "" {
		opts.Live = true
	}
	return newStreamCapture(out, ffmpeg, opts), nil
}

// Snapshot grabs a single frame, for camera enrollment.
func Snapshot(ctx context.Context, input, format string) (image.Image, error) {
	c, err := Open(input, format, 1, Options{})
	if err != nil {
		return nil, err
	}
	defer c.Release()

	frame, err := c.ReadFrame(ctx)
	if err == io.EOF {
		return nil, fmt.Errorf("%w: no frame received from %s", verify.ErrReadFailed, input)
	}
	if err != nil {
		return nil, err
	}
	return frame.Image, nil
}

func (c *StreamCapture) pump() {
	defer close(c.pumped)
	defer close(c.frames)

	scanner := bufio.NewScanner(c.src)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		buf := append([]byte(nil), scanner.Bytes()...)
		if !c.deliver(buf) {
			return
		}
	}

	var streamErr error
	if err := scanner.Err(); err != nil && !c.released() {
		streamErr = fmt.Errorf("%w: %w", verify.ErrReadFailed, err)
	}
	if c.cmd != nil {
		if err := c.cmd.Wait(); err != nil && !c.released() {
			streamErr = fmt.Errorf("%w: ffmpeg: %w: %s", verify.ErrDeviceUnavailable, err, c.cmd.Stderr.String())
		}
	}
	if streamErr != nil {
		streamErr = fmt.Errorf("%w: %w", verify.ErrStreamEnded, streamErr)
		c.log.Error("capture stream failed", zap.Error(streamErr))
	}
	c.mu.Lock()
	c.err = streamErr
	c.mu.Unlock()
}

// deliver hands a frame to the reader. It reports false once the capture is released.
func (c *StreamCapture) deliver(buf []byte) bool {
	if !c.opts.Live {
		select {
		case c.frames <- buf:
			return true
		case <-c.done:
			return false
		}
	}

	for {
		select {
		case <-c.done:
			return false
		case c.frames <- buf:
			return true
		default:
		}
		// Full: throw away the stale frame so the next read sees the newest one.
		select {
		case <-c.frames:
			c.opts.Metrics.FrameDropped()
		default:
		}
	}
}

func (c *StreamCapture) released() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReadFrame returns the next frame, or ctx's error if nothing arrives in time. When the stream
// is over it returns the terminal error (wrapping verify.ErrStreamEnded) once, then io.EOF.
func (c *StreamCapture) ReadFrame(ctx context.Context) (types.FrameObservation, error) {
	select {
	case <-ctx.Done():
		return types.FrameObservation{}, ctx.Err()
	case data, ok := <-c.frames:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.err = nil
			c.mu.Unlock()
			if err != nil {
				return types.FrameObservation{}, err
			}
			return types.FrameObservation{}, io.EOF
		}

		img, err := preprocess.DecodeImage(data)
		if err != nil {
			return types.FrameObservation{}, fmt.Errorf("%w: %w", verify.ErrReadFailed, err)
		}
		c.mu.Lock()
		seq := c.seq
		c.seq++
		c.mu.Unlock()
		return types.FrameObservation{Seq: seq, Image: img, Data: data}, nil
	}
}

// Release stops the reader and the ffmpeg process. Safe to call more than once.
func (c *StreamCapture) Release() error {
	c.once.Do(func() {
		close(c.done)
		c.src.Close()
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		<-c.pumped
		c.log.Debug("capture released")
	})
	return nil
}
