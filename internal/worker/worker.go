// Package worker talks to the Python model process that hosts the face embedding,
// person detection and verification models.
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/preprocess"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
	"github.com/vmihailenco/msgpack/v5"
)

// Wire ops understood by python/worker.py.
const (
	OpExtract = "extract"
	OpDetect  = "detect"
	OpVerify  = "verify"
)

const (
	statusOK    byte = 0
	statusError byte = 1

	jpegQuality = 90
	maxFrameLen = 64 << 20
)

var ErrWorkerClosed = errors.New("python worker is not running")

type Options struct {
	Python  string
	Script  string
	Timeout time.Duration // per request; zero means no limit beyond ctx
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	// respawn replaces a killed or crashed process with a fresh one. Nil disables restarts.
	respawn func() error

	mu       sync.Mutex
	broken   bool // the current process is unusable; the next call restarts it
	closed   bool // Close was called; permanent
	restarts int
}

// Request is the msgpack body sent for every op.
type Request struct {
	Op        string  `msgpack:"op"`
	Image     []byte  `msgpack:"image"`
	Reference []byte  `msgpack:"reference,omitempty"`
	Conf      float64 `msgpack:"conf,omitempty"`
	Threshold float64 `msgpack:"threshold,omitempty"`
}

type wireFace struct {
	Box       types.BoundingBox `msgpack:"box"`
	Embedding []float64         `msgpack:"embedding"`
}

type extractResponse struct {
	Faces []wireFace `msgpack:"faces"`
}

type wirePerson struct {
	Box        types.BoundingBox `msgpack:"box"`
	Confidence float64           `msgpack:"confidence"`
}

type detectResponse struct {
	Persons []wirePerson `msgpack:"persons"`
}

type verifyResponse struct {
	Verified bool    `msgpack:"verified"`
	Distance float64 `msgpack:"distance"`
}

func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	w := &PythonWorker{ID: id, Timeout: opts.Timeout}
	w.respawn = func() error { return w.spawn(opts) }
	if err := w.spawn(opts); err != nil {
		return nil, err
	}
	return w, nil
}

// spawn starts the Python process and installs its pipes on w.
func (w *PythonWorker) spawn(opts Options) error {
	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(opts.Python, "-u", opts.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{pw}

	stdin, err := py.StdinPipe()
	if err != nil {
		pw.Close() // Prevent FD leak
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	w.Cmd = py
	w.Stdin = stdin
	w.DataPipe = r
	return nil
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [uint32 BE Length][Data] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	return exchange(w.Stdin, w.DataPipe, data)
}

func exchange(stdin io.Writer, pipe io.Reader, data []byte) ([]byte, error) {
	if err := binary.Write(stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(pipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrameLen {
		return nil, fmt.Errorf("response frame too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(pipe, respBody)
	return respBody, err
}

// call runs one request/response exchange. Calls are serialized: the pipe carries one
// conversation at a time. If ctx expires mid-call the process is killed, because the
// unread response would desync every later exchange.
func (w *PythonWorker) call(ctx context.Context, req Request, out any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}
	if w.broken {
		if err := w.restart(); err != nil {
			return err
		}
	}

	body, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Op, err)
	}

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	// The pipes are captured so an abandoned exchange never touches a restarted process.
	stdin, pipe := w.Stdin, w.DataPipe
	go func() {
		resp, err := exchange(stdin, pipe, body)
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		w.broken = true
		w.kill()
		return fmt.Errorf("python worker %s: %w", req.Op, ctx.Err())
	}
	if res.err != nil {
		w.broken = true
		return fmt.Errorf("python worker %s: %w", req.Op, res.err)
	}

	return decodeResponse(res.resp, out)
}

// decodeResponse handles [Status][Body]. Status 1 carries [MsgLen][Msg].
func decodeResponse(resp []byte, out any) error {
	if len(resp) < 1 {
		return errors.New("python worker returned empty response")
	}

	switch resp[0] {
	case statusOK:
		if err := msgpack.Unmarshal(resp[1:], out); err != nil {
			return fmt.Errorf("decode worker response: %w", err)
		}
		return nil
	case statusError:
		if len(resp) < 5 {
			return errors.New("python worker error: <truncated>")
		}
		msgLen := binary.BigEndian.Uint32(resp[1:5])
		if int(msgLen) > len(resp)-5 {
			msgLen = uint32(len(resp) - 5)
		}
		return fmt.Errorf("python worker error: %s", resp[5:5+msgLen])
	default:
		return fmt.Errorf("python worker returned unknown status %d", resp[0])
	}
}

// Extract localizes faces and returns their embeddings. An empty slice means no face.
func (w *PythonWorker) Extract(ctx context.Context, img image.Image) ([]types.Face, error) {
	data, err := preprocess.EncodeJPEG(img, jpegQuality)
	if err != nil {
		return nil, err
	}

	var resp extractResponse
	if err := w.call(ctx, Request{Op: OpExtract, Image: data}, &resp); err != nil {
		return nil, err
	}

	faces := make([]types.Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.Embedding) == 0 {
			continue
		}
		faces = append(faces, types.Face{Box: f.Box, Embedding: f.Embedding})
	}
	return faces, nil
}

// DetectPersons returns boxes for the "person" class at or above conf.
func (w *PythonWorker) DetectPersons(ctx context.Context, img image.Image, conf float64) ([]types.PersonBox, error) {
	data, err := preprocess.EncodeJPEG(img, jpegQuality)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := w.call(ctx, Request{Op: OpDetect, Image: data, Conf: conf}, &resp); err != nil {
		return nil, err
	}

	persons := make([]types.PersonBox, 0, len(resp.Persons))
	for _, p := range resp.Persons {
		if p.Confidence < conf {
			continue
		}
		persons = append(persons, types.PersonBox{Box: p.Box, Confidence: p.Confidence})
	}
	return persons, nil
}

// VerifyImages asks the verification model whether probe shows the person in reference (a JPEG).
func (w *PythonWorker) VerifyImages(ctx context.Context, reference []byte, probe image.Image, threshold float64) (bool, float64, error) {
	data, err := preprocess.EncodeJPEG(probe, jpegQuality)
	if err != nil {
		return false, 0, err
	}

	var resp verifyResponse
	req := Request{Op: OpVerify, Image: data, Reference: reference, Threshold: threshold}
	if err := w.call(ctx, req, &resp); err != nil {
		return false, 0, err
	}
	return resp.Verified, resp.Distance, nil
}

// restart reaps the broken process and spawns a new one. Caller holds w.mu.
func (w *PythonWorker) restart() error {
	if w.respawn == nil {
		return ErrWorkerClosed
	}
	w.reap()
	if err := w.respawn(); err != nil {
		return fmt.Errorf("%w: restart failed: %w", ErrWorkerClosed, err)
	}
	w.broken = false
	w.restarts++
	return nil
}

// reap closes the pipes and waits for the process after killing it.
func (w *PythonWorker) reap() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.kill()
		w.Cmd.Wait()
		w.Cmd = nil
	}
}

// Restarts counts how often the process was replaced after a timeout or crash.
func (w *PythonWorker) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Close shuts the worker down. Closing stdin lets the Python loop exit on EOF.
func (w *PythonWorker) Close() error {
	// Pipes first: a call blocked on the read returns once DataPipe is closed.
	w.Stdin.Close()
	w.DataPipe.Close()

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed after a timeout; the crash logs are in Cmd.Stderr.
		return nil
	}
	return err
}
