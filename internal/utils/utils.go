package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *SyncBuffer
}

// SyncBuffer is a bytes.Buffer that tolerates the child writing while we read.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *SyncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &SyncBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ErrorOutput is where ShowError writes. Tests swap it out.
var ErrorOutput io.Writer = os.Stderr

// ShowError prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	out := ErrorOutput
	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "🚨 FACEGATE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(out, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(out, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(out, "---------------------------------------------------------\n")
}

// Die is ShowError followed by exit(1).
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine (Shared by Verify, Enroll & Serve) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// GetTotalFrames uses ffprobe to count packets for the progress bar
// It returns -1 if the count fails (or the input is a device), allowing the caller to fallback to a spinner.
func GetTotalFrames(path string) int {
	// 0. Check dependency
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return -1
	}

	// Helper struct for structured JSON parsing
	type ffprobeOutput struct {
		Streams []struct {
			NbFrames      string `json:"nb_frames"`
			NbReadPackets string `json:"nb_read_packets"`
		} `json:"streams"`
	}

	// 1. Fast Path: Check Container Metadata
	cmdFast := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := cmdFast.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
				return count
			}
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	cmd := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return -1
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return -1
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil || count <= 0 {
		return -1
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// FFmpegArgs builds the decoder argument list. A non-empty format (e.g. "v4l2", "avfoundation")
// marks a live device: input buffering is disabled so frames arrive as soon as they are captured.
func FFmpegArgs(input, format string, maxFrames int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-fflags", "nobuffer", "-f", format)
	}
	args = append(args, "-i", input)
	if maxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(maxFrames))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(input, format string, maxFrames int) *SafeCommand {
	return NewSafeCommand("ffmpeg", FFmpegArgs(input, format, maxFrames)...)
}

// SourceFingerprint creates a deterministic hash for a video file
// based on its path, size, and modification time. Devices hash their path only.
func SourceFingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := path
	if info.Mode().IsRegular() {
		input = fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	}
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
