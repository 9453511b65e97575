package video

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Encoder muxes a sequence of JPEG frames into an H.264 MP4 file through an
// ffmpeg child process. Not safe for concurrent use.
type Encoder struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	closed bool
	frames int64
}

// NewEncoder starts an encoder writing to path at the given frame rate.
func NewEncoder(path string, fps float64) (*Encoder, error) {
	if fps <= 0 {
		fps = 25
	}
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-framerate", fmt.Sprintf("%.3f", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg encoder: %w", err)
	}
	return &Encoder{cmd: cmd, stdin: stdin}, nil
}

// WriteFrame appends one JPEG frame to the output.
func (e *Encoder) WriteFrame(jpeg []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("encoder closed")
	}
	if _, err := e.stdin.Write(jpeg); err != nil {
		return fmt.Errorf("write frame to encoder: %w", err)
	}
	e.frames++
	return nil
}

// FrameCount returns the number of frames written so far.
func (e *Encoder) FrameCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Close finishes the file, waiting for ffmpeg to flush and exit.
func (e *Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.stdin.Close(); err != nil {
		e.cmd.Wait()
		return fmt.Errorf("close encoder input: %w", err)
	}
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encoder exited: %w", err)
	}
	return nil
}
