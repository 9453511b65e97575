// Package video handles frame ingest and egress. Decoding and encoding are
// delegated to ffmpeg subprocesses speaking MJPEG over pipes, so the module
// needs no codec bindings of its own.
package video

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/banshee-data/crossings.report/internal/monitoring"
)

// FrameSource yields sequential encoded JPEG frames from an input. Next
// returns io.EOF when the input is exhausted; for live sources a dropped
// connection surfaces as a non-EOF error.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// ffmpegSource reads an MJPEG byte stream from an ffmpeg child process and
// splits it into individual JPEG frames.
type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
	chunk  []byte

	closeOnce sync.Once
}

func startFFmpeg(args []string) (*ffmpegSource, error) {
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	// Drain stderr so ffmpeg never blocks on a full pipe. The last line is
	// logged on abnormal exit paths via the read error instead.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	return &ffmpegSource{
		cmd:    cmd,
		stdout: stdout,
		buf:    make([]byte, 0, 1<<20),
		chunk:  make([]byte, 8192),
	}, nil
}

// Next returns the next complete JPEG frame.
func (s *ffmpegSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if frame, rest := extractJPEG(s.buf); frame != nil {
			s.buf = rest
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.stdout.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
			continue
		}
		if err == io.EOF {
			// A clean decoder exit means the input ended; anything else is a
			// decode failure.
			if werr := s.cmd.Wait(); werr != nil {
				return nil, fmt.Errorf("ffmpeg exited: %w", werr)
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read ffmpeg output: %w", err)
		}
	}
}

// Close kills the decoder process. Safe to call multiple times and
// concurrently with Next; the pending read fails and unblocks.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.stdout.Close()
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil {
				monitoring.Logf("video: kill ffmpeg: %v", err)
			}
		}
		s.cmd.Wait()
	})
	return nil
}

// extractJPEG scans buf for one complete JPEG (FFD8 start marker through
// FFD9 end marker) and returns it together with the remaining bytes. It
// returns a nil frame when no complete JPEG is buffered yet.
func extractJPEG(buf []byte) (frame, rest []byte) {
	start := -1
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, buf
	}
	for i := start + 2; i+1 < len(buf); i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			end := i + 2
			frame = make([]byte, end-start)
			copy(frame, buf[start:end])
			return frame, buf[end:]
		}
	}
	return nil, buf
}

// NewFileSource decodes a video file into JPEG frames, optionally starting
// at startSeconds into the file. The native frame rate and order are
// preserved; pacing is the caller's concern.
func NewFileSource(path string, startSeconds float64) (FrameSource, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if startSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", startSeconds))
	}
	args = append(args,
		"-i", path,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
	return startFFmpeg(args)
}

// NewRTSPSource connects to a live RTSP camera and decodes it into JPEG
// frames. TCP transport avoids UDP packet loss artifacts on flaky links.
// fpsCap > 0 limits the decode rate at the source.
func NewRTSPSource(url string, fpsCap float64) (FrameSource, error) {
	if !strings.HasPrefix(url, "rtsp://") {
		return nil, fmt.Errorf("not an rtsp url: %q", url)
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", url,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
	}
	if fpsCap > 0 {
		args = append(args, "-r", fmt.Sprintf("%.2f", fpsCap))
	}
	args = append(args, "-q:v", "5", "-")
	return startFFmpeg(args)
}
