// Package vision provides the pure-Go frame sources, detectors and renderers for the frame loop.
package vision

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"

	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/utils"
)

const megabyte = 1024 * 1024

// JPEGStream yields every nth frame of a concatenated MJPEG byte stream.
type JPEGStream struct {
	scanner *bufio.Scanner
	nth     int
	read    int
}

// NewJPEGStream reads frames from r. nth below 1 is treated as 1.
func NewJPEGStream(r io.Reader, nth int) *JPEGStream {
	if nth < 1 {
		nth = 1
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &JPEGStream{scanner: scanner, nth: nth}
}

// Next returns the next kept frame, or io.EOF when the stream is exhausted.
func (s *JPEGStream) Next(ctx context.Context) (pipeline.Frame, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return pipeline.Frame{}, err
		}
		s.read++
		if s.read%s.nth != 0 {
			continue
		}
		img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			return pipeline.Frame{}, fmt.Errorf("failed to decode frame %d: %w", s.read, err)
		}
		return pipeline.Frame{Index: s.read, Gray: faceimg.ToGray(img), Color: img}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return pipeline.Frame{}, fmt.Errorf("frame scanner failed: %w", err)
	}
	return pipeline.Frame{}, io.EOF
}

// Read returns how many frames have been pulled from the stream, kept or not.
func (s *JPEGStream) Read() int { return s.read }

func (s *JPEGStream) Close() error { return nil }

// FFmpegSource decodes any file or URL ffmpeg understands into frames.
type FFmpegSource struct {
	*JPEGStream
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr bytes.Buffer
	done   bool
}

// OpenFFmpeg starts ffmpeg on input and streams every nth frame.
func OpenFFmpeg(ctx context.Context, input string, nth int) (*FFmpegSource, error) {
	src := &FFmpegSource{cmd: utils.NewFFmpegCmd(ctx, input)}
	src.cmd.Stderr = &src.stderr

	out, err := src.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := src.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	src.out = out
	src.JPEGStream = NewJPEGStream(out, nth)
	return src, nil
}

// Next reports an ffmpeg failure, with its logs, instead of a clean io.EOF.
func (s *FFmpegSource) Next(ctx context.Context) (pipeline.Frame, error) {
	f, err := s.JPEGStream.Next(ctx)
	if err != io.EOF {
		return f, err
	}
	s.done = true
	if werr := s.cmd.Wait(); werr != nil {
		if ctx.Err() != nil {
			return f, ctx.Err()
		}
		return f, fmt.Errorf("FFmpeg execution failed: %w\nFFmpeg Logs:\n%s", werr, s.stderr.String())
	}
	return f, io.EOF
}

// Close stops ffmpeg if it is still running.
func (s *FFmpegSource) Close() error {
	s.out.Close()
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}
