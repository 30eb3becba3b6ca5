// Package worker runs a long-lived model process and exchanges length-prefixed messages with it.
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/lookout/internal/utils" // Using the SafeCommand wrapper
)

// maxMessage caps the size of a single response so a confused child cannot make us allocate gigabytes.
const maxMessage = 64 * 1024 * 1024

var (
	// ErrTimeout is returned when the child does not answer within ReadTimeout.
	ErrTimeout = errors.New("worker read timed out")
	// ErrBroken is returned once a failed read has left the response stream out of step.
	ErrBroken = errors.New("worker is out of sync")
)

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// PythonWorker is a child process speaking the framing protocol:
// requests go to its stdin, responses come back on FD 3. Both directions are [uint32 big-endian length][payload].
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration // 0 waits forever

	broken error
}

// NewPythonWorker starts argv[0] with the remaining arguments and wires up the pipes.
func NewPythonWorker(ctx context.Context, id int, argv []string) (*PythonWorker, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker %d: empty command", id)
	}
	py := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) so library chatter on stdout cannot corrupt responses
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and blocks until the matching response arrives.
// After a failed or timed-out read the child is killed and every later call fails with ErrBroken,
// since a late reply would otherwise be taken as the answer to the next request.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, fmt.Errorf("worker %d: %w (%v)", w.ID, ErrBroken, w.broken)
	}
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.fail(fmt.Errorf("failed to send request header: %w", err))
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.fail(fmt.Errorf("failed to send request body: %w", err))
	}

	if d, ok := w.DataPipe.(deadliner); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.fail(w.readErr(err)) // A child that died on import lands here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, w.fail(fmt.Errorf("worker %d sent oversized response (%d bytes)", w.ID, respLen))
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.fail(w.readErr(err))
	}
	return respBody, nil
}

// Broken reports whether the worker has to be replaced.
func (w *PythonWorker) Broken() bool { return w.broken != nil }

// fail marks the worker unusable and kills the child so it cannot answer late.
func (w *PythonWorker) fail(err error) error {
	w.broken = err
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	return err
}

func (w *PythonWorker) readErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("worker %d: %w after %s", w.ID, ErrTimeout, w.ReadTimeout)
	}
	return fmt.Errorf("worker %d: failed to read response: %w", w.ID, err)
}

// Close shuts the pipes and waits for the child to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
