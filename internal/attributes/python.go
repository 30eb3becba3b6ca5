package attributes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/andresmejia3/lookout/internal/worker"
)

// NoGatingFlag asks the estimator script to analyse crops it would consider low confidence.
const NoGatingFlag = "--no-enforce-detection"

// analyzeResponse is the JSON the estimator script answers with.
type analyzeResponse struct {
	Age    *float64 `json:"age"`
	Gender string   `json:"gender"`
	Error  string   `json:"error"`
}

// PythonBackend talks to the DeepFace estimator script over the worker protocol.
// Requests are PNG encoded crops. A worker that timed out or failed mid-message is
// replaced before the next request when the backend knows how to start one.
type PythonBackend struct {
	mu    sync.Mutex
	w     *worker.PythonWorker
	start func() (*worker.PythonWorker, error)
}

// StartPython launches argv with detection gating disabled.
func StartPython(ctx context.Context, argv []string, timeout time.Duration) (*PythonBackend, error) {
	cmd := append(append([]string{}, argv...), NoGatingFlag)
	starts := 0
	start := func() (*worker.PythonWorker, error) {
		w, err := worker.NewPythonWorker(ctx, starts, cmd)
		if err != nil {
			return nil, err
		}
		starts++
		w.ReadTimeout = timeout
		return w, nil
	}
	w, err := start()
	if err != nil {
		return nil, err
	}
	p := NewPythonBackend(w)
	p.start = start
	return p, nil
}

// NewPythonBackend uses an already running worker.
func NewPythonBackend(w *worker.PythonWorker) *PythonBackend {
	return &PythonBackend{w: w}
}

// Worker exposes the current process, e.g. to print its stderr on failure.
func (p *PythonBackend) Worker() *worker.PythonWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w
}

// Analyze sends face to the script and decodes its answer.
func (p *PythonBackend) Analyze(ctx context.Context, face *image.RGBA) (Attributes, error) {
	if err := ctx.Err(); err != nil {
		return Attributes{}, err
	}
	data, err := faceimg.EncodePNG(face)
	if err != nil {
		return Attributes{}, err
	}

	p.mu.Lock()
	if p.w.Broken() && p.start != nil {
		p.w.Close()
		w, err := p.start()
		if err != nil {
			p.mu.Unlock()
			return Attributes{}, fmt.Errorf("failed to restart estimator: %w", err)
		}
		p.w = w
	}
	resp, err := p.w.Communicate(data)
	p.mu.Unlock()
	if err != nil {
		return Attributes{}, err
	}

	var out analyzeResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return Attributes{}, fmt.Errorf("malformed estimator response: %w", err)
	}
	if out.Error != "" {
		return Attributes{}, fmt.Errorf("python worker error: %s", out.Error)
	}
	if out.Age == nil || out.Gender == "" {
		return Attributes{}, errors.New("estimator response missing age or gender")
	}
	return Attributes{Age: int(math.Round(*out.Age)), Gender: out.Gender}, nil
}

// Close stops the script.
func (p *PythonBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Close()
}
