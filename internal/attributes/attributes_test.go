package attributes

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"testing"

	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/andresmejia3/lookout/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	got   *image.RGBA
	attrs Attributes
	err   error
}

func (b *recordingBackend) Analyze(_ context.Context, face *image.RGBA) (Attributes, error) {
	b.got = face
	return b.attrs, b.err
}

func gradient(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	return img
}

func TestAdapterExpandsChannels(t *testing.T) {
	backend := &recordingBackend{attrs: Attributes{Age: 28, Gender: "Woman"}}
	face := gradient(6, 5)

	attrs, err := NewAdapter(backend).Estimate(context.Background(), face)
	require.NoError(t, err)
	assert.Equal(t, Attributes{Age: 28, Gender: "Woman"}, attrs)
	assert.Equal(t, "Age: 28, Gender: Woman", attrs.String())

	require.NotNil(t, backend.got)
	assert.Equal(t, face.Bounds(), backend.got.Bounds())
	for y := 0; y < 5; y++ {
		for x := 0; x < 6; x++ {
			v := face.GrayAt(x, y).Y
			c := backend.got.RGBAAt(x, y)
			assert.Equal(t, [4]uint8{v, v, v, 0xff}, [4]uint8{c.R, c.G, c.B, c.A})
		}
	}
}

func TestAdapterPropagatesFailure(t *testing.T) {
	boom := errors.New("model exploded")
	_, err := NewAdapter(&recordingBackend{err: boom}).Estimate(context.Background(), gradient(4, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestAdapterRejectsEmptyCrop(t *testing.T) {
	a := NewAdapter(&recordingBackend{})
	_, err := a.Estimate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyFace)
	_, err = a.Estimate(context.Background(), image.NewGray(image.Rect(0, 0, 0, 3)))
	assert.ErrorIs(t, err, ErrEmptyFace)
}

type pipe struct{ *bytes.Buffer }

func (pipe) Close() error { return nil }

func framed(payload string) *bytes.Buffer {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.WriteString(payload)
	return buf
}

func TestPythonBackendAnalyze(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    Attributes
		wantErr string
	}{
		{name: "Success", reply: `{"age": 34.6, "gender": "Man"}`, want: Attributes{Age: 35, Gender: "Man"}},
		{name: "Worker error", reply: `{"error": "Face could not be analyzed"}`, wantErr: "python worker error: Face could not be analyzed"},
		{name: "Garbage", reply: `not json`, wantErr: "malformed estimator response"},
		{name: "Missing fields", reply: `{"gender": "Man"}`, wantErr: "missing age or gender"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdin := pipe{new(bytes.Buffer)}
			w := &worker.PythonWorker{Stdin: stdin, DataPipe: pipe{framed(tt.reply)}}
			p := NewPythonBackend(w)

			got, err := p.Analyze(context.Background(), faceimg.ToRGB(gradient(8, 8)))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// The request body is the PNG encoded crop.
			sent := stdin.Bytes()
			require.Greater(t, len(sent), 4)
			img, err := faceimg.Decode(sent[4:])
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
		})
	}
}

func TestPythonBackendHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPythonBackend(&worker.PythonWorker{Stdin: pipe{new(bytes.Buffer)}, DataPipe: pipe{new(bytes.Buffer)}})
	_, err := p.Analyze(ctx, faceimg.ToRGB(gradient(2, 2)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPythonBackendReplacesBrokenWorker(t *testing.T) {
	// The first worker's stream ends mid-message.
	first := &worker.PythonWorker{Stdin: pipe{new(bytes.Buffer)}, DataPipe: pipe{bytes.NewBuffer([]byte{0, 0})}}
	p := NewPythonBackend(first)
	starts := 0
	p.start = func() (*worker.PythonWorker, error) {
		starts++
		return &worker.PythonWorker{Stdin: pipe{new(bytes.Buffer)}, DataPipe: pipe{framed(`{"age": 5, "gender": "Woman"}`)}}, nil
	}

	_, err := p.Analyze(context.Background(), faceimg.ToRGB(gradient(4, 4)))
	require.Error(t, err)
	assert.True(t, first.Broken())

	got, err := p.Analyze(context.Background(), faceimg.ToRGB(gradient(4, 4)))
	require.NoError(t, err)
	assert.Equal(t, Attributes{Age: 5, Gender: "Woman"}, got)
	assert.Equal(t, 1, starts)
	assert.NotSame(t, first, p.Worker())
}

func TestPythonBackendWithoutRestartStaysBroken(t *testing.T) {
	p := NewPythonBackend(&worker.PythonWorker{Stdin: pipe{new(bytes.Buffer)}, DataPipe: pipe{new(bytes.Buffer)}})
	_, err := p.Analyze(context.Background(), faceimg.ToRGB(gradient(4, 4)))
	require.Error(t, err)
	_, err = p.Analyze(context.Background(), faceimg.ToRGB(gradient(4, 4)))
	assert.ErrorIs(t, err, worker.ErrBroken)
}
