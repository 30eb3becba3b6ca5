package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func TestCommunicate(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Pre-fill the response pipe with one framed message
	reply := []byte(`{"age": 31, "gender": "Woman"}`)
	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(reply)))
	dataPipeMock.Write(reply)

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	request := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	resp, err := w.Communicate(request)
	if err != nil {
		t.Fatalf("Communicate failed: %v", err)
	}

	sent := stdinMock.Bytes()
	if len(sent) != 4+len(request) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+len(request), len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[:4]); n != uint32(len(request)) {
		t.Errorf("Expected length header %d, got %d", len(request), n)
	}
	if !bytes.Equal(sent[4:], request) {
		t.Errorf("Request body mangled: %X", sent[4:])
	}
	if !bytes.Equal(resp, reply) {
		t.Errorf("Expected %q, got %q", reply, resp)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close without a process should succeed, got %v", err)
	}
}

func TestCommunicate_TruncatedResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(10))
	dataPipeMock.Write([]byte("short"))

	w := &PythonWorker{ID: 2, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.Communicate([]byte("x")); err == nil {
		t.Fatal("Expected error on truncated body")
	}
}

func TestCommunicate_OversizedResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(maxMessage+1))

	w := &PythonWorker{ID: 3, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	_, err := w.Communicate([]byte("x"))
	if err == nil || !strings.Contains(err.Error(), "oversized") {
		t.Fatalf("Expected oversized error, got %v", err)
	}
}

func TestCommunicate_Timeout(t *testing.T) {
	r, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer wr.Close()

	w := &PythonWorker{
		ID:          4,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 50 * time.Millisecond,
	}
	_, err = w.Communicate([]byte("frame"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestCommunicate_LateReplyAfterTimeoutIsNotReused(t *testing.T) {
	r, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer wr.Close()

	w := &PythonWorker{
		ID:          5,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 50 * time.Millisecond,
	}
	if _, err := w.Communicate([]byte("face 1")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !w.Broken() {
		t.Fatal("Worker should be unusable after a timeout")
	}

	// The answer to face 1 arrives late, followed by the answer to face 2.
	for _, reply := range []string{`{"age": 80, "gender": "Man"}`, `{"age": 5, "gender": "Woman"}`} {
		binary.Write(wr, binary.BigEndian, uint32(len(reply)))
		wr.Write([]byte(reply))
	}

	resp, err := w.Communicate([]byte("face 2"))
	if !errors.Is(err, ErrBroken) {
		t.Fatalf("Expected ErrBroken, got %v (response %q)", err, resp)
	}
	if resp != nil {
		t.Errorf("Stale response leaked: %q", resp)
	}
}
