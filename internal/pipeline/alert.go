package pipeline

import (
	"io"
	"sync"
)

// Alerter is the fire-and-forget signal raised for every new identity.
// Implementations must return immediately.
type Alerter interface {
	Alert()
}

// NopAlerter does nothing.
type NopAlerter struct{}

func (NopAlerter) Alert() {}

// BellAlerter rings the terminal bell on W from a background goroutine.
type BellAlerter struct {
	W  io.Writer
	mu sync.Mutex
	wg sync.WaitGroup
}

func (b *BellAlerter) Alert() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.W.Write([]byte{'\a'})
	}()
}

// Wait blocks until every pending bell has been written.
func (b *BellAlerter) Wait() { b.wg.Wait() }
