package utils

import "sync"

// Closer signals a background goroutine to stop and waits for it.
type Closer struct {
	waiting     sync.WaitGroup
	CloseSignal chan struct{}
}

func NewCloser() *Closer {
	return &Closer{
		CloseSignal: make(chan struct{}),
	}
}

func (c *Closer) Add(n int) {
	c.waiting.Add(n)
}

func (c *Closer) Done() {
	c.waiting.Done()
}

// Close fires the signal and blocks until every registered goroutine calls
// Done.
func (c *Closer) Close() {
	close(c.CloseSignal)
	c.waiting.Wait()
}
