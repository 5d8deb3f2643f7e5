package tts

import (
	"errors"
	"sync"
)

var ErrStopped = errors.New("speech stopped")

// Completion resolves exactly once, when an utterance finishes, fails or is
// stopped. Later Resolve calls are ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns an already finished completion.
func Resolved(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

func (c *Completion) Resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Err is valid after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
