package flow

import (
	"context"
	"sync"
)

// pauseGate lets the source task block cooperatively between pulls
// without tearing down the pipeline. wait is a no-op unless pause has
// been called; unpause releases every waiter and rearms for the next
// pause.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{resume: make(chan struct{})}
}

func (g *pauseGate) wait(ctx context.Context) {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return
	}
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

func (g *pauseGate) unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
	g.resume = make(chan struct{})
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
