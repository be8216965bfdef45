// Package subscription provides the disposable handle returned by every
// subscribe-style call in the agent.
package subscription

import "sync"

// Disposable cancels a subscription. Dispose is idempotent.
type Disposable interface {
	Dispose()
}

type funcDisposable struct {
	once sync.Once
	fn   func()
}

// Func wraps fn so that it runs at most once no matter how often Dispose is
// called.
func Func(fn func()) Disposable {
	return &funcDisposable{fn: fn}
}

func (d *funcDisposable) Dispose() {
	d.once.Do(func() {
		if d.fn != nil {
			d.fn()
		}
	})
}

type noop struct{}

func (noop) Dispose() {}

// Noop is returned when there was nothing to subscribe to.
var Noop Disposable = noop{}

// Group disposes several subscriptions together.
type Group struct {
	mu    sync.Mutex
	items []Disposable
	done  bool
}

func (g *Group) Add(d Disposable) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		d.Dispose()
		return
	}
	g.items = append(g.items, d)
	g.mu.Unlock()
}

func (g *Group) Dispose() {
	g.mu.Lock()
	items := g.items
	g.items = nil
	g.done = true
	g.mu.Unlock()

	for _, d := range items {
		d.Dispose()
	}
}
