package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prudhvinik1/mealstock/internal/models"
)

// PositionErrorCode follows the platform geolocation error codes.
type PositionErrorCode int

const (
	ErrorPermissionDenied    PositionErrorCode = 1
	ErrorPositionUnavailable PositionErrorCode = 2
	ErrorTimeout             PositionErrorCode = 3
)

type PositionError struct {
	Code    PositionErrorCode
	Message string
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("geolocation error %d: %s", e.Code, e.Message)
}

type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Timestamp time.Time
}

func (p Position) Location() models.LocationData {
	return models.LocationData{
		Lat:       p.Latitude,
		Lng:       p.Longitude,
		Accuracy:  p.Accuracy,
		Timestamp: p.Timestamp,
	}
}

type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaximumAge is how old a cached fix may be. Zero means always fresh.
	MaximumAge time.Duration
}

type WatchID int

type Geolocator interface {
	GetCurrentPosition(ctx context.Context, opts WatchOptions) (Position, error)
	WatchPosition(opts WatchOptions, onPosition func(Position), onError func(*PositionError)) WatchID
	ClearWatch(id WatchID)
}

type watch struct {
	opts    WatchOptions
	onPos   func(Position)
	onErr   func(*PositionError)
	timer   *time.Timer
	cleared bool
}

// FeedGeolocator is a Geolocator fed by the device platform. Fixes and
// errors are pushed in; every watch reports a timeout when no fix arrives
// within its Timeout.
type FeedGeolocator struct {
	mu      sync.Mutex
	watches map[WatchID]*watch
	nextID  WatchID
	last    *Position
	waiters []chan Position
	now     func() time.Time
}

func NewFeedGeolocator() *FeedGeolocator {
	return &FeedGeolocator{
		watches: make(map[WatchID]*watch),
		now:     time.Now,
	}
}

func (g *FeedGeolocator) WatchPosition(opts WatchOptions, onPosition func(Position), onError func(*PositionError)) WatchID {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	id := g.nextID
	w := &watch{opts: opts, onPos: onPosition, onErr: onError}
	if opts.Timeout > 0 {
		w.timer = time.AfterFunc(opts.Timeout, func() { g.expire(id, w) })
	}
	g.watches[id] = w
	return id
}

func (g *FeedGeolocator) expire(id WatchID, w *watch) {
	g.mu.Lock()
	if w.cleared || g.watches[id] != w {
		g.mu.Unlock()
		return
	}
	w.timer.Reset(w.opts.Timeout)
	onErr := w.onErr
	g.mu.Unlock()

	onErr(&PositionError{Code: ErrorTimeout, Message: "no position fix within timeout"})
}

func (g *FeedGeolocator) ClearWatch(id WatchID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.watches[id]
	if !ok {
		return
	}
	w.cleared = true
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(g.watches, id)
}

func (g *FeedGeolocator) GetCurrentPosition(ctx context.Context, opts WatchOptions) (Position, error) {
	g.mu.Lock()
	if g.last != nil && opts.MaximumAge > 0 && g.now().Sub(g.last.Timestamp) <= opts.MaximumAge {
		pos := *g.last
		g.mu.Unlock()
		return pos, nil
	}
	waiter := make(chan Position, 1)
	g.waiters = append(g.waiters, waiter)
	g.mu.Unlock()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case pos := <-waiter:
		return pos, nil
	case <-timeout:
		g.dropWaiter(waiter)
		return Position{}, &PositionError{Code: ErrorTimeout, Message: "no position fix within timeout"}
	case <-ctx.Done():
		g.dropWaiter(waiter)
		return Position{}, ctx.Err()
	}
}

func (g *FeedGeolocator) dropWaiter(waiter chan Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == waiter {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

// Push delivers a fix to every watch and pending one-shot request.
func (g *FeedGeolocator) Push(pos Position) {
	if pos.Timestamp.IsZero() {
		pos.Timestamp = g.now()
	}

	g.mu.Lock()
	g.last = &pos
	callbacks := make([]func(Position), 0, len(g.watches))
	for _, w := range g.watches {
		if w.timer != nil {
			w.timer.Reset(w.opts.Timeout)
		}
		callbacks = append(callbacks, w.onPos)
	}
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- pos
	}
	for _, cb := range callbacks {
		cb(pos)
	}
}

// Fail delivers a platform error to every watch.
func (g *FeedGeolocator) Fail(code PositionErrorCode, message string) {
	g.mu.Lock()
	callbacks := make([]func(*PositionError), 0, len(g.watches))
	for _, w := range g.watches {
		callbacks = append(callbacks, w.onErr)
	}
	g.mu.Unlock()

	for _, cb := range callbacks {
		cb(&PositionError{Code: code, Message: message})
	}
}

// Close clears every watch.
func (g *FeedGeolocator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, w := range g.watches {
		w.cleared = true
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(g.watches, id)
	}
}
