// Package playback sequences reply fragments through an [audio.Player].
//
// A [Queue] plays [Item] values strictly in enqueue order, one at a time. New
// items never preempt the one currently playing. When the queue drains after
// playing at least one item, the registered completion callback fires exactly
// once and the callbacks are cleared.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/tressa/pkg/audio"
)

// Item is one reply fragment: a decodable audio payload and the text spoken in
// it.
type Item struct {
	Audio []byte
	Text  string
}

// Callbacks are invoked from the queue's dispatch goroutine and must not block
// for long.
type Callbacks struct {
	// OnChanged is called with the item's text just before it starts playing.
	OnChanged func(text string)

	// OnCompleted is called once when the queue drains.
	OnCompleted func()
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithLogger sets the logger used for playback failures.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithErrorHandler registers fn to be called whenever an item fails to play.
// Aborted playback (Clear, Stop, Close) is not reported.
func WithErrorHandler(fn func(Item, error)) Option {
	return func(q *Queue) {
		q.onError = fn
	}
}

// Queue is a FIFO playback queue with a single playing slot. All exported
// methods are safe for concurrent use.
type Queue struct {
	player  audio.Player
	log     *slog.Logger
	onError func(Item, error)

	mu            sync.Mutex
	items         []Item
	playing       *Item
	cancelPlaying context.CancelFunc
	callbacks     Callbacks
	played        bool // an item started since the last drain or Clear
	closed        bool

	ctx       context.Context
	cancel    context.CancelFunc
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Queue that plays through player and starts its dispatch
// goroutine. Call [Queue.Close] to stop it.
func New(player audio.Player, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		player: player,
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue appends item to the tail and wakes the dispatcher. Items enqueued
// after Close are dropped.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// SetCallbacks merges the non-nil fields of cb into the registered callbacks.
func (q *Queue) SetCallbacks(cb Callbacks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cb.OnChanged != nil {
		q.callbacks.OnChanged = cb.OnChanged
	}
	if cb.OnCompleted != nil {
		q.callbacks.OnCompleted = cb.OnCompleted
	}
}

// Clear aborts the item currently playing and discards everything pending.
// The completion callback does not fire for a cleared cycle.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
}

// Stop clears the queue and resets the callbacks.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
	q.callbacks = Callbacks{}
}

// Playing reports whether an item is currently playing.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing != nil
}

// Len returns the number of items waiting behind the playing slot.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the dispatch goroutine and aborts playback. Close is idempotent
// and always returns nil.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.clearLocked()
		q.callbacks = Callbacks{}
		q.mu.Unlock()
		q.cancel()
	})
	return nil
}

// Done is closed once the dispatch goroutine has exited after Close.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// clearLocked must be called with q.mu held.
func (q *Queue) clearLocked() {
	q.items = nil
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	q.playing = nil
	q.played = false
}

// dispatch pulls items off the queue and plays them until Close.
func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		for q.ctx.Err() == nil {
			item, ctx, onChanged, onCompleted, ok := q.next()
			if onCompleted != nil {
				q.safeCall("completed", onCompleted)
			}
			if !ok {
				break
			}
			if onChanged != nil {
				q.safeCall("changed", func() { onChanged(item.Text) })
			}
			q.play(ctx, item)
		}
	}
}

// next pops the head into the playing slot. When the queue is empty after a
// played cycle it returns the completion callback instead and clears the
// callbacks.
func (q *Queue) next() (item *Item, ctx context.Context, onChanged func(string), onCompleted func(), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.played && q.playing == nil {
			q.played = false
			onCompleted = q.callbacks.OnCompleted
			q.callbacks = Callbacks{}
		}
		return nil, nil, nil, onCompleted, false
	}

	head := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	item = &head

	ctx, cancel := context.WithCancel(q.ctx)
	q.playing = item
	q.cancelPlaying = cancel
	q.played = true
	return item, ctx, q.callbacks.OnChanged, nil, true
}

// play blocks until item finished, failed, or was aborted, then frees the
// playing slot. Success and failure are handled the same way.
func (q *Queue) play(ctx context.Context, item *Item) {
	err := q.safePlay(ctx, item)
	if err != nil && ctx.Err() == nil {
		q.log.Warn("playback: item failed, continuing", "err", err, "text", item.Text)
		if q.onError != nil {
			q.onError(*item, err)
		}
	}

	q.mu.Lock()
	if q.playing == item {
		q.playing = nil
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	q.mu.Unlock()
}

// safePlay turns a panicking player into an ordinary playback failure so one
// bad fragment cannot take down the dispatch goroutine.
func (q *Queue) safePlay(ctx context.Context, item *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("playback: player panicked: %v", r)
		}
	}()
	return q.player.Play(ctx, item.Audio)
}

// safeCall runs a registered callback and logs a panic instead of propagating
// it.
func (q *Queue) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("playback: callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}
