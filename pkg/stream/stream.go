// Package stream provides the lazy sequence primitive carried on every graph
// edge: a cancellable, single-subscription, possibly multi-valued
// asynchronous producer. Streams are realized as goroutines feeding channels;
// nothing runs until Subscribe.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadySubscribed is returned on a second Subscribe call. Streams
	// are single-subscription; use Merge or the engine's fan-out instead.
	ErrAlreadySubscribed = errors.New("stream: already subscribed")

	// ErrTimeout is delivered when a Timeout-wrapped stream does not
	// complete in time.
	ErrTimeout = errors.New("stream: timed out")
)

// Producer generates the stream's values. It must call emit for each value,
// returning promptly when emit reports a cancelled context. A nil return
// completes the stream; a non-nil return fails it.
type Producer[T any] func(ctx context.Context, emit func(T) error) error

// Stream is a lazy sequence of T.
type Stream[T any] struct {
	producer   Producer[T]
	subscribed atomic.Bool
}

// New creates a stream from a producer.
func New[T any](producer Producer[T]) *Stream[T] {
	return &Stream[T]{producer: producer}
}

// Of returns a one-shot stream: it emits value once, then completes.
func Of[T any](value T) *Stream[T] {
	return New(func(ctx context.Context, emit func(T) error) error {
		return emit(value)
	})
}

// Empty returns a stream that completes without emitting.
func Empty[T any]() *Stream[T] {
	return New(func(ctx context.Context, emit func(T) error) error {
		return nil
	})
}

// Fail returns a stream that fails immediately with err.
func Fail[T any](err error) *Stream[T] {
	return New(func(ctx context.Context, emit func(T) error) error {
		return err
	})
}

// FromSlice emits each element in order, then completes.
func FromSlice[T any](values []T) *Stream[T] {
	return New(func(ctx context.Context, emit func(T) error) error {
		for _, v := range values {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Subscription is a handle on a running stream.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the stream. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed when the stream has fully terminated.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe starts the stream. Each value is delivered to onNext in producer
// order; exactly one of onError or onComplete is then called. Callbacks run
// on the stream's goroutine. Cancelling the subscription stops delivery; the
// producer observes it through its context.
func (s *Stream[T]) Subscribe(ctx context.Context, onNext func(T), onError func(error), onComplete func()) (*Subscription, error) {
	if !s.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer cancel()

		err := s.producer(runCtx, func(v T) error {
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			if onNext != nil {
				onNext(v)
			}
			return nil
		})

		if err == nil {
			err = runCtx.Err()
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onComplete != nil {
			onComplete()
		}
	}()

	return sub, nil
}

// Collect drains the stream and returns every emitted value. It blocks until
// the stream completes, fails, or ctx is cancelled.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var (
		values []T
		outErr error
	)
	sub, err := s.Subscribe(ctx,
		func(v T) { values = append(values, v) },
		func(err error) { outErr = err },
		nil,
	)
	if err != nil {
		return nil, err
	}
	select {
	case <-sub.Done():
	case <-ctx.Done():
		sub.Cancel()
		<-sub.Done()
		if outErr == nil {
			outErr = ctx.Err()
		}
	}
	return values, outErr
}

// First returns the first emitted value, cancelling the rest of the stream.
// An empty stream yields the zero value and false.
func (s *Stream[T]) First(ctx context.Context) (T, bool, error) {
	firstCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		first  T
		got    bool
		outErr error
	)
	sub, err := s.Subscribe(firstCtx,
		func(v T) {
			if !got {
				first = v
				got = true
				cancel()
			}
		},
		func(err error) { outErr = err },
		nil,
	)
	if err != nil {
		var zero T
		return zero, false, err
	}
	<-sub.Done()
	if got {
		return first, true, nil
	}
	if outErr != nil && !errors.Is(outErr, context.Canceled) {
		var zero T
		return zero, false, outErr
	}
	var zero T
	return zero, false, outErr
}

// Map transforms each value through f.
func Map[T, U any](s *Stream[T], f func(T) (U, error)) *Stream[U] {
	return New(func(ctx context.Context, emit func(U) error) error {
		return runInner(ctx, s, func(v T) error {
			u, err := f(v)
			if err != nil {
				return err
			}
			return emit(u)
		})
	})
}

// FlatMap expands each value into a stream and concatenates the results in
// order.
func FlatMap[T, U any](s *Stream[T], f func(T) *Stream[U]) *Stream[U] {
	return New(func(ctx context.Context, emit func(U) error) error {
		return runInner(ctx, s, func(v T) error {
			inner := f(v)
			if inner == nil {
				return nil
			}
			return runInner(ctx, inner, emit)
		})
	})
}

// Filter keeps only values for which pred returns true.
func Filter[T any](s *Stream[T], pred func(T) bool) *Stream[T] {
	return New(func(ctx context.Context, emit func(T) error) error {
		return runInner(ctx, s, func(v T) error {
			if !pred(v) {
				return nil
			}
			return emit(v)
		})
	})
}

// Merge subscribes to every source concurrently and emits values in arrival
// order. It completes when all sources complete; the first error cancels the
// remaining sources and fails the merged stream.
func Merge[T any](sources ...*Stream[T]) *Stream[T] {
	if len(sources) == 0 {
		return Empty[T]()
	}
	if len(sources) == 1 {
		return sources[0]
	}
	return New(func(ctx context.Context, emit func(T) error) error {
		mergeCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			emitMu   sync.Mutex
			firstErr error
			errOnce  sync.Once
			wg       sync.WaitGroup
		)

		for _, src := range sources {
			src := src
			wg.Add(1)
			_, err := src.Subscribe(mergeCtx,
				func(v T) {
					emitMu.Lock()
					defer emitMu.Unlock()
					if mergeCtx.Err() != nil {
						return
					}
					if err := emit(v); err != nil {
						errOnce.Do(func() {
							firstErr = err
							cancel()
						})
					}
				},
				func(err error) {
					if errors.Is(err, context.Canceled) && mergeCtx.Err() != nil {
						wg.Done()
						return
					}
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					wg.Done()
				},
				func() { wg.Done() },
			)
			if err != nil {
				wg.Done()
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}

		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
		return ctx.Err()
	})
}

// Pair carries the latest values from two combined streams.
type Pair[A, B any] struct {
	Left  A
	Right B
}

// CombineLatest emits a Pair whenever either source emits, once both have
// produced at least one value. It completes when both sources complete.
func CombineLatest[A, B any](a *Stream[A], b *Stream[B]) *Stream[Pair[A, B]] {
	return New(func(ctx context.Context, emit func(Pair[A, B]) error) error {
		combineCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			mu       sync.Mutex
			latestA  A
			latestB  B
			haveA    bool
			haveB    bool
			firstErr error
			errOnce  sync.Once
			wg       sync.WaitGroup
		)

		tryEmit := func() {
			if !haveA || !haveB || combineCtx.Err() != nil {
				return
			}
			if err := emit(Pair[A, B]{Left: latestA, Right: latestB}); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}

		fail := func(err error) {
			if errors.Is(err, context.Canceled) && combineCtx.Err() != nil {
				return
			}
			errOnce.Do(func() {
				firstErr = err
				cancel()
			})
		}

		wg.Add(2)
		if _, err := a.Subscribe(combineCtx,
			func(v A) {
				mu.Lock()
				defer mu.Unlock()
				latestA = v
				haveA = true
				tryEmit()
			},
			func(err error) { fail(err); wg.Done() },
			func() { wg.Done() },
		); err != nil {
			fail(err)
			wg.Done()
		}
		if _, err := b.Subscribe(combineCtx,
			func(v B) {
				mu.Lock()
				defer mu.Unlock()
				latestB = v
				haveB = true
				tryEmit()
			},
			func(err error) { fail(err); wg.Done() },
			func() { wg.Done() },
		); err != nil {
			fail(err)
			wg.Done()
		}

		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
		return ctx.Err()
	})
}

// teeBuffer bounds how far the tee pump can run ahead of its slowest branch
// before sends block.
const teeBuffer = 64

// Tee splits a single-subscription stream into n independently subscribable
// branches. The source is subscribed once, on the first branch subscription,
// and every value is delivered to every live branch in order. A branch whose
// subscriber returns stops receiving; the source is cancelled once every
// branch is gone.
func Tee[T any](s *Stream[T], n int) []*Stream[T] {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []*Stream[T]{s}
	}

	type branch struct {
		ch   chan T
		quit chan struct{}
		once sync.Once
	}
	branches := make([]*branch, n)
	for i := range branches {
		branches[i] = &branch{ch: make(chan T, teeBuffer), quit: make(chan struct{})}
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	var live atomic.Int32
	live.Store(int32(n))
	leave := func(b *branch) {
		b.once.Do(func() {
			close(b.quit)
			if live.Add(-1) == 0 {
				pumpCancel()
			}
		})
	}

	var (
		startOnce sync.Once
		pumpErr   error
		pumpDone  = make(chan struct{})
	)
	start := func() {
		startOnce.Do(func() {
			go func() {
				defer close(pumpDone)
				sub, err := s.Subscribe(pumpCtx,
					func(v T) {
						for _, b := range branches {
							select {
							case b.ch <- v:
							case <-b.quit:
							case <-pumpCtx.Done():
								return
							}
						}
					},
					func(err error) { pumpErr = err },
					nil,
				)
				if err != nil {
					pumpErr = err
				} else {
					<-sub.Done()
				}
				for _, b := range branches {
					close(b.ch)
				}
			}()
		})
	}

	out := make([]*Stream[T], n)
	for i := range out {
		b := branches[i]
		out[i] = New(func(ctx context.Context, emit func(T) error) error {
			start()
			defer leave(b)
			for {
				select {
				case v, ok := <-b.ch:
					if !ok {
						<-pumpDone
						return pumpErr
					}
					if err := emit(v); err != nil {
						return err
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	return out
}

// Timeout fails the stream with ErrTimeout if it has not completed within d
// of subscription. The upstream producer is cancelled on timeout.
func Timeout[T any](s *Stream[T], d time.Duration) *Stream[T] {
	return New(func(ctx context.Context, emit func(T) error) error {
		timeoutCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := runInner(timeoutCtx, s, emit)
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	})
}

// runInner subscribes to s and forwards values to emit synchronously,
// propagating the first error. Used to build operators.
func runInner[T any](ctx context.Context, s *Stream[T], emit func(T) error) error {
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		forwardErr error
		streamErr  error
	)
	sub, err := s.Subscribe(innerCtx,
		func(v T) {
			if forwardErr != nil {
				return
			}
			if err := emit(v); err != nil {
				forwardErr = err
				cancel()
			}
		},
		func(err error) { streamErr = err },
		nil,
	)
	if err != nil {
		return err
	}
	<-sub.Done()

	if forwardErr != nil {
		return forwardErr
	}
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return streamErr
	}
	return ctx.Err()
}
