package store

import (
	"context"
	"sync"
)

// Feed fans change signals out to watchers by topic. Signals carry no
// payload: a watcher reloads its full snapshot when signalled, and
// signals that arrive while a reload is pending are coalesced.
type Feed struct {
	mu     sync.Mutex
	topics map[string]map[*watcher]struct{}
}

type watcher struct {
	signal chan struct{}
}

func NewFeed() *Feed {
	return &Feed{topics: make(map[string]map[*watcher]struct{})}
}

// Publish wakes every watcher of the given topics. It never blocks.
func (f *Feed) Publish(topics ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		for w := range f.topics[topic] {
			w.notify()
		}
	}
}

// Watchers returns the number of live watchers on topic.
func (f *Feed) Watchers(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics[topic])
}

func (w *watcher) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (f *Feed) add(topic string) *watcher {
	w := &watcher{signal: make(chan struct{}, 1)}
	f.mu.Lock()
	if f.topics[topic] == nil {
		f.topics[topic] = make(map[*watcher]struct{})
	}
	f.topics[topic][w] = struct{}{}
	f.mu.Unlock()
	return w
}

func (f *Feed) remove(topic string, w *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if watchers, ok := f.topics[topic]; ok {
		delete(watchers, w)
		if len(watchers) == 0 {
			delete(f.topics, topic)
		}
	}
}

// Watch delivers load's result to onNext once immediately and again
// after every Publish on topic, until the returned Unsubscribe is called
// or ctx is cancelled. Deliveries are serialized on a dedicated
// goroutine. Load errors go to onError and do not end the watch.
//
// Unsubscribe returns only after any in-flight delivery has finished and
// the watcher is gone from f, so nothing is delivered after it returns.
// It must not be called from onNext or onError.
func Watch[T any](ctx context.Context, f *Feed, topic string, load func(context.Context) (T, error), onNext func(T), onError func(error)) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	w := f.add(topic)
	w.notify()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer f.remove(topic, w)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
			v, err := load(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onNext(v)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

// PublishAll wakes every watcher. Backends call it after losing their
// change stream, when individual signals may have been missed.
func (f *Feed) PublishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, watchers := range f.topics {
		for w := range watchers {
			w.notify()
		}
	}
}
