package models

import (
	"sync"
	"time"
)

type frameDispatcher struct {
	duration time.Duration
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mutex    sync.RWMutex
	ids      SequentialIDGenerator
	handlers map[uint32]func()
}

func newFrameDispatcher(d time.Duration) *frameDispatcher {
	return &frameDispatcher{
		duration: d,
		done:     make(chan struct{}),
		handlers: make(map[uint32]func()),
	}
}

func (f *frameDispatcher) add(h func()) func() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	id := f.ids.New()
	f.handlers[id] = h

	return func() {
		f.mutex.Lock()
		defer f.mutex.Unlock()

		if _, ok := f.handlers[id]; !ok {
			return
		}
		delete(f.handlers, id)
		f.ids.Reuse(id)
	}
}

func (f *frameDispatcher) len() int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	return len(f.handlers)
}

// run blocks until stop is called. Handlers are called under the read lock so
// that a removed handler is never called afterwards.
func (f *frameDispatcher) run() {
	f.startOnce.Do(func() {
		ticker := time.NewTicker(f.duration)
		defer ticker.Stop()

		for {
			select {
			case <-f.done:
				return

			case <-ticker.C:
				f.mutex.RLock()
				for _, h := range f.handlers {
					h()
				}
				f.mutex.RUnlock()
			}
		}
	})
}

func (f *frameDispatcher) stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
}
