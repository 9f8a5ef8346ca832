package memdrive

import "sync"

// watcher fires whenever a change lands at or below its path. Notifications
// coalesce: the channel holds at most one pending signal.
type watcher struct {
	path string
	ch   chan struct{}
}

func (w *watcher) notify(changed []string) {
	for _, p := range changed {
		if isWithin(p, w.path) {
			select {
			case w.ch <- struct{}{}:
			default:
			}
			return
		}
	}
}

func (f *feed) watch(p string) (<-chan struct{}, func()) {
	w := &watcher{path: p, ch: make(chan struct{}, 1)}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.watchers[id] = w
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		})
	}
	return w.ch, cancel
}

func (f *feed) watcherCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.watchers)
}
