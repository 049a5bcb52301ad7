package storage

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reports changes to a File made by any process. Stop it with Close.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

type WatchOptions struct {
	// Debounce collapses bursts of events into one callback.
	// Defaults to DefaultWatchDebounce.
	Debounce time.Duration
	Logger   *zerolog.Logger
}

// Watch calls onChange after the file at f.Path() is written, replaced or
// removed. The directory is watched rather than the file itself, since an
// atomic rename swaps the inode.
func (f *File) Watch(onChange func(), opts WatchOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultWatchDebounce
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: watcher,
		done:    make(chan struct{}),
	}

	reload := make(chan struct{}, 1)
	go scheduleReload(reload, w.done, opts.Debounce, onChange)
	go handleWatcher(watcher, filepath.Clean(f.path), reload, logger)
	return w, nil
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func handleWatcher(
	watcher *fsnotify.Watcher,
	path string,
	reload chan<- struct{},
	logger zerolog.Logger,
) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) ||
				event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Str("path", path).Msg("storage watcher error")
		}
	}
}

func scheduleReload(
	reload <-chan struct{},
	done <-chan struct{},
	duration time.Duration,
	callback func(),
) {
	var timer *time.Timer
	var c <-chan time.Time
	for {
		select {
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-reload:
			if timer != nil {
				timer.Reset(duration)
			} else {
				timer = time.NewTimer(duration)
				c = timer.C
			}

		case <-c:
			c = nil
			timer = nil
			callback()
		}
	}
}
