package importer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a dropped file must stay quiet before it is
// imported. Course platforms write exports incrementally; importing on the
// first write event would read a partial document.
const DefaultSettle = 500 * time.Millisecond

// Watcher watches a drop directory and imports export files as they land.
type Watcher struct {
	importer *Importer
	watcher  *fsnotify.Watcher
	settle   time.Duration

	// ready carries settled paths back to the event loop, which performs
	// the import. It is never closed; timers may fire after Stop.
	ready   chan string
	reports chan Report
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	timers  map[string]*time.Timer
	dir     string
}

// NewWatcher creates a watcher feeding the given importer. The watcher must
// be started with Start() before it will import anything.
func NewWatcher(imp *Importer, settle time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if settle <= 0 {
		settle = DefaultSettle
	}

	return &Watcher{
		importer: imp,
		watcher:  fw,
		settle:   settle,
		ready:    make(chan string, 16),
		reports:  make(chan Report, 16),
		errors:   make(chan error, 16),
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the drop directory.
func (w *Watcher) Start(ctx context.Context, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch drop directory %s: %w", dir, err)
	}

	w.dir = dir
	w.running = true
	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and blocks until the event loop has exited. Files
// still settling when Stop is called are not imported.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.reports)
	close(w.errors)
	return nil
}

// Reports returns the channel emitting one Report per imported file.
// It is closed when the watcher is stopped.
func (w *Watcher) Reports() <-chan Report {
	return w.reports
}

// Errors returns the channel emitting import failures.
// It is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isExport(event.Name) {
				continue
			}
			w.schedule(event.Name)

		case path := <-w.ready:
			w.importOne(ctx, path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) importOne(ctx context.Context, path string) {
	report, err := w.importer.ImportFile(ctx, path)
	if err != nil {
		select {
		case w.errors <- err:
		case <-w.done:
		}
		return
	}
	select {
	case w.reports <- report:
	case <-w.done:
	}
}

// schedule arms (or re-arms) the settle timer for one file. The import runs
// only after the file has been quiet for the settle window.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func isExport(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".json") ||
		strings.HasSuffix(lower, ".yaml") ||
		strings.HasSuffix(lower, ".yml") ||
		strings.HasSuffix(lower, ".toml")
}
