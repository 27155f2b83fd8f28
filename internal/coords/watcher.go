package coords

import (
	"log/slog"
	"path/filepath"
	"sync"

	"emconv/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// PickEvent reports a pick file that was created or rewritten.
type PickEvent struct {
	MicrographID int64  `json:"micrograph_id"`
	Path         string `json:"path"`
	Count        int    `json:"count"`
	Err          error  `json:"-"`
}

// Watcher follows the pick files of an index while a picker writes them.
type Watcher struct {
	watcher *fsnotify.Watcher
	byPath  map[string]int64
	events  chan PickEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	log     *slog.Logger
}

// NewWatcher watches the directories holding idx's pick files.
func NewWatcher(idx *Index, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher: fw,
		byPath:  make(map[string]int64, len(idx.Files)),
		events:  make(chan PickEvent, 100),
		done:    make(chan struct{}),
		log:     logging.OrDefault(logger),
	}

	dirs := make(map[string]bool)
	for _, id := range idx.IDs() {
		path, _ := idx.PickFile(id)
		path = filepath.Clean(path)
		w.byPath[path] = id
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
		w.log.Debug("watching pick directory", "dir", dir)
	}
	return w, nil
}

// Start begins delivering events.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.processEvents()
}

// Events is closed by Close.
func (w *Watcher) Events() <-chan PickEvent { return w.events }

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			path := filepath.Clean(event.Name)
			id, ok := w.byPath[path]
			if !ok {
				continue
			}

			ev := PickEvent{MicrographID: id, Path: path}
			picks, err := ReadPickFile(path)
			if err != nil {
				ev.Err = err
			} else {
				ev.Count = len(picks)
			}

			select {
			case w.events <- ev:
			case <-w.done:
				return
			default:
				w.log.Warn("pick event buffer full, dropping event", "path", path)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("pick watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}
