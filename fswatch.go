package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FSEvent is one filesystem notification delivered to a Begin callback.
// Stat is zero for remove/rename events.
type FSEvent struct {
	Path string
	Op   fsnotify.Op
	Stat unix.Stat_t
}

// FSWatch watches individual files and directories.
//
// Two knobs shape what a directory watch delivers:
//   - auto-add: a file created inside a watched directory is subscribed
//     as a file watch of its own, and its create event is delivered.
//     Used for the keys directory, where new CSV files must be picked up.
//   - watch-dirs: child events inside a watched directory are delivered
//     without subscribing the children. Used for /dev/input, where the
//     daemon wants hotplug notifications but must not hold watches on
//     device nodes.
//
// Events naming a watched directory itself are never delivered.
type FSWatch struct {
	w   *fsnotify.Watcher
	log *zap.SugaredLogger

	mu        sync.Mutex
	dirs      map[string]bool
	files     map[string]bool
	watchDirs bool
	autoAdd   bool
}

// NewFSWatch creates an idle watcher. Add paths, then call Begin.
func NewFSWatch(log *zap.SugaredLogger) (*FSWatch, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &FSWatch{
		w:       w,
		log:     log,
		dirs:    make(map[string]bool),
		files:   make(map[string]bool),
		autoAdd: true,
	}, nil
}

// SetWatchDirs controls delivery of child events from watched directories.
func (f *FSWatch) SetWatchDirs(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchDirs = on
}

// SetAutoAdd controls subscription of files created in watched directories.
func (f *FSWatch) SetAutoAdd(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAdd = on
}

// Add watches a single file or directory.
func (f *FSWatch) Add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := f.w.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.IsDir() {
		f.dirs[path] = true
	} else {
		f.files[path] = true
	}
	return nil
}

// AddFrom watches dir and every regular file currently inside it, and
// returns a synthetic create event per file so callers can seed from the
// directory's current contents.
func (f *FSWatch) AddFrom(dir string) ([]FSEvent, error) {
	if err := f.Add(dir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var evs []FSEvent
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			f.log.Warnw("Skipping unstattable file", "path", path, "error", err)
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFREG {
			continue
		}
		if err := f.Add(path); err != nil {
			f.log.Warnw("Unable to watch file", "path", path, "error", err)
			continue
		}
		evs = append(evs, FSEvent{Path: path, Op: fsnotify.Create, Stat: st})
	}
	return evs, nil
}

// Begin spawns a worker that delivers each event to cb. The worker stops
// when cb returns false or the watcher is stopped.
func (f *FSWatch) Begin(cb func(FSEvent) bool) {
	go func() {
		for {
			select {
			case ev, ok := <-f.w.Events:
				if !ok {
					return
				}
				if !f.handle(ev, cb) {
					return
				}
			case err, ok := <-f.w.Errors:
				if !ok {
					return
				}
				f.log.Errorw("Watcher error", "error", err)
			}
		}
	}()
}

// handle filters one fsnotify event through the watch-dirs / auto-add
// rules and forwards it. Returns false when the callback ends the watch.
func (f *FSWatch) handle(ev fsnotify.Event, cb func(FSEvent) bool) bool {
	f.mu.Lock()
	isDir := f.dirs[ev.Name]
	isFile := f.files[ev.Name]
	inDir := f.dirs[filepath.Dir(ev.Name)]
	watchDirs := f.watchDirs
	autoAdd := f.autoAdd
	f.mu.Unlock()

	if isDir {
		return true
	}

	gone := ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
	if gone && isFile {
		// fsnotify drops the kernel watch with the file.
		f.mu.Lock()
		delete(f.files, ev.Name)
		f.mu.Unlock()
	}

	deliver := isFile ||
		(inDir && watchDirs) ||
		(inDir && autoAdd && ev.Op.Has(fsnotify.Create))
	if !deliver {
		return true
	}

	if inDir && autoAdd && ev.Op.Has(fsnotify.Create) && !isFile {
		if err := f.Add(ev.Name); err != nil {
			f.log.Warnw("Unable to watch new file", "path", ev.Name, "error", err)
		}
	}

	out := FSEvent{Path: ev.Name, Op: ev.Op}
	if !gone {
		if err := unix.Stat(ev.Name, &out.Stat); err != nil {
			// Raced with deletion; the remove event follows.
			return true
		}
	}
	return cb(out)
}

// Stop closes the watcher and ends all Begin workers.
func (f *FSWatch) Stop() error {
	return f.w.Close()
}
