package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gocarina/gocsv"
	"go.uber.org/zap"
)

// keyRow is one row of a passthrough CSV file. Only the key_code column
// is consumed; the files are hand-edited and may carry extra columns.
type keyRow struct {
	KeyCode string `csv:"key_code"`
}

// PassthroughTable is the set of key codes the user has whitelisted for
// forwarding to the macro daemon. It is the union of the key_code columns
// of every CSV file in the keys directory, with per-file ownership so a
// single file can be reloaded or deleted without disturbing the rest.
//
// The read loop queries Has on every keystroke; the keys watcher mutates
// the table on file events. Both go through the table's own mutex.
type PassthroughTable struct {
	mu      sync.Mutex
	keys    map[int]struct{}
	sources map[string][]int
	fsw     *FSWatch
	log     *zap.SugaredLogger
}

// NewPassthroughTable returns an empty table. Loaded files are added to
// fsw so later modifications are observed.
func NewPassthroughTable(fsw *FSWatch, log *zap.SugaredLogger) *PassthroughTable {
	return &PassthroughTable{
		keys:    make(map[int]struct{}),
		sources: make(map[string][]int),
		fsw:     fsw,
		log:     log,
	}
}

// Has reports whether code is whitelisted.
func (t *PassthroughTable) Has(code int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.keys[code]
	return ok
}

// Load validates and ingests the file described by ev.
func (t *PassthroughTable) Load(ev *FSEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadEvent(ev)
}

// HandleEvent is the keys-watcher callback.
func (t *PassthroughTable) HandleEvent(ev FSEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.log.Infow("Key file change", "path", ev.Path, "op", ev.Op.String())

	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		t.unload(ev.Path)
	} else if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
		t.loadEvent(&ev)
	}
	return true
}

// loadEvent enforces the permission gate: mode must be exactly 0644 and
// the file must be owned by the daemon's effective user. Keys files are
// a capability boundary, a world-writable whitelist would let any user
// expose their keystrokes to the macro daemon.
func (t *PassthroughTable) loadEvent(ev *FSEvent) {
	perm := ev.Stat.Mode & 0777
	if perm != 0644 || ev.Stat.Uid != uint32(os.Geteuid()) {
		t.log.Errorw("Invalid permissions on key file, require mode 0644 owned by the daemon user",
			"path", ev.Path,
			"mode", os.FileMode(perm).String(),
			"uid", ev.Stat.Uid)
		return
	}
	t.loadFile(ev.Path)
}

// loadFile parses the CSV at path and replaces that file's contribution.
// The prior contribution survives a parse failure.
func (t *PassthroughTable) loadFile(path string) {
	rpath, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.log.Errorw("Unable to resolve key file path", "path", path, "error", err)
		return
	}

	codes, err := readKeyCodes(rpath)
	if err != nil {
		t.log.Errorw("Unable to load key codes", "path", rpath, "error", err)
		return
	}

	t.unload(rpath)

	for _, code := range codes {
		t.keys[code] = struct{}{}
	}
	t.sources[rpath] = codes

	if err := t.fsw.Add(rpath); err != nil {
		t.log.Warnw("Unable to watch key file", "path", rpath, "error", err)
	}

	t.log.Infow("Loaded passthrough keys", "path", rpath, "count", len(codes))
}

// unload removes the contribution of path, then re-inserts the codes of
// every other loaded file: the set is a union, and a code two files share
// must survive the removal of one of them.
func (t *PassthroughTable) unload(path string) {
	vec, ok := t.sources[path]
	if !ok {
		return
	}

	for _, code := range vec {
		delete(t.keys, code)
	}
	delete(t.sources, path)

	t.log.Infow("Removed passthrough keys", "path", path)

	for _, other := range t.sources {
		for _, code := range other {
			t.keys[code] = struct{}{}
		}
	}
}

// readKeyCodes extracts the key_code column. Cells that do not parse as
// non-negative integers are skipped.
func readKeyCodes(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []*keyRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, err
	}

	var codes []int
	for _, row := range rows {
		code, err := strconv.Atoi(strings.TrimSpace(row.KeyCode))
		if err != nil || code < 0 {
			continue
		}
		codes = append(codes, code)
	}
	return codes, nil
}
