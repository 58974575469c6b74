package main

import (
	"context"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	evdev "github.com/holoplot/go-evdev"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	devInputDir = "/dev/input"

	// hotplugWaitStep is how long each permission probe sleeps; freshly
	// created event nodes briefly belong to root:root before udev fixes
	// them up.
	hotplugWaitStep = 100 * time.Microsecond
	hotplugWaitMax  = 5 * time.Second
)

// kbdRead is one record from a keyboard reader goroutine: either an
// event or the error that ended the reader. state is the keyboard's grab
// state at read time: the consumer can lag behind the reader (the events
// channel buffers a peer outage's worth of keystrokes), and by the time
// it drains the backlog the keyboard may have been re-locked. Events
// read while the grab was off already reached the desktop and must be
// judged by the state they were read under, not the current one.
type kbdRead struct {
	kbd   *Keyboard
	ev    *evdev.InputEvent
	state KBDState
	err   error
}

// KBDDaemon grabs physical keyboards, filters their events against the
// passthrough table and re-emits through the synthetic device, either
// directly or via a round-trip through the macro daemon.
//
// Three long-lived workers cooperate: the read loop consuming the fan-in
// channel, the keys watcher reloading the passthrough table, and the
// /dev/input watcher recovering unplugged keyboards. Keyboards move
// between the available and pulled sets under their respective mutexes;
// a pulled Keyboard is off-limits to the read loop.
type KBDDaemon struct {
	log         *zap.SugaredLogger
	udev        *UDevice
	com         *KbdCom
	passthrough *PassthroughTable
	keysFSW     *FSWatch
	inputFSW    *FSWatch
	keysDir     string
	timeout     time.Duration

	// ctx is set once at the top of Run; reader goroutines and watcher
	// callbacks spawned later inherit it.
	ctx context.Context

	kbds []*Keyboard

	availableMu sync.Mutex
	available   []*Keyboard

	pulledMu sync.Mutex
	pulled   []*Keyboard

	events chan kbdRead
}

// NewKBDDaemon wires up a daemon around an already-created synthetic
// device and peer channel.
func NewKBDDaemon(cfg *Config, udev *UDevice, com *KbdCom, log *zap.SugaredLogger) (*KBDDaemon, error) {
	keysFSW, err := NewFSWatch(log)
	if err != nil {
		return nil, err
	}
	inputFSW, err := NewFSWatch(log)
	if err != nil {
		keysFSW.Stop()
		return nil, err
	}

	d := &KBDDaemon{
		log:      log,
		udev:     udev,
		com:      com,
		keysFSW:  keysFSW,
		inputFSW: inputFSW,
		keysDir:  cfg.KeysDir,
		timeout:  time.Duration(cfg.SocketTimeoutMs) * time.Millisecond,
		events:   make(chan kbdRead, 64),
	}
	d.passthrough = NewPassthroughTable(keysFSW, log)
	return d, nil
}

// AddDevice opens one event node and registers it with the daemon.
func (d *KBDDaemon) AddDevice(path string) error {
	kbd, err := OpenKeyboard(path)
	if err != nil {
		return err
	}
	d.log.Infow("Added keyboard", "path", path, "name", kbd.Name(), "phys", kbd.Phys())
	d.kbds = append(d.kbds, kbd)
	return nil
}

// Run grabs every registered keyboard, seeds and watches the keys
// directory, watches /dev/input for hot-plug, and then consumes events
// until ctx is cancelled.
func (d *KBDDaemon) Run(ctx context.Context) error {
	d.ctx = ctx

	for _, kbd := range d.kbds {
		d.log.Infow("Attempting to get lock on device", "name", kbd.Name(), "phys", kbd.Phys())
		if err := kbd.Lock(); err != nil {
			d.log.Errorw("Unable to lock keyboard, waiting for re-plug", "name", kbd.Name(), "error", err)
			kbd.Disable()
			d.pulledMu.Lock()
			d.pulled = append(d.pulled, kbd)
			d.pulledMu.Unlock()
			continue
		}
		d.availableMu.Lock()
		d.available = append(d.available, kbd)
		d.availableMu.Unlock()
	}

	d.initPassthrough()
	d.initHotplug()

	d.availableMu.Lock()
	for _, kbd := range d.available {
		go d.pump(kbd)
	}
	d.availableMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-d.events:
			d.process(r)
		}
	}
}

// initPassthrough seeds the table from the keys directory and spawns the
// keys watcher. A missing or unreadable directory leaves the table empty:
// every key then stays local, which is the safe direction.
func (d *KBDDaemon) initPassthrough() {
	files, err := d.keysFSW.AddFrom(d.keysDir)
	if err != nil {
		d.log.Errorw("Unable to read keys directory, no keys will be passed through",
			"dir", d.keysDir, "error", err)
	}
	for i := range files {
		d.passthrough.Load(&files[i])
	}
	d.keysFSW.Begin(d.passthrough.HandleEvent)
}

// initHotplug watches /dev/input as a directory only: notifications for
// appearing nodes, but no watches on the nodes themselves.
func (d *KBDDaemon) initHotplug() {
	d.inputFSW.SetWatchDirs(true)
	d.inputFSW.SetAutoAdd(false)
	if err := d.inputFSW.Add(devInputDir); err != nil {
		d.log.Errorw("Unable to watch /dev/input, hot-plug disabled", "error", err)
		return
	}

	inputGID := -1
	if grp, err := user.LookupGroup("input"); err == nil {
		if gid, err := strconv.Atoi(grp.Gid); err == nil {
			inputGID = gid
		}
	} else {
		d.log.Warnw("No input group, hot-plug will not check device group", "error", err)
	}

	d.inputFSW.Begin(func(ev FSEvent) bool {
		return d.hotplug(ev, inputGID)
	})
}

// pump reads one keyboard and feeds the fan-in channel. It exits after
// delivering a read error; hot-plug re-attach starts a replacement.
func (d *KBDDaemon) pump(kbd *Keyboard) {
	for {
		ev, err := kbd.Get()
		select {
		case d.events <- kbdRead{kbd: kbd, ev: ev, state: kbd.State(), err: err}:
		case <-d.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// process handles one fan-in record on the read loop.
func (d *KBDDaemon) process(r kbdRead) {
	if r.err != nil {
		d.log.Errorw("Read error on keyboard, assumed to be removed",
			"name", r.kbd.Name(), "error", r.err)
		d.pullKeyboard(r.kbd)
		return
	}

	switch r.state {
	case KBDDisabled:
		return
	case KBDOpen:
		// Read while the grab was off: the desktop already saw this
		// keystroke, so discard it rather than emitting it twice or
		// leaking it past the filter. Locking is idempotent when the
		// recovery path got there first.
		if err := r.kbd.Lock(); err != nil {
			d.log.Errorw("Unable to lock keyboard", "name", r.kbd.Name(), "error", err)
			d.pullKeyboard(r.kbd)
		}
		return
	}

	d.handleEvent(r.ev)
}

// pullKeyboard disables a keyboard and moves it from the available set
// to the pulled set, where the hot-plug watcher owns it.
func (d *KBDDaemon) pullKeyboard(kbd *Keyboard) {
	kbd.Disable()

	d.availableMu.Lock()
	for i, k := range d.available {
		if k == kbd {
			d.available = append(d.available[:i], d.available[i+1:]...)
			break
		}
	}
	d.availableMu.Unlock()

	d.pulledMu.Lock()
	d.pulled = append(d.pulled, kbd)
	d.pulledMu.Unlock()
}

// handleEvent classifies one event. Keys outside the passthrough set are
// re-emitted locally and never reach the macro daemon; whitelisted keys
// round-trip through it.
func (d *KBDDaemon) handleEvent(ev *evdev.InputEvent) {
	if !d.passthrough.Has(int(ev.Code)) {
		d.udev.Emit(ev)
		if err := d.udev.Flush(); err != nil {
			d.log.Errorw("Unable to emit event", "error", err)
		}
		return
	}

	orig := *ev
	if err := d.roundTrip(ev); err != nil {
		d.recoverPeer(&orig, err)
	}
}

// roundTrip sends one event to the macro daemon and emits its response
// stream. An empty stream means the daemon captured the key; the
// original is intentionally swallowed.
func (d *KBDDaemon) roundTrip(ev *evdev.InputEvent) error {
	if err := d.com.Send(&KBDAction{Ev: *ev}); err != nil {
		return err
	}

	count := 0
	for {
		a, err := d.com.Recv(d.timeout)
		if err != nil {
			return err
		}
		if a.Done {
			break
		}
		d.udev.Emit(&a.Ev)
		count++
	}

	if err := d.udev.Flush(); err != nil {
		d.log.Errorw("Unable to emit macro response", "error", err)
	}
	if count == 0 {
		d.log.Debugw("Macro daemon swallowed event", "code", ev.Code)
	}
	return nil
}

// recoverPeer runs the full peer-failure sequence: re-emit the original
// key so the user's keystroke is not lost, release every held synthetic
// key, hand the keyboards back to the system while the macro daemon is
// down, reconnect, and re-grab.
func (d *KBDDaemon) recoverPeer(orig *evdev.InputEvent, cause error) {
	d.log.Errorw("Lost connection to macro daemon, resetting", "error", cause)

	d.udev.Emit(orig)
	d.udev.UpAll()
	if err := d.udev.Flush(); err != nil {
		d.log.Errorw("Unable to flush held keys", "error", err)
	}
	// Run the drain twice: with pacing active a release can be dropped
	// downstream, and a stuck modifier locks the user out.
	d.udev.UpAll()
	if err := d.udev.Flush(); err != nil {
		d.log.Errorw("Unable to flush held keys", "error", err)
	}

	d.availableMu.Lock()
	kbds := make([]*Keyboard, len(d.available))
	copy(kbds, d.available)
	d.availableMu.Unlock()

	for _, kbd := range kbds {
		d.log.Infow("Unlocking keyboard while macro daemon is down",
			"name", kbd.Name(), "phys", kbd.Phys())
		if err := kbd.Unlock(); err != nil {
			d.log.Errorw("Unable to unlock keyboard", "name", kbd.Name(), "error", err)
			kbd.Disable()
		}
	}

	if err := d.com.Recon(d.ctx); err != nil {
		// Shutting down; leave the keyboards released.
		return
	}

	d.availableMu.Lock()
	kbds = make([]*Keyboard, len(d.available))
	copy(kbds, d.available)
	d.availableMu.Unlock()

	for _, kbd := range kbds {
		if kbd.State() == KBDDisabled {
			continue
		}
		if err := kbd.Lock(); err != nil {
			// Next read on the device surfaces the error and pulls it.
			d.log.Errorw("Unable to lock keyboard", "name", kbd.Name(), "error", err)
		}
	}
}

// hotplug is the /dev/input watcher callback: when a node appears, probe
// it until udev has fixed up its permissions, then re-attach the first
// pulled Keyboard whose identity matches.
func (d *KBDDaemon) hotplug(ev FSEvent, inputGID int) bool {
	if ev.Path == devInputDir {
		return true
	}
	if !ev.Op.Has(fsnotify.Create) {
		return true
	}

	d.pulledMu.Lock()
	defer d.pulledMu.Unlock()

	if len(d.pulled) == 0 {
		return true
	}

	d.log.Infow("Input device hotplug event", "path", ev.Path)

	if !d.waitPermissions(ev.Path, inputGID) {
		return true
	}

	for i, kbd := range d.pulled {
		me, err := kbd.IsMe(ev.Path)
		if err != nil {
			d.log.Debugw("Unable to probe device identity", "path", ev.Path, "error", err)
			return true
		}
		if !me {
			continue
		}

		d.log.Infow("Keyboard was plugged back in", "name", kbd.Name(), "path", ev.Path)
		if err := kbd.Reset(ev.Path); err != nil {
			d.log.Errorw("Unable to re-open keyboard", "path", ev.Path, "error", err)
			return true
		}
		if err := kbd.Lock(); err != nil {
			d.log.Errorw("Unable to lock re-plugged keyboard", "name", kbd.Name(), "error", err)
			kbd.Disable()
			return true
		}

		d.availableMu.Lock()
		d.available = append(d.available, kbd)
		d.availableMu.Unlock()
		d.pulled = append(d.pulled[:i], d.pulled[i+1:]...)

		go d.pump(kbd)
		break
	}
	return true
}

// statNode is unix.Stat, swappable in tests that fake device nodes.
var statNode = unix.Stat

// waitPermissions polls a fresh event node in 100 µs steps (5 s cap)
// until it is a character device in the input group with group rw.
func (d *KBDDaemon) waitPermissions(path string, inputGID int) bool {
	var waited time.Duration
	for {
		time.Sleep(hotplugWaitStep)

		var st unix.Stat_t
		if err := statNode(path, &st); err != nil {
			// Node vanished again before udev settled.
			return false
		}
		if st.Mode&unix.S_IFMT != unix.S_IFCHR {
			d.log.Warnw("File is not a character device", "path", path)
			return false
		}

		grp := st.Mode & unix.S_IRWXG
		if grp&unix.S_IRGRP != 0 && grp&unix.S_IWGRP != 0 &&
			(inputGID < 0 || st.Gid == uint32(inputGID)) {
			return true
		}

		waited += hotplugWaitStep
		if waited > hotplugWaitMax {
			d.log.Errorw("Could not acquire rw with group input", "path", path)
			return false
		}
	}
}

// Close releases every keyboard and shuts the watchers and peer channel
// down. The synthetic device is closed last by the caller.
func (d *KBDDaemon) Close() {
	d.keysFSW.Stop()
	d.inputFSW.Stop()
	d.com.Close()
	for _, kbd := range d.kbds {
		kbd.Close()
	}
}
