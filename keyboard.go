package main

import (
	"fmt"
	"sync"

	evdev "github.com/holoplot/go-evdev"
)

// KBDState tracks what the daemon currently holds on a device.
type KBDState int

const (
	// KBDOpen: device is open but events still reach the rest of the system.
	KBDOpen KBDState = iota
	// KBDLocked: exclusive grab held, events are ours alone.
	KBDLocked
	// KBDDisabled: device vanished or errored; waiting for re-plug.
	KBDDisabled
)

func (s KBDState) String() string {
	switch s {
	case KBDOpen:
		return "open"
	case KBDLocked:
		return "locked"
	case KBDDisabled:
		return "disabled"
	}
	return "unknown"
}

// kbdDevice is the slice of evdev.InputDevice a Keyboard needs; tests
// substitute a fake.
type kbdDevice interface {
	Name() (string, error)
	PhysicalLocation() (string, error)
	Grab() error
	Ungrab() error
	ReadOne() (*evdev.InputEvent, error)
	Close() error
}

// kbdOps abstracts the evdev entry points used to open devices.
type kbdOps interface {
	Open(path string) (kbdDevice, error)
}

type realKbdOps struct{}

func (realKbdOps) Open(path string) (kbdDevice, error) {
	return evdev.Open(path)
}

var devOps kbdOps = realKbdOps{}

// Keyboard wraps one physical input device. The daemon read loop and the
// hot-plug watcher both touch it, but never at the same time: a Keyboard
// is owned by whichever set (available/pulled) it currently sits in, and
// the state field is guarded for the brief handoff windows.
type Keyboard struct {
	mu    sync.Mutex
	dev   kbdDevice
	path  string
	name  string
	phys  string
	state KBDState
}

// OpenKeyboard opens the event node at path and probes its identity.
func OpenKeyboard(path string) (*Keyboard, error) {
	kbd := &Keyboard{path: path}
	if err := kbd.open(path); err != nil {
		return nil, err
	}
	return kbd, nil
}

func (k *Keyboard) open(path string) error {
	dev, err := devOps.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return fmt.Errorf("device name of %s: %w", path, err)
	}
	phys, _ := dev.PhysicalLocation()

	k.dev = dev
	k.path = path
	k.name = name
	k.phys = phys
	k.state = KBDOpen
	return nil
}

// Name returns the device name reported by the kernel.
func (k *Keyboard) Name() string { return k.name }

// Phys returns the physical topology string, e.g. "usb-0000:00:14.0-3/input0".
func (k *Keyboard) Phys() string { return k.phys }

// Path returns the event node the device is currently bound to.
func (k *Keyboard) Path() string { return k.path }

// State returns the current grab state.
func (k *Keyboard) State() KBDState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Lock acquires the exclusive grab. Idempotent while already locked.
func (k *Keyboard) Lock() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == KBDLocked {
		return nil
	}
	if err := k.dev.Grab(); err != nil {
		return fmt.Errorf("grab %s: %w", k.path, err)
	}
	k.state = KBDLocked
	return nil
}

// Unlock releases the exclusive grab so the device is visible to the
// rest of the system again.
func (k *Keyboard) Unlock() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != KBDLocked {
		return nil
	}
	if err := k.dev.Ungrab(); err != nil {
		return fmt.Errorf("ungrab %s: %w", k.path, err)
	}
	k.state = KBDOpen
	return nil
}

// Get blocks until one event is read from the device. An error here
// usually means the device was unplugged.
func (k *Keyboard) Get() (*evdev.InputEvent, error) {
	ev, err := k.dev.ReadOne()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", k.path, err)
	}
	return ev, nil
}

// Disable closes the device and parks the Keyboard until Reset.
func (k *Keyboard) Disable() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dev != nil {
		k.dev.Close()
	}
	k.state = KBDDisabled
}

// Reset re-opens the Keyboard against a new event node after re-plug.
// Identity (name, phys) is re-read from the new node; the grab is not
// re-acquired here, the caller locks explicitly.
func (k *Keyboard) Reset(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != KBDDisabled && k.dev != nil {
		k.dev.Close()
	}
	return k.open(path)
}

// IsMe reports whether the device at path has the same identity as this
// Keyboard. Identity is the (name, phys) pair; for identical twin
// keyboards the phys string carries the port and disambiguates.
func (k *Keyboard) IsMe(path string) (bool, error) {
	dev, err := devOps.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer dev.Close()

	name, err := dev.Name()
	if err != nil {
		return false, fmt.Errorf("device name of %s: %w", path, err)
	}
	phys, _ := dev.PhysicalLocation()

	return name == k.name && phys == k.phys, nil
}

// Close releases the grab if held and closes the device.
func (k *Keyboard) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dev == nil || k.state == KBDDisabled {
		return
	}
	if k.state == KBDLocked {
		k.dev.Ungrab()
	}
	k.dev.Close()
	k.state = KBDDisabled
}

// FindKeyboards enumerates /dev/input/ devices and returns the paths of
// those that have both KEY_A and KEY_ENTER capabilities (i.e., physical
// keyboards). Used when no devices are configured explicitly.
func FindKeyboards() ([]string, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	var kbds []string
	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}

		codes := dev.CapableEvents(evdev.EV_KEY)
		hasA := false
		hasEnter := false
		for _, c := range codes {
			if c == evdev.KEY_A {
				hasA = true
			}
			if c == evdev.KEY_ENTER {
				hasEnter = true
			}
		}
		dev.Close()

		if hasA && hasEnter {
			kbds = append(kbds, p.Path)
		}
	}

	return kbds, nil
}
