package main

import (
	"fmt"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"
)

// eventWriter is the slice of evdev.InputDevice the synthetic device
// needs; tests substitute a recording fake.
type eventWriter interface {
	WriteOne(ev *evdev.InputEvent) error
	Close() error
}

// UDevice is the synthetic uinput keyboard every processed event leaves
// through. Events are buffered by Emit and written by Flush, with a pause
// between writes: some compositors drop keys delivered back-to-back.
//
// The device keeps count of which keys it has pressed down and not yet
// released, so UpAll can release everything after a macro daemon failure
// instead of leaving the user with a stuck modifier.
type UDevice struct {
	mu        sync.Mutex
	dev       eventWriter
	delay     time.Duration
	pending   []evdev.InputEvent
	heldOrder []evdev.EvCode
	heldCount map[evdev.EvCode]int
}

// NewUDevice creates the uinput device. This is the one startup step the
// daemon cannot run without.
func NewUDevice(name string) (*UDevice, error) {
	keys := make([]evdev.EvCode, 0, int(evdev.KEY_MAX)+1)
	for code := evdev.EvCode(0); code <= evdev.KEY_MAX; code++ {
		keys = append(keys, code)
	}

	dev, err := evdev.CreateDevice(name, evdev.InputID{
		BusType: 0x03,
		Vendor:  0x1234,
		Product: 0x5678,
		Version: 1,
	}, map[evdev.EvType][]evdev.EvCode{
		evdev.EV_KEY: keys,
	})
	if err != nil {
		return nil, fmt.Errorf("create uinput device: %w", err)
	}

	return newUDeviceWith(dev), nil
}

func newUDeviceWith(dev eventWriter) *UDevice {
	return &UDevice{
		dev:       dev,
		delay:     3800 * time.Microsecond,
		heldCount: make(map[evdev.EvCode]int),
	}
}

// SetEventDelay sets the pause between flushed events in microseconds.
func (u *UDevice) SetEventDelay(us int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.delay = time.Duration(us) * time.Microsecond
}

// Emit buffers one event for the next Flush.
func (u *UDevice) Emit(ev *evdev.InputEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = append(u.pending, *ev)

	if ev.Type != evdev.EV_KEY {
		return
	}
	switch ev.Value {
	case 1:
		if u.heldCount[ev.Code] == 0 {
			u.heldOrder = append(u.heldOrder, ev.Code)
		}
		u.heldCount[ev.Code]++
	case 0:
		if u.heldCount[ev.Code] > 0 {
			u.heldCount[ev.Code]--
			if u.heldCount[ev.Code] == 0 {
				u.dropHeld(ev.Code)
			}
		}
	}
}

// EmitRaw buffers an event built from explicit fields.
func (u *UDevice) EmitRaw(typ evdev.EvType, code evdev.EvCode, value int32) {
	u.Emit(&evdev.InputEvent{Type: typ, Code: code, Value: value})
}

func (u *UDevice) dropHeld(code evdev.EvCode) {
	delete(u.heldCount, code)
	for i, c := range u.heldOrder {
		if c == code {
			u.heldOrder = append(u.heldOrder[:i], u.heldOrder[i+1:]...)
			break
		}
	}
}

// Flush writes all buffered events to the kernel, each followed by a
// SYN_REPORT, pausing between events. The buffer is cleared even when a
// write fails; half-written batches are not retried.
func (u *UDevice) Flush() error {
	u.mu.Lock()
	batch := u.pending
	u.pending = nil
	delay := u.delay
	u.mu.Unlock()

	for i := range batch {
		if err := u.dev.WriteOne(&batch[i]); err != nil {
			return fmt.Errorf("write synthetic event: %w", err)
		}
		syn := evdev.InputEvent{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}
		if err := u.dev.WriteOne(&syn); err != nil {
			return fmt.Errorf("write syn: %w", err)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}

// UpAll buffers a key-up for every key the device currently holds down,
// in the order they were pressed. The caller flushes.
func (u *UDevice) UpAll() {
	u.mu.Lock()
	held := make([]evdev.EvCode, len(u.heldOrder))
	copy(held, u.heldOrder)
	u.mu.Unlock()

	for _, code := range held {
		u.EmitRaw(evdev.EV_KEY, code, 0)
	}
}

// HeldCount returns how many distinct keys the device holds down.
func (u *UDevice) HeldCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.heldOrder)
}

// Close destroys the uinput device.
func (u *UDevice) Close() error {
	return u.dev.Close()
}
