package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"go.uber.org/zap"
)

// kbdActionSize is the fixed frame size on the wire. The macro daemon
// reads and writes whole frames; there is no other framing.
const kbdActionSize = 32

// KBDAction is one frame of the macro daemon protocol: an input event
// plus a done flag. A response stream is zero or more done=0 frames
// followed by exactly one done=1 terminator.
//
// Wire layout, little-endian (the C struct layout the peer expects,
// including 4 bytes of padding after done):
//
//	off 0  done  u32
//	off 4  pad   u32
//	off 8  sec   i64
//	off 16 usec  i64
//	off 24 type  u16
//	off 26 code  u16
//	off 28 value i32
type KBDAction struct {
	Done bool
	Ev   evdev.InputEvent
}

func (a *KBDAction) pack(buf []byte) {
	for i := range buf[:kbdActionSize] {
		buf[i] = 0
	}
	if a.Done {
		binary.LittleEndian.PutUint32(buf[0:], 1)
	}
	nano := a.Ev.Time.Nano()
	binary.LittleEndian.PutUint64(buf[8:], uint64(nano/1e9))
	binary.LittleEndian.PutUint64(buf[16:], uint64(nano%1e9/1e3))
	binary.LittleEndian.PutUint16(buf[24:], uint16(a.Ev.Type))
	binary.LittleEndian.PutUint16(buf[26:], uint16(a.Ev.Code))
	binary.LittleEndian.PutUint32(buf[28:], uint32(a.Ev.Value))
}

func (a *KBDAction) unpack(buf []byte) {
	a.Done = binary.LittleEndian.Uint32(buf[0:]) != 0
	sec := int64(binary.LittleEndian.Uint64(buf[8:]))
	usec := int64(binary.LittleEndian.Uint64(buf[16:]))
	a.Ev.Time = syscall.NsecToTimeval(sec*1e9 + usec*1e3)
	a.Ev.Type = evdev.EvType(binary.LittleEndian.Uint16(buf[24:]))
	a.Ev.Code = evdev.EvCode(binary.LittleEndian.Uint16(buf[26:]))
	a.Ev.Value = int32(binary.LittleEndian.Uint32(buf[28:]))
}

// KbdCom is the channel to the macro daemon: a unix stream socket
// carrying KBDAction frames, exactly one outstanding request at a time.
// All use is from the daemon read loop; there is no internal locking.
type KbdCom struct {
	path string
	log  *zap.SugaredLogger
	conn net.Conn
}

// errNotConnected makes Send fail cleanly before the first connect, so
// the ordinary recovery path establishes the connection.
var errNotConnected = errors.New("not connected")

// NewKbdCom prepares a channel to the socket at path without connecting.
func NewKbdCom(path string, log *zap.SugaredLogger) *KbdCom {
	return &KbdCom{path: path, log: log}
}

// Connect dials the socket once.
func (c *KbdCom) Connect() error {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.path, err)
	}
	c.conn = conn
	return nil
}

// Send writes one frame.
func (c *KbdCom) Send(a *KBDAction) error {
	if c.conn == nil {
		return errNotConnected
	}
	var buf [kbdActionSize]byte
	a.pack(buf[:])
	if _, err := c.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("send to %s: %w", c.path, err)
	}
	return nil
}

// Recv blocks up to timeout for one frame. EOF, timeout and short reads
// all surface as errors; the caller treats any of them as a peer failure.
func (c *KbdCom) Recv(timeout time.Duration) (*KBDAction, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline on %s: %w", c.path, err)
	}
	var buf [kbdActionSize]byte
	if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
		return nil, fmt.Errorf("recv from %s: %w", c.path, err)
	}
	var a KBDAction
	a.unpack(buf[:])
	return &a, nil
}

// Recon tears the connection down and redials with capped exponential
// backoff until it succeeds or ctx is cancelled.
func (c *KbdCom) Recon(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	delay := 100 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		conn, err := net.Dial("unix", c.path)
		if err == nil {
			c.conn = conn
			c.log.Infow("Reconnected to macro daemon", "socket", c.path)
			return nil
		}
		c.log.Warnw("Macro daemon not reachable, retrying", "socket", c.path, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Close shuts the connection down.
func (c *KbdCom) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
