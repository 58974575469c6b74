package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"go.uber.org/zap"
)

func TestKBDActionWireLayout(t *testing.T) {
	a := KBDAction{
		Done: true,
		Ev: evdev.InputEvent{
			Time:  syscall.NsecToTimeval(7*1e9 + 123456*1e3),
			Type:  evdev.EV_KEY,
			Code:  evdev.KEY_A,
			Value: 1,
		},
	}

	var buf [kbdActionSize]byte
	a.pack(buf[:])

	if got := binary.LittleEndian.Uint32(buf[0:]); got != 1 {
		t.Errorf("done = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != 0 {
		t.Errorf("padding = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint64(buf[8:]); got != 7 {
		t.Errorf("sec = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint64(buf[16:]); got != 123456 {
		t.Errorf("usec = %d, want 123456", got)
	}
	if got := binary.LittleEndian.Uint16(buf[24:]); got != uint16(evdev.EV_KEY) {
		t.Errorf("type = %d, want %d", got, evdev.EV_KEY)
	}
	if got := binary.LittleEndian.Uint16(buf[26:]); got != uint16(evdev.KEY_A) {
		t.Errorf("code = %d, want %d", got, evdev.KEY_A)
	}
	if got := binary.LittleEndian.Uint32(buf[28:]); got != 1 {
		t.Errorf("value = %d, want 1", got)
	}

	var back KBDAction
	back.unpack(buf[:])
	if !back.Done || back.Ev.Type != a.Ev.Type || back.Ev.Code != a.Ev.Code || back.Ev.Value != a.Ev.Value {
		t.Errorf("unpack = %+v, want %+v", back, a)
	}
	if back.Ev.Time.Nano() != a.Ev.Time.Nano() {
		t.Errorf("timestamp = %d, want %d", back.Ev.Time.Nano(), a.Ev.Time.Nano())
	}
}

// fakePeer is a scripted macro daemon on a real unix socket.
type fakePeer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakePeer(t *testing.T) (*fakePeer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbd.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &fakePeer{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p, path
}

func (p *fakePeer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection from daemon")
		return nil
	}
}

func (p *fakePeer) readAction(t *testing.T, conn net.Conn) *KBDAction {
	t.Helper()
	var buf [kbdActionSize]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		t.Fatalf("read request: %v", err)
	}
	var a KBDAction
	a.unpack(buf[:])
	return &a
}

func (p *fakePeer) writeAction(t *testing.T, conn net.Conn, a *KBDAction) {
	t.Helper()
	var buf [kbdActionSize]byte
	a.pack(buf[:])
	if _, err := conn.Write(buf[:]); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func TestKbdComRoundTrip(t *testing.T) {
	peer, path := newFakePeer(t)
	com := NewKbdCom(path, zap.NewNop().Sugar())
	if err := com.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer com.Close()
	conn := peer.accept(t)

	sent := &KBDAction{Ev: evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1}}
	if err := com.Send(sent); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := peer.readAction(t, conn)
	if got.Done || got.Ev.Code != evdev.KEY_A || got.Ev.Value != 1 {
		t.Fatalf("peer got %+v", got)
	}

	peer.writeAction(t, conn, &KBDAction{Ev: evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_LEFTSHIFT, Value: 1}})
	peer.writeAction(t, conn, &KBDAction{Done: true})

	resp, err := com.Recv(time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Done || resp.Ev.Code != evdev.KEY_LEFTSHIFT {
		t.Fatalf("recv = %+v", resp)
	}

	done, err := com.Recv(time.Second)
	if err != nil {
		t.Fatalf("recv terminator: %v", err)
	}
	if !done.Done {
		t.Fatalf("terminator not marked done: %+v", done)
	}
}

func TestKbdComRecvTimeout(t *testing.T) {
	peer, path := newFakePeer(t)
	com := NewKbdCom(path, zap.NewNop().Sugar())
	if err := com.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer com.Close()
	peer.accept(t)

	if _, err := com.Recv(50 * time.Millisecond); err == nil {
		t.Fatalf("Recv on silent peer succeeded, want timeout error")
	}
}

func TestKbdComSendBeforeConnect(t *testing.T) {
	com := NewKbdCom("/nonexistent.sock", zap.NewNop().Sugar())
	if err := com.Send(&KBDAction{}); err == nil {
		t.Fatalf("Send before connect succeeded, want error")
	}
}

func TestKbdComRecon(t *testing.T) {
	peer, path := newFakePeer(t)
	com := NewKbdCom(path, zap.NewNop().Sugar())
	if err := com.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer com.Close()
	conn := peer.accept(t)

	// Peer drops the connection; Recv fails, Recon re-establishes.
	conn.Close()
	if _, err := com.Recv(time.Second); err == nil {
		t.Fatalf("Recv on closed peer succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := com.Recon(ctx); err != nil {
		t.Fatalf("recon: %v", err)
	}
	conn = peer.accept(t)

	if err := com.Send(&KBDAction{Ev: evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_B, Value: 1}}); err != nil {
		t.Fatalf("send after recon: %v", err)
	}
	got := peer.readAction(t, conn)
	if got.Ev.Code != evdev.KEY_B {
		t.Fatalf("peer got %+v after recon", got)
	}
}
