package cspz

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// echoConn pumps bytes back to the peer until it closes, gating reads and
// writes on netpoll readiness. The short wait timeouts make the loop robust
// against edge-triggered events that fire before the waiter is parked.
func echoConn(p *Proc, fd int) {
	buf := p.Scratch()[:1024]
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			off := 0
			for off < n {
				w, werr := unix.Write(fd, buf[off:n])
				if w > 0 {
					off += w
					continue
				}
				if werr == unix.EAGAIN {
					p.WaitWrite(fd, 100*time.Millisecond)
					continue
				}
				return
			}
			continue
		}
		if err == unix.EAGAIN {
			p.WaitRead(fd, 100*time.Millisecond)
			continue
		}
		// EOF or hard error.
		return
	}
}

func TestNetpoll_TCPEcho(t *testing.T) {
	rt, err := New(Config{NCPUs: 2, MaxThreads: 4, MaxFDs: 4096})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(lfd)

	if err := unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(lfd, 8); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sa, err := unix.Getsockname(lfd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	if err := rt.NetpollRegister(lfd); err != nil {
		t.Fatalf("register listener: %v", err)
	}

	// Client runs outside the runtime with ordinary blocking I/O.
	payload := bytes.Repeat([]byte("cspz"), 256) // 1 KB
	clientErr := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			clientErr <- err
			return
		}
		defer conn.Close()

		if _, err := conn.Write(payload); err != nil {
			clientErr <- err
			return
		}
		got := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, got); err != nil {
			clientErr <- err
			return
		}
		if !bytes.Equal(got, payload) {
			clientErr <- fmt.Errorf("echo mismatch")
			return
		}
		clientErr <- nil
	}()

	if err := rt.Run(func(p *Proc) {
		for {
			connfd, _, err := unix.Accept(lfd)
			if err == unix.EAGAIN {
				if !p.WaitRead(lfd, time.Second) {
					t.Error("accept timed out waiting for a connection")
					return
				}
				continue
			}
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}

			if err := rt.NetpollRegister(connfd); err != nil {
				t.Errorf("register conn: %v", err)
				return
			}
			p.Async(func(cp *Proc) {
				defer unix.Close(connfd)
				echoConn(cp, connfd)
			})
			return
		}
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := <-clientErr; err != nil {
		t.Fatalf("client: %v", err)
	}
}

func TestNetpoll_WaitTimeout(t *testing.T) {
	rt, err := New(Config{NCPUs: 1, MaxThreads: 2, MaxFDs: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := rt.NetpollRegister(fds[0]); err != nil {
		t.Fatalf("register: %v", err)
	}

	rt.Run(func(p *Proc) {
		startAt := time.Now()
		if p.WaitRead(fds[0], 80*time.Millisecond) {
			t.Error("wait on silent socket reported readiness")
			return
		}
		if time.Since(startAt) < 80*time.Millisecond {
			t.Error("timeout fired early")
		}
	})

	if got := rt.Metrics().Counter(NetpollTimeoutsTotal).Value(); got != 1 {
		t.Fatalf("timeout counter = %v, want 1", got)
	}
}

// A wait with no timeout parks until readiness, however long that takes.
func TestNetpoll_WaitWithoutTimeout(t *testing.T) {
	rt, err := New(Config{NCPUs: 1, MaxThreads: 2, MaxFDs: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := rt.NetpollRegister(fds[0]); err != nil {
		t.Fatalf("register: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		unix.Write(fds[1], []byte("x")) //nolint:errcheck
	}()

	rt.Run(func(p *Proc) {
		if !p.WaitRead(fds[0], 0) {
			t.Error("wait without timeout did not report readiness")
			return
		}
		buf := make([]byte, 1)
		if n, err := unix.Read(fds[0], buf); n != 1 || err != nil {
			t.Errorf("read after readiness: n=%d err=%v", n, err)
		}
	})
}

func TestNetpoll_RegisterOutOfRange(t *testing.T) {
	rt, err := New(Config{NCPUs: 1, MaxThreads: 2, MaxFDs: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	if err := rt.NetpollRegister(16); err == nil {
		t.Fatal("register of out-of-range fd succeeded")
	}
	if err := rt.NetpollRegister(-1); err == nil {
		t.Fatal("register of negative fd succeeded")
	}
}
