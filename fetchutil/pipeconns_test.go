package fetchutil

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func TestPipeConnsReadWriteSerial(t *testing.T) {
	testPipeConnsReadWriteSerial(t)
}

func TestPipeConnsReadWriteConcurrent(t *testing.T) {
	testConcurrency(t, 10, testPipeConnsReadWriteSerial)
}

func testPipeConnsReadWriteSerial(t *testing.T) {
	pc := NewPipeConns()
	testPipeConnsReadWrite(t, pc.Conn1(), pc.Conn2())

	pc = NewPipeConns()
	testPipeConnsReadWrite(t, pc.Conn2(), pc.Conn1())
}

func testPipeConnsReadWrite(t *testing.T, c1, c2 net.Conn) {
	defer c1.Close()
	defer c2.Close()

	var buf [32]byte
	for i := 0; i < 10; i++ {
		// The first write
		s1 := fmt.Sprintf("foo_%d", i)
		n, err := c1.Write([]byte(s1))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if n != len(s1) {
			t.Fatalf("unexpected number of bytes written: %d. Expecting %d", n, len(s1))
		}

		// The second write
		s2 := fmt.Sprintf("bar_%d", i)
		n, err = c1.Write([]byte(s2))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if n != len(s2) {
			t.Fatalf("unexpected number of bytes written: %d. Expecting %d", n, len(s2))
		}

		// Read data written above in two writes
		s := s1 + s2
		n, err = c2.Read(buf[:])
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if n != len(s) {
			t.Fatalf("unexpected number of bytes read: %d. Expecting %d", n, len(s))
		}
		if string(buf[:n]) != s {
			t.Fatalf("unexpected string read: %q. Expecting %q", buf[:n], s)
		}
	}
}

func TestPipeConnsCloseSerial(t *testing.T) {
	testPipeConnsCloseSerial(t)
}

func TestPipeConnsCloseConcurrent(t *testing.T) {
	testConcurrency(t, 10, testPipeConnsCloseSerial)
}

func testPipeConnsCloseSerial(t *testing.T) {
	pc := NewPipeConns()
	testPipeConnsClose(t, pc.Conn1(), pc.Conn2())

	pc = NewPipeConns()
	testPipeConnsClose(t, pc.Conn2(), pc.Conn1())
}

func testPipeConnsClose(t *testing.T, c1, c2 net.Conn) {
	if err := c1.Close(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var buf [10]byte

	// attempt writing to closed conn
	for i := 0; i < 10; i++ {
		n, err := c1.Write(buf[:])
		if err != errConnectionClosed {
			t.Fatalf("unexpected error: %v. Expecting %v", err, errConnectionClosed)
		}
		if n != 0 {
			t.Fatalf("unexpected number of bytes written: %d. Expecting 0", n)
		}
	}

	// attempt reading from closed conn
	for i := 0; i < 10; i++ {
		n, err := c2.Read(buf[:])
		if err != io.EOF {
			t.Fatalf("unexpected error: %v. Expecting %v", err, io.EOF)
		}
		if n != 0 {
			t.Fatalf("unexpected number of bytes read: %d. Expecting 0", n)
		}
	}

	// closing an already closed pipe is a no-op
	if err := c2.Close(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestPipeConnsPendingDataAfterClose(t *testing.T) {
	pc := NewPipeConns()
	c1 := pc.Conn1()
	c2 := pc.Conn2()

	if _, err := c1.Write([]byte("pending")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// buffered data is still readable after close, then EOF
	var buf [16]byte
	n, err := c2.Read(buf[:])
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(buf[:n]) != "pending" {
		t.Fatalf("unexpected string read: %q. Expecting %q", buf[:n], "pending")
	}
	if _, err = c2.Read(buf[:]); err != io.EOF {
		t.Fatalf("unexpected error: %v. Expecting %v", err, io.EOF)
	}
}

func TestPipeConnsReadDeadline(t *testing.T) {
	pc := NewPipeConns()
	c1 := pc.Conn1()
	c2 := pc.Conn2()
	defer c1.Close()

	if err := c1.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var buf [16]byte
	if _, err := c1.Read(buf[:]); err != ErrTimeout {
		t.Fatalf("unexpected error: %v. Expecting %v", err, ErrTimeout)
	}
	if !ErrTimeout.Timeout() {
		t.Fatalf("ErrTimeout must report itself as a timeout")
	}

	// the deadline stays expired until it is reset
	if _, err := c1.Read(buf[:]); err != ErrTimeout {
		t.Fatalf("unexpected error: %v. Expecting %v", err, ErrTimeout)
	}

	if err := c1.SetReadDeadline(time.Time{}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, err := c2.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	n, err := c1.Read(buf[:])
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("unexpected string read: %q. Expecting %q", buf[:n], "hello")
	}
}

func TestPipeConnsReadDeadlinePendingData(t *testing.T) {
	pc := NewPipeConns()
	c1 := pc.Conn1()
	c2 := pc.Conn2()
	defer c1.Close()

	if _, err := c2.Write([]byte("early")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	// data written before an already expired deadline is still delivered
	if err := c1.SetReadDeadline(time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var buf [16]byte
	n, err := c1.Read(buf[:])
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(buf[:n]) != "early" {
		t.Fatalf("unexpected string read: %q. Expecting %q", buf[:n], "early")
	}
	if _, err := c1.Read(buf[:]); err != ErrTimeout {
		t.Fatalf("unexpected error: %v. Expecting %v", err, ErrTimeout)
	}
}

func TestPipeConnsWriteDeadline(t *testing.T) {
	pc := NewPipeConns()
	c1 := pc.Conn1()
	defer c1.Close()

	if err := c1.SetWriteDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// fill the pipe buffer, then the next write must trip the deadline
	// since nobody reads the other end
	var err error
	for i := 0; i < 64; i++ {
		if _, err = c1.Write([]byte("x")); err != nil {
			break
		}
	}
	if err != ErrTimeout {
		t.Fatalf("unexpected error: %v. Expecting %v", err, ErrTimeout)
	}
}

func TestPipeConnsAddresses(t *testing.T) {
	pc := NewPipeConns()
	c1 := pc.Conn1()
	c2 := pc.Conn2()
	defer c1.Close()

	if addr := c1.LocalAddr(); addr != pipeAddr(0) {
		t.Fatalf("unexpected local addr: %v. Expecting %v", addr, pipeAddr(0))
	}
	if addr := c1.RemoteAddr(); addr != pipeAddr(0) {
		t.Fatalf("unexpected remote addr: %v. Expecting %v", addr, pipeAddr(0))
	}

	local1 := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1001}
	remote1 := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2002}
	pc.SetAddresses(local1, remote1, remote1, local1)

	if addr := c1.LocalAddr(); addr != net.Addr(local1) {
		t.Fatalf("unexpected local addr: %v. Expecting %v", addr, local1)
	}
	if addr := c1.RemoteAddr(); addr != net.Addr(remote1) {
		t.Fatalf("unexpected remote addr: %v. Expecting %v", addr, remote1)
	}
	if addr := c2.LocalAddr(); addr != net.Addr(remote1) {
		t.Fatalf("unexpected local addr on the server end: %v. Expecting %v", addr, remote1)
	}
	if addr := c2.RemoteAddr(); addr != net.Addr(local1) {
		t.Fatalf("unexpected remote addr on the server end: %v. Expecting %v", addr, local1)
	}
}

func testConcurrency(t *testing.T, concurrency int, f func(*testing.T)) {
	ch := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			f(t)
			ch <- struct{}{}
		}()
	}

	for i := 0; i < concurrency; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timeout")
		}
	}
}
