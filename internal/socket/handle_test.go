package socket

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/postalsys/udpshare/internal/logging"
)

func bindLoopback(t *testing.T) *Handle {
	t.Helper()
	h, err := Bind(context.Background(), Config{Port: 0, Family: IPv4}, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitDatagram(t *testing.T, ch <-chan Datagram) Datagram {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return Datagram{}
	}
}

func TestBind_EphemeralPort(t *testing.T) {
	h := bindLoopback(t)

	if h.Port() == 0 {
		t.Error("Port = 0, want bound ephemeral port")
	}
	if h.ID() == 0 {
		t.Error("ID = 0, want non-zero")
	}
	if h.Family() != IPv4 {
		t.Errorf("Family = %s, want udp4", h.Family())
	}
	if h.Config().TTL != DefaultTTL {
		t.Errorf("TTL = %d, want %d", h.Config().TTL, DefaultTTL)
	}
}

func TestBind_InvalidPort(t *testing.T) {
	_, err := Bind(context.Background(), Config{Port: 70000}, nil)
	if err == nil {
		t.Fatal("Bind succeeded for port 70000")
	}

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("error = %T, want *BindError", err)
	}
	if !errors.Is(err, ErrBindFailed) {
		t.Error("expected ErrBindFailed")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Error("unexpected ErrPermissionDenied")
	}
}

func TestBindError_Classification(t *testing.T) {
	tests := []struct {
		name       string
		port       int
		err        error
		permission bool
	}{
		{"eacces privileged", 80, syscall.EACCES, true},
		{"eperm privileged", 443, syscall.EPERM, true},
		{"eacces unprivileged", 8080, syscall.EACCES, false},
		{"in use privileged", 53, syscall.EADDRINUSE, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := &BindError{Network: "udp4", Port: tc.port, Err: &os.SyscallError{Syscall: "bind", Err: tc.err}}
			if got := errors.Is(err, ErrPermissionDenied); got != tc.permission {
				t.Errorf("Is(ErrPermissionDenied) = %v, want %v", got, tc.permission)
			}
			if got := errors.Is(err, ErrBindFailed); got == tc.permission {
				t.Errorf("Is(ErrBindFailed) = %v, want %v", got, !tc.permission)
			}
		})
	}
}

func TestHandle_SendAndReceive(t *testing.T) {
	rx := bindLoopback(t)
	tx := bindLoopback(t)

	got := make(chan Datagram, 1)
	if _, err := rx.Subscribe("rx", Receiver{OnDatagram: func(d Datagram) { got <- d }}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n, err := tx.Send([]byte("hello"), "127.0.0.1", rx.Port())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 5 {
		t.Errorf("Send wrote %d bytes, want 5", n)
	}

	d := waitDatagram(t, got)
	if string(d.Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", d.Payload, "hello")
	}
	if d.Remote == nil || d.Remote.Port != tx.Port() {
		t.Errorf("Remote = %v, want port %d", d.Remote, tx.Port())
	}
}

func TestHandle_FanOutToAllReceivers(t *testing.T) {
	rx := bindLoopback(t)
	tx := bindLoopback(t)

	a := make(chan Datagram, 1)
	b := make(chan Datagram, 1)
	rx.Subscribe("a", Receiver{OnDatagram: func(d Datagram) { a <- d }})
	rx.Subscribe("b", Receiver{OnDatagram: func(d Datagram) { b <- d }})

	if rx.Receivers() != 2 {
		t.Fatalf("Receivers = %d, want 2", rx.Receivers())
	}

	tx.Send([]byte("both"), "127.0.0.1", rx.Port())

	if d := waitDatagram(t, a); string(d.Payload) != "both" {
		t.Errorf("receiver a got %q", d.Payload)
	}
	if d := waitDatagram(t, b); string(d.Payload) != "both" {
		t.Errorf("receiver b got %q", d.Payload)
	}
}

func TestHandle_Unsubscribe(t *testing.T) {
	h := bindLoopback(t)

	cancel, err := h.Subscribe("x", Receiver{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.Subscribe("x", Receiver{})
	if h.Receivers() != 1 {
		t.Errorf("Receivers = %d, want 1 after re-subscribe", h.Receivers())
	}

	cancel()
	if h.Receivers() != 0 {
		t.Errorf("Receivers = %d, want 0", h.Receivers())
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	h := bindLoopback(t)

	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !h.Closed() {
		t.Error("Closed = false after Close")
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed")
	}

	if _, err := h.Subscribe("late", Receiver{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close error = %v, want ErrClosed", err)
	}
}

func TestHandle_CloseEndsReceiveLoopCleanly(t *testing.T) {
	h := bindLoopback(t)

	errCh := make(chan error, 1)
	h.Subscribe("rx", Receiver{OnError: func(_ *Handle, err error) { errCh <- err }})

	h.Close()
	<-h.Done()

	select {
	case err := <-errCh:
		t.Errorf("OnError called on clean close: %v", err)
	default:
	}
}

func TestHandle_AbortReportsReceiveError(t *testing.T) {
	h := bindLoopback(t)

	type report struct {
		h   *Handle
		err error
	}
	reports := make(chan report, 2)
	rec := Receiver{OnError: func(failed *Handle, err error) { reports <- report{failed, err} }}
	h.Subscribe("a", rec)
	h.Subscribe("b", rec)

	cause := errors.New("connection reset")
	h.Abort(cause)

	for i := 0; i < 2; i++ {
		select {
		case r := <-reports:
			if r.h != h {
				t.Error("OnError received a different handle")
			}
			var recvErr *ReceiveError
			if !errors.As(r.err, &recvErr) {
				t.Fatalf("error = %T, want *ReceiveError", r.err)
			}
			if !errors.Is(r.err, cause) {
				t.Errorf("error %v does not wrap cause", r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for OnError")
		}
	}

	if !h.Closed() {
		t.Error("handle not closed after Abort")
	}
}

func TestHandle_SendAfterClose(t *testing.T) {
	h := bindLoopback(t)
	h.Close()

	_, err := h.Send([]byte("x"), "127.0.0.1", 9)
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error = %T, want *SendError", err)
	}
	if !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
}

func TestHandle_SendUnresolvable(t *testing.T) {
	h := bindLoopback(t)

	_, err := h.Send([]byte("x"), "no such host..invalid", 9)
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error = %T, want *SendError", err)
	}
	if h.Closed() {
		t.Error("send failure closed the socket")
	}
}

func TestHandle_EnableBroadcast(t *testing.T) {
	h := bindLoopback(t)

	if err := h.EnableBroadcast(); err != nil {
		t.Fatalf("EnableBroadcast: %v", err)
	}
	if !h.Broadcast() {
		t.Error("Broadcast = false after EnableBroadcast")
	}
	if err := h.EnableBroadcast(); err != nil {
		t.Errorf("second EnableBroadcast: %v", err)
	}
}

func TestHandle_EnableMulticast_Errors(t *testing.T) {
	h := bindLoopback(t)

	tests := []struct {
		name  string
		group string
		iface net.IP
		want  error
	}{
		{"not an address", "not-an-ip", nil, ErrMulticastUnsupported},
		{"unicast address", "10.0.0.1", nil, ErrMulticastUnsupported},
		{"ipv6 group on ipv4 socket", "ff02::fb", nil, ErrMulticastUnsupported},
		{"missing interface", "239.1.2.3", net.ParseIP("203.0.113.77"), ErrInterfaceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := h.EnableMulticast(tc.group, tc.iface, 0)
			var mcErr *MulticastError
			if !errors.As(err, &mcErr) {
				t.Fatalf("error = %v, want *MulticastError", err)
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}

	if h.Closed() {
		t.Error("multicast failure closed the socket")
	}
}

func TestHandle_MulticastJoinLeave(t *testing.T) {
	h := bindLoopback(t)

	if err := h.EnableMulticast("239.255.10.1", nil, 1); err != nil {
		t.Skipf("multicast not available here: %v", err)
	}
	if !h.Joined("239.255.10.1") {
		t.Fatal("Joined = false after EnableMulticast")
	}
	if err := h.EnableMulticast("239.255.10.1", nil, 1); err != nil {
		t.Errorf("re-join: %v", err)
	}
	if len(h.Groups()) != 1 {
		t.Errorf("Groups = %v, want one group", h.Groups())
	}

	if err := h.LeaveGroup("239.255.10.1"); err != nil {
		t.Errorf("LeaveGroup: %v", err)
	}
	if h.Joined("239.255.10.1") {
		t.Error("Joined = true after LeaveGroup")
	}
}

// failingConn makes Close report an error after closing the real socket.
type failingConn struct {
	net.PacketConn
	once sync.Once
}

func (c *failingConn) Close() error {
	c.once.Do(func() { c.PacketConn.Close() })
	return errors.New("close failed")
}

func TestHandle_CloseErrorStillCloses(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	h := New(&failingConn{PacketConn: pc}, Config{}, nil)

	if err := h.Close(); err == nil {
		t.Error("Close returned nil, want error")
	}
	if !h.Closed() {
		t.Error("Closed = false after failing Close")
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

// rawlessConn hides the raw socket so every IP-level option fails.
type rawlessConn struct {
	*net.UDPConn
}

func (rawlessConn) SyscallConn() (syscall.RawConn, error) {
	return nil, errors.New("raw access unavailable")
}

func newRawless(t *testing.T, family Family) (*Handle, *bytes.Buffer) {
	t.Helper()
	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	var buf bytes.Buffer
	h := New(rawlessConn{uc}, Config{Family: family}, logging.NewLoggerWithWriter("warn", "text", &buf))
	t.Cleanup(func() { h.Close() })
	return h, &buf
}

func TestHandle_MulticastOptionFailuresAreLogged(t *testing.T) {
	h, buf := newRawless(t, IPv4)

	if err := h.EnableMulticast("239.1.2.3", nil, 4); err == nil {
		t.Fatal("EnableMulticast succeeded without a raw socket")
	}

	out := buf.String()
	for _, option := range []string{"multicast loopback", "multicast TTL"} {
		if !strings.Contains(out, `option="`+option+`"`) {
			t.Errorf("log missing warning for %s:\n%s", option, out)
		}
	}
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("option failures not logged at warn:\n%s", out)
	}
}

func TestHandle_BroadcastLoopbackFailureIsLogged(t *testing.T) {
	h, buf := newRawless(t, IPv6)

	if err := h.EnableBroadcast(); err != nil {
		t.Fatalf("EnableBroadcast: %v", err)
	}
	if !strings.Contains(buf.String(), `option="multicast loopback"`) {
		t.Errorf("log missing loopback warning:\n%s", buf.String())
	}
}
