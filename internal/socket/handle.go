package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/recovery"
)

var handleIDs atomic.Uint64

// Datagram is one received UDP datagram. Payload is shared read-only between
// all receivers of a handle.
type Datagram struct {
	Payload []byte
	Remote  *net.UDPAddr
}

// Receiver consumes datagrams from a Handle.
type Receiver struct {
	// OnDatagram is called for every datagram, on the dispatcher goroutine.
	OnDatagram func(Datagram)

	// OnError is called once if the receive path fails fatally. h is the
	// failed handle, already closed.
	OnError func(h *Handle, err error)
}

type subscriber struct {
	id string
	r  Receiver
}

type membership struct {
	group net.IP
	ifi   *net.Interface
}

// Handle owns one UDP socket.
type Handle struct {
	id     uint64
	cfg    Config
	conn   net.PacketConn
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	abortErr    error
	broadcast   bool
	groups      map[string]membership
	dispatching bool
	doneOnce    sync.Once
	done        chan struct{}

	rmu         sync.RWMutex
	subscribers []subscriber
}

// Bind creates a UDP socket for cfg with SO_REUSEADDR set and wraps it in a
// Handle. Broadcast and multicast are not applied; see Apply.
func Bind(ctx context.Context, cfg Config, logger *slog.Logger) (*Handle, error) {
	cfg = cfg.withDefaults()
	network := cfg.Family.Network()

	lc := net.ListenConfig{Control: controlReuseAddr}
	pc, err := lc.ListenPacket(ctx, network, net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, &BindError{Network: network, Port: cfg.Port, Err: err}
	}

	h := New(pc, cfg, logger)
	if cfg.ReadBuffer > 0 {
		if uc, ok := pc.(*net.UDPConn); ok {
			h.warnOnError("read buffer", uc.SetReadBuffer(cfg.ReadBuffer))
		}
	}
	return h, nil
}

// New wraps an already bound packet connection.
func New(conn net.PacketConn, cfg Config, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = logging.NopLogger()
	}
	h := &Handle{
		id:     handleIDs.Add(1),
		cfg:    cfg.withDefaults(),
		conn:   conn,
		groups: make(map[string]membership),
		done:   make(chan struct{}),
	}
	h.logger = logger.With(slog.Uint64(logging.KeyHandleID, h.id))
	return h
}

// ID returns a process-unique identifier for this socket.
func (h *Handle) ID() uint64 { return h.id }

// Config returns the configuration the handle was created with.
func (h *Handle) Config() Config { return h.cfg }

// Family returns the address family.
func (h *Handle) Family() Family { return h.cfg.Family }

// LocalAddr returns the bound address.
func (h *Handle) LocalAddr() net.Addr { return h.conn.LocalAddr() }

// Port returns the bound local port.
func (h *Handle) Port() int {
	if ua, ok := h.conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.Port
	}
	return h.cfg.Port
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Done is closed once the socket is closed and its dispatcher has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Broadcast reports whether broadcast has been enabled.
func (h *Handle) Broadcast() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broadcast
}

// Groups returns the multicast groups currently joined.
func (h *Handle) Groups() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	groups := make([]string, 0, len(h.groups))
	for g := range h.groups {
		groups = append(groups, g)
	}
	return groups
}

// Joined reports whether the handle holds a membership for group.
func (h *Handle) Joined(group string) bool {
	ip := net.ParseIP(group)
	if ip == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.groups[ip.String()]
	return ok
}

// Apply enables the broadcast and multicast flags requested by cfg. A
// *MulticastError is returned for a failed join; broadcast stays enabled.
func (h *Handle) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.Mode == ModeOff {
		return nil
	}
	if err := h.EnableBroadcast(); err != nil {
		return err
	}
	if cfg.Mode == ModeMulticast {
		return h.EnableMulticast(cfg.Group, cfg.Interface, cfg.TTL)
	}
	return nil
}

// EnableBroadcast turns on SO_BROADCAST and turns off multicast loopback.
func (h *Handle) EnableBroadcast() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.broadcast {
		return nil
	}

	if h.cfg.Family == IPv4 {
		if sc, ok := h.conn.(syscall.Conn); ok {
			rc, err := sc.SyscallConn()
			if err != nil {
				return fmt.Errorf("enable broadcast: %w", err)
			}
			if err := setBroadcast(rc, true); err != nil {
				return fmt.Errorf("enable broadcast: %w", err)
			}
		}
		h.warnOnError("multicast loopback", ipv4.NewPacketConn(h.conn).SetMulticastLoopback(false))
	} else {
		h.warnOnError("multicast loopback", ipv6.NewPacketConn(h.conn).SetMulticastLoopback(false))
	}

	h.broadcast = true
	return nil
}

// warnOnError logs a best-effort socket option that could not be set.
func (h *Handle) warnOnError(option string, err error) {
	if err != nil {
		h.logger.Warn("failed to set socket option",
			"option", option,
			logging.KeyError, err)
	}
}

// EnableMulticast joins group on the interface owning iface (default
// interface when nil), with loopback off and the given TTL. Joining a group
// the handle already holds is a no-op.
func (h *Handle) EnableMulticast(group string, iface net.IP, ttl int) error {
	ifaceName := ""
	if iface != nil {
		ifaceName = iface.String()
	}
	merr := func(kind, err error) error {
		return &MulticastError{Group: group, Interface: ifaceName, Err: err, kind: kind}
	}

	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return merr(ErrMulticastUnsupported, fmt.Errorf("%q is not a multicast address", group))
	}
	if (ip.To4() != nil) != (h.cfg.Family == IPv4) {
		return merr(ErrMulticastUnsupported, fmt.Errorf("group family does not match %s socket", h.cfg.Family))
	}

	var ifi *net.Interface
	if iface != nil {
		var err error
		ifi, err = interfaceByAddr(iface)
		if err != nil {
			return merr(ErrInterfaceUnavailable, err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	key := ip.String()
	if _, ok := h.groups[key]; ok {
		return nil
	}

	addr := &net.UDPAddr{IP: ip}
	var err error
	if h.cfg.Family == IPv4 {
		p := ipv4.NewPacketConn(h.conn)
		h.warnOnError("multicast loopback", p.SetMulticastLoopback(false))
		h.warnOnError("multicast TTL", p.SetMulticastTTL(ttl))
		if ifi != nil {
			h.warnOnError("multicast interface", p.SetMulticastInterface(ifi))
		}
		err = p.JoinGroup(ifi, addr)
	} else {
		p := ipv6.NewPacketConn(h.conn)
		h.warnOnError("multicast loopback", p.SetMulticastLoopback(false))
		h.warnOnError("multicast hop limit", p.SetMulticastHopLimit(ttl))
		if ifi != nil {
			h.warnOnError("multicast interface", p.SetMulticastInterface(ifi))
		}
		err = p.JoinGroup(ifi, addr)
	}
	if err != nil {
		if isNoDevice(err) {
			return merr(ErrInterfaceUnavailable, err)
		}
		return merr(ErrMulticastUnsupported, err)
	}

	h.groups[key] = membership{group: ip, ifi: ifi}
	return nil
}

// LeaveGroup drops the membership for group. Leaving a group that was never
// joined is a no-op.
func (h *Handle) LeaveGroup(group string) error {
	ip := net.ParseIP(group)
	if ip == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.groups[ip.String()]
	if !ok || h.closed {
		return nil
	}
	delete(h.groups, ip.String())
	return h.leave(m)
}

// leave must be called with h.mu held.
func (h *Handle) leave(m membership) error {
	addr := &net.UDPAddr{IP: m.group}
	if h.cfg.Family == IPv4 {
		return ipv4.NewPacketConn(h.conn).LeaveGroup(m.ifi, addr)
	}
	return ipv6.NewPacketConn(h.conn).LeaveGroup(m.ifi, addr)
}

// Send writes one datagram to addr:port. Failures are returned as
// *SendError and never close the socket.
func (h *Handle) Send(b []byte, addr string, port int) (int, error) {
	dest := net.JoinHostPort(addr, strconv.Itoa(port))

	if h.Closed() {
		return 0, &SendError{Destination: dest, Err: ErrClosed}
	}

	ua, err := net.ResolveUDPAddr(h.cfg.Family.Network(), dest)
	if err != nil {
		return 0, &SendError{Destination: dest, Err: err}
	}

	n, err := h.conn.WriteTo(b, ua)
	if err != nil {
		return n, &SendError{Destination: dest, Err: err}
	}
	return n, nil
}

// ReceiveLoop blocks reading datagrams and calls fn for each one until the
// socket is closed. A close returns nil. Any other failure closes the socket
// and returns a *ReceiveError.
func (h *Handle) ReceiveLoop(fn func(Datagram)) error {
	buf := make([]byte, h.cfg.MaxDatagramSize)

	for {
		n, addr, err := h.conn.ReadFrom(buf)
		if err != nil {
			h.mu.Lock()
			abortErr, closed := h.abortErr, h.closed
			h.mu.Unlock()

			if abortErr != nil {
				return &ReceiveError{Port: h.Port(), Err: abortErr}
			}
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}

			h.Close()
			return &ReceiveError{Port: h.Port(), Err: err}
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		remote, _ := addr.(*net.UDPAddr)

		fn(Datagram{Payload: payload, Remote: remote})
	}
}

// Subscribe registers r under id and starts the dispatcher if it is not
// running. Subscribing an id again replaces its receiver. The returned
// function removes the subscription.
func (h *Handle) Subscribe(id string, r Receiver) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	h.rmu.Lock()
	replaced := false
	for i := range h.subscribers {
		if h.subscribers[i].id == id {
			h.subscribers[i].r = r
			replaced = true
			break
		}
	}
	if !replaced {
		h.subscribers = append(h.subscribers, subscriber{id: id, r: r})
	}
	h.rmu.Unlock()

	if !h.dispatching {
		h.dispatching = true
		go h.dispatch()
	}

	return func() { h.unsubscribe(id) }, nil
}

func (h *Handle) unsubscribe(id string) {
	h.rmu.Lock()
	defer h.rmu.Unlock()

	for i := range h.subscribers {
		if h.subscribers[i].id == id {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// Receivers returns the number of subscribed receivers.
func (h *Handle) Receivers() int {
	h.rmu.RLock()
	defer h.rmu.RUnlock()
	return len(h.subscribers)
}

func (h *Handle) snapshot() []subscriber {
	h.rmu.RLock()
	defer h.rmu.RUnlock()
	subs := make([]subscriber, len(h.subscribers))
	copy(subs, h.subscribers)
	return subs
}

func (h *Handle) dispatch() {
	defer h.doneOnce.Do(func() { close(h.done) })
	defer recovery.RecoverWithLog(h.logger, "dispatch")

	err := h.ReceiveLoop(func(d Datagram) {
		for _, s := range h.snapshot() {
			if s.r.OnDatagram != nil {
				recovery.Call(h.logger, "datagram:"+s.id, func() { s.r.OnDatagram(d) })
			}
		}
	})
	if err == nil {
		return
	}

	h.logger.Debug("receive loop failed", logging.KeyError, err)
	for _, s := range h.snapshot() {
		if s.r.OnError != nil {
			recovery.Call(h.logger, "error:"+s.id, func() { s.r.OnError(h, err) })
		}
	}
}

// Abort closes the socket as if the OS had reported err on it. Receivers see
// a *ReceiveError wrapping err.
func (h *Handle) Abort(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.abortErr = err
	h.mu.Unlock()

	h.Close()
}

// Close drops multicast memberships and releases the socket. Closing twice
// is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	var err error
	for key, m := range h.groups {
		err = multierr.Append(err, h.leave(m))
		delete(h.groups, key)
	}
	err = multierr.Append(err, h.conn.Close())

	dispatching := h.dispatching
	h.mu.Unlock()

	if !dispatching {
		h.doneOnce.Do(func() { close(h.done) })
	}
	return err
}

func (h *Handle) String() string {
	return fmt.Sprintf("udp socket #%d %s", h.id, h.conn.LocalAddr())
}

// interfaceByAddr finds the interface that owns ip.
func interfaceByAddr(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s", ip)
}
