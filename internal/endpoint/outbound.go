package endpoint

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/metrics"
	"github.com/postalsys/udpshare/internal/registry"
	"github.com/postalsys/udpshare/internal/socket"
)

// OutboundConfig configures an outbound endpoint.
type OutboundConfig struct {
	// Name identifies the endpoint. A random name is generated when empty.
	Name string

	// LocalPort is the port datagrams are sent from. 0 uses a private
	// ephemeral socket that is never shared.
	LocalPort int
	Socket

	// Address and Port are the destination. Either may be left unset to take
	// it from each request instead.
	Address string
	Port    int

	// Base64 marks payloads as base64 text to decode before sending.
	Base64 bool

	// SendRate limits datagrams per second. 0 is unlimited.
	SendRate float64
}

// OutboundStatus is a point-in-time view of an outbound endpoint.
type OutboundStatus struct {
	Name      string `json:"name"`
	LocalPort int    `json:"local_port"`
	LocalAddr string `json:"local_addr,omitempty"`
	Ready     bool   `json:"ready"`
	Shared    bool   `json:"shared"`
	Private   bool   `json:"private"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Outbound sends datagrams, sharing the registered socket for its local
// port with any inbound endpoint on the same port.
type Outbound struct {
	cfg     OutboundConfig
	sockCfg socket.Config
	id      string

	reg     *registry.Registry
	bind    func(ctx context.Context, cfg socket.Config, logger *slog.Logger) (*socket.Handle, error)
	logger  *slog.Logger
	metrics *metrics.Metrics
	result  func(SendResult)
	limiter *rate.Limiter
	warn    rate.Sometimes

	mu      sync.Mutex
	started bool
	closed  bool
	handle  *socket.Handle
	shared  bool
	sent    uint64
	dropped uint64
	errs    uint64
}

// NewOutbound creates an outbound endpoint. result, if set, receives the
// outcome of every request that passed validation.
func NewOutbound(cfg OutboundConfig, deps Deps, result func(SendResult)) *Outbound {
	deps = deps.withDefaults()
	id := newID(cfg.Name, "outbound")

	logger := deps.Logger.With(
		logging.KeyComponent, "outbound",
		logging.KeyEndpoint, id,
		logging.KeyPort, cfg.LocalPort)

	o := &Outbound{
		cfg:     cfg,
		sockCfg: socketConfig(cfg.Socket, cfg.LocalPort, deps.Resolver, logger),
		id:      id,
		reg:     deps.Registry,
		bind:    socket.Bind,
		logger:  logger,
		metrics: deps.Metrics,
		result:  result,
		warn:    rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	if cfg.SendRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), max(1, int(cfg.SendRate)))
	}
	return o
}

// ID returns the endpoint's identity in the registry.
func (o *Outbound) ID() string { return o.id }

// LocalPort returns the configured local port.
func (o *Outbound) LocalPort() int { return o.cfg.LocalPort }

// Start marks the endpoint ready. The socket is acquired on first send so
// that an inbound endpoint on the same port can register it first.
func (o *Outbound) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	o.started = true
	o.logger.Info("outbound endpoint ready",
		"destination", o.cfg.Address+":"+strconv.Itoa(o.cfg.Port))
	return nil
}

// validate resolves the destination of req. A configured address or port
// takes precedence; the request fills in whatever the endpoint leaves unset.
// The returned error is always a *ValidationError.
func (o *Outbound) validate(req OutboundRequest) (addr string, port int, err error) {
	addr = o.cfg.Address
	if addr == "" {
		addr = req.DestinationIP
	}
	port = o.cfg.Port
	if port == 0 {
		port = req.DestinationPort
	}

	if addr == "" {
		return "", 0, &ValidationError{Field: "address", Reason: "destination address is empty"}
	}
	if port < 1 || port > 65535 {
		return "", 0, &ValidationError{Field: "port", Reason: "destination port " + strconv.Itoa(port) + " outside 1-65535"}
	}
	return addr, port, nil
}

// Send validates req and sends one datagram. Invalid requests are dropped
// with a warning and never reach the network. Errors are reported in the
// result, never returned.
func (o *Outbound) Send(ctx context.Context, req OutboundRequest) SendResult {
	res := SendResult{Endpoint: o.id, Request: req}

	o.mu.Lock()
	started, closed := o.started, o.closed
	o.mu.Unlock()
	switch {
	case closed:
		res.Err = ErrClosed
		return res
	case !started:
		res.Err = ErrNotStarted
		return res
	}

	addr, port, err := o.validate(req)
	var payload []byte
	if err == nil {
		payload, err = encodeOutbound(req, o.cfg.Base64)
	}
	if err != nil {
		return o.drop(res, err)
	}
	res.Destination = net.JoinHostPort(addr, strconv.Itoa(port))

	start := time.Now()
	h, err := o.socket(ctx, req.RelatedPorts)
	if err == nil && o.limiter != nil {
		err = o.limiter.Wait(ctx)
	}
	if err == nil {
		res.Bytes, err = h.Send(payload, addr, port)
	}
	res.Err = err

	o.mu.Lock()
	if err != nil {
		o.errs++
	} else {
		o.sent++
	}
	o.mu.Unlock()

	if err != nil {
		o.metrics.RecordSendError(o.id)
		o.logger.Warn("send failed",
			logging.KeyRemoteAddr, res.Destination,
			logging.KeyError, err)
	} else {
		o.metrics.RecordSend(o.id, res.Bytes, time.Since(start).Seconds())
	}

	if o.result != nil {
		o.result(res)
	}
	return res
}

func (o *Outbound) drop(res SendResult, err error) SendResult {
	res.Dropped = true
	res.Err = err

	field := "request"
	if ve, ok := err.(*ValidationError); ok {
		field = ve.Field
	}

	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()

	o.metrics.RecordValidationDrop(o.id, field)
	o.warn.Do(func() {
		o.logger.Warn("dropping invalid request", logging.KeyError, err)
	})
	return res
}

// socket returns the handle to send on. For a shared port it checks that the
// cached handle is still the registered one; if not (or nothing is
// registered) it asks endpoints on the port and on related to rebind, then
// acquires whatever is registered.
func (o *Outbound) socket(ctx context.Context, related []int) (*socket.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}

	if o.cfg.LocalPort == 0 {
		if o.handle != nil && !o.handle.Closed() {
			return o.handle, nil
		}
		h, err := o.bind(ctx, o.sockCfg, o.logger)
		if err != nil {
			return nil, err
		}
		if err := h.Apply(o.sockCfg); err != nil {
			o.logger.Warn("failed to apply socket options", logging.KeyError, err)
		}
		o.handle = h
		return h, nil
	}

	port := o.cfg.LocalPort
	cur, ok := o.reg.Lookup(port)
	if ok && cur == o.handle && !cur.Closed() {
		return cur, nil
	}

	if o.handle != nil || !ok || cur.Closed() {
		o.logger.Debug("no live socket registered, requesting rebind",
			"related", related)
		o.reg.Events().RequestRebind(port, related)
	}

	h, reused, err := o.reg.Acquire(ctx, o.id, o.sockCfg)
	if err != nil {
		return nil, err
	}
	if o.handle != nil && o.handle != h {
		o.reg.Detach(port, o.id, o.handle)
	}
	o.handle, o.shared = h, reused
	if reused {
		o.logger.Info("sharing registered socket",
			logging.KeyOwner, o.reg.Owner(port),
			logging.KeyLocalAddr, h.LocalAddr().String())
	}
	return h, nil
}

// Stop releases the endpoint's socket. A private socket is closed; a shared
// one is closed only when no other endpoint holds it.
func (o *Outbound) Stop() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	h := o.handle
	o.handle = nil
	o.mu.Unlock()

	if h == nil {
		return nil
	}
	if o.cfg.LocalPort == 0 {
		return h.Close()
	}
	_, err := o.reg.Detach(o.cfg.LocalPort, o.id, h)
	if err != nil {
		o.logger.Warn("error closing socket", logging.KeyError, err)
	}
	return err
}

// Status returns a snapshot of the endpoint.
func (o *Outbound) Status() OutboundStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := OutboundStatus{
		Name:      o.id,
		LocalPort: o.cfg.LocalPort,
		Ready:     o.started && !o.closed,
		Shared:    o.shared,
		Private:   o.cfg.LocalPort == 0,
		Sent:      o.sent,
		Dropped:   o.dropped,
		Errors:    o.errs,
	}
	if o.handle != nil {
		st.LocalAddr = o.handle.LocalAddr().String()
	}
	return st
}
