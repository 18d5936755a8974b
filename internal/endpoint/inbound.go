package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/udpshare/internal/lifecycle"
	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/metrics"
	"github.com/postalsys/udpshare/internal/registry"
	"github.com/postalsys/udpshare/internal/socket"
)

// State is the state of an inbound endpoint.
type State int

const (
	StateStarting State = iota
	StateListening
	StateError
	StateRebinding
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	case StateRebinding:
		return "rebinding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InboundConfig configures an inbound endpoint.
type InboundConfig struct {
	// Name identifies the endpoint. A random name is generated when empty.
	Name string

	Port int
	Socket

	Representation Representation
	Backoff        Backoff
}

// Status is a point-in-time view of an endpoint.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Port      int       `json:"port"`
	LocalAddr string    `json:"local_addr,omitempty"`
	Interface string    `json:"interface,omitempty"`
	Group     string    `json:"group,omitempty"`
	Joined    bool      `json:"joined,omitempty"`
	Shared    bool      `json:"shared"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`
}

// Inbound receives datagrams on a registered port and forwards them
// downstream.
type Inbound struct {
	cfg     InboundConfig
	sockCfg socket.Config
	id      string

	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
	deliver func(InboundMessage)

	mu      sync.Mutex
	state   State
	handle  *socket.Handle
	unsub   func()
	sub     *lifecycle.Subscription
	shared  bool
	message string
	since   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInbound creates an inbound endpoint. deliver is called for every
// datagram on the socket's dispatcher goroutine; it must not block.
func NewInbound(cfg InboundConfig, deps Deps, deliver func(InboundMessage)) *Inbound {
	deps = deps.withDefaults()
	if cfg.Representation == "" {
		cfg.Representation = Raw
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	id := newID(cfg.Name, "inbound")

	logger := deps.Logger.With(
		logging.KeyComponent, "inbound",
		logging.KeyEndpoint, id,
		logging.KeyPort, cfg.Port)

	return &Inbound{
		cfg:     cfg,
		sockCfg: socketConfig(cfg.Socket, cfg.Port, deps.Resolver, logger),
		id:      id,
		reg:     deps.Registry,
		logger:  logger,
		metrics: deps.Metrics,
		deliver: deliver,
		state:   StateStarting,
		since:   time.Now(),
	}
}

// ID returns the endpoint's identity in the registry.
func (in *Inbound) ID() string { return in.id }

// Port returns the listening port.
func (in *Inbound) Port() int { return in.cfg.Port }

// Start acquires the port's socket and begins delivering datagrams. A bind
// failure is returned and leaves the endpoint closed.
func (in *Inbound) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.ctx != nil {
		in.mu.Unlock()
		return errors.New("inbound endpoint already started")
	}
	in.ctx, in.cancel = context.WithCancel(context.Background())
	in.sub = in.reg.Events().Subscribe(in.cfg.Port, in.id, in.onEvent)
	in.mu.Unlock()

	h, reused, err := in.reg.Acquire(ctx, in.id, in.sockCfg)
	if err != nil {
		in.logger.Error("failed to bind inbound socket", logging.KeyError, err)
		in.mu.Lock()
		in.sub.Unsubscribe()
		in.cancel()
		in.setStateLocked(StateClosed, err.Error())
		in.mu.Unlock()
		return err
	}

	if reused {
		in.logger.Info("port already in use, sharing socket",
			logging.KeyOwner, in.reg.Owner(in.cfg.Port),
			logging.KeyLocalAddr, h.LocalAddr().String())
	}
	if err := in.attach(h, reused); err != nil {
		return err
	}

	in.logger.Info("inbound endpoint listening",
		logging.KeyLocalAddr, h.LocalAddr().String(),
		logging.KeyInterface, interfaceString(in.sockCfg.Interface))
	return nil
}

// attach subscribes to h, replacing any previous socket.
func (in *Inbound) attach(h *socket.Handle, shared bool) error {
	in.mu.Lock()
	if in.state == StateClosed {
		in.mu.Unlock()
		in.reg.Detach(in.cfg.Port, in.id, h)
		return ErrClosed
	}
	if in.handle == h && in.unsub != nil && !h.Closed() {
		in.setStateLocked(StateListening, "")
		in.mu.Unlock()
		return nil
	}

	if in.unsub != nil {
		in.unsub()
		in.unsub = nil
	}
	unsub, err := h.Subscribe(in.id, socket.Receiver{
		OnDatagram: in.onDatagram,
		OnError:    in.onError,
	})
	if err != nil {
		in.handle = nil
		in.setStateLocked(StateError, err.Error())
		in.mu.Unlock()
		return err
	}

	in.handle = h
	in.unsub = unsub
	in.shared = shared || len(in.reg.Holders(in.cfg.Port)) > 1
	in.setStateLocked(StateListening, "")
	in.mu.Unlock()
	return nil
}

func (in *Inbound) onDatagram(d socket.Datagram) {
	text, err := decodeInbound(in.cfg.Representation, d.Payload)
	if err != nil {
		in.logger.Warn("failed to decode payload", logging.KeyError, err)
		return
	}

	addrPort, ip, port := sourceFields(d.Remote)
	in.metrics.RecordReceive(in.id, len(d.Payload))

	if in.deliver == nil {
		return
	}
	in.deliver(InboundMessage{
		Endpoint:          in.id,
		Representation:    in.cfg.Representation,
		Raw:               d.Payload,
		Text:              text,
		SourceAddressPort: addrPort,
		SourceIP:          ip,
		SourcePort:        port,
	})
}

// onError runs when the socket's receive path fails. The socket is already
// closed; recovery runs on its own goroutine so the dispatcher can exit.
func (in *Inbound) onError(h *socket.Handle, err error) {
	in.mu.Lock()
	if in.state == StateClosed || in.handle != h {
		in.mu.Unlock()
		return
	}
	in.setStateLocked(StateError, err.Error())
	in.wg.Add(1)
	in.mu.Unlock()

	in.metrics.RecordReceiveFailure(in.id)
	in.logger.Warn("socket error, rebinding", logging.KeyError, err)

	go in.recover()
}

func (in *Inbound) recover() {
	defer in.wg.Done()

	in.reg.Events().RequestRebind(in.cfg.Port, nil)

	delay := in.cfg.Backoff.Initial
	for {
		if in.healthy() {
			return
		}
		err := in.ensure()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}

		in.logger.Warn("rebind failed, retrying",
			logging.KeyError, err,
			logging.KeyDuration, delay)

		select {
		case <-in.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, in.cfg.Backoff.Max)
	}
}

// healthy reports whether the endpoint is attached to the live registered
// socket.
func (in *Inbound) healthy() bool {
	in.mu.Lock()
	h := in.handle
	closed := in.state == StateClosed
	in.mu.Unlock()

	if closed {
		return true
	}
	if h == nil || h.Closed() {
		return false
	}
	cur, ok := in.reg.Lookup(in.cfg.Port)
	return ok && cur == h
}

// ensure converges on a live registered socket, rebinding if the cached one
// is stale or gone.
func (in *Inbound) ensure() error {
	if in.healthy() {
		return nil
	}

	in.mu.Lock()
	if in.state == StateClosed {
		in.mu.Unlock()
		return ErrClosed
	}
	stale := in.handle
	in.setStateLocked(StateRebinding, "")
	in.mu.Unlock()

	h, err := in.reg.Rebind(in.ctx, in.id, in.sockCfg, stale)
	if err != nil {
		in.mu.Lock()
		if in.state != StateClosed {
			in.setStateLocked(StateError, err.Error())
		}
		in.mu.Unlock()
		return err
	}
	if err := in.attach(h, false); err != nil {
		return err
	}

	in.logger.Info("inbound socket rebound",
		logging.KeyLocalAddr, h.LocalAddr().String(),
		logging.KeyHandleID, h.ID())
	return nil
}

func (in *Inbound) onEvent(e lifecycle.Event) {
	switch e.Type {
	case lifecycle.Created, lifecycle.RebindRequested:
		if err := in.ensure(); err != nil && !errors.Is(err, ErrClosed) {
			in.logger.Warn("failed to converge on registered socket",
				"event", e.String(),
				logging.KeyError, err)
		}
	case lifecycle.Released:
		in.mu.Lock()
		defer in.mu.Unlock()
		if in.state == StateClosed || in.handle == nil || !in.handle.Closed() {
			return
		}
		if in.unsub != nil {
			in.unsub()
			in.unsub = nil
		}
		in.setStateLocked(StateError, "socket released")
		in.logger.Info("socket released, waiting for rebind")
	}
}

// Stop unsubscribes from lifecycle events and drops this endpoint's hold on
// the port. The socket is closed once no other endpoint holds it.
func (in *Inbound) Stop() error {
	in.mu.Lock()
	if in.state == StateClosed {
		in.mu.Unlock()
		return nil
	}
	in.setStateLocked(StateClosed, "")
	if in.cancel != nil {
		in.cancel()
	}
	in.sub.Unsubscribe()
	if in.unsub != nil {
		in.unsub()
		in.unsub = nil
	}
	h := in.handle
	in.handle = nil
	in.mu.Unlock()

	in.wg.Wait()

	if h == nil {
		return nil
	}
	released, err := in.reg.Detach(in.cfg.Port, in.id, h)
	if err != nil {
		in.logger.Warn("error closing socket", logging.KeyError, err)
	}
	in.logger.Info("inbound endpoint stopped", "released", released)
	return err
}

// State returns the current state.
func (in *Inbound) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Handle returns the socket the endpoint is attached to, or nil.
func (in *Inbound) Handle() *socket.Handle {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.handle
}

// Status returns a snapshot of the endpoint's state.
func (in *Inbound) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()

	st := Status{
		Name:      in.id,
		State:     in.state.String(),
		Port:      in.cfg.Port,
		Interface: interfaceString(in.sockCfg.Interface),
		Group:     in.cfg.Group,
		Shared:    in.shared,
		Message:   in.message,
		Since:     in.since,
	}
	if in.handle != nil {
		st.LocalAddr = in.handle.LocalAddr().String()
		if in.cfg.Mode == socket.ModeMulticast {
			st.Joined = in.handle.Joined(in.cfg.Group)
		}
	}
	return st
}

func (in *Inbound) setStateLocked(s State, message string) {
	if in.state != s {
		in.since = time.Now()
	}
	in.state = s
	in.message = message
}
