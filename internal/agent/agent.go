// Package agent wires the port registry, endpoints and admin surfaces into
// one running udpshare instance.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/udpshare/internal/config"
	"github.com/postalsys/udpshare/internal/control"
	"github.com/postalsys/udpshare/internal/endpoint"
	"github.com/postalsys/udpshare/internal/health"
	"github.com/postalsys/udpshare/internal/janitor"
	"github.com/postalsys/udpshare/internal/lifecycle"
	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/metrics"
	"github.com/postalsys/udpshare/internal/recovery"
	"github.com/postalsys/udpshare/internal/registry"
	"github.com/postalsys/udpshare/internal/resolver"
	"github.com/postalsys/udpshare/internal/socket"
)

// forwardQueueSize bounds the datagrams waiting for a forward target.
const forwardQueueSize = 256

// forwarder feeds one outbound endpoint from inbound endpoints.
type forwarder struct {
	out   *endpoint.Outbound
	queue chan endpoint.OutboundRequest
}

// Options overrides the shared services an Agent is built on.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Resolver resolver.Resolver
}

// Agent is a running udpshare instance.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	bus      *lifecycle.Bus
	registry *registry.Registry
	janitor  *janitor.Janitor

	inbound    []*endpoint.Inbound
	outbound   []*endpoint.Outbound
	byName     map[string]*endpoint.Outbound
	forwarders map[string]*forwarder

	healthServer  *health.Server
	controlServer *control.Server
	statusSub     *lifecycle.Subscription

	// State
	running   atomic.Bool
	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates an agent with the given configuration.
func New(cfg *config.Config) (*Agent, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates an agent with explicit shared services.
func NewWithOptions(cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = resolver.NewSystem()
	}

	bus := lifecycle.NewBus(opts.Logger)
	reg := registry.New(registry.Options{
		Bus:     bus,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})

	a := &Agent{
		cfg:        cfg,
		logger:     logging.Component(opts.Logger, "agent"),
		metrics:    opts.Metrics,
		bus:        bus,
		registry:   reg,
		janitor:    janitor.New(reg, opts.Logger),
		byName:     make(map[string]*endpoint.Outbound),
		forwarders: make(map[string]*forwarder),
		stopCh:     make(chan struct{}),
	}

	deps := endpoint.Deps{
		Registry: reg,
		Resolver: opts.Resolver,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	}
	a.initEndpoints(deps)

	return a, nil
}

// initEndpoints builds the endpoints described by the configuration.
func (a *Agent) initEndpoints(deps endpoint.Deps) {
	sc := a.cfg.Sockets
	backoff := endpoint.Backoff{
		Initial: sc.RebindBackoff.Initial,
		Max:     sc.RebindBackoff.Max,
	}
	sockOpts := func(ipVersion, iface, mode, group string) endpoint.Socket {
		return endpoint.Socket{
			Family:          socket.Family(ipVersion),
			Interface:       iface,
			Mode:            socket.Mode(mode),
			Group:           group,
			TTL:             sc.MulticastTTL,
			ReadBuffer:      int(sc.ReadBuffer),
			MaxDatagramSize: sc.MaxDatagramSize,
		}
	}

	for _, oc := range a.cfg.Outbound {
		out := endpoint.NewOutbound(endpoint.OutboundConfig{
			Name:      oc.Name,
			LocalPort: oc.LocalPort,
			Socket:    sockOpts(oc.IPVersion, oc.Interface, oc.Multicast, oc.Group),
			Address:   oc.Address,
			Port:      oc.Port,
			Base64:    oc.Base64,
			SendRate:  oc.SendRate,
		}, deps, a.onSendResult)

		a.outbound = append(a.outbound, out)
		if oc.Name != "" {
			a.byName[oc.Name] = out
		}
	}

	for _, ic := range a.cfg.Inbound {
		var targets []*forwarder
		for _, name := range ic.ForwardTo {
			targets = append(targets, a.forwarder(name))
		}

		in := endpoint.NewInbound(endpoint.InboundConfig{
			Name:           ic.Name,
			Port:           ic.Port,
			Socket:         sockOpts(ic.IPVersion, ic.Interface, ic.Multicast, ic.Group),
			Representation: endpoint.Representation(ic.Datatype),
			Backoff:        backoff,
		}, deps, a.deliverFunc(targets))

		a.inbound = append(a.inbound, in)
	}
}

// forwarder returns the forward queue for the named outbound endpoint.
func (a *Agent) forwarder(name string) *forwarder {
	if f, ok := a.forwarders[name]; ok {
		return f
	}
	f := &forwarder{
		out:   a.byName[name],
		queue: make(chan endpoint.OutboundRequest, forwardQueueSize),
	}
	a.forwarders[name] = f
	return f
}

// deliverFunc returns the downstream for an inbound endpoint. Datagrams are
// queued to every forward target; a full queue drops the datagram.
func (a *Agent) deliverFunc(targets []*forwarder) func(endpoint.InboundMessage) {
	return func(msg endpoint.InboundMessage) {
		a.logger.Debug("datagram received",
			logging.KeyEndpoint, msg.Endpoint,
			logging.KeyRemoteAddr, msg.SourceAddressPort,
			logging.KeyBytes, len(msg.Raw))

		for _, f := range targets {
			req := forwardRequest(msg)
			select {
			case f.queue <- req:
			default:
				a.logger.Warn("forward queue full, dropping datagram",
					logging.KeyEndpoint, f.out.ID())
			}
		}
	}
}

// forwardRequest carries raw datagrams as bytes and text representations as
// Text, so a base64 inbound feeding a base64 outbound is decoded once.
func forwardRequest(msg endpoint.InboundMessage) endpoint.OutboundRequest {
	if msg.Representation == endpoint.Raw || msg.Representation == "" {
		return endpoint.OutboundRequest{Payload: msg.Bytes()}
	}
	return endpoint.OutboundRequest{Text: msg.Text}
}

func (a *Agent) runForwarder(ctx context.Context, f *forwarder) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "forwarder:"+f.out.ID())

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-f.queue:
			f.out.Send(ctx, req)
		}
	}
}

func (a *Agent) onSendResult(res endpoint.SendResult) {
	if res.Err != nil {
		return
	}
	a.logger.Debug("datagram sent",
		logging.KeyEndpoint, res.Endpoint,
		logging.KeyRemoteAddr, res.Destination,
		logging.KeyBytes, res.Bytes)
}

// onLifecycle logs the number of active sockets whenever it changes.
func (a *Agent) onLifecycle(e lifecycle.Event) {
	switch e.Type {
	case lifecycle.Created, lifecycle.Released:
		a.logger.Info("active sockets changed",
			"event", e.String(),
			logging.KeyCount, a.registry.Len())
	}
}

// Start binds inbound endpoints first so outbound endpoints on the same
// ports find their sockets registered, then starts the admin surfaces. An
// inbound endpoint that fails to bind is logged and skipped.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}
	a.running.Store(true)
	a.startedAt = time.Now()

	a.logger.Info("starting agent",
		"inbound", len(a.inbound),
		"outbound", len(a.outbound))

	a.statusSub = a.bus.Subscribe(lifecycle.AnyPort, "agent", a.onLifecycle)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-a.stopCh
		cancel()
	}()

	for _, in := range a.inbound {
		if err := in.Start(ctx); err != nil {
			a.logger.Error("inbound endpoint did not start",
				logging.KeyEndpoint, in.ID(),
				logging.KeyPort, in.Port(),
				logging.KeyError, err)
		}
	}

	for _, out := range a.outbound {
		if err := out.Start(); err != nil {
			a.logger.Error("outbound endpoint did not start",
				logging.KeyEndpoint, out.ID(),
				logging.KeyError, err)
		}
	}

	for _, f := range a.forwarders {
		a.wg.Add(1)
		go a.runForwarder(ctx, f)
	}

	if a.cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
		}, &agentStatsProvider{agent: a})
		a.healthServer.SetAdmin(a)

		if err := a.healthServer.Start(); err != nil {
			a.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		a.logger.Info("health server started",
			logging.KeyLocalAddr, a.healthServer.Address().String())
	}

	if a.cfg.Control.Enabled {
		a.controlServer = control.NewServer(control.ServerConfig{
			SocketPath:   a.cfg.Control.SocketPath,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, a)

		if err := a.controlServer.Start(); err != nil {
			a.Stop()
			return fmt.Errorf("start control server: %w", err)
		}
		a.logger.Info("control server started",
			"socket_path", a.cfg.Control.SocketPath)
	}

	a.logger.Info("agent started",
		logging.KeyCount, a.registry.Len())
	return nil
}

// Stop stops every endpoint concurrently, then closes any socket still
// registered. Errors are logged and returned combined.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")

		a.running.Store(false)
		close(a.stopCh)

		if a.controlServer != nil {
			err = multierr.Append(err, a.controlServer.Stop())
		}
		if a.healthServer != nil {
			err = multierr.Append(err, a.healthServer.Stop())
		}

		a.wg.Wait()

		var g errgroup.Group
		for _, out := range a.outbound {
			g.Go(out.Stop)
		}
		for _, in := range a.inbound {
			g.Go(in.Stop)
		}
		err = multierr.Append(err, g.Wait())

		err = multierr.Append(err, a.janitor.CloseAll())
		a.statusSub.Unsubscribe()

		if err != nil {
			a.logger.Warn("agent stopped with errors", logging.KeyError, err)
			return
		}
		a.logger.Info("agent stopped")
	})

	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Uptime returns how long the agent has been running.
func (a *Agent) Uptime() time.Duration {
	if !a.running.Load() {
		return 0
	}
	return time.Since(a.startedAt)
}

// Registry returns the agent's port registry.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Ports returns every registered port.
func (a *Agent) Ports() []registry.EntryInfo {
	return a.registry.Entries()
}

// Close executes an explicit close command.
func (a *Agent) Close(cmd janitor.CloseCommand) error {
	return a.janitor.Handle(cmd)
}

// Send injects a request into the named outbound endpoint.
func (a *Agent) Send(ctx context.Context, name string, req endpoint.OutboundRequest) (endpoint.SendResult, error) {
	out, ok := a.byName[name]
	if !ok {
		return endpoint.SendResult{}, fmt.Errorf("%w: %q", control.ErrUnknownEndpoint, name)
	}
	if !a.running.Load() {
		return endpoint.SendResult{}, errors.New("agent not running")
	}
	return out.Send(ctx, req), nil
}

// InboundStatus returns the status of every inbound endpoint.
func (a *Agent) InboundStatus() []endpoint.Status {
	st := make([]endpoint.Status, 0, len(a.inbound))
	for _, in := range a.inbound {
		st = append(st, in.Status())
	}
	return st
}

// OutboundStatus returns the status of every outbound endpoint.
func (a *Agent) OutboundStatus() []endpoint.OutboundStatus {
	st := make([]endpoint.OutboundStatus, 0, len(a.outbound))
	for _, out := range a.outbound {
		st = append(st, out.Status())
	}
	return st
}

// Stats returns runtime statistics.
func (a *Agent) Stats() health.Stats {
	listening := 0
	for _, in := range a.inbound {
		if in.State() == endpoint.StateListening {
			listening++
		}
	}
	return health.Stats{
		Sockets:          a.registry.Len(),
		InboundCount:     len(a.inbound),
		InboundListening: listening,
		OutboundCount:    len(a.outbound),
		Subscriptions:    a.bus.Len(),
	}
}

// agentStatsProvider adapts Agent to health.StatsProvider interface.
type agentStatsProvider struct {
	agent *Agent
}

// IsRunning implements health.StatsProvider.
func (p *agentStatsProvider) IsRunning() bool {
	return p.agent.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *agentStatsProvider) Stats() health.Stats {
	return p.agent.Stats()
}
