// Package registry maps local UDP ports to the single socket currently bound
// for each of them.
//
// Every mutation of the map (insert, replace on rebind, delete) happens under
// one mutex, including the bind itself, so two endpoints asking for the same
// port at once always end up with the same socket. Lifecycle events are
// published only after the mutex is released: handlers are free to call back
// into the registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/udpshare/internal/lifecycle"
	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/metrics"
	"github.com/postalsys/udpshare/internal/socket"
)

var (
	// ErrEphemeralPort is returned when port 0 is acquired. Ephemeral sockets
	// are private to their creator and never shared.
	ErrEphemeralPort = errors.New("port 0 cannot be registered")

	// ErrFamilyMismatch is returned when a port is registered with a different
	// address family than the one requested.
	ErrFamilyMismatch = errors.New("address family does not match registered socket")
)

// BindFunc creates a socket. It is socket.Bind outside of tests.
type BindFunc func(ctx context.Context, cfg socket.Config, logger *slog.Logger) (*socket.Handle, error)

// Options configures a Registry.
type Options struct {
	// Bus receives lifecycle events. A new bus is created when nil.
	Bus *lifecycle.Bus

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Bind overrides socket creation.
	Bind BindFunc
}

type entry struct {
	handle    *socket.Handle
	owner     string
	holders   []string
	groups    map[string][]string
	createdAt time.Time
}

func (e *entry) hold(owner string) {
	if !slices.Contains(e.holders, owner) {
		e.holders = append(e.holders, owner)
	}
	if e.owner == "" {
		e.owner = owner
	}
}

// EntryInfo is a read-only view of one registered port.
type EntryInfo struct {
	Port      int       `json:"port"`
	Owner     string    `json:"owner"`
	Holders   []string  `json:"holders"`
	Family    string    `json:"family"`
	LocalAddr string    `json:"local_addr"`
	Broadcast bool      `json:"broadcast"`
	Groups    []string  `json:"groups,omitempty"`
	Receivers int       `json:"receivers"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the shared port to socket map.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*entry

	bus     *lifecycle.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
	bind    BindFunc
}

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := logging.Component(opts.Logger, "registry")
	if opts.Bus == nil {
		opts.Bus = lifecycle.NewBus(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Bind == nil {
		opts.Bind = socket.Bind
	}

	m := opts.Metrics
	opts.Bus.SetObserver(func(e lifecycle.Event) {
		m.RecordLifecycleEvent(e.Type.String())
	})

	return &Registry{
		entries: make(map[int]*entry),
		bus:     opts.Bus,
		logger:  logger,
		metrics: m,
		bind:    opts.Bind,
	}
}

// Events returns the lifecycle bus events are published on.
func (r *Registry) Events() *lifecycle.Bus { return r.bus }

// Acquire returns the socket registered for cfg.Port, creating and
// registering one if none exists. reused reports whether an existing socket
// was returned. owner is recorded as a holder of the entry.
//
// A reused socket gets the broadcast and multicast flags cfg asks for
// applied in place. A failed multicast join is logged and counted but does
// not fail the acquisition; callers can check Handle.Joined.
func (r *Registry) Acquire(ctx context.Context, owner string, cfg socket.Config) (h *socket.Handle, reused bool, err error) {
	if cfg.Port == 0 {
		return nil, false, ErrEphemeralPort
	}
	cfg = normalize(cfg)

	r.mu.Lock()
	if e, ok := r.entries[cfg.Port]; ok && !e.handle.Closed() {
		defer r.mu.Unlock()

		if e.handle.Family() != cfg.Family {
			return nil, false, fmt.Errorf("port %d: registered as %s, requested %s: %w",
				cfg.Port, e.handle.Family(), cfg.Family, ErrFamilyMismatch)
		}

		e.hold(owner)
		r.applyLocked(e, owner, cfg)
		r.metrics.RecordSocketReused()
		r.logger.Debug("reusing socket",
			logging.KeyPort, cfg.Port,
			logging.KeyOwner, owner,
			logging.KeyHandleID, e.handle.ID())
		return e.handle, true, nil
	}

	var old *entry
	if e, ok := r.entries[cfg.Port]; ok {
		// Registered but closed underneath us: treat as absent.
		old = e
		delete(r.entries, cfg.Port)
	}

	e, err := r.createLocked(ctx, owner, cfg)
	r.mu.Unlock()
	if err != nil {
		if old != nil {
			r.metrics.RecordSocketClosed()
			r.bus.PublishReleased(cfg.Port)
		}
		return nil, false, err
	}

	if old != nil {
		r.metrics.RecordRebind()
	} else {
		r.metrics.RecordSocketCreated()
	}
	r.bus.PublishCreated(cfg.Port)
	return e.handle, false, nil
}

// Rebind replaces the socket registered for cfg.Port, but only if the
// registered socket is still stale (or nothing is registered). When another
// endpoint has already rebound the port, the current socket is returned and
// owner is added to its holders.
func (r *Registry) Rebind(ctx context.Context, owner string, cfg socket.Config, stale *socket.Handle) (*socket.Handle, error) {
	if cfg.Port == 0 {
		return nil, ErrEphemeralPort
	}
	cfg = normalize(cfg)

	r.mu.Lock()
	old, ok := r.entries[cfg.Port]
	if ok && old.handle != stale && !old.handle.Closed() {
		defer r.mu.Unlock()
		if old.handle.Family() != cfg.Family {
			return nil, fmt.Errorf("port %d: registered as %s, requested %s: %w",
				cfg.Port, old.handle.Family(), cfg.Family, ErrFamilyMismatch)
		}
		old.hold(owner)
		r.applyLocked(old, owner, cfg)
		return old.handle, nil
	}

	if ok {
		if err := old.handle.Close(); err != nil {
			r.logger.Warn("error closing stale socket",
				logging.KeyPort, cfg.Port,
				logging.KeyError, err)
		}
		delete(r.entries, cfg.Port)
	}

	e, err := r.createLocked(ctx, owner, cfg)
	r.mu.Unlock()
	if err != nil {
		if ok {
			r.metrics.RecordSocketClosed()
			r.bus.PublishReleased(cfg.Port)
		}
		return nil, err
	}

	if ok {
		r.metrics.RecordRebind()
	} else {
		r.metrics.RecordSocketCreated()
	}
	r.logger.Info("socket rebound",
		logging.KeyPort, cfg.Port,
		logging.KeyOwner, owner,
		logging.KeyHandleID, e.handle.ID())
	r.bus.PublishCreated(cfg.Port)
	return e.handle, nil
}

// createLocked binds a new socket and inserts it with owner as its only
// holder. Holders of a replaced entry are not carried over: each endpoint
// holds the new socket once it converges on it, so a Detach of the old
// handle cannot leave a stale holder behind. r.mu must be held.
func (r *Registry) createLocked(ctx context.Context, owner string, cfg socket.Config) (*entry, error) {
	h, err := r.bind(ctx, cfg, r.logger)
	if err != nil {
		reason := "bind"
		var be *socket.BindError
		if errors.As(err, &be) && be.Permission() {
			reason = "permission"
		}
		r.metrics.RecordBindError(reason)
		return nil, err
	}

	e := &entry{
		handle:    h,
		groups:    make(map[string][]string),
		createdAt: time.Now(),
	}
	e.hold(owner)

	if cfg.Mode != socket.ModeOff {
		if err := h.EnableBroadcast(); err != nil {
			h.Close()
			r.metrics.RecordBindError("bind")
			return nil, fmt.Errorf("port %d: %w", cfg.Port, err)
		}
	}
	r.joinLocked(e, owner, cfg)

	r.entries[cfg.Port] = e
	r.logger.Info("socket created",
		logging.KeyPort, cfg.Port,
		logging.KeyFamily, string(cfg.Family),
		logging.KeyOwner, owner,
		logging.KeyHandleID, h.ID())
	return e, nil
}

// applyLocked upgrades an existing socket in place. r.mu must be held.
func (r *Registry) applyLocked(e *entry, owner string, cfg socket.Config) {
	if cfg.Mode == socket.ModeOff {
		return
	}
	if err := e.handle.EnableBroadcast(); err != nil {
		r.logger.Warn("failed to enable broadcast on shared socket",
			logging.KeyPort, cfg.Port,
			logging.KeyError, err)
		return
	}
	r.joinLocked(e, owner, cfg)
}

// joinLocked joins cfg.Group for owner if multicast was requested.
func (r *Registry) joinLocked(e *entry, owner string, cfg socket.Config) {
	if cfg.Mode != socket.ModeMulticast {
		return
	}

	if err := e.handle.EnableMulticast(cfg.Group, cfg.Interface, cfg.TTL); err != nil {
		reason := "unsupported"
		if errors.Is(err, socket.ErrInterfaceUnavailable) {
			reason = "interface"
		}
		r.metrics.RecordMulticastError(reason)
		r.logger.Warn("multicast join failed, continuing without membership",
			logging.KeyPort, cfg.Port,
			logging.KeyGroup, cfg.Group,
			logging.KeyOwner, owner,
			logging.KeyError, err)
		return
	}

	key := groupKey(cfg.Group)
	if !slices.Contains(e.groups[key], owner) {
		e.groups[key] = append(e.groups[key], owner)
	}
}

// Release removes the entry for port and closes its socket, leaving any
// multicast groups first. Releasing an absent port is a no-op. The entry is
// removed even when closing fails; the close error is returned.
func (r *Registry) Release(port int) error {
	r.mu.Lock()
	e, ok := r.entries[port]
	if ok {
		delete(r.entries, port)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	err := e.handle.Close()
	r.metrics.RecordSocketClosed()
	r.logger.Info("socket released",
		logging.KeyPort, port,
		logging.KeyOwner, e.owner,
		logging.KeyHandleID, e.handle.ID())
	r.bus.PublishReleased(port)
	return err
}

// Detach drops owner's hold on port. h is the socket the caller holds; if it
// is no longer the registered one nothing happens. Multicast groups only
// owner wanted are left, and the socket is closed and unregistered once no
// holder remains. released reports whether the socket was closed.
func (r *Registry) Detach(port int, owner string, h *socket.Handle) (released bool, err error) {
	r.mu.Lock()
	e, ok := r.entries[port]
	if !ok || e.handle != h {
		r.mu.Unlock()
		return false, nil
	}

	e.holders = slices.DeleteFunc(e.holders, func(s string) bool { return s == owner })
	for group, holders := range e.groups {
		holders = slices.DeleteFunc(holders, func(s string) bool { return s == owner })
		if len(holders) > 0 {
			e.groups[group] = holders
			continue
		}
		delete(e.groups, group)
		if len(e.holders) > 0 {
			if lerr := e.handle.LeaveGroup(group); lerr != nil {
				r.logger.Warn("failed to leave multicast group",
					logging.KeyPort, port,
					logging.KeyGroup, group,
					logging.KeyError, lerr)
			}
		}
	}

	if len(e.holders) > 0 {
		if e.owner == owner {
			e.owner = e.holders[0]
		}
		r.mu.Unlock()
		r.logger.Debug("detached from shared socket",
			logging.KeyPort, port,
			logging.KeyOwner, owner,
			logging.KeyCount, len(e.holders))
		return false, nil
	}

	delete(r.entries, port)
	r.mu.Unlock()

	err = e.handle.Close()
	r.metrics.RecordSocketClosed()
	r.logger.Info("socket closed by last holder",
		logging.KeyPort, port,
		logging.KeyOwner, owner)
	r.bus.PublishReleased(port)
	return true, err
}

// Lookup returns the socket registered for port.
func (r *Registry) Lookup(port int) (*socket.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Owner returns the identity owning port, or "" if it is not registered.
func (r *Registry) Owner(port int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[port]; ok {
		return e.owner
	}
	return ""
}

// Holders returns the identities holding port.
func (r *Registry) Holders(port int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[port]; ok {
		return slices.Clone(e.holders)
	}
	return nil
}

// Len returns the number of registered ports.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the registered ports in ascending order.
func (r *Registry) Snapshot() []int {
	r.mu.Lock()
	ports := make([]int, 0, len(r.entries))
	for port := range r.entries {
		ports = append(ports, port)
	}
	r.mu.Unlock()

	sort.Ints(ports)
	return ports
}

// Entries returns a view of every registered port, ordered by port.
func (r *Registry) Entries() []EntryInfo {
	r.mu.Lock()
	infos := make([]EntryInfo, 0, len(r.entries))
	for port, e := range r.entries {
		info := EntryInfo{
			Port:      port,
			Owner:     e.owner,
			Holders:   slices.Clone(e.holders),
			Family:    string(e.handle.Family()),
			LocalAddr: e.handle.LocalAddr().String(),
			Broadcast: e.handle.Broadcast(),
			Receivers: e.handle.Receivers(),
			CreatedAt: e.createdAt,
		}
		for group := range e.groups {
			info.Groups = append(info.Groups, group)
		}
		sort.Strings(info.Groups)
		infos = append(infos, info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Port < infos[j].Port })
	return infos
}

func normalize(cfg socket.Config) socket.Config {
	if cfg.Family == "" {
		cfg.Family = socket.IPv4
	}
	if cfg.Mode == "" {
		cfg.Mode = socket.ModeOff
	}
	return cfg
}

func groupKey(group string) string {
	if ip := net.ParseIP(group); ip != nil {
		return ip.String()
	}
	return group
}
