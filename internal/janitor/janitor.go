// Package janitor closes registered sockets on explicit command.
package janitor

import (
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/recovery"
)

// Registry is the part of the port registry the janitor needs.
type Registry interface {
	Snapshot() []int
	Owner(port int) string
	Release(port int) error
}

// ErrClosePanicked is wrapped by the error ClosePort returns when closing a
// socket panicked.
var ErrClosePanicked = errors.New("panic while closing socket")

// CloseCommand closes one port when Port is set and every registered port
// otherwise.
type CloseCommand struct {
	Port *int `json:"port,omitempty"`
}

// Janitor removes registry entries outside of error-driven rebinds.
type Janitor struct {
	reg    Registry
	logger *slog.Logger
}

// New creates a Janitor for reg.
func New(reg Registry, logger *slog.Logger) *Janitor {
	return &Janitor{
		reg:    reg,
		logger: logging.Component(logger, "janitor"),
	}
}

// ClosePort closes the socket registered for port and removes its entry.
// The entry is removed even if closing fails; the failure is logged and
// returned for reporting. A panic while closing is recovered and reported
// as an error wrapping ErrClosePanicked.
func (j *Janitor) ClosePort(port int) (err error) {
	owner := j.reg.Owner(port)

	func() {
		defer recovery.RecoverWithCallback(j.logger, "close-port", func(r any) {
			err = fmt.Errorf("port %d: %w: %v", port, ErrClosePanicked, r)
		})
		err = j.reg.Release(port)
	}()

	if err != nil {
		j.logger.Warn("error closing socket",
			logging.KeyPort, port,
			logging.KeyOwner, owner,
			logging.KeyError, err)
		return err
	}
	j.logger.Info("closed port",
		logging.KeyPort, port,
		logging.KeyOwner, owner)
	return nil
}

// CloseAll closes every port registered at the time of the call, continuing
// past individual failures. The returned error combines every failure.
func (j *Janitor) CloseAll() error {
	ports := j.reg.Snapshot()

	var errs error
	for _, port := range ports {
		errs = multierr.Append(errs, j.ClosePort(port))
	}

	j.logger.Info("closed all ports",
		logging.KeyCount, len(ports),
		"failed", len(multierr.Errors(errs)))
	return errs
}

// Handle executes cmd.
func (j *Janitor) Handle(cmd CloseCommand) error {
	if cmd.Port != nil {
		return j.ClosePort(*cmd.Port)
	}
	return j.CloseAll()
}
