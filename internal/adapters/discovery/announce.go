package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/helpers/netutil"
	"github.com/eleven-am/dnssd/internal/ports"
)

var errNoAddress = fmt.Errorf("%w: no IPv4 address to announce", domain.ErrResolverUnavailable)

// unavailable marks err as domain.ErrResolverUnavailable.
func unavailable(err error) error {
	if err == nil || errors.Is(err, domain.ErrResolverUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrResolverUnavailable, err)
}

// networkError marks err unavailable only when it says the host has no
// usable multicast network; anything else is returned as is.
func networkError(err error) error {
	if netutil.IsNetworkUnavailable(err) {
		return unavailable(err)
	}
	return err
}

// announcement is the handle both multicast backends return from Register.
// The responder is started on another goroutine; ready closes once that
// attempt has finished, successfully or not.
type announcement struct {
	name    string
	ready   chan struct{}
	stop    func()
	removed atomic.Bool
}

func newAnnouncement(name string) *announcement {
	return &announcement{name: name, ready: make(chan struct{})}
}

func (a *announcement) InstanceName() string {
	return a.name
}

// started records the responder's shutdown hook, nil when it never came up.
func (a *announcement) started(stop func()) {
	a.stop = stop
	close(a.ready)
}

func withdraw(logger *slog.Logger, handle ports.InstanceHandle, onDone ports.CompletionHandler) error {
	a, ok := handle.(*announcement)
	if !ok || a == nil {
		return fmt.Errorf("%w: foreign instance handle", domain.ErrInvalidInput)
	}
	if !a.removed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s already deregistered", domain.ErrNotRegistered, a.name)
	}

	go func() {
		<-a.ready
		if a.stop != nil {
			a.stop()
		}
		logger.Debug("withdrawn", "instance", a.name)
		onDone(nil)
	}()
	return nil
}
