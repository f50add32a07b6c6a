package ports

import (
	"context"

	"github.com/eleven-am/dnssd/internal/domain"
)

// PtrHandler receives the full instance name of each PTR record seen by a
// browse. It may run on any goroutine, concurrently with other handlers.
type PtrHandler func(instanceName string)

// ResolveHandler receives the outcome of one resolve. Implementations call
// it exactly once per successfully issued Resolve, including after
// cancellation (with a context error).
type ResolveHandler func(record domain.ServiceRecord, err error)

// CompletionHandler receives the outcome of a register or deregister call.
// Implementations call it exactly once per successfully issued call.
type CompletionHandler func(err error)

type Subscription interface {
	Cancel()
}

type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }

type CancelFunc func()

// InstanceHandle is the resolver's opaque reference to an announced
// instance. It is only ever passed back to Deregister once.
type InstanceHandle interface {
	InstanceName() string
}

// Resolver is the multicast DNS collaborator the engine drives. Issuing
// calls return quickly; completions arrive through the handlers, possibly
// before the issuing call has returned.
type Resolver interface {
	Name() string
	Browse(ctx context.Context, query string, onPtr PtrHandler) (Subscription, error)
	Resolve(ctx context.Context, instanceName string, onDone ResolveHandler) (CancelFunc, error)
	Register(ctx context.Context, instance domain.Instance, onDone CompletionHandler) (InstanceHandle, error)
	Deregister(handle InstanceHandle, onDone CompletionHandler) error
}

// ResolverCloser is implemented by resolvers holding process resources.
type ResolverCloser interface {
	Close() error
}
