package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/dnssd/internal/ports"
)

// resolveOp is the bookkeeping for one outstanding resolve. It joins the
// browser's active set before the resolver is called and leaves it only
// when the completion handler runs.
type resolveOp struct {
	id      uuid.UUID
	session uuid.UUID
	query   string
	started time.Time

	ctx     context.Context
	release context.CancelFunc
	// cancel is the resolver's token, set once Resolve has returned.
	cancel ports.CancelFunc
}

func newResolveOp(parent context.Context, session uuid.UUID, query string, timeout time.Duration) *resolveOp {
	ctx, release := context.WithTimeout(parent, timeout)
	return &resolveOp{
		id:      uuid.New(),
		session: session,
		query:   query,
		started: time.Now(),
		ctx:     ctx,
		release: release,
	}
}

// teardown returns what must run, outside the browser lock, to ask the
// resolver to stop. The op stays in the active set until the resolver
// reports completion.
func (op *resolveOp) teardown() func() {
	cancel, release := op.cancel, op.release
	return func() {
		if cancel != nil {
			cancel()
		}
		release()
	}
}

func resolveResult(err error, inSession, delivered bool) string {
	switch {
	case err != nil:
		return "failed"
	case !inSession:
		return "discarded"
	case !delivered:
		return "dropped"
	default:
		return "delivered"
	}
}
