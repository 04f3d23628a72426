package broker

import (
	"context"
	"net"
)

// SubBroker is the inner broker implementation a LocalSubBroker wraps:
// any object that already knows how to answer GetPipe/GetProxy for its
// own pre-declared identity set and can notify on availability changes.
// A *View of a nested Container (e.g. its full-access view) satisfies
// this interface.
type SubBroker interface {
	GetPipe(ctx context.Context, identity Identity, opts Options) (net.Conn, error)
	GetProxy(ctx context.Context, identity Identity, opts Options) (any, error)
	OnAvailabilityChanged(handler func(impacted map[Identity]bool, otherImpacted bool)) (unsubscribe func())
}

// LocalSubBroker wraps another broker implementation proffering a
// pre-declared identity set. It forwards GetPipe/GetProxy unchanged
// and republishes the inner broker's own change events as its own,
// since lookup.go's precedence engine never looks inside it.
type LocalSubBroker struct {
	container *Container
	source    Source
	monikers  map[Identity]bool
	inner     SubBroker
	unsub     func()
}

// NewLocalSubBroker subscribes to the inner broker's change stream for
// the lifetime of the returned entry; Dispose tears the subscription
// down.
func NewLocalSubBroker(container *Container, source Source, monikers map[Identity]bool, inner SubBroker) *LocalSubBroker {
	e := &LocalSubBroker{container: container, source: source, monikers: monikers, inner: inner}
	e.unsub = inner.OnAvailabilityChanged(func(impacted map[Identity]bool, otherImpacted bool) {
		affected := impacted
		if otherImpacted {
			affected = e.monikers
		}
		container.publishForwardedChange(e, affected, otherImpacted)
	})
	return e
}

func (e *LocalSubBroker) Source() Source { return e.source }

func (e *LocalSubBroker) Monikers() map[Identity]bool { return e.monikers }

func (e *LocalSubBroker) GetPipe(ctx context.Context, requester *View, identity Identity, opts Options) (net.Conn, error) {
	return e.inner.GetPipe(ctx, identity, opts)
}

func (e *LocalSubBroker) GetProxy(ctx context.Context, requester *View, identity Identity, opts Options) (any, error) {
	return e.inner.GetProxy(ctx, identity, opts)
}

func (e *LocalSubBroker) Dispose() error {
	if e.unsub != nil {
		e.unsub()
	}
	return nil
}
