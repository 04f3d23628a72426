package broker

import (
	"context"
	"fmt"
	"net"
)

// ViewIntrinsic is like InProcessFactory but its factory additionally
// receives the requesting view — the manifest and missing-service
// analyzer intrinsics both need to know who is asking. It is only
// ever reachable through view.go's dispatcher, which is the only
// caller able to supply the requester parameter every ProfferedEntry
// method requires.
type ViewIntrinsic struct {
	container *Container
	identity  Identity
	factory   ViewIntrinsicFactory
}

// NewViewIntrinsic builds a ViewIntrinsic entry. Intrinsics never
// require ownership checks: they answer questions about what the
// requester can already see, not grant access to anything new.
func NewViewIntrinsic(container *Container, identity Identity, factory ViewIntrinsicFactory) *ViewIntrinsic {
	return &ViewIntrinsic{container: container, identity: identity, factory: factory}
}

func (e *ViewIntrinsic) Source() Source { return SourceSameProcess }

func (e *ViewIntrinsic) Monikers() map[Identity]bool { return monikerSet(e.identity) }

func (e *ViewIntrinsic) invoke(ctx context.Context, requester *View, identity Identity, opts Options) (*FactoryResult, error) {
	if requester == nil {
		return nil, fmt.Errorf("broker: view-intrinsic entry %s invoked without a requester view", identity)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := e.factory(ctx, requester, identity, opts, secureView(e.container, opts))
	if err != nil {
		return nil, WrapActivationError(identity, FaultFactory, err)
	}
	return result, nil
}

func (e *ViewIntrinsic) GetPipe(ctx context.Context, requester *View, identity Identity, opts Options) (net.Conn, error) {
	result, err := e.invoke(ctx, requester, identity, opts)
	if err != nil {
		return nil, err
	}
	return pipeFromResult(identity, result)
}

func (e *ViewIntrinsic) GetProxy(ctx context.Context, requester *View, identity Identity, opts Options) (any, error) {
	result, err := e.invoke(ctx, requester, identity, opts)
	if err != nil {
		return nil, err
	}
	return proxyFromResult(result)
}

// Dispose is a no-op: intrinsics own no resources beyond the container
// they introspect.
func (e *ViewIntrinsic) Dispose() error { return nil }
