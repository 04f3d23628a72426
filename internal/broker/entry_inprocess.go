package broker

import (
	"context"
	"net"

	"github.com/svchub/broker/internal/authz"
)

// InProcessFactory owns a factory closure and the service's descriptor;
// it serves exactly the one identity it was registered for.
type InProcessFactory struct {
	container         *Container
	identity          Identity
	allowGuestClients bool
	factory           Factory
	authFactory       AuthorizingFactory
}

// NewInProcessFactory wraps a plain Factory.
func NewInProcessFactory(container *Container, identity Identity, allowGuestClients bool, factory Factory) *InProcessFactory {
	return &InProcessFactory{container: container, identity: identity, allowGuestClients: allowGuestClients, factory: factory}
}

// NewAuthorizingInProcessFactory wraps a Factory that takes ownership
// of the authorization client used to clear the ownership check.
func NewAuthorizingInProcessFactory(container *Container, identity Identity, authFactory AuthorizingFactory) *InProcessFactory {
	return &InProcessFactory{container: container, identity: identity, allowGuestClients: false, authFactory: authFactory}
}

func (e *InProcessFactory) Source() Source { return SourceSameProcess }

func (e *InProcessFactory) Monikers() map[Identity]bool { return monikerSet(e.identity) }

func (e *InProcessFactory) invoke(ctx context.Context, requester *View, identity Identity, opts Options) (*FactoryResult, error) {
	return runFactory(ctx, e.container, identity, e.allowGuestClients, opts, func(ctx context.Context, secure *View, auth authz.Client) (*FactoryResult, error) {
		if e.authFactory != nil {
			return e.authFactory(ctx, identity, opts, secure, auth)
		}
		return e.factory(ctx, identity, opts, secure)
	})
}

func (e *InProcessFactory) GetPipe(ctx context.Context, requester *View, identity Identity, opts Options) (net.Conn, error) {
	result, err := e.invoke(ctx, requester, identity, opts)
	if err != nil {
		return nil, err
	}
	return pipeFromResult(identity, result)
}

func (e *InProcessFactory) GetProxy(ctx context.Context, requester *View, identity Identity, opts Options) (any, error) {
	result, err := e.invoke(ctx, requester, identity, opts)
	if err != nil {
		return nil, err
	}
	return proxyFromResult(result)
}

// Dispose is a no-op: an InProcessFactory owns no resources beyond the
// factory closure itself, which the registrant still owns.
func (e *InProcessFactory) Dispose() error { return nil }
