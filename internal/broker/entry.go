package broker

import (
	"context"
	"net"

	"github.com/svchub/broker/internal/authz"
)

// CredsPolicy controls how a view's stored credentials interact with
// the credentials a caller supplies on a single request.
type CredsPolicy int

const (
	// KeepRequestCreds uses the caller-supplied credentials as-is.
	KeepRequestCreds CredsPolicy = iota
	// FilterOverridesRequest replaces caller-supplied credentials with
	// the view's own, regardless of what the caller passed.
	FilterOverridesRequest
)

// Options carries the per-request parameters threaded through GetPipe
// and GetProxy: caller credentials, locale hints, an optional
// pre-established client callback channel, and activation arguments
// forwarded to host activation and the IPC facade.
type Options struct {
	Credentials           map[string]string
	CredsPolicy           CredsPolicy
	Culture                string
	UICulture              string
	ClientCallbackChannel  net.Conn
	ActivationArguments    map[string]string
}

// Descriptor is the RPC descriptor contract a service factory returns
// alongside its instance: how to adapt a raw duplex pipe into an RPC
// connection, and how to build a local same-process proxy.
type Descriptor struct {
	Identity                  Identity
	ClientInterfaceName       string
	ExtraInterfaces           []string
	ConstructServerConnection func(pipe net.Conn) error
	ConstructLocalProxy       func(service any) (any, error)
}

// FactoryResult is what a Factory produces: the service instance plus
// the descriptor describing how to wire it onto a pipe or a proxy.
type FactoryResult struct {
	Service    any
	Descriptor Descriptor
}

// Factory is the plain factory contract: no authorization client, no
// view parameterization.
type Factory func(ctx context.Context, identity Identity, opts Options, serviceBroker *View) (*FactoryResult, error)

// AuthorizingFactory is a Factory that additionally takes ownership of
// the authorization client the entry acquired to clear the ownership
// check, so the factory can reuse it (e.g. to scope a nested request).
type AuthorizingFactory func(ctx context.Context, identity Identity, opts Options, serviceBroker *View, auth authz.Client) (*FactoryResult, error)

// ViewIntrinsicFactory is a Factory that additionally receives the
// requesting view itself, for services whose answer depends on who is
// asking (the manifest and missing-service analyzer intrinsics).
type ViewIntrinsicFactory func(ctx context.Context, requester *View, identity Identity, opts Options, serviceBroker *View) (*FactoryResult, error)

// ProfferedEntry is the common capability set shared by all four
// proffer variants: InProcessFactory, LocalSubBroker, RemoteBroker, and
// ViewIntrinsic. The requester view is threaded through every variant's
// GetPipe/GetProxy uniformly — only ViewIntrinsic reads it — so the
// dispatcher in view.go never needs a type switch to decide whether a
// view is required; it always has one to give.
type ProfferedEntry interface {
	Source() Source
	Monikers() map[Identity]bool
	GetPipe(ctx context.Context, requester *View, identity Identity, opts Options) (net.Conn, error)
	GetProxy(ctx context.Context, requester *View, identity Identity, opts Options) (any, error)
	Dispose() error
}

// AvailabilityChange is the payload an entry (or the index itself)
// publishes on a proffer/dispose/forwarded inner-broker event.
type AvailabilityChange struct {
	OldSnapshot   *profferSnapshot
	Entry         ProfferedEntry
	AffectedIDs   map[Identity]bool
	OtherImpacted bool
}

// secureView derives the "secure view" a factory is invoked with: a
// view presenting only Process audience and the caller's credentials,
// never the possibly-broader audience of the view that originated the
// request.
func secureView(container *Container, opts Options) *View {
	return container.newInternalView(Process, opts.Credentials, opts.CredsPolicy, opts.Culture, opts.UICulture)
}

// checkOwnership runs the authorization precondition described for
// proffered entries: when a registration disallows guest clients, the
// entry must confirm "client is owner" with the authorization service
// before invoking its factory. ok is false when the check is required
// and fails (or no authorization service is configured); the caller
// must then decline without invoking the factory.
func checkOwnership(ctx context.Context, container *Container, allowGuestClients bool, opts Options) (client authz.Client, ok bool) {
	if allowGuestClients {
		return nil, true
	}
	if container.authzClient == nil {
		return nil, false
	}
	owner, err := container.authzClient.IsClientOwner(ctx, opts.Credentials)
	if err != nil || !owner {
		return nil, false
	}
	return container.authzClient, true
}

// runFactory is the shared invocation shape behind every variant's
// GetPipe/GetProxy: honor cancellation, run the authorization
// precondition, then call produce. A declined authorization check
// returns (nil, nil) — a factory-level null, not an error. Any error
// produce returns is wrapped once as ServiceActivationFailed, except
// context cancellation, which is returned unchanged.
func runFactory(
	ctx context.Context,
	container *Container,
	identity Identity,
	allowGuestClients bool,
	opts Options,
	produce func(ctx context.Context, secure *View, auth authz.Client) (*FactoryResult, error),
) (*FactoryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	auth, ok := checkOwnership(ctx, container, allowGuestClients, opts)
	if !ok {
		return nil, nil
	}
	result, err := produce(ctx, secureView(container, opts), auth)
	if err != nil {
		return nil, WrapActivationError(identity, FaultFactory, err)
	}
	return result, nil
}

// newDuplexPipe creates the bidirectional byte pipe pair GetPipe hands
// out: the inner half is wired to the RPC layer via the descriptor's
// ConstructServerConnection, the outer half is returned to the caller.
func newDuplexPipe() (outer, inner net.Conn) {
	return net.Pipe()
}

// pipeFromResult turns a FactoryResult into the outer half of a duplex
// pipe, wiring the inner half through the descriptor's RPC connection
// constructor if one is present. On any wiring failure both halves are
// closed and the error is wrapped as a remote-channel fault.
func pipeFromResult(identity Identity, result *FactoryResult) (net.Conn, error) {
	if result == nil {
		return nil, nil
	}
	outer, inner := newDuplexPipe()
	if result.Descriptor.ConstructServerConnection == nil {
		return outer, nil
	}
	if err := result.Descriptor.ConstructServerConnection(inner); err != nil {
		outer.Close()
		inner.Close()
		return nil, WrapActivationError(identity, FaultRemoteChannel, err)
	}
	return outer, nil
}

// proxyFromResult turns a FactoryResult into a local same-process
// proxy via the descriptor's proxy constructor, or returns the raw
// service when the descriptor declines to wrap it.
func proxyFromResult(result *FactoryResult) (any, error) {
	if result == nil {
		return nil, nil
	}
	if result.Descriptor.ConstructLocalProxy == nil {
		return result.Service, nil
	}
	return result.Descriptor.ConstructLocalProxy(result.Service)
}

// monikerSet is a small constructor helper so variant files don't each
// repeat the "build a one-or-many identity set" boilerplate.
func monikerSet(ids ...Identity) map[Identity]bool {
	m := make(map[Identity]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
