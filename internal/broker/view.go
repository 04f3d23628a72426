package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/svchub/broker/internal/ipc"
	"github.com/svchub/broker/pkg/logger"
)

// View is the per-client filtered handle onto a Container: an audience,
// a set of credentials, and the observed-identity bookkeeping that
// drives availability fan-out (C6).
type View struct {
	container   *Container
	audience    Audience
	creds       map[string]string
	credsPolicy CredsPolicy
	culture     string
	uiCulture   string

	// internal views (the "secure view" a factory runs with, and probe
	// views used by the intrinsics) are never subscribed; only
	// container.newSubscribedView-produced views need Close to call
	// container.unsubscribe.
	internal bool

	telemetry TelemetryHook

	obsMu    sync.Mutex
	observed map[Identity]bool

	handlersMu    sync.Mutex
	handlers      map[int]func(impacted map[Identity]bool, otherImpacted bool)
	nextHandlerID int

	facadeMu sync.Mutex
	facade   *ipc.Server
}

// OnAvailabilityChanged registers handler to be invoked whenever an
// identity this view has previously observed changes its winning
// provider (C6). It returns an unsubscribe function; calling it more
// than once is a no-op. A *View satisfies the SubBroker interface via
// this method plus GetPipe/GetProxy, so a nested Container's full
// access view can be wrapped directly in a LocalSubBroker.
func (v *View) OnAvailabilityChanged(handler func(impacted map[Identity]bool, otherImpacted bool)) (unsubscribe func()) {
	v.handlersMu.Lock()
	if v.handlers == nil {
		v.handlers = map[int]func(map[Identity]bool, bool){}
	}
	id := v.nextHandlerID
	v.nextHandlerID++
	v.handlers[id] = handler
	v.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.handlersMu.Lock()
			delete(v.handlers, id)
			v.handlersMu.Unlock()
		})
	}
}

// Audience reports the view's consuming audience.
func (v *View) Audience() Audience { return v.audience }

// pipelineOutcome is what steps 1-3 of the request pipeline produce:
// either a winning entry ready for dispatch, or nothing — in which
// case the caller returns (nil, nil) without ever calling an entry
// method.
type pipelineOutcome struct {
	entry    ProfferedEntry
	matchID  Identity
	opts     Options
	miss     Miss
	hasEntry bool
	started  time.Time
}

// begin runs steps 1-3 of the request pipeline (cancellation, options
// filter, lookup with host-activation retry) and records the lookup
// metric. Every caller must call v.recordObserved(identity) and
// v.report(...) once it knows the final outcome — begin does not do
// either, since GetPipe/GetProxy/AcquireServicePipe each need to run an
// entry method in between.
func (v *View) begin(ctx context.Context, identity Identity, opts Options, viaRemoteFacade bool) (pipelineOutcome, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return pipelineOutcome{started: started}, err
	}

	filtered := v.applyOptionsFilter(opts)
	result := v.lookupWithHostActivation(identity, viaRemoteFacade)
	v.container.metricsHook.ObserveLookup(result, time.Since(started))

	if !result.Hit() {
		return pipelineOutcome{miss: result.Miss, started: started}, nil
	}
	return pipelineOutcome{entry: result.Entry, matchID: result.MatchID, opts: filtered, hasEntry: true, started: started}, nil
}

// GetPipe runs the request pipeline and dispatches to the winning
// entry's GetPipe. A nil, nil result means a miss or a factory-level
// null, not an error.
func (v *View) GetPipe(ctx context.Context, identity Identity, opts Options) (net.Conn, error) {
	defer v.recordObserved(identity)

	outcome, err := v.begin(ctx, identity, opts, false)
	if err != nil {
		return nil, err
	}
	if !outcome.hasEntry {
		v.report(identity, TelemetryDeclinedNotFound, outcome.miss.Kind, time.Since(outcome.started))
		return nil, nil
	}

	pipe, err := outcome.entry.GetPipe(ctx, v, outcome.matchID, outcome.opts)
	return v.finishPipe(ctx, identity, outcome, pipe, err)
}

// GetProxy runs the request pipeline and dispatches to the winning
// entry's GetProxy.
func (v *View) GetProxy(ctx context.Context, identity Identity, opts Options) (any, error) {
	defer v.recordObserved(identity)

	outcome, err := v.begin(ctx, identity, opts, false)
	if err != nil {
		return nil, err
	}
	if !outcome.hasEntry {
		v.report(identity, TelemetryDeclinedNotFound, outcome.miss.Kind, time.Since(outcome.started))
		return nil, nil
	}

	proxy, err := outcome.entry.GetProxy(ctx, v, outcome.matchID, outcome.opts)
	return v.finishProxy(identity, outcome, proxy, err)
}

// AcquireServicePipe implements internal/ipc.ChannelProvider: the
// remote facade's entry point for a freshly acquired service pipe,
// tagged as having entered via the remote IPC facade for chaos policy
// purposes.
func (v *View) AcquireServicePipe(ctx context.Context, identityStr string, activationArgs map[string]string) (net.Conn, error) {
	identity, err := ParseIdentity(identityStr)
	if err != nil {
		return nil, err
	}
	defer v.recordObserved(identity)

	outcome, err := v.begin(ctx, identity, Options{ActivationArguments: activationArgs}, true)
	if err != nil {
		return nil, err
	}
	if !outcome.hasEntry {
		v.report(identity, TelemetryDeclinedNotFound, outcome.miss.Kind, time.Since(outcome.started))
		return nil, nil
	}

	pipe, err := outcome.entry.GetPipe(ctx, v, outcome.matchID, outcome.opts)
	return v.finishPipe(ctx, identity, outcome, pipe, err)
}

// finishPipe and finishProxy implement the error-classification and
// telemetry tail shared by every dispatch call: a caller cancellation
// surfaces unchanged, an activation fault is counted and surfaced, a
// nil result is a factory-level decline, otherwise the call is
// fulfilled.
func (v *View) finishPipe(ctx context.Context, identity Identity, outcome pipelineOutcome, pipe net.Conn, err error) (net.Conn, error) {
	if err != nil {
		return nil, v.classifyAndReport(ctx, identity, outcome, err)
	}
	if pipe == nil {
		v.report(identity, TelemetryDeclined, FactoryReturnedNull, time.Since(outcome.started))
		return nil, nil
	}
	v.report(identity, TelemetryFulfilled, NoExplanation, time.Since(outcome.started))
	return pipe, nil
}

func (v *View) finishProxy(identity Identity, outcome pipelineOutcome, proxy any, err error) (any, error) {
	if err != nil {
		return nil, v.classifyAndReport(context.Background(), identity, outcome, err)
	}
	if proxy == nil {
		v.report(identity, TelemetryDeclined, FactoryReturnedNull, time.Since(outcome.started))
		return nil, nil
	}
	v.report(identity, TelemetryFulfilled, NoExplanation, time.Since(outcome.started))
	return proxy, nil
}

func (v *View) classifyAndReport(ctx context.Context, identity Identity, outcome pipelineOutcome, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		v.report(identity, TelemetryDeclined, NoExplanation, time.Since(outcome.started))
		return err
	}
	var failed *ServiceActivationFailed
	if errors.As(err, &failed) {
		v.container.metricsHook.ObserveActivationFault(failed.Fault)
	}
	v.report(identity, TelemetryDeclined, NoExplanation, time.Since(outcome.started))
	return err
}

// lookupWithHostActivation runs the lookup engine, and on
// FactoryNotProffered attempts one best-effort host activation retry
// per the registration's ProfferingHostID.
func (v *View) lookupWithHostActivation(identity Identity, viaRemoteFacade bool) lookupResult {
	result := v.doLookup(identity, viaRemoteFacade)
	if result.Hit() || result.Miss.Kind != FactoryNotProffered {
		return result
	}

	c := v.container
	c.mu.RLock()
	matchID, reg, ok := resolveUncached(identity, c.registered)
	c.mu.RUnlock()
	if !ok || !reg.HasHostActivation() || c.hostLoaded(reg.ProfferingHostID) {
		return result
	}
	if !c.markHostLoaded(reg.ProfferingHostID) {
		return result
	}
	if err := reg.ActivateHost(); err != nil {
		logger.Warnf("broker: host activation for %s failed: %v", matchID, err)
		return result
	}
	return v.doLookup(identity, viaRemoteFacade)
}

func (v *View) doLookup(identity Identity, viaRemoteFacade bool) lookupResult {
	snapshot, registered, chaos, generation := v.container.snapshotForLookup()
	in := lookupInput{
		identity:                  identity,
		audience:                  v.audience,
		snapshot:                  snapshot,
		registered:                registered,
		chaos:                     chaos,
		viaRemoteFacade:           viaRemoteFacade,
		isClientOfExclusiveServer: v.container.isClientOfExclusiveServer,
	}
	return lookup(in, v.container.resolveCache, generation)
}

// applyOptionsFilter implements step 2 of the request pipeline: when
// creds-policy is FilterOverridesRequest, or the incoming credentials
// map is empty, the view's own credentials replace the caller's;
// otherwise the caller's are kept. Culture fields are filled in only
// when the caller left them empty.
func (v *View) applyOptionsFilter(opts Options) Options {
	out := opts
	if v.credsPolicy == FilterOverridesRequest || len(opts.Credentials) == 0 {
		out.Credentials = v.creds
	}
	if out.Culture == "" {
		out.Culture = v.culture
	}
	if out.UICulture == "" {
		out.UICulture = v.uiCulture
	}
	return out
}

// recordObserved implements step 5 of the request pipeline: the
// identity is recorded in observed only after the operation returns,
// so a mid-request proffer change still delivers an event to this
// client for the next change (scenario S7).
func (v *View) recordObserved(identity Identity) {
	v.obsMu.Lock()
	v.observed[identity] = true
	v.obsMu.Unlock()
}

func (v *View) report(identity Identity, kind TelemetryKind, missKind MissKind, d time.Duration) {
	hook := v.telemetry
	if hook == nil {
		hook = defaultTelemetryHook
	}
	hook(TelemetryEvent{Identity: identity, Audience: v.audience, Kind: kind, Miss: missKind, Duration: d})
}

// Close unsubscribes the view from the container's availability
// stream and drops its reference to any remote facade it installed;
// requests still pending on that facade are not canceled. Safe to call
// more than once.
func (v *View) Close() error {
	if !v.internal {
		v.container.unsubscribe(v)
	}
	v.facadeMu.Lock()
	v.facade = nil
	v.facadeMu.Unlock()
	return nil
}

// ExposeRemotely installs this view's remote IPC facade (Handshake,
// RequestServiceChannel, CancelServiceRequest) under namePrefix. It is
// the entry point a process hosting a nested broker uses to let
// out-of-process clients reach this view the same way a local caller
// reaches it through GetPipe.
func (v *View) ExposeRemotely(namePrefix string) {
	v.facadeMu.Lock()
	defer v.facadeMu.Unlock()
	v.facade = ipc.NewServer(v, namePrefix)
}

// Handshake validates a connecting client's advertised metadata before
// any RequestServiceChannel call; see internal/ipc.Handshake.
func (v *View) Handshake(meta ipc.ClientMetadata) error {
	return ipc.Handshake(meta)
}

// RequestServiceChannel is the remote facade's entry point: it installs
// a fresh per-request pipe, splicing it to whatever AcquireServicePipe
// produces for identity once a client connects.
func (v *View) RequestServiceChannel(ctx context.Context, identity string, activationArgs map[string]string) (requestID, pipeName string, err error) {
	v.facadeMu.Lock()
	facade := v.facade
	v.facadeMu.Unlock()
	if facade == nil {
		return "", "", fmt.Errorf("broker: view has no remote facade installed")
	}
	return facade.RequestServiceChannel(ctx, identity, activationArgs)
}

// CancelServiceRequest aborts a still-pending RequestServiceChannel
// call; a no-op once the request has already been served or expired.
func (v *View) CancelServiceRequest(requestID string) {
	v.facadeMu.Lock()
	facade := v.facade
	v.facadeMu.Unlock()
	if facade != nil {
		facade.CancelServiceRequest(requestID)
	}
}
