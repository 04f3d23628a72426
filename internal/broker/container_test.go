package broker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/svchub/broker/internal/authz"
)

func countingFactory(calls *int) Factory {
	return func(ctx context.Context, identity Identity, opts Options, serviceBroker *View) (*FactoryResult, error) {
		*calls++
		return &FactoryResult{Service: identity}, nil
	}
}

func TestContainerVersionedExactMatch(t *testing.T) {
	c := NewContainer(ContainerOptions{})
	calc := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	c.RegisterServices(Registration{Identity: calc, Audience: Process})

	var calls int
	dispose, err := c.Proffer(NewInProcessFactory(c, calc, true, countingFactory(&calls)))
	if err != nil {
		t.Fatalf("proffer: %v", err)
	}
	defer dispose()

	view := c.GetFullAccessView()
	defer view.Close()

	proxy, err := view.GetProxy(context.Background(), calc, Options{})
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if proxy == nil {
		t.Fatal("expected a non-nil proxy")
	}
	if calls != 1 {
		t.Fatalf("expected the factory to be called exactly once, got %d", calls)
	}
	if got := proxy.(Identity); got != calc {
		t.Fatalf("expected factory to be invoked with %s, got %s", calc, got)
	}
}

func TestContainerVersionlessFallback(t *testing.T) {
	c := NewContainer(ContainerOptions{})
	calc := NewIdentity("Calc")
	c.RegisterServices(Registration{Identity: calc, Audience: Process})

	var calls int
	dispose, err := c.Proffer(NewInProcessFactory(c, calc, true, countingFactory(&calls)))
	if err != nil {
		t.Fatalf("proffer: %v", err)
	}
	defer dispose()

	view := c.GetFullAccessView()
	defer view.Close()

	requested := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	proxy, err := view.GetProxy(context.Background(), requested, Options{})
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if proxy == nil {
		t.Fatal("expected the versionless registration to answer a versioned request")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one factory call, got %d", calls)
	}
}

func TestContainerVersionMismatchIsNotRegistered(t *testing.T) {
	c := NewContainer(ContainerOptions{})
	calc := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	c.RegisterServices(Registration{Identity: calc, Audience: Process})

	var calls int
	dispose, err := c.Proffer(NewInProcessFactory(c, calc, true, countingFactory(&calls)))
	if err != nil {
		t.Fatalf("proffer: %v", err)
	}
	defer dispose()

	var gotMiss MissKind
	view := c.GetFullAccessView()
	view.telemetry = func(ev TelemetryEvent) { gotMiss = ev.Miss }
	defer view.Close()

	other := NewVersionedIdentity("Calc", NewVersion(1, 1, 0))
	proxy, err := view.GetProxy(context.Background(), other, Options{})
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if proxy != nil {
		t.Fatal("expected a nil proxy for an unmatched version")
	}
	if calls != 0 {
		t.Fatal("expected the factory not to be called")
	}
	if gotMiss != NotRegistered {
		t.Fatalf("expected NotRegistered, got %v", gotMiss)
	}
}

func TestContainerGuestDeniedByAuthorization(t *testing.T) {
	c := NewContainer(ContainerOptions{AuthzClient: authz.DenyAll{}})
	svc := NewVersionedIdentity("Svc", NewVersion(1, 0, 0))
	c.RegisterServices(Registration{
		Identity:          svc,
		Audience:          Process | LiveShareGuest,
		AllowGuestClients: false,
	})

	var calls int
	dispose, err := c.Proffer(NewInProcessFactory(c, svc, false, countingFactory(&calls)))
	if err != nil {
		t.Fatalf("proffer: %v", err)
	}
	defer dispose()

	guest := c.GetLimitedAccessView(LiveShareGuest, nil, KeepRequestCreds, "", "")
	defer guest.Close()

	proxy, err := guest.GetProxy(context.Background(), svc, Options{})
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if proxy != nil {
		t.Fatal("expected a nil proxy when the authorization service denies ownership")
	}
	if calls != 0 {
		t.Fatal("expected the factory not to be called when authorization denies")
	}
}

func TestContainerChaosDenyFromRemoteAllowsDirectButBlocksFacade(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/chaos.json"
	writeChaosFileAt(t, path, `{"brokeredServices": {"Svc/1.0.0": {"availability": "denyFromRemote"}}}`)

	c := NewContainer(ContainerOptions{})
	svc := NewVersionedIdentity("Svc", NewVersion(1, 0, 0))
	c.RegisterServices(Registration{Identity: svc, Audience: Process | TrustedExclusiveClient | LiveShareGuest})

	var calls int
	dispose, err := c.Proffer(NewInProcessFactory(c, svc, true, countingFactory(&calls)))
	if err != nil {
		t.Fatalf("proffer: %v", err)
	}
	defer dispose()

	if err := c.ApplyChaosPolicy(path, false); err != nil {
		t.Fatalf("apply chaos policy: %v", err)
	}

	view := c.GetFullAccessView()
	view.ExposeRemotely("brokertest")
	defer view.Close()

	proxy, err := view.GetProxy(context.Background(), svc, Options{})
	if err != nil {
		t.Fatalf("direct GetProxy: %v", err)
	}
	if proxy == nil {
		t.Fatal("expected a direct in-process GetProxy to be unaffected by denyFromRemote")
	}

	pipe, err := view.AcquireServicePipe(context.Background(), svc.String(), nil)
	if err != nil {
		t.Fatalf("AcquireServicePipe: %v", err)
	}
	if pipe != nil {
		t.Fatal("expected AcquireServicePipe (via the remote facade) to be denied under denyFromRemote")
	}
}

func TestContainerDualExposureHidesLocalFromRemoteConsumer(t *testing.T) {
	c := NewContainer(ContainerOptions{})
	svc := NewIdentity("S")
	c.RegisterServices(Registration{Identity: svc, Audience: Process | TrustedExclusiveClient})

	var calls int
	localDispose, err := c.Proffer(NewInProcessFactory(c, svc, true, countingFactory(&calls)))
	if err != nil {
		t.Fatalf("proffer local: %v", err)
	}
	defer localDispose()

	remoteEntry := newStubEntry(SourceTrustedExclusiveClient, svc)
	remoteDispose, err := c.Proffer(remoteEntry)
	if err != nil {
		t.Fatalf("proffer remote: %v", err)
	}

	// A view presenting the remote-side audience finds the registration
	// hidden while both a local and a remote proffer are live.
	remoteSideView := c.GetLimitedAccessView(TrustedExclusiveClient, nil, KeepRequestCreds, "", "")
	defer remoteSideView.Close()

	var gotMiss MissKind
	remoteSideView.telemetry = func(ev TelemetryEvent) { gotMiss = ev.Miss }

	proxy, err := remoteSideView.GetProxy(context.Background(), svc, Options{})
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if proxy != nil {
		t.Fatal("expected the local proffer to be hidden while a remote proffer is also live")
	}
	if gotMiss != LocalHiddenOnRemoteClient {
		t.Fatalf("expected LocalHiddenOnRemoteClient, got %v", gotMiss)
	}
	if calls != 0 {
		t.Fatal("expected the local factory not to be called")
	}

	if err := remoteDispose(); err != nil {
		t.Fatalf("dispose remote: %v", err)
	}

	proxy, err = remoteSideView.GetProxy(context.Background(), svc, Options{})
	if err != nil {
		t.Fatalf("GetProxy after remote removal: %v", err)
	}
	if proxy == nil {
		t.Fatal("expected the local factory to answer once the remote proffer is gone")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one factory call, got %d", calls)
	}
}

func TestContainerAvailabilityChangeDeliveredOnlyForImpactedIdentity(t *testing.T) {
	c := NewContainer(ContainerOptions{})
	x := NewIdentity("X")
	y := NewIdentity("Y")
	c.RegisterServices(
		Registration{Identity: x, Audience: Process},
		Registration{Identity: y, Audience: Process},
	)

	xFactory1 := NewInProcessFactory(c, x, true, countingFactory(new(int)))
	yFactory := NewInProcessFactory(c, y, true, countingFactory(new(int)))
	disposeX1, err := c.Proffer(xFactory1)
	if err != nil {
		t.Fatalf("proffer x1: %v", err)
	}
	disposeY, err := c.Proffer(yFactory)
	if err != nil {
		t.Fatalf("proffer y: %v", err)
	}
	defer disposeY()

	view := c.GetFullAccessView()
	defer view.Close()

	if _, err := view.GetProxy(context.Background(), x, Options{}); err != nil {
		t.Fatalf("GetProxy x: %v", err)
	}
	if _, err := view.GetProxy(context.Background(), y, Options{}); err != nil {
		t.Fatalf("GetProxy y: %v", err)
	}

	var mu sync.Mutex
	var events []map[Identity]bool
	unsub := view.OnAvailabilityChanged(func(impacted map[Identity]bool, otherImpacted bool) {
		mu.Lock()
		events = append(events, impacted)
		mu.Unlock()
	})
	defer unsub()

	if err := disposeX1(); err != nil {
		t.Fatalf("dispose x1: %v", err)
	}
	// The first delivered change removed X from the view's observed set;
	// requesting X again re-arms it so the re-proffer is delivered too.
	if _, err := view.GetProxy(context.Background(), x, Options{}); err != nil {
		t.Fatalf("GetProxy x after dispose: %v", err)
	}
	xFactory2 := NewInProcessFactory(c, x, true, countingFactory(new(int)))
	disposeX2, err := c.Proffer(xFactory2)
	if err != nil {
		t.Fatalf("proffer x2: %v", err)
	}
	defer disposeX2()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("expected at least 2 availability events for the two X proffer swaps, got %d", len(events))
	}
	for _, impacted := range events {
		if impacted[y] {
			t.Fatal("Y's winning provider never changed, it must not appear in an impacted set")
		}
		if !impacted[x] {
			t.Fatal("expected X in every impacted set produced while swapping X's proffer")
		}
	}
}

func TestContainerProfferRejectsInvariantViolationWithoutChangingIndex(t *testing.T) {
	c := NewContainer(ContainerOptions{})
	calc := NewIdentity("Calc")
	// never registered: proffering it must be rejected.
	before := c.index.snapshot()

	_, err := c.Proffer(newStubEntry(SourceSameProcess, calc))
	if err == nil {
		t.Fatal("expected ErrInvariantViolation for an unregistered moniker")
	}

	after := c.index.snapshot()
	if len(after.bySource) != len(before.bySource) {
		t.Fatal("a rejected proffer must leave the index unchanged")
	}
}

func writeChaosFileAt(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write chaos file: %v", err)
	}
}
