package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/svchub/broker/internal/authz"
	"github.com/svchub/broker/pkg/logger"
)

// ContainerOptions configures a Container at construction.
type ContainerOptions struct {
	// AuthzClient answers "client is owner" checks for registrations
	// with AllowGuestClients = false. A nil client means every such
	// check fails closed.
	AuthzClient authz.Client
	// IsClientOfExclusiveServer marks this container as depending
	// exclusively on a remote server for TrustedExclusiveClient
	// registrations (lookup.go step 5).
	IsClientOfExclusiveServer bool
	// ResolveCacheSize bounds the versionless-fallback resolution
	// cache; zero selects a default.
	ResolveCacheSize int
	// KeepaliveSchedule is a standard cron expression for the
	// remote-source keepalive sweep; empty disables it.
	KeepaliveSchedule string
	// ProfferingPackage is recorded in diagnostics export as the
	// owning package/process name.
	ProfferingPackage string
	// MetricsRegisterer is where this Container's Prometheus collectors
	// are registered. Nil (the default, and what every test uses)
	// allocates a private registry so sibling Containers in the same
	// process never collide; pass prometheus.DefaultRegisterer to make
	// a single production Container's metrics scrapeable process-wide.
	MetricsRegisterer prometheus.Registerer
}

// Container is the facade: it holds the lock, the tables, the
// availability subscriber list, and the chaos policy, and hands out
// Views to callers.
type Container struct {
	mu sync.RWMutex

	registered  map[Identity]Registration
	index       *profferIndex
	loadedHosts map[string]bool

	generation   atomic.Uint64
	resolveCache *resolveRegistrationCache

	chaos *chaosWatcher

	authzClient               authz.Client
	isClientOfExclusiveServer bool
	profferingPackage         string

	subMu       sync.Mutex
	subscribers map[*View]struct{}

	metricsHook *Metrics

	cron *cron.Cron
}

// NewContainer builds an empty Container and registers its two
// built-in intrinsic services (manifest, missing-service analyzer).
func NewContainer(opts ContainerOptions) *Container {
	registerer := opts.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	c := &Container{
		registered:                map[Identity]Registration{},
		index:                     newProfferIndex(),
		loadedHosts:               map[string]bool{},
		resolveCache:              newResolveRegistrationCache(opts.ResolveCacheSize),
		authzClient:               opts.AuthzClient,
		isClientOfExclusiveServer: opts.IsClientOfExclusiveServer,
		profferingPackage:         opts.ProfferingPackage,
		subscribers:               map[*View]struct{}{},
		metricsHook:               NewMetricsWithRegistry(registerer),
	}
	c.registerIntrinsics()

	if opts.KeepaliveSchedule != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(opts.KeepaliveSchedule, c.keepaliveSweep); err != nil {
			logger.Errorf("broker: invalid keepalive schedule %q: %v", opts.KeepaliveSchedule, err)
		} else {
			c.cron.Start()
		}
	}
	return c
}

func (c *Container) registerIntrinsics() {
	manifestID := NewIdentity("broker.ManifestService")
	analyzerID := NewIdentity("broker.MissingServiceAnalyzer")

	c.RegisterServices(
		Registration{Identity: manifestID, Audience: Process | SameMachine, AllowGuestClients: true},
		Registration{Identity: analyzerID, Audience: Process | SameMachine, AllowGuestClients: true},
	)

	manifestEntry := NewViewIntrinsic(c, manifestID, manifestFactory)
	analyzerEntry := NewViewIntrinsic(c, analyzerID, analyzerFactory)

	if _, err := c.Proffer(manifestEntry); err != nil {
		logger.Errorf("broker: proffer manifest intrinsic: %v", err)
	}
	if _, err := c.Proffer(analyzerEntry); err != nil {
		logger.Errorf("broker: proffer missing-service analyzer intrinsic: %v", err)
	}
}

// RegisterServices installs Registrations. Re-registering an already
// present identity is ignored with a warning.
func (c *Container) RegisterServices(regs ...Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range regs {
		if _, exists := c.registered[r.Identity]; exists {
			logger.Warnf("broker: identity %s already registered, ignoring re-registration", r.Identity)
			continue
		}
		c.registered[r.Identity] = r
	}
	c.generation.Add(1)
}

// Proffer installs entry into the proffer index and returns a dispose
// function the caller must invoke exactly once (additional calls are
// no-ops) to retract it.
func (c *Container) Proffer(entry ProfferedEntry) (dispose func() error, err error) {
	c.mu.Lock()
	old, affected, err := c.index.insert(entry, c.registered)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.metricsHook.ObserveProffer(entry.Source())
	c.publishChange(old, entry, affected, false)

	var once sync.Once
	return func() error {
		var disposeErr error
		once.Do(func() {
			disposeErr = c.dispose(entry)
		})
		return disposeErr
	}, nil
}

func (c *Container) dispose(entry ProfferedEntry) error {
	c.mu.Lock()
	old, affected := c.index.remove(entry)
	c.mu.Unlock()

	c.metricsHook.ObserveDispose(entry.Source())
	c.publishChange(old, entry, affected, false)
	return entry.Dispose()
}

// newInternalView builds a view that is not tracked in the subscriber
// list and carries no caller-visible handle: used for the "secure
// view" a factory is invoked with, and for intrinsic probes.
func (c *Container) newInternalView(audience Audience, creds map[string]string, policy CredsPolicy, culture, uiCulture string) *View {
	return &View{
		container:   c,
		audience:    audience.Normalize(),
		creds:       creds,
		credsPolicy: policy,
		culture:     culture,
		uiCulture:   uiCulture,
		observed:    map[Identity]bool{},
		internal:    true,
	}
}

// GetFullAccessView returns a view presenting the empty audience — the
// "no filter" value every registration is exposed to regardless of its
// own audience — subscribed to the container's availability stream.
func (c *Container) GetFullAccessView() *View {
	return c.newSubscribedView(Audience(0), nil, KeepRequestCreds, "", "")
}

// GetLimitedAccessView returns a view scoped to audience and creds,
// subscribed to the container's availability stream.
func (c *Container) GetLimitedAccessView(audience Audience, creds map[string]string, policy CredsPolicy, culture, uiCulture string) *View {
	return c.newSubscribedView(audience, creds, policy, culture, uiCulture)
}

func (c *Container) newSubscribedView(audience Audience, creds map[string]string, policy CredsPolicy, culture, uiCulture string) *View {
	v := &View{
		container:   c,
		audience:    audience.Normalize(),
		creds:       creds,
		credsPolicy: policy,
		culture:     culture,
		uiCulture:   uiCulture,
		observed:    map[Identity]bool{},
	}
	c.subMu.Lock()
	c.subscribers[v] = struct{}{}
	c.subMu.Unlock()
	return v
}

// unsubscribe removes v from the subscriber list; called when a view
// is dropped (Close).
func (c *Container) unsubscribe(v *View) {
	c.subMu.Lock()
	delete(c.subscribers, v)
	c.subMu.Unlock()
}

// ApplyChaosPolicy (re)installs a chaos policy from path, replacing
// any previously installed watcher. watch controls whether the file is
// hot-reloaded afterward.
func (c *Container) ApplyChaosPolicy(path string, watch bool) error {
	w, err := newChaosWatcher(path, watch, c.registeredSnapshot)
	if err != nil {
		return fmt.Errorf("broker: apply chaos policy: %w", err)
	}
	c.mu.Lock()
	old := c.chaos
	c.chaos = w
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// snapshotForLookup gathers the inputs lookup.go needs under a single
// read lock acquisition.
func (c *Container) snapshotForLookup() (*profferSnapshot, map[Identity]Registration, *chaosPolicy, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	registeredCopy := make(map[Identity]Registration, len(c.registered))
	for k, v := range c.registered {
		registeredCopy[k] = v
	}
	var chaosSnap *chaosPolicy
	if c.chaos != nil {
		chaosSnap = c.chaos.snapshot()
	}
	return c.index.snapshot(), registeredCopy, chaosSnap, c.generation.Load()
}

// registeredSnapshot copies the registration table under the read lock,
// for callers (the chaos policy loader) that need a point-in-time view
// without holding c.mu themselves.
func (c *Container) registeredSnapshot() map[Identity]Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Identity]Registration, len(c.registered))
	for k, v := range c.registered {
		out[k] = v
	}
	return out
}

// markHostLoaded records that hostID's activation callback has already
// fired, so future lookups don't retrigger it.
func (c *Container) markHostLoaded(hostID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadedHosts[hostID] {
		return false
	}
	c.loadedHosts[hostID] = true
	return true
}

func (c *Container) hostLoaded(hostID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedHosts[hostID]
}

// publishChange fans an index change out to every subscribed view,
// outside the container lock (C6). entry/affected/otherImpacted feed
// availability.go's per-view filtering.
func (c *Container) publishChange(old *profferSnapshot, entry ProfferedEntry, affected map[Identity]bool, otherImpacted bool) {
	c.subMu.Lock()
	views := make([]*View, 0, len(c.subscribers))
	for v := range c.subscribers {
		views = append(views, v)
	}
	c.subMu.Unlock()

	change := AvailabilityChange{OldSnapshot: old, Entry: entry, AffectedIDs: affected, OtherImpacted: otherImpacted}
	for _, v := range views {
		dispatchAvailabilityChange(v, change)
	}
}

// publishForwardedChange is the entry point LocalSubBroker uses to
// republish its inner broker's events; forwarded changes always carry
// a nil OldSnapshot (no index change happened here).
func (c *Container) publishForwardedChange(entry ProfferedEntry, affected map[Identity]bool, otherImpacted bool) {
	c.publishChange(nil, entry, affected, otherImpacted)
}

func (c *Container) keepaliveSweep() {
	c.mu.RLock()
	snap := c.index.snapshot()
	loadedHosts := len(c.loadedHosts)
	c.mu.RUnlock()
	logger.Debugf("broker: keepalive sweep: %d remote sources, %d loaded hosts", len(snap.remote), loadedHosts)
}

// Shutdown stops the keepalive sweep and disposes every still-proffered
// remote entry, aggregating disposal errors.
func (c *Container) Shutdown(ctx context.Context) error {
	if c.cron != nil {
		c.cron.Stop()
	}
	if c.chaos != nil {
		c.chaos.Close()
	}

	c.mu.RLock()
	snap := c.index.snapshot()
	c.mu.RUnlock()

	var result *multierror.Error
	seen := map[ProfferedEntry]bool{}
	for _, entry := range snap.remote {
		if seen[entry] {
			continue
		}
		seen[entry] = true
		if err := entry.Dispose(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
