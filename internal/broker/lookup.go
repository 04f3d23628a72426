package broker

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// lookupResult is either a winning entry with its matched identity, or
// a Miss explaining why not.
type lookupResult struct {
	Entry    ProfferedEntry
	MatchID  Identity
	Miss     Miss
	hasEntry bool
}

func hit(entry ProfferedEntry, matchID Identity) lookupResult {
	return lookupResult{Entry: entry, MatchID: matchID, hasEntry: true}
}

func miss(requested Identity, kind MissKind) lookupResult {
	return lookupResult{Miss: Miss{Identity: requested, Kind: kind}}
}

func (r lookupResult) Hit() bool { return r.hasEntry }

// resolveRegistrationCache memoizes the versionless-fallback resolution
// of (identity -> matched identity, Registration): the fallback is a
// pure function of the registered table's current generation, so a
// small LRU avoids re-walking the map on every hot-path lookup for a
// container with many registrations. The cache is invalidated by
// generation, not by individual entries, since registrations are
// effectively append-only (re-registration is ignored).
type resolveRegistrationCache struct {
	cache *lru.Cache[resolveCacheKey, resolveCacheValue]
}

type resolveCacheKey struct {
	identity   Identity
	generation uint64
}

type resolveCacheValue struct {
	matchID Identity
	reg     Registration
	ok      bool
}

func newResolveRegistrationCache(size int) *resolveRegistrationCache {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[resolveCacheKey, resolveCacheValue](size)
	return &resolveRegistrationCache{cache: c}
}

// resolveIdentity performs the versionless fallback: given (n, v) and
// the registration table, return either the direct hit or, if absent
// and v is set, the entry for (n, nil) with its own identity as the
// match identity. This is the only form of fuzzy match in the system.
func (c *resolveRegistrationCache) resolveIdentity(identity Identity, generation uint64, registered map[Identity]Registration) (matchID Identity, reg Registration, ok bool) {
	key := resolveCacheKey{identity: identity, generation: generation}
	if v, found := c.cache.Get(key); found {
		return v.matchID, v.reg, v.ok
	}

	matchID, reg, ok = resolveUncached(identity, registered)
	c.cache.Add(key, resolveCacheValue{matchID: matchID, reg: reg, ok: ok})
	return matchID, reg, ok
}

func resolveUncached(identity Identity, registered map[Identity]Registration) (Identity, Registration, bool) {
	if reg, ok := registered[identity]; ok {
		return identity, reg, true
	}
	if !identity.Versionless() {
		fallback := identity.versionlessOf()
		if reg, ok := registered[fallback]; ok {
			return fallback, reg, true
		}
	}
	return Identity{}, Registration{}, false
}

// lookupInput bundles the parameters the lookup engine needs beyond
// identity and audience: whether the consumer reached the container
// through the remote IPC facade (for DenyFromRemote), and whether this
// container is itself a client of an exclusive remote server.
type lookupInput struct {
	identity                  Identity
	audience                  Audience
	snapshot                  *profferSnapshot
	registered                map[Identity]Registration
	chaos                     *chaosPolicy
	viaRemoteFacade           bool
	isClientOfExclusiveServer bool
}

// lookup implements the deterministic precedence engine of the
// lookup & precedence engine: resolve the registration, consult chaos
// policy, then walk the remote- or local-preferred source order.
func lookup(in lookupInput, cache *resolveRegistrationCache, generation uint64) lookupResult {
	matchID, reg, ok := cache.resolveIdentity(in.identity, generation, in.registered)
	if !ok {
		return miss(in.identity, NotRegistered)
	}

	if in.chaos.deny(matchID, in.viaRemoteFacade, remoteWouldWin(in, matchID)) {
		return miss(in.identity, ChaosDenied)
	}

	consumerIsLocal := in.audience.IsLocalConsumer()

	if consumerIsLocal {
		for _, src := range remotePreferredOrder {
			if entry, found := in.snapshot.entryAt(src, matchID); found {
				return hit(entry, matchID)
			}
		}
	}

	if !reg.IsExposedTo(in.audience) {
		return miss(in.identity, AudienceMismatch)
	}

	if in.isClientOfExclusiveServer && consumerIsLocal && reg.Audience.Has(TrustedExclusiveClient) {
		return miss(in.identity, LocalHiddenOnRemoteClient)
	}

	if in.snapshot.hasAnyRemote() && reg.IsExposedLocally() && reg.IsExposedRemotely() {
		return miss(in.identity, LocalHiddenOnRemoteClient)
	}

	for _, src := range localPreferredOrder {
		if entry, found := in.snapshot.entryAt(src, matchID); found {
			return hit(entry, matchID)
		}
	}

	return miss(in.identity, FactoryNotProffered)
}

// remoteWouldWin reports whether a remote source is present for
// matchID in the snapshot, used to pick the DenyRemote flavour of
// chaos policy independent of which branch of the precedence walk
// would actually have reached it.
func remoteWouldWin(in lookupInput, matchID Identity) bool {
	for _, src := range remotePreferredOrder {
		if _, found := in.snapshot.entryAt(src, matchID); found {
			return true
		}
	}
	return false
}
