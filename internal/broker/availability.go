package broker

import (
	"github.com/svchub/broker/pkg/logger"
)

// dispatchAvailabilityChange implements the per-view side of C6: given
// a raw index change, intersect it with this view's observed set,
// shrink observed, filter out no-op changes (when OldSnapshot is
// known), and invoke the view's handlers on a background goroutine —
// never on the caller that triggered the change.
func dispatchAvailabilityChange(v *View, change AvailabilityChange) {
	intersected := v.intersectObserved(change.AffectedIDs)
	if len(intersected) == 0 {
		return
	}

	filtered := intersected
	if change.OldSnapshot != nil {
		filtered = filterChangedWinners(v, change.OldSnapshot, intersected)
	}
	if len(filtered) == 0 {
		return
	}

	v.handlersMu.Lock()
	handlers := make([]func(map[Identity]bool, bool), 0, len(v.handlers))
	for _, h := range v.handlers {
		handlers = append(handlers, h)
	}
	v.handlersMu.Unlock()
	if len(handlers) == 0 {
		return
	}

	v.container.metricsHook.ObserveAvailabilityEvent(change.OldSnapshot == nil)
	for _, h := range handlers {
		go runAvailabilityHandler(h, filtered, change.OtherImpacted)
	}
}

// intersectObserved intersects affected with v.observed and removes
// the intersected identities from observed: subsequent changes for
// services this view hasn't looked at again won't notify it again.
func (v *View) intersectObserved(affected map[Identity]bool) map[Identity]bool {
	v.obsMu.Lock()
	defer v.obsMu.Unlock()
	out := map[Identity]bool{}
	for id := range affected {
		if v.observed[id] {
			out[id] = true
			delete(v.observed, id)
		}
	}
	return out
}

// filterChangedWinners re-runs the lookup engine for each candidate
// identity against both the old and the current snapshot, keeping only
// identities whose winning entry actually changed — so a local proffer
// flip stays silent for a view a remote host still wins for.
func filterChangedWinners(v *View, old *profferSnapshot, candidates map[Identity]bool) map[Identity]bool {
	c := v.container
	c.mu.RLock()
	registered := make(map[Identity]Registration, len(c.registered))
	for k, r := range c.registered {
		registered[k] = r
	}
	current := c.index.snapshot()
	chaos := (*chaosPolicy)(nil)
	if c.chaos != nil {
		chaos = c.chaos.snapshot()
	}
	generation := c.generation.Load()
	c.mu.RUnlock()

	out := map[Identity]bool{}
	for id := range candidates {
		oldWinner := winnerFor(id, v.audience, old, registered, chaos, c.isClientOfExclusiveServer)
		newWinner := winnerFor(id, v.audience, current, registered, chaos, c.isClientOfExclusiveServer)
		if oldWinner != newWinner {
			out[id] = true
		}
		_ = generation
	}
	return out
}

// winnerFor runs the lookup engine against a specific snapshot and
// returns an opaque identifier for its winning entry (or "" for a
// miss), used only to compare whether two snapshots agree.
func winnerFor(identity Identity, audience Audience, snapshot *profferSnapshot, registered map[Identity]Registration, chaos *chaosPolicy, isClientOfExclusiveServer bool) ProfferedEntry {
	in := lookupInput{
		identity:                  identity,
		audience:                  audience,
		snapshot:                  snapshot,
		registered:                registered,
		chaos:                     chaos,
		isClientOfExclusiveServer: isClientOfExclusiveServer,
	}
	result := lookup(in, noopResolveCache(), 0)
	if !result.Hit() {
		return nil
	}
	return result.Entry
}

// noopResolveCache builds a tiny throwaway cache for the single lookup
// filterChangedWinners performs per candidate identity; sharing the
// container's real cache here would pollute it with old-snapshot
// results keyed by the same generation as the new snapshot.
func noopResolveCache() *resolveRegistrationCache {
	return newResolveRegistrationCache(8)
}

func runAvailabilityHandler(h func(map[Identity]bool, bool), impacted map[Identity]bool, otherImpacted bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("broker: availability handler panicked: %v", r)
		}
	}()
	h(impacted, otherImpacted)
}
