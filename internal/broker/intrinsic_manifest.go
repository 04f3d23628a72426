package broker

import (
	"context"
	"sort"
)

// ManifestEntry describes one identity visible to the requesting view,
// annotated with the source that would currently win the lookup for it.
type ManifestEntry struct {
	Identity Identity `json:"identity"`
	Source   Source   `json:"source"`
}

// ManifestResult is the manifestFactory's Service payload: every
// identity the requesting view's audience can currently resolve,
// ordered by identity string for a stable diagnostics dump.
type ManifestResult struct {
	Entries []ManifestEntry `json:"entries"`
}

// manifestFactory is the broker.ManifestService intrinsic: it replays
// the lookup engine for every registered identity against the
// requester's own audience, reporting only the identities that would
// actually resolve for them and the source that wins each one.
func manifestFactory(ctx context.Context, requester *View, identity Identity, opts Options, serviceBroker *View) (*FactoryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snapshot, registered, chaos, generation := requester.container.snapshotForLookup()
	cache := requester.container.resolveCache

	seen := map[Identity]bool{}
	var entries []ManifestEntry
	for regID := range registered {
		probe := regID
		if seen[probe] {
			continue
		}
		seen[probe] = true

		in := lookupInput{
			identity:                  probe,
			audience:                  requester.audience,
			snapshot:                  snapshot,
			registered:                registered,
			chaos:                     chaos,
			isClientOfExclusiveServer: requester.container.isClientOfExclusiveServer,
		}
		result := lookup(in, cache, generation)
		if !result.Hit() {
			continue
		}
		entries = append(entries, ManifestEntry{Identity: result.MatchID, Source: result.Entry.Source()})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity.String() < entries[j].Identity.String()
	})

	return &FactoryResult{
		Service:    &ManifestResult{Entries: entries},
		Descriptor: Descriptor{Identity: identity},
	}, nil
}
