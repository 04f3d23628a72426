package broker

import "testing"

func freshLookupDeps() (*profferIndex, map[Identity]Registration, *resolveRegistrationCache) {
	return newProfferIndex(), map[Identity]Registration{}, newResolveRegistrationCache(16)
}

func TestLookupVersionedExactAndMismatch(t *testing.T) {
	idx, registered, cache := freshLookupDeps()
	calc := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	registered[calc] = Registration{Identity: calc, Audience: Process}
	entry := newInProcessStub(calc)
	if _, _, err := idx.insert(entry, registered); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// v = i.version: resolves.
	hitResult := lookup(lookupInput{identity: calc, audience: Process, snapshot: idx.snapshot(), registered: registered}, cache, 0)
	if !hitResult.Hit() || hitResult.Entry != entry {
		t.Fatalf("expected hit for exact version match, got %+v", hitResult)
	}

	// v != i.version, identity registered only as versioned: NotRegistered.
	mismatched := NewVersionedIdentity("Calc", NewVersion(1, 1, 0))
	missResult := lookup(lookupInput{identity: mismatched, audience: Process, snapshot: idx.snapshot(), registered: registered}, cache, 0)
	if missResult.Hit() || missResult.Miss.Kind != NotRegistered {
		t.Fatalf("expected NotRegistered for version mismatch, got %+v", missResult)
	}
}

func TestLookupVersionlessFallback(t *testing.T) {
	idx, registered, cache := freshLookupDeps()
	calc := NewIdentity("Calc")
	registered[calc] = Registration{Identity: calc, Audience: Process}
	entry := newInProcessStub(calc)
	if _, _, err := idx.insert(entry, registered); err != nil {
		t.Fatalf("insert: %v", err)
	}

	requested := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	result := lookup(lookupInput{identity: requested, audience: Process, snapshot: idx.snapshot(), registered: registered}, cache, 0)
	if !result.Hit() {
		t.Fatalf("expected versionless registration to answer a versioned request, got miss %+v", result.Miss)
	}
	if result.MatchID != calc {
		t.Fatalf("expected match identity %s, got %s", calc, result.MatchID)
	}
}

func TestLookupLocalPreferredOrderWithNoRemote(t *testing.T) {
	idx, registered, cache := freshLookupDeps()
	calc := NewIdentity("Calc")
	registered[calc] = Registration{Identity: calc, Audience: Process | SameMachine}

	machineEntry := newStubEntry(SourceSameMachine, calc)
	if _, _, err := idx.insert(machineEntry, registered); err != nil {
		t.Fatalf("insert machine entry: %v", err)
	}
	processEntry := newInProcessStub(calc)
	if _, _, err := idx.insert(processEntry, registered); err != nil {
		t.Fatalf("insert process entry: %v", err)
	}

	result := lookup(lookupInput{identity: calc, audience: Process, snapshot: idx.snapshot(), registered: registered}, cache, 0)
	if !result.Hit() || result.Entry != processEntry {
		t.Fatalf("expected SameProcess to win over SameMachine, got %+v", result)
	}
}

func TestLookupLocalHiddenOnRemoteClient(t *testing.T) {
	// LocalHiddenOnRemoteClient hides a dual-exposed registration's local
	// proffer from a non-local (remote-side) consumer audience: step 3's
	// remote-preferred walk only runs for local consumers, so a remote
	// consumer audience is required to reach step 6 here.
	idx, registered, cache := freshLookupDeps()
	svc := NewIdentity("S")
	registered[svc] = Registration{Identity: svc, Audience: Process | TrustedExclusiveClient}

	local := newInProcessStub(svc)
	if _, _, err := idx.insert(local, registered); err != nil {
		t.Fatalf("insert local: %v", err)
	}
	remote := &stubEntry{source: SourceTrustedExclusiveClient, monikers: monikerSet(svc)}
	if _, _, err := idx.insert(remote, registered); err != nil {
		t.Fatalf("insert remote: %v", err)
	}

	result := lookup(lookupInput{identity: svc, audience: TrustedExclusiveClient, snapshot: idx.snapshot(), registered: registered}, cache, 0)
	if result.Hit() || result.Miss.Kind != LocalHiddenOnRemoteClient {
		t.Fatalf("expected LocalHiddenOnRemoteClient, got %+v", result)
	}

	// After removing the remote proffer, the local one wins.
	idx.remove(remote)
	result = lookup(lookupInput{identity: svc, audience: TrustedExclusiveClient, snapshot: idx.snapshot(), registered: registered}, cache, 1)
	if !result.Hit() || result.Entry != local {
		t.Fatalf("expected local entry to win after remote removal, got %+v", result)
	}
}

func TestLookupRemotePreferredForLocalConsumerWhenOnlyRemoteIdentityPresent(t *testing.T) {
	// A local consumer still reaches a remote-only proffer: step 3 walks
	// the remote-preferred order before the exposure/local-hiding checks.
	idx, registered, cache := freshLookupDeps()
	svc := NewIdentity("S")
	registered[svc] = Registration{Identity: svc, Audience: TrustedExclusiveServer}
	remote := &stubEntry{source: SourceTrustedServer, monikers: monikerSet(svc)}
	if _, _, err := idx.insert(remote, registered); err != nil {
		t.Fatalf("insert remote: %v", err)
	}

	result := lookup(lookupInput{identity: svc, audience: Process, snapshot: idx.snapshot(), registered: registered}, cache, 0)
	if !result.Hit() || result.Entry != remote {
		t.Fatalf("expected a local consumer to reach the remote-only entry via step 3, got %+v", result)
	}
}

func TestLookupAudienceMismatch(t *testing.T) {
	idx, registered, cache := freshLookupDeps()
	svc := NewIdentity("S")
	registered[svc] = Registration{Identity: svc, Audience: Process}
	entry := newInProcessStub(svc)
	if _, _, err := idx.insert(entry, registered); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result := lookup(lookupInput{identity: svc, audience: LiveShareGuest, snapshot: idx.snapshot(), registered: registered}, cache, 0)
	if result.Hit() || result.Miss.Kind != AudienceMismatch {
		t.Fatalf("expected AudienceMismatch, got %+v", result)
	}
}

func TestLookupChaosDenyAllAndDenyFromRemote(t *testing.T) {
	idx, registered, cache := freshLookupDeps()
	svc := NewIdentity("S")
	registered[svc] = Registration{Identity: svc, Audience: Process}
	entry := newInProcessStub(svc)
	if _, _, err := idx.insert(entry, registered); err != nil {
		t.Fatalf("insert: %v", err)
	}

	denyAll := &chaosPolicy{rules: map[Identity]Availability{svc: DenyAll}}
	result := lookup(lookupInput{identity: svc, audience: Process, snapshot: idx.snapshot(), registered: registered, chaos: denyAll}, cache, 0)
	if result.Hit() || result.Miss.Kind != ChaosDenied {
		t.Fatalf("expected ChaosDenied under DenyAll, got %+v", result)
	}

	denyFromRemote := &chaosPolicy{rules: map[Identity]Availability{svc: DenyFromRemote}}
	direct := lookup(lookupInput{identity: svc, audience: Process, snapshot: idx.snapshot(), registered: registered, chaos: denyFromRemote, viaRemoteFacade: false}, cache, 1)
	if !direct.Hit() {
		t.Fatalf("expected direct GetPipe/GetProxy to be unaffected by DenyFromRemote, got miss %+v", direct.Miss)
	}
	viaRemote := lookup(lookupInput{identity: svc, audience: Process, snapshot: idx.snapshot(), registered: registered, chaos: denyFromRemote, viaRemoteFacade: true}, cache, 1)
	if viaRemote.Hit() || viaRemote.Miss.Kind != ChaosDenied {
		t.Fatalf("expected ChaosDenied for requests via remote facade under DenyFromRemote, got %+v", viaRemote)
	}
}

func TestLookupFactoryNotProfferedWhenRegisteredButNotProffered(t *testing.T) {
	_, registered, cache := freshLookupDeps()
	svc := NewIdentity("S")
	registered[svc] = Registration{Identity: svc, Audience: Process}
	empty := emptyProfferSnapshot()

	result := lookup(lookupInput{identity: svc, audience: Process, snapshot: empty, registered: registered}, cache, 0)
	if result.Hit() || result.Miss.Kind != FactoryNotProffered {
		t.Fatalf("expected FactoryNotProffered, got %+v", result)
	}
}
