package broker

import (
	"context"
	"net"
	"testing"
)

// stubEntry is a minimal ProfferedEntry for index-level tests that
// never need to actually dispatch a request.
type stubEntry struct {
	source   Source
	monikers map[Identity]bool
}

func (e *stubEntry) Source() Source             { return e.source }
func (e *stubEntry) Monikers() map[Identity]bool { return e.monikers }

func (e *stubEntry) GetPipe(ctx context.Context, requester *View, identity Identity, opts Options) (net.Conn, error) {
	return nil, nil
}

func (e *stubEntry) GetProxy(ctx context.Context, requester *View, identity Identity, opts Options) (any, error) {
	return nil, nil
}

func (e *stubEntry) Dispose() error { return nil }

func newStubEntry(source Source, ids ...Identity) *stubEntry {
	return &stubEntry{source: source, monikers: monikerSet(ids...)}
}

func TestProfferIndexInsertAndLookup(t *testing.T) {
	idx := newProfferIndex()
	calc := NewIdentity("Calc")
	registered := map[Identity]Registration{calc: {Identity: calc, Audience: Process}}

	entry := newInProcessStub(calc)
	_, affected, err := idx.insert(entry, registered)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !affected[calc] {
		t.Fatalf("expected calc in affected set")
	}

	snap := idx.snapshot()
	got, ok := snap.entryAt(SourceSameProcess, calc)
	if !ok || got != entry {
		t.Fatalf("expected entry at SameProcess for %s", calc)
	}
}

func TestProfferIndexRejectsUnregisteredMoniker(t *testing.T) {
	idx := newProfferIndex()
	calc := NewIdentity("Calc")
	entry := newInProcessStub(calc)

	_, _, err := idx.insert(entry, map[Identity]Registration{})
	if err == nil {
		t.Fatal("expected ErrInvariantViolation for unregistered moniker")
	}
	if len(idx.snapshot().bySource) != 0 {
		t.Fatal("index must be left unchanged after a rejected insert")
	}
}

func TestProfferIndexRejectsDuplicateSlot(t *testing.T) {
	idx := newProfferIndex()
	calc := NewIdentity("Calc")
	registered := map[Identity]Registration{calc: {Identity: calc, Audience: Process}}

	first := newInProcessStub(calc)
	if _, _, err := idx.insert(first, registered); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second := newInProcessStub(calc)
	if _, _, err := idx.insert(second, registered); err == nil {
		t.Fatal("expected ErrInvariantViolation for duplicate slot")
	}
}

func TestProfferIndexRejectsDuplicateRemoteSource(t *testing.T) {
	idx := newProfferIndex()
	a := NewIdentity("A")
	b := NewIdentity("B")
	registered := map[Identity]Registration{
		a: {Identity: a, Audience: TrustedExclusiveClient},
		b: {Identity: b, Audience: TrustedExclusiveClient},
	}

	first := &stubEntry{source: SourceTrustedServer, monikers: monikerSet(a)}
	if _, _, err := idx.insert(first, registered); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second := &stubEntry{source: SourceTrustedServer, monikers: monikerSet(b)}
	if _, _, err := idx.insert(second, registered); err == nil {
		t.Fatal("expected ErrInvariantViolation for second remote proffer at an occupied source")
	}
}

func TestProfferIndexEmptyMonikersIsANoOp(t *testing.T) {
	idx := newProfferIndex()
	entry := &stubEntry{source: SourceSameProcess, monikers: map[Identity]bool{}}
	before := idx.snapshot()
	_, affected, err := idx.insert(entry, map[Identity]Registration{})
	if err != nil {
		t.Fatalf("insert with empty monikers should be accepted: %v", err)
	}
	if len(affected) != 0 {
		t.Fatalf("expected no affected identities, got %v", affected)
	}
	after := idx.snapshot()
	if len(after.bySource) != len(before.bySource) {
		t.Fatal("expected no observable index change for an empty-moniker proffer")
	}
}

func TestProfferIndexRemoveRestoresSnapshot(t *testing.T) {
	idx := newProfferIndex()
	calc := NewIdentity("Calc")
	registered := map[Identity]Registration{calc: {Identity: calc, Audience: Process}}
	entry := newInProcessStub(calc)

	before := idx.snapshot()
	if _, _, err := idx.insert(entry, registered); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, affected := idx.remove(entry)
	if !affected[calc] {
		t.Fatalf("expected calc in affected set on removal")
	}
	after := idx.snapshot()
	if _, ok := after.entryAt(SourceSameProcess, calc); ok {
		t.Fatal("expected no entry after removal")
	}
	if len(after.bySource[SourceSameProcess]) != len(before.bySource[SourceSameProcess]) {
		t.Fatal("remove did not restore the pre-proffer shape")
	}
}

// newInProcessStub is a convenience wrapper so index tests don't
// need a real Container just to get a ProfferedEntry.
func newInProcessStub(id Identity) *stubEntry {
	return newStubEntry(SourceSameProcess, id)
}
