package broker

// profferSnapshot is an immutable view of the proffer index, published
// by copy-on-write so readers (the lookup engine, the manifest
// intrinsic) never race a concurrent insert/remove.
type profferSnapshot struct {
	bySource map[Source]map[Identity]ProfferedEntry
	remote   map[Source]ProfferedEntry
}

func emptyProfferSnapshot() *profferSnapshot {
	return &profferSnapshot{
		bySource: make(map[Source]map[Identity]ProfferedEntry),
		remote:   make(map[Source]ProfferedEntry),
	}
}

// entryAt looks up the entry proffered for identity at source, if any.
func (s *profferSnapshot) entryAt(source Source, identity Identity) (ProfferedEntry, bool) {
	byIdentity, ok := s.bySource[source]
	if !ok {
		return nil, false
	}
	e, ok := byIdentity[identity]
	return e, ok
}

// hasAnyRemote reports whether any remote-group source has an entry at
// all, regardless of identity — used by the lookup engine's step 6
// ("a remote source exists in the snapshot at all").
func (s *profferSnapshot) hasAnyRemote() bool {
	return len(s.remote) > 0
}

// clone makes a shallow copy of the two top-level maps (and their
// per-source identity maps) so mutating the clone never touches the
// snapshot still held by readers.
func (s *profferSnapshot) clone() *profferSnapshot {
	out := emptyProfferSnapshot()
	for src, byIdentity := range s.bySource {
		cp := make(map[Identity]ProfferedEntry, len(byIdentity))
		for id, e := range byIdentity {
			cp[id] = e
		}
		out.bySource[src] = cp
	}
	for src, e := range s.remote {
		out.remote[src] = e
	}
	return out
}

// profferIndex holds the currently published snapshot behind the
// container lock. The registration table insert validates against is
// passed in by the caller; the index keeps no copy of it.
type profferIndex struct {
	current *profferSnapshot
}

func newProfferIndex() *profferIndex {
	return &profferIndex{current: emptyProfferSnapshot()}
}

// insert installs entry at its source for every identity in its
// monikers. Every caller must already hold the container lock.
//
// Preconditions (violations are ErrInvariantViolation, index left
// unchanged): every identity in entry.Monikers() must be present in
// registered, and must not already occupy the target source's slot.
// Remote-group sources additionally require their remote_sources slot
// to be free.
func (idx *profferIndex) insert(entry ProfferedEntry, registered map[Identity]Registration) (old *profferSnapshot, affected map[Identity]bool, err error) {
	monikers := entry.Monikers()
	for id := range monikers {
		if _, ok := registered[id]; !ok {
			return nil, nil, &ErrInvariantViolation{Reason: "identity " + id.String() + " in monikers is not registered"}
		}
		if byIdentity, ok := idx.current.bySource[entry.Source()]; ok {
			if _, occupied := byIdentity[id]; occupied {
				return nil, nil, &ErrInvariantViolation{Reason: "identity " + id.String() + " already proffered at source " + entry.Source().String()}
			}
		}
	}
	if entry.Source().IsRemote() {
		if _, occupied := idx.current.remote[entry.Source()]; occupied {
			return nil, nil, &ErrInvariantViolation{Reason: "source " + entry.Source().String() + " already has a remote proffer"}
		}
	}

	old = idx.current
	if len(monikers) == 0 {
		return old, monikers, nil
	}
	next := idx.current.clone()
	byIdentity, ok := next.bySource[entry.Source()]
	if !ok {
		byIdentity = make(map[Identity]ProfferedEntry)
		next.bySource[entry.Source()] = byIdentity
	}
	for id := range monikers {
		byIdentity[id] = entry
	}
	if entry.Source().IsRemote() {
		next.remote[entry.Source()] = entry
	}
	idx.current = next

	return old, monikers, nil
}

// remove uninstalls entry. For SameProcess/SameMachine sources it
// removes only entry's own identities; for remote sources it removes
// the entire source slot from both tables (there is at most one entry
// per remote source, so "entry's identities" and "the source's
// identities" coincide, but removal is expressed source-wise to match
// the remote_sources invariant directly).
func (idx *profferIndex) remove(entry ProfferedEntry) (old *profferSnapshot, affected map[Identity]bool) {
	old = idx.current
	next := idx.current.clone()

	affected = make(map[Identity]bool)
	if byIdentity, ok := next.bySource[entry.Source()]; ok {
		if entry.Source().IsRemote() {
			for id := range byIdentity {
				affected[id] = true
			}
			delete(next.bySource, entry.Source())
		} else {
			for id := range entry.Monikers() {
				if _, present := byIdentity[id]; present {
					delete(byIdentity, id)
					affected[id] = true
				}
			}
		}
	}
	if entry.Source().IsRemote() {
		delete(next.remote, entry.Source())
	}

	idx.current = next
	return old, affected
}

// snapshot returns the currently published snapshot.
func (idx *profferIndex) snapshot() *profferSnapshot {
	return idx.current
}
