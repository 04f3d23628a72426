package broker

// Audience is a bit set over the fixed consumer/provider elements a
// registration can be exposed to, or a view can present as.
type Audience uint8

const (
	// Process grants visibility to same-process consumers.
	Process Audience = 1 << iota
	// SameMachine grants visibility to consumers on the same machine;
	// it implies Process (see Normalize).
	SameMachine
	// TrustedExclusiveClient marks the service as exposed to a trusted
	// remote client that owns an exclusive connection to this process.
	TrustedExclusiveClient
	// LiveShareGuest grants visibility to guest clients of a shared session.
	LiveShareGuest
	// TrustedExclusiveServer marks the service as provided by, or exposed
	// to, a trusted remote server that this process depends on exclusively.
	TrustedExclusiveServer
	// PublicSdk grants visibility to any SDK-facing client.
	PublicSdk
)

// allAudienceBits is the full known bit set, used for validation and tests.
const allAudienceBits = Process | SameMachine | TrustedExclusiveClient |
	LiveShareGuest | TrustedExclusiveServer | PublicSdk

// Normalize applies implication rules: SameMachine implies Process.
func (a Audience) Normalize() Audience {
	if a&SameMachine != 0 {
		a |= Process
	}
	return a
}

// Has reports whether every bit in want is present in a.
func (a Audience) Has(want Audience) bool {
	return a&want == want
}

// IsSubsetOf reports whether a ⊆ o: every bit a presents is also set in o.
func (a Audience) IsSubsetOf(o Audience) bool {
	return a&^o == 0
}

// Intersects reports whether a and o share any bit.
func (a Audience) Intersects(o Audience) bool {
	return a&o != 0
}

// Empty reports whether no bit is set — "no filter" when used as a
// view's consuming audience.
func (a Audience) Empty() bool {
	return a == 0
}

// localAudienceMask is the set of bits that make a consumer "local".
const localAudienceMask = Process | SameMachine

// remoteAudienceMask is the set of bits that make a registration
// remotely exposed.
const remoteAudienceMask = TrustedExclusiveClient | TrustedExclusiveServer | LiveShareGuest

// IsLocalConsumer reports whether a is non-empty and a subset of
// {Process, SameMachine} — the definition of "local consumer".
func (a Audience) IsLocalConsumer() bool {
	return !a.Empty() && a.IsSubsetOf(localAudienceMask)
}

// ExposedTo reports whether a registration with audience a is exposed to
// a consumer presenting audience consumer: consumer ⊆ a. The empty
// consumer audience means "no filter" and is always exposed.
func (a Audience) ExposedTo(consumer Audience) bool {
	if consumer.Empty() {
		return true
	}
	return consumer.IsSubsetOf(a)
}

// ExposedLocally reports whether a intersects {Process, SameMachine}.
func (a Audience) ExposedLocally() bool {
	return a.Intersects(localAudienceMask)
}

// ExposedRemotely reports whether a intersects
// {TrustedExclusiveClient, TrustedExclusiveServer, LiveShareGuest}.
func (a Audience) ExposedRemotely() bool {
	return a.Intersects(remoteAudienceMask)
}

var audienceNames = []struct {
	bit  Audience
	name string
}{
	{Process, "Process"},
	{SameMachine, "SameMachine"},
	{TrustedExclusiveClient, "TrustedExclusiveClient"},
	{LiveShareGuest, "LiveShareGuest"},
	{TrustedExclusiveServer, "TrustedExclusiveServer"},
	{PublicSdk, "PublicSdk"},
}

// String renders the set elements joined by "|", or "None".
func (a Audience) String() string {
	if a.Empty() {
		return "None"
	}
	out := ""
	for _, e := range audienceNames {
		if a.Has(e.bit) {
			if out != "" {
				out += "|"
			}
			out += e.name
		}
	}
	return out
}
