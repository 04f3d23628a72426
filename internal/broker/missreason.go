package broker

// MissKind is the reason a lookup did not produce a winning entry. A
// miss is a value, not an error: failing to find a service is part of
// the normal contract, not a fault.
type MissKind string

const (
	NoExplanation           MissKind = "NoExplanation"
	NotRegistered           MissKind = "NotRegistered"
	ChaosDenied             MissKind = "ChaosDenied"
	AudienceMismatch        MissKind = "AudienceMismatch"
	FactoryNotProffered     MissKind = "FactoryNotProffered"
	FactoryReturnedNull     MissKind = "FactoryReturnedNull"
	FactoryFaulted          MissKind = "FactoryFaulted"
	LocalHiddenOnRemoteClient MissKind = "LocalHiddenOnRemoteClient"
)

// Miss pairs a MissKind with the Identity it was produced for, so callers
// further up the stack (telemetry, the missing-service analyzer) don't
// have to thread the identity alongside the reason separately.
type Miss struct {
	Identity Identity
	Kind     MissKind
}

func (m Miss) String() string {
	return string(m.Kind) + " for " + m.Identity.String()
}
