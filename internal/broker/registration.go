package broker

// Registration is the immutable record installed by RegisterServices. It
// never changes after insertion; re-registering the same Identity is
// ignored with a warning (see Container.RegisterServices).
type Registration struct {
	Identity Identity
	Audience Audience

	// ProfferingHostID, if set, names a host that must be activated
	// (via ActivateHost) before this identity's factory becomes
	// available. Empty means no activation is required.
	ProfferingHostID string

	// AllowGuestClients, when false, requires the dispatcher to confirm
	// "client is owner" with the authorization service before invoking
	// the factory (see entry.go's authorization precondition).
	AllowGuestClients bool

	// ExtraInterfaceNames lists additional RPC interface names the
	// service's descriptor should advertise alongside its primary one.
	ExtraInterfaceNames []string

	// activateHost is invoked at most once per ProfferingHostID (the
	// container tracks loaded hosts by ID, so registrations sharing a
	// host ID share one activation), the first time a lookup for it
	// misses with FactoryNotProffered. A nil
	// activateHost means the identity has no host-activation step.
	activateHost func() error
}

// WithHostActivation attaches a best-effort host-activation callback,
// returning the same Registration for chaining at registration time.
func (r Registration) WithHostActivation(hostID string, activate func() error) Registration {
	r.ProfferingHostID = hostID
	r.activateHost = activate
	return r
}

// ActivateHost runs the registration's activation callback, if any.
func (r Registration) ActivateHost() error {
	if r.activateHost == nil {
		return nil
	}
	return r.activateHost()
}

// HasHostActivation reports whether this registration names a host and
// carries an activation callback. Whether that host has already been
// triggered is tracked by the container, not by the Registration.
func (r Registration) HasHostActivation() bool {
	return r.ProfferingHostID != "" && r.activateHost != nil
}

// IsExposedLocally reports whether the registration's audience
// intersects {Process, SameMachine}.
func (r Registration) IsExposedLocally() bool {
	return r.Audience.ExposedLocally()
}

// IsExposedRemotely reports whether the registration's audience
// intersects {TrustedExclusiveClient, TrustedExclusiveServer, LiveShareGuest}.
func (r Registration) IsExposedRemotely() bool {
	return r.Audience.ExposedRemotely()
}

// IsExposedTo reports whether consumer ⊆ r.Audience.
func (r Registration) IsExposedTo(consumer Audience) bool {
	return r.Audience.ExposedTo(consumer)
}
