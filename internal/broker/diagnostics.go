package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BrokeredServiceDiagnostic is one row of the diagnostics export's
// brokeredServices array.
type BrokeredServiceDiagnostic struct {
	Name                               string `json:"name"`
	Version                            string `json:"version,omitempty"`
	Audience                           string `json:"audience"`
	AllowGuestClients                  bool   `json:"allowGuestClients"`
	ProfferingPackage                  string `json:"profferingPackage,omitempty"`
	ProfferedLocally                   bool   `json:"profferedLocally"`
	ActiveSource                       string `json:"activeSource,omitempty"`
	LocalSourceBlockedByExclusiveClient bool  `json:"localSourceBlockedByExclusiveClient"`
	IncludedByRemoteSourceManifest     bool   `json:"includedByRemoteSourceManifest"`
}

// Diagnostics is the container's on-demand introspection export (§6):
// a snapshot of every registered identity from the perspective of a
// given consuming audience.
type Diagnostics struct {
	PerspectiveAudience                      string                      `json:"perspectiveAudience"`
	ActiveRemoteSources                      []string                    `json:"activeRemoteSources"`
	LocalServicesBlockedDueToExclusiveClient bool                        `json:"localServicesBlockedDueToExclusiveClient"`
	BrokeredServices                         []BrokeredServiceDiagnostic `json:"brokeredServices"`
}

// Diagnose builds a Diagnostics snapshot from perspective's audience.
func (c *Container) Diagnose(perspective Audience) Diagnostics {
	perspective = perspective.Normalize()
	snapshot, registered, _, _ := c.snapshotForLookup()

	var activeRemote []string
	for src := range snapshot.remote {
		activeRemote = append(activeRemote, src.String())
	}

	out := Diagnostics{
		PerspectiveAudience:                      perspective.String(),
		ActiveRemoteSources:                      activeRemote,
		LocalServicesBlockedDueToExclusiveClient: c.isClientOfExclusiveServer && perspective.IsLocalConsumer(),
	}

	for id, reg := range registered {
		row := BrokeredServiceDiagnostic{
			Name:              id.Name,
			Version:           id.Version.String(),
			Audience:          reg.Audience.String(),
			AllowGuestClients: reg.AllowGuestClients,
			ProfferingPackage: c.profferingPackage,
		}

		if entry, ok := localPreferredEntry(snapshot, id); ok {
			row.ProfferedLocally = true
			row.ActiveSource = entry.Source().String()
		}
		if remoteEntry, ok := remotePreferredEntry(snapshot, id); ok {
			row.ActiveSource = remoteEntry.Source().String()
		}
		row.LocalSourceBlockedByExclusiveClient = row.ProfferedLocally &&
			c.isClientOfExclusiveServer && reg.Audience.Has(TrustedExclusiveClient)
		row.IncludedByRemoteSourceManifest = snapshot.hasAnyRemote() && reg.IsExposedLocally() && reg.IsExposedRemotely()

		out.BrokeredServices = append(out.BrokeredServices, row)
	}
	return out
}

func localPreferredEntry(snapshot *profferSnapshot, id Identity) (ProfferedEntry, bool) {
	for _, src := range localPreferredOrder {
		if e, ok := snapshot.entryAt(src, id); ok {
			return e, true
		}
	}
	return nil, false
}

func remotePreferredEntry(snapshot *profferSnapshot, id Identity) (ProfferedEntry, bool) {
	for _, src := range remotePreferredOrder {
		if e, ok := snapshot.entryAt(src, id); ok {
			return e, true
		}
	}
	return nil, false
}

// RegisterDiagnosticsRoute mounts the diagnostics export at path on a
// gin engine, reading the perspective audience from the "audience"
// query parameter (a decimal Audience bitmask; 0 or absent means the
// full-access perspective).
func (c *Container) RegisterDiagnosticsRoute(engine *gin.Engine, path string) {
	engine.GET(path, func(ctx *gin.Context) {
		audience := parseAudienceParam(ctx.Query("audience"))
		ctx.JSON(http.StatusOK, c.Diagnose(audience))
	})
}

func parseAudienceParam(raw string) Audience {
	if raw == "" {
		return allAudienceBits
	}
	var n uint64
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return allAudienceBits
		}
		n = n*10 + uint64(ch-'0')
	}
	return Audience(n)
}
