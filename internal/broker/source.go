package broker

// Source is the ordered enumeration of where a ProfferedEntry's service
// lives. Order matters: it is the basis of the two precedence lists below.
type Source int

const (
	SourceSameProcess Source = iota
	SourceSameMachine
	SourceTrustedServer
	SourceUntrustedServer
	SourceTrustedExclusiveServer
	SourceTrustedExclusiveClient
)

func (s Source) String() string {
	switch s {
	case SourceSameProcess:
		return "SameProcess"
	case SourceSameMachine:
		return "SameMachine"
	case SourceTrustedServer:
		return "TrustedServer"
	case SourceUntrustedServer:
		return "UntrustedServer"
	case SourceTrustedExclusiveServer:
		return "TrustedExclusiveServer"
	case SourceTrustedExclusiveClient:
		return "TrustedExclusiveClient"
	default:
		return "Unknown"
	}
}

// IsRemote reports whether s is one of the sources strictly after
// SourceSameMachine — the "remote group" that the proffer index also
// tracks in its remote_sources table (at most one entry per such source).
func (s Source) IsRemote() bool {
	return s > SourceSameMachine
}

// remotePreferredOrder is walked for local consumers: prefer a trusted
// exclusive client connection, then a trusted exclusive server, then any
// trusted server, then an untrusted one.
var remotePreferredOrder = []Source{
	SourceTrustedExclusiveClient,
	SourceTrustedExclusiveServer,
	SourceTrustedServer,
	SourceUntrustedServer,
}

// localPreferredOrder is walked once no remote source wins: prefer the
// same process over another process on the same machine.
var localPreferredOrder = []Source{
	SourceSameProcess,
	SourceSameMachine,
}
